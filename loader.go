package yblocker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// RuleLoader defines the interface for loading rule lines from a source.
type RuleLoader interface {
	// Load reads the source and returns its rule lines.
	Load(ctx context.Context) ([]string, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls the underlying function to load rules.
func (f RuleLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// URLLoader fetches a filter list over HTTP(S).
type URLLoader struct {
	// URL of the filter list
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client
}

// NewURLLoader creates a loader that fetches a filter list from a URL.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint}
}

// Load implements RuleLoader.
func (l *URLLoader) Load(ctx context.Context) ([]string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", l.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status: %d", l.URL, resp.StatusCode)
	}

	return ParseRuleText(resp.Body)
}

// FileLoader reads a filter list from a local file.
type FileLoader struct {
	// Path to the rule file
	Path string

	// Optional makes a missing file load as an empty list.
	Optional bool
}

// NewFileLoader creates a loader for the rule file at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements RuleLoader.
func (l *FileLoader) Load(_ context.Context) ([]string, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		if l.Optional && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseRuleText(f)
}

// StaticLoader returns a fixed set of rule lines.
type StaticLoader struct {
	Rules []string
}

// NewStaticLoader creates a loader with a fixed set of rules.
func NewStaticLoader(rules ...string) *StaticLoader {
	return &StaticLoader{Rules: rules}
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(context.Context) ([]string, error) {
	return l.Rules, nil
}

// MultiLoader concatenates the rules of several loaders in order.
type MultiLoader struct {
	Loaders []RuleLoader

	// ContinueOnError skips failing loaders instead of failing the load.
	ContinueOnError bool

	// OnError is called for each failing loader when ContinueOnError is set.
	OnError func(index int, err error)
}

// NewMultiLoader creates a loader that combines rules from multiple sources.
func NewMultiLoader(loaders ...RuleLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements RuleLoader by loading from all configured loaders.
func (m *MultiLoader) Load(ctx context.Context) ([]string, error) {
	var all []string
	failed := 0

	for i, loader := range m.Loaders {
		rules, err := loader.Load(ctx)
		if err != nil {
			if !m.ContinueOnError || ctx.Err() != nil {
				return nil, fmt.Errorf("loader %d: %w", i, err)
			}
			failed++
			if m.OnError != nil {
				m.OnError(i, err)
			}
			continue
		}
		all = append(all, rules...)
	}

	if len(m.Loaders) > 0 && failed == len(m.Loaders) {
		return nil, errors.New("all rule sources failed")
	}
	return all, nil
}

// LoaderForSource returns a loader for a filter list locator: http(s)
// URLs are fetched with client, file:// URLs and plain paths are read
// from disk.
func LoaderForSource(source string, client *http.Client) RuleLoader {
	if u, err := url.Parse(source); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return &URLLoader{URL: source, Client: client}
		case "file":
			return NewFileLoader(u.Path)
		}
	}
	return NewFileLoader(source)
}

// NewSourcesLoader builds a MultiLoader over filter list locators.
func NewSourcesLoader(sources []string, client *http.Client) *MultiLoader {
	loaders := make([]RuleLoader, 0, len(sources))
	for _, src := range sources {
		loaders = append(loaders, LoaderForSource(src, client))
	}
	return NewMultiLoader(loaders...)
}
