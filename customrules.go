package yblocker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the custom rule file must be quiet
// before a change is applied.
const DefaultWatchDebounce = 500 * time.Millisecond

// CustomRules owns the custom rule file and the ids of the rules it
// loaded into the engine. Every reload is a full replace: the previously
// loaded ids are removed in the same delta that adds the new rules.
type CustomRules struct {
	// Engine receives the rule deltas.
	Engine Engine

	// Metrics collects reload metrics (optional).
	Metrics *Metrics

	// Logger for reload events
	Logger *slog.Logger

	path string

	mu     sync.Mutex
	ids    []RuleID
	text   string
	loaded bool

	version atomic.Uint64
}

// NewCustomRules creates a manager for the rule file at path.
func NewCustomRules(path string, engine Engine) *CustomRules {
	return &CustomRules{
		Engine: engine,
		Logger: slog.Default(),
		path:   path,
	}
}

// Path returns the custom rule file path.
func (c *CustomRules) Path() string {
	return c.path
}

// Version returns the number of deltas applied so far.
func (c *CustomRules) Version() uint64 {
	return c.version.Load()
}

// IDs returns the ids of the currently loaded custom rules.
func (c *CustomRules) IDs() []RuleID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ids)
}

// Reload reads the rule file and replaces the loaded custom rules with
// its contents. A missing file is an empty rule set. Reloading unchanged
// content is a no-op.
func (c *CustomRules) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.recordReload(err)
		return fmt.Errorf("read custom rules: %w", err)
	}

	text := string(data)
	if c.loaded && text == c.text {
		c.Logger.Debug("custom rules unchanged", "path", c.path)
		return nil
	}
	return c.applyLocked(text)
}

// Replace overwrites the rule file with text and reloads it. The engine
// is left untouched when the file cannot be written.
func (c *CustomRules) Replace(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.recordReload(err)
			return fmt.Errorf("create rules directory: %w", err)
		}
	}
	if err := writeFileAtomic(c.path, []byte(text), 0o644); err != nil {
		c.recordReload(err)
		return fmt.Errorf("write custom rules: %w", err)
	}
	return c.applyLocked(text)
}

func (c *CustomRules) applyLocked(text string) error {
	lines, err := ParseRuleText(strings.NewReader(text))
	if err != nil {
		c.recordReload(err)
		return fmt.Errorf("parse custom rules: %w", err)
	}

	removed := len(c.ids)
	ids, err := c.Engine.Apply(RuleDelta{Added: lines, Removed: c.ids})
	if err != nil {
		c.recordReload(err)
		return fmt.Errorf("apply custom rules: %w", err)
	}

	c.ids = ids
	c.text = text
	c.loaded = true
	v := c.version.Add(1)

	c.recordReload(nil)
	if c.Metrics != nil {
		c.Metrics.SetRuleCount(c.Engine.Count())
	}
	c.Logger.Info("custom rules loaded",
		"path", c.path,
		"version", v,
		"rules", len(ids),
		"removed", removed,
	)
	return nil
}

func (c *CustomRules) recordReload(err error) {
	if c.Metrics == nil {
		return
	}
	if err != nil {
		c.Metrics.RecordRuleReload("error")
		return
	}
	c.Metrics.RecordRuleReload("success")
}

// Watch reloads the rule file whenever it is written, created, renamed or
// removed, once the file has been quiet for debounce. It blocks until ctx
// is done.
func (c *CustomRules) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	target, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory so atomic renames over the file are seen.
	dir := filepath.Dir(target)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&relevant == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.Logger.Warn("custom rules watcher", "error", err)

		case <-fire:
			fire = nil
			if err := c.Reload(ctx); err != nil {
				c.Logger.Error("custom rules reload failed", "path", c.path, "error", err)
			}
		}
	}
}
