package yblocker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// RequestDescriptor describes a request for rule matching.
type RequestDescriptor struct {
	// URL is the full request URL.
	URL string

	// Hostname is the request host without port, lowercased.
	Hostname string

	// Domain is the registrable domain (eTLD+1) of Hostname.
	Domain string

	// SourceHostname and SourceDomain describe the page that issued the
	// request, taken from the Referer header. Empty for navigations.
	SourceHostname string
	SourceDomain   string

	// Type is the Sec-Fetch-Dest value sent by the browser, if any.
	Type string
}

// Cosmetics holds page adjustments computed for a document.
type Cosmetics struct {
	// Styles is a stylesheet to inject, empty if none.
	Styles string

	// Scripts are script bodies to inject, in rule order.
	Scripts []string
}

// Empty reports whether there is nothing to inject.
func (c Cosmetics) Empty() bool {
	return c.Styles == "" && len(c.Scripts) == 0
}

// RuleDelta is a versioned change to an engine's rules: Removed ids are
// dropped before Added rule lines are parsed and loaded.
type RuleDelta struct {
	Added   []string
	Removed []RuleID
}

// Engine computes block verdicts and cosmetic adjustments from rules.
type Engine interface {
	// Match reports whether the request should be blocked.
	Match(d RequestDescriptor) (bool, error)

	// Cosmetics returns the adjustments for a document at d.
	Cosmetics(d RequestDescriptor) (Cosmetics, error)

	// Apply removes and adds rules, returning the ids of the added rules
	// that were accepted.
	Apply(delta RuleDelta) ([]RuleID, error)

	// Count returns the number of loaded rules.
	Count() int
}

// FilterEngine is an Engine for AdGuard/Adblock Plus style filter lists.
// Lookups read an immutable index that Apply swaps atomically.
type FilterEngine struct {
	// Logger for engine events
	Logger *slog.Logger

	mu      sync.Mutex
	rules   map[RuleID]*rule
	nextID  RuleID
	skipped int

	index atomic.Pointer[ruleIndex]
}

// NewFilterEngine creates an empty engine.
func NewFilterEngine() *FilterEngine {
	e := &FilterEngine{
		Logger: slog.Default(),
		rules:  make(map[RuleID]*rule),
	}
	e.index.Store(buildIndex(nil))
	return e
}

// LoadEngine creates an engine holding the rules produced by loader.
func LoadEngine(ctx context.Context, loader RuleLoader) (*FilterEngine, error) {
	lines, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	e := NewFilterEngine()
	if _, err := e.Apply(RuleDelta{Added: lines}); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply implements Engine.
func (e *FilterEngine) Apply(delta RuleDelta) ([]RuleID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range delta.Removed {
		delete(e.rules, id)
	}

	ids := make([]RuleID, 0, len(delta.Added))
	for _, line := range delta.Added {
		r, err := parseRule(line)
		if err != nil {
			if !errors.Is(err, errRuleComment) {
				e.skipped++
			}
			continue
		}
		e.nextID++
		r.id = e.nextID
		e.rules[r.id] = r
		ids = append(ids, r.id)
	}

	all := make([]*rule, 0, len(e.rules))
	for _, r := range e.rules {
		all = append(all, r)
	}
	slices.SortFunc(all, byRuleID)
	e.index.Store(buildIndex(all))

	e.Logger.Debug("rules applied",
		"added", len(ids),
		"removed", len(delta.Removed),
		"total", len(e.rules),
		"skipped", e.skipped,
	)
	return ids, nil
}

// Count implements Engine.
func (e *FilterEngine) Count() int {
	return e.index.Load().count
}

// Skipped returns the number of rule lines that could not be used.
func (e *FilterEngine) Skipped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped
}

// Match implements Engine.
func (e *FilterEngine) Match(d RequestDescriptor) (bool, error) {
	idx := e.index.Load()
	typ := fetchDestType(d.Type)

	block := idx.findNetwork(idx.blockByHost, idx.block, d, typ, false)
	if block == nil {
		return false, nil
	}

	allow := idx.findNetwork(idx.allowByHost, idx.allow, d, typ, false)
	if allow == nil {
		return true, nil
	}
	if allow.important {
		return false, nil
	}
	return idx.findNetwork(idx.blockByHost, idx.block, d, typ, true) != nil, nil
}

// Cosmetics implements Engine.
func (e *FilterEngine) Cosmetics(d RequestDescriptor) (Cosmetics, error) {
	idx := e.index.Load()
	host := d.Hostname

	elemhide, genericOff := false, false
	for _, r := range idx.pageExceptions {
		if r.matchesRequest(d, 0) && r.re.MatchString(d.URL) {
			elemhide = elemhide || r.elemhide
			genericOff = genericOff || r.genericOff
		}
	}

	var styles strings.Builder
	if !elemhide {
		excluded := make(map[string]bool)
		for _, r := range idx.hideExceptions {
			if r.domains.matches(host) {
				excluded[r.body] = true
			}
		}

		seen := make(map[string]bool)
		writeSelector := func(r *rule) {
			if excluded[r.body] || seen[r.body] {
				return
			}
			seen[r.body] = true
			styles.WriteString(r.body)
			styles.WriteString(" { display: none !important; }\n")
		}

		if !genericOff {
			for _, r := range idx.hideGeneric {
				if r.domains.matches(host) {
					writeSelector(r)
				}
			}
		}
		for _, r := range idx.specific(idx.hideByDomain, host) {
			writeSelector(r)
		}
	}

	for _, r := range idx.styles {
		if r.domains.matches(host) && (!genericOff || !r.domains.generic()) {
			styles.WriteString(r.body)
			styles.WriteString("\n")
		}
	}

	var scripts []string
	for _, r := range idx.scripts {
		if r.domains.matches(host) {
			scripts = append(scripts, r.body)
		}
	}

	return Cosmetics{Styles: strings.TrimSuffix(styles.String(), "\n"), Scripts: scripts}, nil
}

// ruleIndex is an immutable lookup structure over a rule set.
type ruleIndex struct {
	blockByHost map[string][]*rule
	block       []*rule
	allowByHost map[string][]*rule
	allow       []*rule

	pageExceptions []*rule

	hideGeneric    []*rule
	hideByDomain   map[string][]*rule
	hideExceptions []*rule
	styles         []*rule
	scripts        []*rule

	count int
}

func buildIndex(rules []*rule) *ruleIndex {
	idx := &ruleIndex{
		blockByHost:  make(map[string][]*rule),
		allowByHost:  make(map[string][]*rule),
		hideByDomain: make(map[string][]*rule),
		count:        len(rules),
	}

	for _, r := range rules {
		switch r.kind {
		case kindBlock:
			if r.host != "" {
				idx.blockByHost[r.host] = append(idx.blockByHost[r.host], r)
			} else {
				idx.block = append(idx.block, r)
			}
		case kindAllow:
			if r.host != "" {
				idx.allowByHost[r.host] = append(idx.allowByHost[r.host], r)
			} else {
				idx.allow = append(idx.allow, r)
			}
		case kindPageException:
			idx.pageExceptions = append(idx.pageExceptions, r)
		case kindHide:
			if r.domains.generic() {
				idx.hideGeneric = append(idx.hideGeneric, r)
			} else {
				for _, d := range r.domains.include {
					idx.hideByDomain[d] = append(idx.hideByDomain[d], r)
				}
			}
		case kindHideException:
			idx.hideExceptions = append(idx.hideExceptions, r)
		case kindStyle:
			idx.styles = append(idx.styles, r)
		case kindScript:
			idx.scripts = append(idx.scripts, r)
		}
	}

	return idx
}

// findNetwork returns the first rule matching d, checking hostname-indexed
// rules before pattern rules.
func (idx *ruleIndex) findNetwork(byHost map[string][]*rule, list []*rule, d RequestDescriptor, typ uint16, importantOnly bool) *rule {
	for suffix := range hostSuffixes(d.Hostname) {
		for _, r := range byHost[suffix] {
			if importantOnly && !r.important {
				continue
			}
			if r.matchesRequest(d, typ) {
				return r
			}
		}
	}

	for _, r := range list {
		if importantOnly && !r.important {
			continue
		}
		if r.matchesRequest(d, typ) && r.re.MatchString(d.URL) {
			return r
		}
	}
	return nil
}

// specific returns the domain-scoped rules applying to host, deduplicated
// and in rule order.
func (idx *ruleIndex) specific(byDomain map[string][]*rule, host string) []*rule {
	var out []*rule
	seen := make(map[RuleID]bool)
	for suffix := range hostSuffixes(host) {
		for _, r := range byDomain[suffix] {
			if seen[r.id] || !r.domains.matches(host) {
				continue
			}
			seen[r.id] = true
			out = append(out, r)
		}
	}
	slices.SortFunc(out, byRuleID)
	return out
}

// matchesRequest checks the option constraints of a network rule.
func (r *rule) matchesRequest(d RequestDescriptor, typ uint16) bool {
	source := d.SourceHostname
	if source == "" {
		source = d.Hostname
	}
	if !r.domains.matches(source) {
		return false
	}

	if r.thirdParty != 0 {
		third := d.SourceDomain != "" && d.SourceDomain != d.Domain
		if (r.thirdParty > 0) != third {
			return false
		}
	}

	if r.types != 0 && r.types&typ == 0 {
		return false
	}
	if r.notTypes&typ != 0 {
		return false
	}
	return true
}

// hostSuffixes yields host and each parent domain: "a.b.c" -> "a.b.c", "b.c", "c".
func hostSuffixes(host string) iter.Seq[string] {
	return func(yield func(string) bool) {
		h := host
		for h != "" {
			if !yield(h) {
				return
			}
			i := strings.IndexByte(h, '.')
			if i < 0 {
				return
			}
			h = h[i+1:]
		}
	}
}

func byRuleID(a, b *rule) int {
	return cmp.Compare(a.id, b.id)
}

func fetchDestType(dest string) uint16 {
	switch strings.ToLower(dest) {
	case "document":
		return typeDocument
	case "iframe", "frame", "embed", "object":
		return typeSubdocument
	case "script", "worker", "sharedworker", "serviceworker":
		return typeScript
	case "style":
		return typeStylesheet
	case "image":
		return typeImage
	case "font":
		return typeFont
	case "audio", "video", "track":
		return typeMedia
	case "empty":
		return typeXHR
	case "":
		return 0
	default:
		return typeOther
	}
}
