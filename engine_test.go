package yblocker

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, rules ...string) *FilterEngine {
	t.Helper()
	e := NewFilterEngine()
	e.Logger = discardLogger()
	if _, err := e.Apply(RuleDelta{Added: rules}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return e
}

func describe(rawURL, referer, dest string) RequestDescriptor {
	h := http.Header{}
	if referer != "" {
		h.Set("Referer", referer)
	}
	if dest != "" {
		h.Set("Sec-Fetch-Dest", dest)
	}
	return DescribeRequest(rawURL, h)
}

func TestFilterEngine_Match(t *testing.T) {
	e := newTestEngine(t,
		"! comment",
		"[Adblock Plus 2.0]",
		"||ads.example.com^",
		"||cdn.example.net/banner/*",
		"|https://exact.example.org/track",
		"/\\/pixel\\d+\\.gif/",
		"track.js$script",
		"||third.example^$third-party",
		"||scoped.example^$domain=news.example.com|~safe.news.example.com",
		"||allowed.example^",
		"@@||allowed.example/ok^",
		"||forced.example^$important",
		"@@||forced.example^",
		"/CaseSensitive/$match-case",
		"||unsupported.example^$redirect=noop.js",
	)

	tests := []struct {
		name string
		d    RequestDescriptor
		want bool
	}{
		{"domain anchor", describe("https://ads.example.com/x", "", ""), true},
		{"domain anchor subdomain", describe("https://img.ads.example.com/a.png", "", ""), true},
		{"domain anchor sibling", describe("https://news.example.com/", "", ""), false},
		{"domain anchor not suffix", describe("https://badads.example.com/", "", ""), false},
		{"path wildcard", describe("https://cdn.example.net/banner/top.png", "", ""), true},
		{"path wildcard miss", describe("https://cdn.example.net/img/top.png", "", ""), false},
		{"start anchor", describe("https://exact.example.org/track?id=1", "", ""), true},
		{"start anchor miss", describe("https://www.exact.example.org/track", "", ""), false},
		{"regex", describe("https://x.example/pixel42.gif", "", ""), true},
		{"type match", describe("https://x.example/track.js", "", "script"), true},
		{"type mismatch", describe("https://x.example/track.js", "", "image"), false},
		{"type unknown", describe("https://x.example/track.js", "", ""), false},
		{"third party", describe("https://third.example/p", "https://news.example.com/", ""), true},
		{"first party", describe("https://third.example/p", "https://third.example/", ""), false},
		{"domain option", describe("https://scoped.example/a", "https://news.example.com/", ""), true},
		{"domain option excluded", describe("https://scoped.example/a", "https://safe.news.example.com/", ""), false},
		{"domain option other", describe("https://scoped.example/a", "https://other.example/", ""), false},
		{"exception", describe("https://allowed.example/ok/1", "", ""), false},
		{"exception miss", describe("https://allowed.example/no", "", ""), true},
		{"important beats exception", describe("https://forced.example/a", "", ""), true},
		{"match case", describe("https://x.example/CaseSensitive", "", ""), true},
		{"match case miss", describe("https://x.example/casesensitive", "", ""), false},
		{"unsupported option skipped", describe("https://unsupported.example/", "", ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Match(tt.d)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.d.URL, got, tt.want)
			}
		})
	}

	if n := e.Skipped(); n != 1 {
		t.Errorf("Skipped() = %d, want 1", n)
	}
	if n := e.Count(); n != 12 {
		t.Errorf("Count() = %d, want 12", n)
	}
}

func TestFilterEngine_Cosmetics(t *testing.T) {
	e := newTestEngine(t,
		"##.ad-banner",
		"##.sponsored",
		"news.example.com##.promo",
		"~safe.example.com##.generic-only",
		"news.example.com#@#.sponsored",
		"news.example.com#$#body { color: red }",
		"news.example.com#%#window.adsbygoogle = [];",
		"example.org##+js(noop)",
		"@@||quiet.example^$elemhide",
		"@@||partial.example^$generichide",
		"partial.example##.specific",
	)

	tests := []struct {
		name        string
		url         string
		wantStyles  []string
		wantNot     []string
		wantScripts []string
	}{
		{
			name:        "specific and generic",
			url:         "https://news.example.com/",
			wantStyles:  []string{".ad-banner { display: none !important; }", ".promo { display: none !important; }", "body { color: red }"},
			wantNot:     []string{".sponsored"},
			wantScripts: []string{"window.adsbygoogle = [];"},
		},
		{
			name:       "generic only",
			url:        "https://other.example.com/",
			wantStyles: []string{".ad-banner", ".sponsored", ".generic-only"},
			wantNot:    []string{".promo", "color: red"},
		},
		{
			name:    "excluded domain",
			url:     "https://safe.example.com/",
			wantNot: []string{".generic-only"},
		},
		{
			name:    "elemhide exception",
			url:     "https://quiet.example/page",
			wantNot: []string{".ad-banner", ".sponsored"},
		},
		{
			name:       "generichide exception",
			url:        "https://partial.example/",
			wantStyles: []string{".specific"},
			wantNot:    []string{".ad-banner"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := e.Cosmetics(describe(tt.url, "", "document"))
			if err != nil {
				t.Fatalf("Cosmetics() error = %v", err)
			}
			for _, s := range tt.wantStyles {
				if !strings.Contains(c.Styles, s) {
					t.Errorf("styles missing %q:\n%s", s, c.Styles)
				}
			}
			for _, s := range tt.wantNot {
				if strings.Contains(c.Styles, s) {
					t.Errorf("styles unexpectedly contain %q:\n%s", s, c.Styles)
				}
			}
			if !slices.Equal(c.Scripts, tt.wantScripts) {
				t.Errorf("scripts = %q, want %q", c.Scripts, tt.wantScripts)
			}
		})
	}
}

func TestFilterEngine_ApplyDelta(t *testing.T) {
	e := newTestEngine(t, "||base.example^")

	ids, err := e.Apply(RuleDelta{Added: []string{"||old.example^", "! note", "old.example##.x"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("Apply() returned %d ids, want 2", len(ids))
	}

	newIDs, err := e.Apply(RuleDelta{Added: []string{"||new.example^"}, Removed: ids})
	if err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		url  string
		want bool
	}{
		{"https://base.example/", true},
		{"https://old.example/", false},
		{"https://new.example/", true},
	}
	for _, c := range checks {
		if got, _ := e.Match(describe(c.url, "", "")); got != c.want {
			t.Errorf("Match(%s) = %v, want %v", c.url, got, c.want)
		}
	}

	cos, _ := e.Cosmetics(describe("https://old.example/", "", "document"))
	if !cos.Empty() {
		t.Errorf("cosmetics of removed rule still applied: %+v", cos)
	}
	if n := e.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
	if newIDs[0] <= ids[len(ids)-1] {
		t.Errorf("rule ids not increasing: %v then %v", ids, newIDs)
	}
}

func TestLoadEngine(t *testing.T) {
	loader := NewMultiLoader(
		NewStaticLoader("||a.example^"),
		RuleLoaderFunc(func(context.Context) ([]string, error) {
			return []string{"||b.example^"}, nil
		}),
	)

	e, err := LoadEngine(context.Background(), loader)
	if err != nil {
		t.Fatalf("LoadEngine() error = %v", err)
	}
	if n := e.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	failing := RuleLoaderFunc(func(context.Context) ([]string, error) {
		return nil, errors.New("offline")
	})
	if _, err := LoadEngine(context.Background(), failing); err == nil {
		t.Error("LoadEngine() with failing loader should fail")
	}
}

func TestParseRuleText(t *testing.T) {
	lines, err := ParseRuleText(strings.NewReader("  ||a.example^  \n\n\r\n! c\n##.x\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"||a.example^", "! c", "##.x"}
	if !slices.Equal(lines, want) {
		t.Errorf("ParseRuleText() = %q, want %q", lines, want)
	}
}

func BenchmarkFilterEngine_Match(b *testing.B) {
	rules := make([]string, 0, 2000)
	for i := range 1000 {
		rules = append(rules, "||ads"+strings.Repeat("x", i%7)+string(rune('a'+i%26))+".example^")
		rules = append(rules, "/banner"+string(rune('a'+i%26))+"*.gif")
	}
	e := NewFilterEngine()
	e.Logger = discardLogger()
	if _, err := e.Apply(RuleDelta{Added: rules}); err != nil {
		b.Fatal(err)
	}
	d := DescribeRequest("https://www.news.example.com/static/app.js", nil)

	b.ReportAllocs()
	for b.Loop() {
		_, _ = e.Match(d)
	}
}

func TestHostSuffixes_Reusable(t *testing.T) {
	seq := hostSuffixes("a.b.example.com")
	want := []string{"a.b.example.com", "b.example.com", "example.com", "com"}
	for i := range 2 {
		if got := slices.Collect(seq); !slices.Equal(got, want) {
			t.Errorf("pass %d: hostSuffixes() = %q, want %q", i, got, want)
		}
	}
}
