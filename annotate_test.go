package yblocker

import (
	"strings"
	"testing"
)

func TestIsHTMLContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML; charset=UTF-8", true},
		{"text/html;;broken", true},
		{"application/xhtml+xml", false},
		{"application/json", false},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsHTMLContentType(tt.ct); got != tt.want {
			t.Errorf("IsHTMLContentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestLooksLikeDocument(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"doctype", "<!DOCTYPE html><html><head></head></html>", true},
		{"lowercase doctype", "\n<!doctype html>\n<title>x</title>", true},
		{"html tag", "<html lang=\"en\"><head></head></html>", true},
		{"bare html tag", "<html><body></body></html>", true},
		{"fragment", "<div>partial</div>", false},
		{"json", `{"html": true}`, false},
		{"htmlx tag", "<htmlx></htmlx>", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeDocument([]byte(tt.body)); got != tt.want {
				t.Errorf("LooksLikeDocument() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInject(t *testing.T) {
	const page = "<!DOCTYPE html><html><head><title>News</title></head><body></body></html>"

	tests := []struct {
		name        string
		body        string
		cosmetics   Cosmetics
		want        string
		wantChanged bool
	}{
		{
			name:        "styles",
			body:        page,
			cosmetics:   Cosmetics{Styles: "body{color:red}"},
			want:        "<!DOCTYPE html><html><head><title>News</title><style>body{color:red}</style></head><body></body></html>",
			wantChanged: true,
		},
		{
			name:        "scripts before styles",
			body:        page,
			cosmetics:   Cosmetics{Styles: ".ad{display:none}", Scripts: []string{"a();", "b();"}},
			want:        "<!DOCTYPE html><html><head><title>News</title><script>a();\nb();</script><style>.ad{display:none}</style></head><body></body></html>",
			wantChanged: true,
		},
		{
			name:        "first head close only",
			body:        "<html><head></head><body><pre></head></pre></body></html>",
			cosmetics:   Cosmetics{Styles: "x"},
			want:        "<html><head><style>x</style></head><body><pre></head></pre></body></html>",
			wantChanged: true,
		},
		{
			name:      "no head close",
			body:      "<html><body>no head</body></html>",
			cosmetics: Cosmetics{Styles: "x"},
			want:      "<html><body>no head</body></html>",
		},
		{
			name: "nothing to inject",
			body: page,
			want: page,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Inject([]byte(tt.body), tt.cosmetics)
			if string(got) != tt.want {
				t.Errorf("Inject() =\n%s\nwant\n%s", got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}
}

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"simple", "<html><head><title>Daily News</title></head></html>", "Daily News"},
		{"whitespace", "<title>\n  Daily\n\tNews  </title>", "Daily News"},
		{"entities", "<title>Tom &amp; Jerry</title>", "Tom & Jerry"},
		{"first title", "<head><title>One</title><title>Two</title></head>", "One"},
		{"markup inside", "<title><b>raw</b></title>", "<b>raw</b>"},
		{"no title", "<html><head></head><body><title>late</title></body></html>", ""},
		{"empty", "", ""},
		{"unicode", "<title>新聞 – 首頁</title>", "新聞 – 首頁"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractTitle([]byte(tt.body)); got != tt.want {
				t.Errorf("ExtractTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkInject(b *testing.B) {
	body := []byte("<!DOCTYPE html><html><head><title>x</title></head><body>" + strings.Repeat("<p>text</p>", 5000) + "</body></html>")
	c := Cosmetics{Styles: ".ad { display: none !important; }", Scripts: []string{"void 0;"}}

	b.ReportAllocs()
	for b.Loop() {
		Inject(body, c)
	}
}
