package yblocker

import (
	"bytes"
	"errors"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrBodyTooLarge is returned when a response body exceeds the annotation limit.
var ErrBodyTooLarge = errors.New("body too large")

// ErrMalformedBody is returned for bodies that cannot be decoded.
var ErrMalformedBody = errors.New("malformed body")

// DefaultMaxBodySize is the largest decoded HTML body that is annotated.
const DefaultMaxBodySize = 10 << 20

var documentSignature = regexp.MustCompile(`(?i)<!doctype\s+html|<html[\s>]`)

var headClose = []byte("</head>")

// IsHTMLContentType reports whether a Content-Type header declares text/html.
func IsHTMLContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
	}
	return mediaType == "text/html"
}

// LooksLikeDocument reports whether body carries a doctype or an opening
// <html> tag.
func LooksLikeDocument(body []byte) bool {
	return documentSignature.Match(body)
}

// Inject inserts cosmetics immediately before the first </head> tag.
// Scripts are inserted first and styles second, each searching the body
// as modified so far, so the result reads <script>..</script><style>..</style></head>.
// The body is returned unchanged when there is no </head> tag or nothing
// to inject. The second return value reports whether the body changed.
func Inject(body []byte, c Cosmetics) ([]byte, bool) {
	if c.Empty() || !bytes.Contains(body, headClose) {
		return body, false
	}

	out := body
	if len(c.Scripts) > 0 {
		block := "<script>" + strings.Join(c.Scripts, "\n") + "</script>"
		out = insertBeforeHeadClose(out, block)
	}
	if c.Styles != "" {
		out = insertBeforeHeadClose(out, "<style>"+c.Styles+"</style>")
	}
	return out, true
}

func insertBeforeHeadClose(body []byte, block string) []byte {
	i := bytes.Index(body, headClose)
	if i < 0 {
		return body
	}
	out := make([]byte, 0, len(body)+len(block))
	out = append(out, body[:i]...)
	out = append(out, block...)
	out = append(out, body[i:]...)
	return out
}

// ExtractTitle returns the text of the first <title> element, with
// whitespace collapsed. It returns "" when the document has no title.
func ExtractTitle(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	var b strings.Builder

	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Title {
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Title:
				return collapseSpace(b.String())
			case atom.Head:
				if !inTitle {
					return ""
				}
			}
		case html.TextToken:
			if inTitle {
				b.Write(z.Text())
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
