package yblocker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// RuleID identifies a rule loaded into a FilterEngine.
type RuleID uint64

// ruleKind selects which index a parsed rule belongs to.
type ruleKind int

const (
	kindBlock ruleKind = iota
	kindAllow
	kindPageException
	kindHide
	kindHideException
	kindStyle
	kindScript
)

// Resource type bits derived from the Sec-Fetch-Dest request header.
const (
	typeDocument uint16 = 1 << iota
	typeSubdocument
	typeScript
	typeStylesheet
	typeImage
	typeFont
	typeMedia
	typeXHR
	typeOther
)

var typeOptions = map[string]uint16{
	"document":       typeDocument,
	"doc":            typeDocument,
	"subdocument":    typeSubdocument,
	"frame":          typeSubdocument,
	"script":         typeScript,
	"stylesheet":     typeStylesheet,
	"css":            typeStylesheet,
	"image":          typeImage,
	"font":           typeFont,
	"media":          typeMedia,
	"xmlhttprequest": typeXHR,
	"xhr":            typeXHR,
	"other":          typeOther,
}

var (
	errRuleComment     = errors.New("comment")
	errRuleUnsupported = errors.New("unsupported rule")
)

// rule is a parsed network or cosmetic rule.
type rule struct {
	id   RuleID
	text string
	kind ruleKind

	// network rules
	host       string // set for plain "||host^" rules, matched by hostname suffix
	re         *regexp.Regexp
	important  bool
	thirdParty int8 // 1 third-party only, -1 first-party only
	types      uint16
	notTypes   uint16
	elemhide   bool
	genericOff bool

	// cosmetic rules
	body string

	domains domainConstraint
}

type domainConstraint struct {
	include []string
	exclude []string
}

func (c domainConstraint) generic() bool {
	return len(c.include) == 0
}

func (c domainConstraint) matches(host string) bool {
	for _, d := range c.exclude {
		if hostMatchesDomain(host, d) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, d := range c.include {
		if hostMatchesDomain(host, d) {
			return true
		}
	}
	return false
}

func hostMatchesDomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func parseDomainList(s, sep string) domainConstraint {
	var c domainConstraint
	for d := range strings.SplitSeq(s, sep) {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "":
		case strings.HasPrefix(d, "~"):
			c.exclude = append(c.exclude, d[1:])
		default:
			c.include = append(c.include, d)
		}
	}
	return c
}

// cosmetic separators, longest first so "#@#" wins over "##".
var cosmeticSeparators = []struct {
	sep  string
	kind ruleKind
}{
	{"#@$#", -1},
	{"#@%#", -1},
	{"#@?#", -1},
	{"#$?#", -1},
	{"#@#", kindHideException},
	{"#$#", kindStyle},
	{"#%#", kindScript},
	{"#?#", -1},
	{"##", kindHide},
}

var domainListPattern = regexp.MustCompile(`^[a-zA-Z0-9.,~*\-_]*$`)

// parseRule parses a single AdGuard/Adblock Plus style rule line.
func parseRule(line string) (*rule, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
		return nil, errRuleComment
	}
	if strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "##") &&
		!strings.HasPrefix(line, "#@#") && !strings.HasPrefix(line, "#$#") && !strings.HasPrefix(line, "#%#") {
		return nil, errRuleComment
	}

	if r, ok, err := parseCosmeticRule(line); ok {
		return r, err
	}
	return parseNetworkRule(line)
}

func parseCosmeticRule(line string) (*rule, bool, error) {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		for _, cs := range cosmeticSeparators {
			if !strings.HasPrefix(line[i:], cs.sep) {
				continue
			}
			domains := line[:i]
			if !domainListPattern.MatchString(domains) {
				return nil, false, nil
			}
			if cs.kind < 0 {
				return nil, true, errRuleUnsupported
			}
			body := strings.TrimSpace(line[i+len(cs.sep):])
			if body == "" {
				return nil, true, fmt.Errorf("%w: empty cosmetic body", errRuleUnsupported)
			}
			// uBlock scriptlets and HTML filters are not supported.
			if strings.HasPrefix(body, "+js(") || strings.HasPrefix(body, "^") ||
				(cs.kind == kindScript && strings.HasPrefix(body, "//scriptlet")) {
				return nil, true, errRuleUnsupported
			}
			return &rule{
				text:    line,
				kind:    cs.kind,
				body:    body,
				domains: parseDomainList(domains, ","),
			}, true, nil
		}
		return nil, false, nil
	}
	return nil, false, nil
}

func parseNetworkRule(line string) (*rule, error) {
	r := &rule{text: line, kind: kindBlock}

	pattern := line
	if strings.HasPrefix(pattern, "@@") {
		r.kind = kindAllow
		pattern = pattern[2:]
	}

	matchCase := false
	pattern, opts, hasOpts := splitOptions(pattern)
	if hasOpts {
		for opt := range strings.SplitSeq(opts, ",") {
			opt = strings.TrimSpace(opt)
			name, value, _ := strings.Cut(opt, "=")
			negated := strings.HasPrefix(name, "~")
			name = strings.TrimPrefix(name, "~")

			switch {
			case name == "important":
				r.important = true
			case name == "match-case":
				matchCase = true
			case name == "domain":
				r.domains = parseDomainList(value, "|")
			case name == "third-party" || name == "3p":
				r.thirdParty = 1
				if negated {
					r.thirdParty = -1
				}
			case name == "first-party" || name == "1p":
				r.thirdParty = -1
				if negated {
					r.thirdParty = 1
				}
			case name == "elemhide" || name == "ehide":
				r.elemhide = true
			case name == "generichide" || name == "ghide":
				r.genericOff = true
			case typeOptions[name] != 0:
				if negated {
					r.notTypes |= typeOptions[name]
				} else {
					r.types |= typeOptions[name]
				}
			default:
				return nil, fmt.Errorf("%w: option %q", errRuleUnsupported, name)
			}
		}
	}
	return finishNetworkRule(r, pattern, matchCase)
}

func finishNetworkRule(r *rule, pattern string, matchCase bool) (*rule, error) {
	if r.elemhide || r.genericOff {
		if r.kind != kindAllow {
			return nil, fmt.Errorf("%w: page options on a blocking rule", errRuleUnsupported)
		}
		r.kind = kindPageException
	}

	if pattern == "" || pattern == "*" || pattern == "|" || pattern == "||" {
		return nil, fmt.Errorf("%w: pattern too generic", errRuleUnsupported)
	}

	if host, ok := plainHostPattern(pattern); ok && r.kind != kindPageException {
		r.host = host
		return r, nil
	}

	expr, err := patternToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	if !matchCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRuleUnsupported, err)
	}
	r.re = re
	return r, nil
}

// splitOptions separates "pattern$options". Regex patterns keep any "$"
// that appears before their closing slash.
func splitOptions(s string) (pattern, opts string, ok bool) {
	i := strings.LastIndex(s, "$")
	if i < 0 {
		return s, "", false
	}
	if strings.HasPrefix(s, "/") {
		if end := strings.LastIndex(s, "/"); end > i {
			return s, "", false
		}
	}
	if strings.Contains(s[i+1:], "/") && !strings.Contains(s[i+1:], "domain=") {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

var plainHostRe = regexp.MustCompile(`^\|\|([a-z0-9][a-z0-9.\-]*[a-z0-9])\^\|?$`)

// plainHostPattern reports whether pattern is exactly "||host^".
func plainHostPattern(pattern string) (string, bool) {
	m := plainHostRe.FindStringSubmatch(strings.ToLower(pattern))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// patternToRegexp converts an Adblock Plus URL pattern into a regular
// expression. "/.../" patterns are used verbatim.
func patternToRegexp(pattern string) (string, error) {
	if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return pattern[1 : len(pattern)-1], nil
	}

	var b strings.Builder
	switch {
	case strings.HasPrefix(pattern, "||"):
		b.WriteString(`^[a-z][a-z0-9+.\-]*://(?:[^/?#]*\.)?`)
		pattern = pattern[2:]
	case strings.HasPrefix(pattern, "|"):
		b.WriteString("^")
		pattern = pattern[1:]
	}

	endAnchor := false
	if strings.HasSuffix(pattern, "|") {
		endAnchor = true
		pattern = pattern[:len(pattern)-1]
	}

	for _, c := range pattern {
		switch c {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(`(?:[^a-zA-Z0-9_\-.%]|$)`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	if endAnchor {
		b.WriteString("$")
	}
	return b.String(), nil
}

// ParseRuleText splits rule text into trimmed, non-empty lines.
func ParseRuleText(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
