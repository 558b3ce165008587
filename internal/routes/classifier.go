// Package routes classifies inbound requests against an ordered table of
// path rules. Patterns are compiled once; classification is a linear scan
// with no allocation on the hot path.
package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/foodhub/gateway/internal/ratelimit"
)

// Visibility is the authorization tier a route requires.
type Visibility uint8

const (
	// Authenticated is the zero value so that anything unclassified fails closed.
	Authenticated Visibility = iota
	Public
	Admin
)

func (v Visibility) String() string {
	switch v {
	case Public:
		return "public"
	case Authenticated:
		return "authenticated"
	case Admin:
		return "admin"
	}
	return fmt.Sprintf("Visibility(%d)", uint8(v))
}

// ParseVisibility parses the lowercase names produced by String.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return Public, nil
	case "authenticated":
		return Authenticated, nil
	case "admin":
		return Admin, nil
	}
	return 0, fmt.Errorf("unknown visibility %q", s)
}

// UnmarshalText lets Visibility be decoded from YAML and JSON strings.
func (v *Visibility) UnmarshalText(b []byte) error {
	parsed, err := ParseVisibility(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Visibility) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Rule is one entry of the route table.
type Rule struct {
	// Pattern is a slash-separated path. "{name}" matches one non-empty
	// segment; a final "*" matches any remainder, including nothing.
	Pattern    string
	Methods    []string
	Visibility Visibility
	Bucket     ratelimit.Bucket
}

// Match is the outcome of classifying one request.
type Match struct {
	Visibility Visibility
	Bucket     ratelimit.Bucket
	// Pattern is the matched rule pattern, or "" when the default applied.
	Pattern string
	Matched bool
}

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segParam
	segRest
)

type segment struct {
	kind  segmentKind
	value string
}

type compiledRule struct {
	rule     Rule
	segments []segment
	methods  map[string]struct{} // nil matches any method
}

// Classifier holds a compiled, immutable rule table. Safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

var errEmptyPattern = errors.New("empty pattern")

// Compile validates rules and returns a classifier that evaluates them in
// order.
func Compile(rules []Rule) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, r.Pattern, err)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// MustCompile is like Compile but panics on error. For static tables.
func MustCompile(rules []Rule) *Classifier {
	c, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return c
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Pattern == "" {
		return compiledRule{}, errEmptyPattern
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		return compiledRule{}, errors.New("pattern must start with /")
	}
	switch r.Visibility {
	case Public, Authenticated, Admin:
	default:
		return compiledRule{}, fmt.Errorf("invalid visibility %d", r.Visibility)
	}

	parts := splitPath(r.Pattern)
	segs := make([]segment, 0, len(parts))
	seen := make(map[string]struct{})
	for i, p := range parts {
		switch {
		case p == "*":
			if i != len(parts)-1 {
				return compiledRule{}, errors.New("* is only allowed as the last segment")
			}
			segs = append(segs, segment{kind: segRest})
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			name := p[1 : len(p)-1]
			if name == "" || strings.ContainsAny(name, "{}/") {
				return compiledRule{}, fmt.Errorf("invalid parameter %q", p)
			}
			if _, dup := seen[name]; dup {
				return compiledRule{}, fmt.Errorf("duplicate parameter %q", name)
			}
			seen[name] = struct{}{}
			segs = append(segs, segment{kind: segParam, value: name})
		case strings.ContainsAny(p, "{}*"):
			return compiledRule{}, fmt.Errorf("invalid segment %q", p)
		default:
			segs = append(segs, segment{kind: segLiteral, value: p})
		}
	}

	cr := compiledRule{rule: r, segments: segs}
	for _, m := range r.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "*" || m == "" {
			cr.methods = nil
			break
		}
		if cr.methods == nil {
			cr.methods = make(map[string]struct{}, len(r.Methods))
		}
		cr.methods[m] = struct{}{}
	}
	return cr, nil
}

// splitPath trims surrounding slashes and splits on "/". The root path
// yields no segments.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (cr *compiledRule) matchMethod(method string) bool {
	if cr.methods == nil {
		return true
	}
	_, ok := cr.methods[method]
	if !ok && method == http.MethodHead {
		_, ok = cr.methods[http.MethodGet]
	}
	return ok
}

func (cr *compiledRule) matchPath(path string) bool {
	rest := strings.Trim(path, "/")
	for _, seg := range cr.segments {
		if seg.kind == segRest {
			return true
		}
		if rest == "" {
			return false
		}
		var part string
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			part, rest = rest[:i], rest[i+1:]
		} else {
			part, rest = rest, ""
		}
		switch seg.kind {
		case segLiteral:
			if part != seg.value {
				return false
			}
		case segParam:
			if part == "" {
				return false
			}
		}
	}
	return rest == ""
}

// Match returns the first rule matching path and method. When nothing
// matches the request is treated as Authenticated on the general bucket.
func (c *Classifier) Match(path, method string) Match {
	method = strings.ToUpper(method)
	for i := range c.rules {
		cr := &c.rules[i]
		if cr.matchMethod(method) && cr.matchPath(path) {
			return Match{
				Visibility: cr.rule.Visibility,
				Bucket:     cr.rule.Bucket,
				Pattern:    cr.rule.Pattern,
				Matched:    true,
			}
		}
	}
	return Match{Visibility: Authenticated, Bucket: ratelimit.BucketGeneral}
}

// Classify returns only the visibility of Match.
func (c *Classifier) Classify(path, method string) Visibility {
	return c.Match(path, method).Visibility
}

// Len returns the number of compiled rules.
func (c *Classifier) Len() int { return len(c.rules) }
