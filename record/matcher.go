package record

import (
	"encoding/json"
	"fmt"
	"regexp"
)

type matchKind int

const (
	matchAny matchKind = iota
	matchExact
	matchPattern
)

// SourceMatcher selects records by source identifier. The zero value matches
// every source; Exact and Pattern build the two constrained forms.
type SourceMatcher struct {
	kind  matchKind
	value string
	re    *regexp.Regexp
}

// AnySource matches every source identifier
func AnySource() SourceMatcher {
	return SourceMatcher{}
}

// Exact matches a single source identifier
func Exact(sourceID string) SourceMatcher {
	return SourceMatcher{kind: matchExact, value: sourceID}
}

// Pattern matches source identifiers containing a match of the regular expression
func Pattern(expr string) (SourceMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return SourceMatcher{}, fmt.Errorf("error compiling source pattern %q: %w", expr, err)
	}
	return SourceMatcher{kind: matchPattern, value: expr, re: re}, nil
}

// MustPattern is like Pattern but panics on an invalid expression
func MustPattern(expr string) SourceMatcher {
	m, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// IsAny reports whether the matcher places no constraint on the source
func (m SourceMatcher) IsAny() bool { return m.kind == matchAny }

// IsPattern reports whether the matcher is a regular expression
func (m SourceMatcher) IsPattern() bool { return m.kind == matchPattern }

// Value returns the exact identifier or the pattern source text
func (m SourceMatcher) Value() string { return m.value }

// Match reports whether sourceID is selected
func (m SourceMatcher) Match(sourceID string) bool {
	switch m.kind {
	case matchExact:
		return sourceID == m.value
	case matchPattern:
		return m.re.MatchString(sourceID)
	default:
		return true
	}
}

func (m SourceMatcher) String() string {
	switch m.kind {
	case matchExact:
		return m.value
	case matchPattern:
		return "/" + m.value + "/"
	default:
		return "*"
	}
}

// MarshalJSON encodes the matcher so exact and pattern forms never collide
func (m SourceMatcher) MarshalJSON() ([]byte, error) {
	switch m.kind {
	case matchExact:
		return json.Marshal(map[string]string{"exact": m.value})
	case matchPattern:
		return json.Marshal(map[string]string{"regex": m.value})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes the form written by MarshalJSON
func (m *SourceMatcher) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = SourceMatcher{}
		return nil
	}
	if v, ok := raw["exact"]; ok {
		*m = Exact(v)
		return nil
	}
	if v, ok := raw["regex"]; ok {
		p, err := Pattern(v)
		if err != nil {
			return err
		}
		*m = p
		return nil
	}
	return fmt.Errorf("%w: source matcher %s", ErrUnexpectedValue, string(data))
}
