package extract

import (
	"path"
	"strings"
	"sync"
)

// Matcher decides whether a dotted key path is excluded from translation.
//
// Each pattern is a dotted path whose segments are matched one by one with
// path.Match, so "video.videoCode", "links.*" and "*.url" are all valid.
// A pattern matches a path of exactly the same depth. Because Extract stops
// descending on the first match, an excluded key also excludes everything
// below it. A nil Matcher excludes nothing.
type Matcher struct {
	patterns [][]string
}

// NewMatcher compiles patterns. Blank patterns are ignored.
func NewMatcher(patterns ...string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, strings.Split(p, "."))
	}
	return m
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// Match reports whether the path is excluded.
func (m *Matcher) Match(segments []string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.patterns {
		if matchSegments(p, segments) {
			return true
		}
	}
	return false
}

// MatchKey is Match for a dotted key.
func (m *Matcher) MatchKey(dotted string) bool {
	if dotted == "" {
		return false
	}
	return m.Match(strings.Split(dotted, "."))
}

// MatchPrefix reports whether the path or any of its ancestors is excluded.
// Queue rows only carry the leaf key, so the processor uses this to apply the
// same pruning Extract performs while walking.
func (m *Matcher) MatchPrefix(segments []string) bool {
	for i := 1; i <= len(segments); i++ {
		if m.Match(segments[:i]) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		ok, err := path.Match(p, segments[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Rule attaches exclusion keys to a resource scope. Empty Subject or Variant
// match any value; all three fields accept path.Match globs.
type Rule struct {
	Type    string   `mapstructure:"type" yaml:"type"`
	Subject string   `mapstructure:"subject" yaml:"subject"`
	Variant string   `mapstructure:"variant" yaml:"variant"`
	Keys    []string `mapstructure:"keys" yaml:"keys"`
}

func (r Rule) applies(resourceType, subject, variant string) bool {
	return globOrAny(r.Type, resourceType) &&
		globOrAny(r.Subject, subject) &&
		globOrAny(r.Variant, variant)
}

func globOrAny(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Rules resolves the exclusion matcher for a resource scope and caches the
// compiled result per (type, subject, variant).
type Rules struct {
	rules []Rule

	mu    sync.Mutex
	cache map[string]*Matcher
}

// NewRules returns a resolver over rules.
func NewRules(rules []Rule) *Rules {
	return &Rules{
		rules: append([]Rule(nil), rules...),
		cache: make(map[string]*Matcher),
	}
}

// For returns the matcher for a scope. extra keys, such as the ones a
// template declares in meta.excludeKeys, are added to the configured ones.
// Results with extra keys are not cached.
func (r *Rules) For(resourceType, subject, variant string, extra ...string) *Matcher {
	if r == nil {
		return NewMatcher(extra...)
	}
	cacheKey := resourceType + "\x00" + subject + "\x00" + variant
	if len(extra) == 0 {
		r.mu.Lock()
		m, ok := r.cache[cacheKey]
		r.mu.Unlock()
		if ok {
			return m
		}
	}

	var keys []string
	for _, rule := range r.rules {
		if rule.applies(resourceType, subject, variant) {
			keys = append(keys, rule.Keys...)
		}
	}
	keys = append(keys, extra...)
	m := NewMatcher(keys...)

	if len(extra) == 0 {
		r.mu.Lock()
		r.cache[cacheKey] = m
		r.mu.Unlock()
	}
	return m
}
