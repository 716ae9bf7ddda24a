// Package activation decides when a capture-and-animate session should
// start or stop for a foreground client application.
package activation

import "strings"

// Matcher checks application identities and their visible UI hints
// against the curated pattern set. Matching is case-insensitive
// substring containment.
type Matcher struct {
	patterns []string
}

func NewMatcher(patterns []string) *Matcher {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &Matcher{patterns: lowered}
}

// Match reports whether the app identity or any surface hint contains
// one of the patterns.
func (m *Matcher) Match(app string, surfaces []string) bool {
	if m.matchOne(app) {
		return true
	}
	for _, s := range surfaces {
		if m.matchOne(s) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchOne(s string) bool {
	s = strings.ToLower(s)
	for _, p := range m.patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
