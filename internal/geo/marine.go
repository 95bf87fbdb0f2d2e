package geo

import (
	"strings"
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/jonesrussell/north-cloud/incidents/internal/textnorm"
)

// DefaultMarineKeywords mark an event as plausibly located at sea.
var DefaultMarineKeywords = []string{
	"maritime", "marine", "offshore", "ocean", "sea", "at sea", "ship", "vessel",
	"boat", "ferry", "tanker", "cargo ship", "shipwreck", "capsized", "sinking",
	"oil spill", "piracy", "pirates", "navy", "coast guard", "fishing vessel",
	"tsunami", "underwater", "submarine", "strait", "gulf", "bay",
}

// MarineMatcher finds marine keywords on word boundaries in folded text.
type MarineMatcher struct {
	// Match mutates automaton state, so calls are serialized.
	mu      sync.Mutex
	matcher *ahocorasick.Matcher
}

// NewMarineMatcher builds a matcher over keywords. An empty list matches
// nothing.
func NewMarineMatcher(keywords []string) *MarineMatcher {
	patterns := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if key := textnorm.Key(kw); key != "" {
			patterns = append(patterns, " "+key+" ")
		}
	}

	m := &MarineMatcher{}
	if len(patterns) > 0 {
		m.matcher = ahocorasick.NewStringMatcher(patterns)
	}
	return m
}

// Matches reports whether any of texts contains a marine keyword.
func (m *MarineMatcher) Matches(texts ...string) bool {
	if m == nil || m.matcher == nil {
		return false
	}

	var b strings.Builder
	b.WriteByte(' ')
	for _, t := range texts {
		if key := textnorm.Key(t); key != "" {
			b.WriteString(key)
			b.WriteByte(' ')
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matcher.Match([]byte(b.String()))) > 0
}
