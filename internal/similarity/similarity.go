// Package similarity scores how alike two short texts are.
//
// Scores are in [0,100]. Texts are compared after normalization (canonical
// decomposition, combining marks removed, lowercased) and after every token that
// belongs to a synonym group has been replaced with the group's canonical key.
// Two texts declared equivalent by a synonym group score 100 outright.
package similarity

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Groups maps a canonical key to its equivalent surface forms.
// The key is implicitly a member of its own group.
type Groups map[string][]string

// Matcher is an immutable, concurrency-safe similarity scorer.
type Matcher struct {
	members map[string]map[string]struct{} // canonical key -> normalized forms
	index   map[string]string              // normalized form -> canonical key
}

// NewMatcher builds a Matcher over the given synonym groups. A nil map is valid.
func NewMatcher(groups Groups) *Matcher {
	m := &Matcher{
		members: make(map[string]map[string]struct{}, len(groups)),
		index:   make(map[string]string),
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, rawKey := range keys {
		key := Normalize(rawKey)
		set, ok := m.members[key]
		if !ok {
			set = make(map[string]struct{})
			m.members[key] = set
		}
		set[key] = struct{}{}
		for _, form := range groups[rawKey] {
			set[Normalize(form)] = struct{}{}
		}
	}

	// Overlapping groups resolve to the lexicographically first key.
	normKeys := make([]string, 0, len(m.members))
	for k := range m.members {
		normKeys = append(normKeys, k)
	}
	sort.Strings(normKeys)
	for _, key := range normKeys {
		for form := range m.members[key] {
			if _, taken := m.index[form]; !taken {
				m.index[form] = key
			}
		}
	}
	return m
}

// Len returns the number of synonym groups.
func (m *Matcher) Len() int { return len(m.members) }

// Normalize decomposes s, strips combining marks and lowercases the result.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// AreSynonyms reports whether some group directly contains both a and b.
// Membership is not closed transitively across groups.
func (m *Matcher) AreSynonyms(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	for _, set := range m.members {
		_, hasA := set[na]
		_, hasB := set[nb]
		if hasA && hasB {
			return true
		}
	}
	return false
}

// ReplaceWithSynonyms replaces every whitespace-separated token of s that belongs to
// a group with that group's canonical key and re-joins the tokens with single spaces.
// Tokens are looked up as given; callers normalize first.
func (m *Matcher) ReplaceWithSynonyms(s string) string {
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if key, ok := m.index[tok]; ok {
			tokens[i] = key
		}
	}
	return strings.Join(tokens, " ")
}

// Similarity returns a score in [0,100]; 100 means identical or declared synonyms.
func (m *Matcher) Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if m.AreSynonyms(na, nb) {
		return 100
	}

	ra := []rune(m.ReplaceWithSynonyms(na))
	rb := []rune(m.ReplaceWithSynonyms(nb))
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 100
	}
	d := levenshtein(ra, rb)
	return (1 - float64(d)/float64(longest)) * 100
}

// LevenshteinDistance returns the classic edit distance between a and b, counted in runes.
func LevenshteinDistance(a, b string) int {
	return levenshtein([]rune(a), []rune(b))
}

func levenshtein(a, b []rune) int {
	grid := make([][]int, len(a)+1)
	for i := range grid {
		grid[i] = make([]int, len(b)+1)
		grid[i][0] = i
	}
	for j := 0; j <= len(b); j++ {
		grid[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			grid[i][j] = min(
				grid[i-1][j]+1,
				grid[i][j-1]+1,
				grid[i-1][j-1]+cost,
			)
		}
	}
	return grid[len(a)][len(b)]
}
