// File: internal/defect/similarity.go
package defect

import (
	"regexp"
	"strings"
)

// Similarity scores how alike two defect summaries are, in [0, 1]. It is a
// pluggable strategy so the dedup gates never depend on a specific algorithm.
type Similarity interface {
	Score(a, b string) float64
}

// stopWords are excluded from token sets and keyword extraction. They carry
// no signal for telling one defect from another.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"on": {}, "in": {}, "at": {}, "of": {}, "to": {}, "for": {}, "with": {},
	"and": {}, "or": {}, "not": {}, "no": {}, "it": {}, "this": {}, "that": {},
	"be": {}, "as": {}, "by": {}, "from": {}, "after": {}, "when": {}, "while": {},
	"page": {}, "button": {}, "error": {}, "issue": {}, "bug": {},
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// tokenSet splits text into a stop-word-filtered set of lower case tokens.
func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range nonWord.Split(strings.ToLower(s), -1) {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// TokenSetJaccard is the default Similarity: the Jaccard index of the two
// summaries' stop-word-filtered word sets.
type TokenSetJaccard struct{}

var _ Similarity = TokenSetJaccard{}

// Score returns |A∩B| / |A∪B| over the token sets of a and b. Two empty
// token sets score 0, not 1: an empty summary matches nothing.
func (TokenSetJaccard) Score(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// Keywords extracts up to max distinctive tokens from text, in first-seen
// order, for tracker search queries.
func Keywords(text string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range nonWord.Split(strings.ToLower(text), -1) {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
