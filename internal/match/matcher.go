// Package match scores how well a task's text fits an agent's
// capability profile.
package match

import (
	"strings"

	"github.com/nidhogg/taskweave/internal/agent"
)

// DefaultExclusionPenalty is the multiplier applied when a task's text
// carries signals of a domain the profile explicitly excludes. Tunable,
// not derived from anything.
const DefaultExclusionPenalty = 0.25

// Matcher scores agent–task fit. Scoring is pure: no state, no side
// effects, same inputs always produce the same score.
type Matcher struct {
	penalty float64
}

// New creates a Matcher with the given exclusion penalty. A penalty
// outside (0,1] falls back to DefaultExclusionPenalty.
func New(penalty float64) *Matcher {
	if penalty <= 0 || penalty > 1 {
		penalty = DefaultExclusionPenalty
	}
	return &Matcher{penalty: penalty}
}

// Score returns the confidence in [0,1] that the profile's capabilities
// cover the task text. Empty text or a profile without keywords scores 0.
func (m *Matcher) Score(taskText string, p *agent.Profile) float64 {
	text := strings.ToLower(strings.TrimSpace(taskText))
	if text == "" || len(p.Keywords) == 0 {
		return 0
	}

	tokens := tokenSet(text)

	var matched, total float64
	for _, kw := range p.Keywords {
		total += kw.Weight
		if containsKeyword(text, tokens, kw.Word) {
			matched += kw.Weight
		}
	}
	if total == 0 {
		return 0
	}

	score := matched / total
	for _, excl := range p.Exclusions {
		if containsKeyword(text, tokens, excl) {
			score *= m.penalty
			break
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// containsKeyword checks for a token-boundary occurrence of kw in the
// lowercased text. Multi-word keywords match as phrases over folded
// tokens; single words must match a whole token. Folding trims naive
// plural suffixes so "user story" matches "user stories".
func containsKeyword(text string, tokens map[string]struct{}, kw string) bool {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return false
	}
	if strings.ContainsRune(kw, ' ') {
		folded := " " + strings.Join(foldTokens(kw), " ") + " "
		haystack := " " + strings.Join(foldTokens(text), " ") + " "
		return strings.Contains(haystack, folded)
	}
	_, ok := tokens[fold(kw)]
	return ok
}

// tokenSet splits lowercased text into a set of folded alphanumeric tokens.
func tokenSet(text string) map[string]struct{} {
	fields := foldTokens(text)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func foldTokens(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
	for i, f := range fields {
		fields[i] = fold(f)
	}
	return fields
}

// fold trims a naive plural suffix; long enough words only, so "css"
// and "ux" survive.
func fold(word string) string {
	if len(word) > 3 && strings.HasSuffix(word, "ies") {
		return word[:len(word)-3] + "y"
	}
	if len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		return word[:len(word)-1]
	}
	return word
}
