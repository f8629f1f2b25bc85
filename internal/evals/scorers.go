// Built-in reference scorers.
//
// These are cheap lexical heuristics so a relay deployment has working
// scoring out of the box. Model-graded scorers plug in through the same
// Registry interface.
package evals

import (
	"context"
	"strings"
)

// builtinRegistry resolves the scorers shipped with the relay.
type builtinRegistry struct {
	scorers map[string]Scorer
}

// BuiltinRegistry returns the registry of built-in scorers:
// "answer-length" and "keyword-overlap".
func BuiltinRegistry() Registry {
	return &builtinRegistry{scorers: map[string]Scorer{
		"answer-length":   lengthScorer{},
		"keyword-overlap": overlapScorer{},
	}}
}

// GetScorersByNames implements Registry.
func (r *builtinRegistry) GetScorersByNames(names []string) map[string]Scorer {
	out := make(map[string]Scorer)
	for _, name := range names {
		if s, ok := r.scorers[name]; ok {
			out[name] = s
		}
	}
	return out
}

// lengthScorer rewards non-trivial answers, saturating at 200 characters.
// Catches empty or truncated outputs, nothing more.
type lengthScorer struct{}

func (lengthScorer) Name() string { return "answer-length" }

func (lengthScorer) Score(ctx context.Context, input, output string) (float64, error) {
	const saturation = 200
	n := len(strings.TrimSpace(output))
	if n >= saturation {
		return 1.0, nil
	}
	return float64(n) / saturation, nil
}

// overlapScorer measures what fraction of the question's significant words
// the answer mentions. A crude relevance proxy.
type overlapScorer struct{}

func (overlapScorer) Name() string { return "keyword-overlap" }

func (overlapScorer) Score(ctx context.Context, input, output string) (float64, error) {
	keywords := significantWords(input)
	if len(keywords) == 0 {
		return 0, nil
	}
	haystack := strings.ToLower(output)
	hits := 0
	for word := range keywords {
		if strings.Contains(haystack, word) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords)), nil
}

// significantWords lowercases and drops words too short to carry meaning.
func significantWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) >= 4 {
			words[word] = struct{}{}
		}
	}
	return words
}
