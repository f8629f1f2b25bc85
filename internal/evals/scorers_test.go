package evals

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRegistry_ResolvesKnownNames(t *testing.T) {
	r := BuiltinRegistry()

	resolved := r.GetScorersByNames([]string{"answer-length", "keyword-overlap", "nope"})
	assert.Len(t, resolved, 2)
	assert.Contains(t, resolved, "answer-length")
	assert.Contains(t, resolved, "keyword-overlap")
}

func TestLengthScorer(t *testing.T) {
	s := lengthScorer{}
	ctx := context.Background()

	score, err := s.Score(ctx, "q", "")
	require.NoError(t, err)
	assert.Zero(t, score)

	score, err = s.Score(ctx, "q", strings.Repeat("a", 300))
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = s.Score(ctx, "q", strings.Repeat("a", 100))
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}

func TestOverlapScorer(t *testing.T) {
	s := overlapScorer{}
	ctx := context.Background()

	// Significant words: what, weather, forecast, today; two appear.
	score, err := s.Score(ctx, "What is the weather forecast today?", "The weather forecast says rain.")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)

	score, err = s.Score(ctx, "What is the weather forecast today?", "I like trains.")
	require.NoError(t, err)
	assert.Zero(t, score)

	// No significant words in the question
	score, err = s.Score(ctx, "a b c", "anything")
	require.NoError(t, err)
	assert.Zero(t, score)
}
