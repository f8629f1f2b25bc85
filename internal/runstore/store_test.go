package runstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/relay/internal/relay"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartTurn_NewThreadCreatesRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartTurn(ctx, &relay.TurnRequest{AgentID: "a1", ThreadID: "th1", UserText: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.NotEmpty(t, run.TraceID)
	assert.NotEmpty(t, run.TurnID)
	assert.Equal(t, 0, run.TurnIndex)

	status, err := s.TurnStatus(ctx, run.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "running", status)
}

func TestStartTurn_SameThreadReusesRunAndIncrementsIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.StartTurn(ctx, &relay.TurnRequest{ThreadID: "th1", UserText: "one"})
	require.NoError(t, err)
	second, err := s.StartTurn(ctx, &relay.TurnRequest{ThreadID: "th1", UserText: "two"})
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.NotEqual(t, first.TurnID, second.TurnID)
	assert.Equal(t, 1, second.TurnIndex)
}

func TestStartTurn_NoThreadGetsFreshRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.StartTurn(ctx, &relay.TurnRequest{UserText: "one"})
	require.NoError(t, err)
	second, err := s.StartTurn(ctx, &relay.TurnRequest{UserText: "two"})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.TurnIndex)
}

func TestCompleteTurn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartTurn(ctx, &relay.TurnRequest{ThreadID: "th1", UserText: "hi"})
	require.NoError(t, err)

	err = s.CompleteTurn(ctx, run, &relay.TurnCompletion{
		Output:           "hello",
		PromptTokens:     70,
		CompletionTokens: 30,
		CostUSD:          0.0011,
		Steps:            []relay.ExecutionStep{{Step: 1, Type: relay.StepResponse, Content: "hello"}},
	})
	require.NoError(t, err)

	status, err := s.TurnStatus(ctx, run.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
}

func TestFailTurn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartTurn(ctx, &relay.TurnRequest{UserText: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.FailTurn(ctx, run, "runtime unavailable"))

	status, err := s.TurnStatus(ctx, run.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
}

func TestAddToolCall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartTurn(ctx, &relay.TurnRequest{UserText: "hi"})
	require.NoError(t, err)

	dur := int64(42)
	require.NoError(t, s.AddToolCall(ctx, run, &relay.ToolCallRecord{
		ToolKey:    "search",
		Input:      map[string]any{"query": "weather"},
		Output:     map[string]any{"result": "sunny"},
		Success:    true,
		DurationMs: &dur,
	}))

	// Orphan record: no input, no duration.
	require.NoError(t, s.AddToolCall(ctx, run, &relay.ToolCallRecord{
		ToolKey: "unknown",
		Input:   map[string]any{},
		Success: false,
		Error:   "tool crashed",
	}))

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_calls WHERE turn_id = ?`, run.TurnID,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUpsertScores(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartTurn(ctx, &relay.TurnRequest{UserText: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertScores(ctx, run.RunID, map[string]float64{"relevance": 0.8}))
	require.NoError(t, s.UpsertScores(ctx, run.RunID, map[string]float64{"relevance": 0.9, "tone": 0.5}))

	var score float64
	err = s.db.QueryRowContext(ctx,
		`SELECT score FROM eval_scores WHERE run_id = ? AND scorer = 'relevance'`, run.RunID,
	).Scan(&score)
	require.NoError(t, err)
	assert.Equal(t, 0.9, score)

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM eval_scores WHERE run_id = ?`, run.RunID,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
