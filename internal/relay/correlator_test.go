package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/relay/internal/events"
)

func TestCorrelator_MatchedCallGetsInputAndDuration(t *testing.T) {
	c := NewCorrelator()
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	notice := c.OnCallStarted(events.Chunk{
		Kind:     events.KindToolCall,
		CallID:   "c1",
		ToolName: "get_weather",
		Args:     map[string]any{"city": "Oslo"},
	})
	assert.Equal(t, "c1", notice.CallID)
	assert.Equal(t, "get_weather", notice.ToolName)

	clock = clock.Add(250 * time.Millisecond)
	rec := c.OnResult(events.Chunk{
		Kind:   events.KindToolResult,
		CallID: "c1",
		Result: map[string]any{"temp": 8},
	})

	assert.Equal(t, "get_weather", rec.ToolKey)
	assert.Equal(t, map[string]any{"city": "Oslo"}, rec.Input)
	assert.True(t, rec.Success)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, int64(250), *rec.DurationMs)
}

func TestCorrelator_OrphanResultRecordedWithoutDuration(t *testing.T) {
	c := NewCorrelator()

	rec := c.OnResult(events.Chunk{
		Kind:     events.KindToolResult,
		CallID:   "never-started",
		ToolName: "search",
		Result:   "hit",
	})

	assert.Equal(t, "search", rec.ToolKey)
	assert.Equal(t, map[string]any{}, rec.Input)
	assert.Nil(t, rec.DurationMs)
	assert.True(t, rec.Success)

	records := c.Records()
	require.Len(t, records, 1)
}

func TestCorrelator_FailedResult(t *testing.T) {
	c := NewCorrelator()

	c.OnCallStarted(events.Chunk{CallID: "c1", ToolName: "search"})
	rec := c.OnResult(events.Chunk{CallID: "c1", ErrorMsg: "timeout"})

	assert.False(t, rec.Success)
	assert.Equal(t, "timeout", rec.Error)
}

func TestCorrelator_PendingConsumedOnce(t *testing.T) {
	c := NewCorrelator()

	c.OnCallStarted(events.Chunk{CallID: "c1", ToolName: "search", Args: map[string]any{"q": "x"}})
	first := c.OnResult(events.Chunk{CallID: "c1"})
	second := c.OnResult(events.Chunk{CallID: "c1"})

	assert.NotNil(t, first.DurationMs)
	// The second result for the same ID is an orphan.
	assert.Nil(t, second.DurationMs)
	assert.Empty(t, second.Input)

	assert.Len(t, c.Records(), 2)
}

func TestCorrelator_RecordsKeepCompletionOrder(t *testing.T) {
	c := NewCorrelator()

	c.OnCallStarted(events.Chunk{CallID: "a", ToolName: "first"})
	c.OnCallStarted(events.Chunk{CallID: "b", ToolName: "second"})
	c.OnResult(events.Chunk{CallID: "b"})
	c.OnResult(events.Chunk{CallID: "a"})

	records := c.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].ToolKey)
	assert.Equal(t, "first", records[1].ToolKey)
}
