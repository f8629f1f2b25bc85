package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/relay/internal/config"
)

func TestTraceBuilder_StepNumberingStartsAtOne(t *testing.T) {
	tb := NewTraceBuilder()

	tb.AppendToolCall("search", map[string]any{"q": "go"})
	tb.AppendToolResult(ToolCallRecord{ToolKey: "search", Success: true, Output: "hit"})
	tb.AppendResponse("done")

	steps := tb.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].Step)
	assert.Equal(t, 2, steps[1].Step)
	assert.Equal(t, 3, steps[2].Step)
	assert.Equal(t, StepToolCall, steps[0].Type)
	assert.Equal(t, StepToolResult, steps[1].Type)
	assert.Equal(t, StepResponse, steps[2].Type)
}

func TestTraceBuilder_ToolCallContent(t *testing.T) {
	tb := NewTraceBuilder()

	step := tb.AppendToolCall("get_weather", map[string]any{"city": "Oslo"})
	assert.Contains(t, step.Content, "get_weather")
	assert.Contains(t, step.Content, `"city":"Oslo"`)

	step = tb.AppendToolCall("no_args", nil)
	assert.Equal(t, "no_args", step.Content)
}

func TestTraceBuilder_ResultSummaries(t *testing.T) {
	tb := NewTraceBuilder()

	ok := tb.AppendToolResult(ToolCallRecord{ToolKey: "search", Success: true, Output: "found it"})
	assert.Equal(t, "search succeeded: found it", ok.Content)

	failed := tb.AppendToolResult(ToolCallRecord{ToolKey: "search", Success: false, Error: "boom"})
	assert.Equal(t, "search failed: boom", failed.Content)
}

func TestTraceBuilder_TruncatesLongPreviews(t *testing.T) {
	tb := NewTraceBuilder()

	long := strings.Repeat("x", config.MaxToolResultPreview*2)
	step := tb.AppendToolResult(ToolCallRecord{ToolKey: "dump", Success: true, Output: long})
	assert.LessOrEqual(t, len(step.Content), len("dump succeeded: ")+config.MaxToolResultPreview+len("..."))
	assert.True(t, strings.HasSuffix(step.Content, "..."))

	resp := tb.AppendResponse(strings.Repeat("y", config.MaxResponsePreview*2))
	assert.Equal(t, config.MaxResponsePreview+len("..."), len(resp.Content))
}

func TestTraceBuilder_DurationCarriedFromRecord(t *testing.T) {
	tb := NewTraceBuilder()

	dur := int64(120)
	step := tb.AppendToolResult(ToolCallRecord{ToolKey: "search", Success: true, DurationMs: &dur})
	require.NotNil(t, step.DurationMs)
	assert.Equal(t, int64(120), *step.DurationMs)
}
