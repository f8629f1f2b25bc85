// Execution trace for one turn.
//
// DESIGN: Append-only, monotonically-numbered log of call/result/response
// steps. Used purely for audit and UI replay; never drives control flow.
// Steps are immutable once appended and step numbers are never reused.
package relay

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threadline/relay/internal/config"
	"github.com/threadline/relay/internal/utils"
)

// TraceBuilder accumulates the execution steps of one turn. Scoped to a
// single turn; appended to only by the goroutine that owns the event it
// records.
type TraceBuilder struct {
	steps []ExecutionStep
	next  int

	now func() time.Time
}

// NewTraceBuilder creates an empty trace. Step numbering starts at 1.
func NewTraceBuilder() *TraceBuilder {
	return &TraceBuilder{next: 1, now: time.Now}
}

// AppendToolCall records a tool invocation: name plus pretty-printed args.
func (t *TraceBuilder) AppendToolCall(toolName string, args map[string]any) ExecutionStep {
	content := toolName
	if len(args) > 0 {
		if pretty, err := utils.MarshalNoEscape(args); err == nil {
			content = toolName + " " + string(pretty)
		} else {
			log.Debug().Err(err).Str("tool", toolName).Msg("trace: unprintable tool args")
		}
	}
	return t.append(StepToolCall, content, nil)
}

// AppendToolResult records a success/failure summary with a truncated
// preview of the result.
func (t *TraceBuilder) AppendToolResult(rec ToolCallRecord) ExecutionStep {
	var content string
	if rec.Success {
		content = fmt.Sprintf("%s succeeded: %s", rec.ToolKey, utils.Truncate(previewOf(rec.Output), config.MaxToolResultPreview))
	} else {
		content = fmt.Sprintf("%s failed: %s", rec.ToolKey, utils.Truncate(rec.Error, config.MaxToolResultPreview))
	}
	return t.append(StepToolResult, content, rec.DurationMs)
}

// AppendResponse records the final response text, truncated.
func (t *TraceBuilder) AppendResponse(text string) ExecutionStep {
	return t.append(StepResponse, utils.Truncate(text, config.MaxResponsePreview), nil)
}

// Steps returns the trace in append order.
func (t *TraceBuilder) Steps() []ExecutionStep {
	return t.steps
}

func (t *TraceBuilder) append(kind StepType, content string, durationMs *int64) ExecutionStep {
	step := ExecutionStep{
		Step:       t.next,
		Type:       kind,
		Content:    content,
		Timestamp:  t.now(),
		DurationMs: durationMs,
	}
	t.next++
	t.steps = append(t.steps, step)
	return step
}

func previewOf(output any) string {
	switch v := output.(type) {
	case nil:
		return "(no output)"
	case string:
		return v
	default:
		data, err := utils.MarshalNoEscape(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
