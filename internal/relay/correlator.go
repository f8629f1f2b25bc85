// Tool call correlation for one turn.
//
// DESIGN: The agent runtime reports a tool invocation as two separate events
// on the side channel: "call started" (name + args) and, later, "result".
// The correlator matches them by call ID, computes the call duration, and
// accumulates immutable ToolCallRecords in completion order. Results that
// arrive with no matching start (retried or externally-injected calls) are
// still recorded, with empty input and no duration.
package relay

import (
	"time"

	"github.com/threadline/relay/internal/events"
)

// pendingToolCall is an in-flight call awaiting its result. Exactly one per
// call ID; consumed at most once.
type pendingToolCall struct {
	toolName  string
	args      map[string]any
	startTime time.Time
}

// ToolNotice tells the caller to forward a tool-input-available signal
// downstream immediately, before the tool finishes.
type ToolNotice struct {
	CallID   string
	ToolName string
	Args     map[string]any
}

// Correlator matches call-start events to their results within one turn.
// It is scoped to a single turn and is only touched by the one goroutine
// draining the event source, so it carries no lock.
type Correlator struct {
	pending map[string]pendingToolCall
	records []ToolCallRecord

	now func() time.Time
}

// NewCorrelator creates a correlator for one turn.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]pendingToolCall),
		now:     time.Now,
	}
}

// OnCallStarted registers a pending call and returns the downstream notice.
// The chunk's CallID is always set (events.Parse generates a fallback).
func (c *Correlator) OnCallStarted(chunk events.Chunk) ToolNotice {
	c.pending[chunk.CallID] = pendingToolCall{
		toolName:  chunk.ToolName,
		args:      chunk.Args,
		startTime: c.now(),
	}
	return ToolNotice{CallID: chunk.CallID, ToolName: chunk.ToolName, Args: chunk.Args}
}

// OnResult consumes the pending entry for the chunk's call ID and appends
// the completed record. Orphan results (no matching start) are recorded with
// empty input, no duration, and the tool name taken from the result event.
func (c *Correlator) OnResult(chunk events.Chunk) ToolCallRecord {
	rec := ToolCallRecord{
		Output:  chunk.Result,
		Success: chunk.ErrorMsg == "",
		Error:   chunk.ErrorMsg,
	}

	if p, ok := c.pending[chunk.CallID]; ok {
		delete(c.pending, chunk.CallID)
		durationMs := c.now().Sub(p.startTime).Milliseconds()
		rec.ToolKey = p.toolName
		rec.Input = p.args
		rec.DurationMs = &durationMs
	} else {
		rec.ToolKey = chunk.ToolName
		rec.Input = map[string]any{}
	}

	c.records = append(c.records, rec)
	return rec
}

// Records returns the accumulated tool call records in completion order.
func (c *Correlator) Records() []ToolCallRecord {
	return c.records
}
