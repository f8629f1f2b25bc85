// Package relay types - contracts between the turn orchestrator and its
// external collaborators.
//
// DESIGN: The relay owns stream coordination, correlation, tracing, and
// accounting. Everything else (the agent runtime, run persistence, pricing,
// scoring) is consumed through the interfaces below so deployments and tests
// can swap implementations.
package relay

import (
	"context"
	"time"
)

// =============================================================================
// REQUEST MODEL
// =============================================================================

// Message is one conversation message from the client request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is one admitted agent invocation.
type TurnRequest struct {
	AgentID  string    `json:"agentId,omitempty"`
	ThreadID string    `json:"threadId,omitempty"`
	Messages []Message `json:"messages"`

	// UserText is the extracted latest user message; validated non-empty
	// before a turn is admitted.
	UserText string `json:"-"`
	// CallerKey identifies the caller for rate limiting (client IP).
	CallerKey string `json:"-"`
}

// =============================================================================
// AGENT RUNTIME
// =============================================================================

// TextChunk is one token-text fragment from the runtime's text source.
// A chunk with Err set terminates the source.
type TextChunk struct {
	Text string
	Err  error
}

// EventChunk is one raw side-channel event from the runtime's event source.
// A chunk with Err set terminates the source.
type EventChunk struct {
	Raw []byte
	Err error
}

// AgentStream is the pair of independently-paced sources one turn exposes.
// At least one of Events/Text is non-nil:
//
//	both set:   tool events arrive out-of-band from token text (common case)
//	Events nil: text-only turn, no side channel
//	Text nil:   text deltas are multiplexed inside the event source
type AgentStream struct {
	Events <-chan EventChunk
	Text   <-chan TextChunk

	// Usage resolves the provider-reported usage object once the stream has
	// finished. May be nil; may return nil with no error when the provider
	// reported nothing. The object shape is provider-specific and normalized
	// by the cost estimator.
	Usage func(ctx context.Context) (any, error)

	// Model and Provider identify the upstream model for pricing.
	Provider string
	Model    string
}

// Runtime produces the stream handles for one agent invocation. The runtime
// itself (tool selection, reasoning) is an external collaborator.
type Runtime interface {
	Stream(ctx context.Context, req *TurnRequest) (*AgentStream, error)
}

// =============================================================================
// RUN LIFECYCLE RECORDER
// =============================================================================

// Run references a recorded turn. Owned by the Recorder; the relay only
// carries the identifiers through.
type Run struct {
	RunID     string
	TraceID   string
	TurnID    string
	TurnIndex int
}

// ToolCallRecord is one completed (or orphaned) tool invocation, ordered by
// completion time. Immutable once appended.
type ToolCallRecord struct {
	ToolKey    string         `json:"toolKey"`
	Input      map[string]any `json:"input"`
	Output     any            `json:"output,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
}

// ExecutionStep is one append-only audit step of a turn. Step numbers start
// at 1 and are never reused within a turn.
type ExecutionStep struct {
	Step       int       `json:"step"`
	Type       StepType  `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs *int64    `json:"durationMs,omitempty"`
}

// StepType discriminates execution trace steps.
type StepType string

const (
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepResponse   StepType = "response"
)

// TurnCompletion is the accounting handed to the Recorder exactly once on
// the successful terminal transition.
type TurnCompletion struct {
	Output           string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Steps            []ExecutionStep
}

// Recorder persists run lifecycle bookkeeping. StartTurn failing is
// non-fatal: the relay degrades to unrecorded mode rather than failing the
// user-visible request. CompleteTurn and FailTurn are called exactly once
// per recorded turn, never both.
type Recorder interface {
	StartTurn(ctx context.Context, req *TurnRequest) (*Run, error)
	CompleteTurn(ctx context.Context, run *Run, c *TurnCompletion) error
	FailTurn(ctx context.Context, run *Run, errMsg string) error
	AddToolCall(ctx context.Context, run *Run, rec *ToolCallRecord) error
}

// NopRecorder is the Recorder for store-less deployments: every turn runs
// unrecorded.
type NopRecorder struct{}

func (NopRecorder) StartTurn(ctx context.Context, req *TurnRequest) (*Run, error) { return nil, nil }
func (NopRecorder) CompleteTurn(ctx context.Context, run *Run, c *TurnCompletion) error {
	return nil
}
func (NopRecorder) FailTurn(ctx context.Context, run *Run, errMsg string) error { return nil }
func (NopRecorder) AddToolCall(ctx context.Context, run *Run, rec *ToolCallRecord) error {
	return nil
}

// =============================================================================
// CLIENT OUTPUT
// =============================================================================

// OutputEvent is one typed event of the client stream.
type OutputEvent struct {
	Type string `json:"type"`

	// text-start / text-delta / text-end
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// tool-input-available / tool-output-available / tool-output-error
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`

	// error / tool-output-error
	ErrorText string `json:"errorText,omitempty"`

	// data-run-metadata
	RunID     string `json:"runId,omitempty"`
	TurnID    string `json:"turnId,omitempty"`
	TurnIndex int    `json:"turnIndex,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Client event types.
const (
	EventTextStart           = "text-start"
	EventTextDelta           = "text-delta"
	EventTextEnd             = "text-end"
	EventToolInputAvailable  = "tool-input-available"
	EventToolOutputAvailable = "tool-output-available"
	EventToolOutputError     = "tool-output-error"
	EventRunMetadata         = "data-run-metadata"
	EventError               = "error"
)

// EventSink receives output events in order. Send returning an error means
// the client is gone; the turn is aborted.
type EventSink interface {
	Send(ev OutputEvent) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev OutputEvent) error

// Send implements EventSink.
func (f SinkFunc) Send(ev OutputEvent) error { return f(ev) }
