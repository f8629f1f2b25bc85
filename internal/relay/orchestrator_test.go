package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/relay/internal/costcontrol"
	"github.com/threadline/relay/internal/evals"
)

// stubRuntime returns a canned stream or error.
type stubRuntime struct {
	stream *AgentStream
	err    error
}

func (r *stubRuntime) Stream(ctx context.Context, req *TurnRequest) (*AgentStream, error) {
	return r.stream, r.err
}

// recorderSpy tracks lifecycle calls.
type recorderSpy struct {
	mu        sync.Mutex
	startErr  error
	completes []*TurnCompletion
	failures  []string
	toolCalls []ToolCallRecord
	run       *Run
}

func newRecorderSpy() *recorderSpy {
	return &recorderSpy{run: &Run{RunID: "run-1", TraceID: "trace-1", TurnID: "turn-1", TurnIndex: 2}}
}

func (r *recorderSpy) StartTurn(ctx context.Context, req *TurnRequest) (*Run, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.run, nil
}

func (r *recorderSpy) CompleteTurn(ctx context.Context, run *Run, c *TurnCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, c)
	return nil
}

func (r *recorderSpy) FailTurn(ctx context.Context, run *Run, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errMsg)
	return nil
}

func (r *recorderSpy) AddToolCall(ctx context.Context, run *Run, rec *ToolCallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, *rec)
	return nil
}

// memorySink collects events; fails every Send after failAfter events when
// failAfter >= 0.
type memorySink struct {
	mu        sync.Mutex
	events    []OutputEvent
	failAfter int
}

func newMemorySink() *memorySink { return &memorySink{failAfter: -1} }

func (s *memorySink) Send(ev OutputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.events) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) all() []OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutputEvent(nil), s.events...)
}

func textOnlyStream(chunks ...string) *AgentStream {
	text := make(chan TextChunk, len(chunks))
	for _, c := range chunks {
		text <- TextChunk{Text: c}
	}
	close(text)
	return &AgentStream{Text: text, Provider: "openai", Model: "gpt-4o"}
}

func TestExecute_SuccessfulTextTurn(t *testing.T) {
	recorder := newRecorderSpy()
	stream := textOnlyStream("Hello", ", ", "world")
	stream.Usage = func(ctx context.Context) (any, error) {
		return map[string]any{"promptTokens": 10, "completionTokens": 5}, nil
	}
	orch := NewOrchestrator(&stubRuntime{stream: stream}, recorder, Options{
		Pricing: costcontrol.StaticLookup{},
	})

	sink := newMemorySink()
	err := orch.Execute(context.Background(), &TurnRequest{AgentID: "a1", UserText: "hi"}, sink)
	require.NoError(t, err)

	evs := sink.all()
	require.GreaterOrEqual(t, len(evs), 5)
	assert.Equal(t, EventRunMetadata, evs[0].Type)
	assert.Equal(t, "run-1", evs[0].RunID)
	assert.Equal(t, 2, evs[0].TurnIndex)
	assert.NotEmpty(t, evs[0].MessageID)
	assert.Equal(t, EventTextStart, evs[1].Type)
	assert.Equal(t, EventTextEnd, evs[len(evs)-1].Type)

	// Every delta carries the text block ID.
	var got string
	for _, ev := range evs[2 : len(evs)-1] {
		assert.Equal(t, EventTextDelta, ev.Type)
		assert.Equal(t, evs[1].ID, ev.ID)
		got += ev.Delta
	}
	assert.Equal(t, "Hello, world", got)

	require.Len(t, recorder.completes, 1)
	assert.Empty(t, recorder.failures)
	completion := recorder.completes[0]
	assert.Equal(t, "Hello, world", completion.Output)
	assert.Equal(t, 10, completion.PromptTokens)
	assert.Equal(t, 5, completion.CompletionTokens)
	assert.Greater(t, completion.CostUSD, 0.0)
	// The response step closes the trace.
	require.NotEmpty(t, completion.Steps)
	assert.Equal(t, StepResponse, completion.Steps[len(completion.Steps)-1].Type)
}

func TestExecute_ToolCallsRecorded(t *testing.T) {
	events := make(chan EventChunk, 3)
	events <- EventChunk{Raw: []byte(`{"type":"tool-call","toolCallId":"c1","toolName":"search","args":{"q":"go"}}`)}
	events <- EventChunk{Raw: []byte(`{"type":"tool-result","toolCallId":"c1","result":"hit"}`)}
	events <- EventChunk{Raw: []byte(`{"type":"text-delta","delta":"done"}`)}
	close(events)
	stream := &AgentStream{Events: events, Provider: "openai", Model: "gpt-4o"}

	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{stream: stream}, recorder, Options{})

	sink := newMemorySink()
	require.NoError(t, orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink))

	require.Len(t, recorder.toolCalls, 1)
	assert.Equal(t, "search", recorder.toolCalls[0].ToolKey)
	require.Len(t, recorder.completes, 1)
	assert.Equal(t, "done", recorder.completes[0].Output)
}

func TestExecute_RecorderFailureDegradesToUnrecorded(t *testing.T) {
	recorder := newRecorderSpy()
	recorder.startErr = errors.New("db locked")
	orch := NewOrchestrator(&stubRuntime{stream: textOnlyStream("ok")}, recorder, Options{})

	sink := newMemorySink()
	err := orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink)
	require.NoError(t, err)

	evs := sink.all()
	assert.Equal(t, EventRunMetadata, evs[0].Type)
	assert.Empty(t, evs[0].RunID)
	assert.NotEmpty(t, evs[0].MessageID)

	// No run, so neither terminal transition fires on the recorder.
	assert.Empty(t, recorder.completes)
	assert.Empty(t, recorder.failures)
}

func TestExecute_RuntimeFailureReturnsErrorAndFailsTurn(t *testing.T) {
	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{err: errors.New("runtime down")}, recorder, Options{})

	sink := newMemorySink()
	err := orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink)
	require.Error(t, err)

	assert.Empty(t, sink.all())
	require.Len(t, recorder.failures, 1)
	assert.Empty(t, recorder.completes)
}

func TestExecute_StreamErrorSentInBand(t *testing.T) {
	text := make(chan TextChunk, 2)
	text <- TextChunk{Text: "partial"}
	text <- TextChunk{Err: errors.New("model crashed")}
	close(text)
	stream := &AgentStream{Text: text}

	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{stream: stream}, recorder, Options{})

	sink := newMemorySink()
	err := orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink)
	require.NoError(t, err)

	evs := sink.all()
	last := evs[len(evs)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.ErrorText, "model crashed")

	require.Len(t, recorder.failures, 1)
	assert.Empty(t, recorder.completes, "failed turn must not also complete")
}

func TestExecute_SinkFailureFailsTurnWithoutErrorEvent(t *testing.T) {
	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{stream: textOnlyStream("a", "b", "c")}, recorder, Options{})

	sink := newMemorySink()
	sink.failAfter = 2 // metadata + text-start land, first delta breaks
	err := orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink)
	require.NoError(t, err)

	assert.Len(t, sink.all(), 2)
	require.Len(t, recorder.failures, 1)
	assert.Contains(t, recorder.failures[0], "client disconnected")
	assert.Empty(t, recorder.completes)
}

func TestExecute_EvalDispatchOnSuccess(t *testing.T) {
	store := &scoreStoreSpy{scores: make(map[string]map[string]float64)}
	dispatcher := evals.NewDispatcher(evals.BuiltinRegistry(), store)

	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{stream: textOnlyStream("the weather is sunny today")}, recorder, Options{
		Dispatcher: dispatcher,
		Scorers:    []string{"answer-length", "keyword-overlap"},
	})

	sink := newMemorySink()
	require.NoError(t, orch.Execute(context.Background(), &TurnRequest{UserText: "what is the weather today?"}, sink))
	dispatcher.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Contains(t, store.scores, "run-1")
	assert.Len(t, store.scores["run-1"], 2)
}

func TestExecute_NoEvalDispatchWhenUnrecorded(t *testing.T) {
	store := &scoreStoreSpy{scores: make(map[string]map[string]float64)}
	dispatcher := evals.NewDispatcher(evals.BuiltinRegistry(), store)

	recorder := newRecorderSpy()
	recorder.startErr = errors.New("db gone")
	orch := NewOrchestrator(&stubRuntime{stream: textOnlyStream("ok")}, recorder, Options{
		Dispatcher: dispatcher,
		Scorers:    []string{"answer-length"},
	})

	sink := newMemorySink()
	require.NoError(t, orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink))
	dispatcher.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.scores)
}

func TestExecute_UsagePromiseFailureFallsBackToText(t *testing.T) {
	stream := textOnlyStream("some output text")
	stream.Usage = func(ctx context.Context) (any, error) {
		return nil, errors.New("usage endpoint down")
	}
	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{stream: stream}, recorder, Options{})

	sink := newMemorySink()
	require.NoError(t, orch.Execute(context.Background(), &TurnRequest{UserText: "hi"}, sink))

	require.Len(t, recorder.completes, 1)
	// Token counts come from text estimation, not zero.
	assert.Greater(t, recorder.completes[0].CompletionTokens, 0)
}

type scoreStoreSpy struct {
	mu     sync.Mutex
	scores map[string]map[string]float64
}

func (s *scoreStoreSpy) UpsertScores(ctx context.Context, runID string, scores map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[runID] = scores
	return nil
}

func TestExtractUserText(t *testing.T) {
	_, err := ExtractUserText(nil)
	assert.ErrorIs(t, err, ErrNoUserMessage)

	_, err = ExtractUserText([]Message{{Role: "assistant", Content: "hi"}})
	assert.ErrorIs(t, err, ErrNoUserMessage)

	_, err = ExtractUserText([]Message{{Role: "user", Content: "   "}})
	assert.ErrorIs(t, err, ErrNoUserMessage)

	text, err := ExtractUserText([]Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "latest"},
	})
	require.NoError(t, err)
	assert.Equal(t, "latest", text)
}

func TestAdmit_NilLimiterAllows(t *testing.T) {
	orch := NewOrchestrator(&stubRuntime{}, newRecorderSpy(), Options{})
	d := orch.Admit("1.2.3.4")
	assert.True(t, d.Allowed)
}

func TestExecute_CancelledContextFailsTurn(t *testing.T) {
	text := make(chan TextChunk) // never delivers
	stream := &AgentStream{Text: text}

	recorder := newRecorderSpy()
	orch := NewOrchestrator(&stubRuntime{stream: stream}, recorder, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sink := newMemorySink()
	err := orch.Execute(ctx, &TurnRequest{UserText: "hi"}, sink)
	require.NoError(t, err)

	require.Len(t, recorder.failures, 1)
	assert.Empty(t, recorder.completes)
}
