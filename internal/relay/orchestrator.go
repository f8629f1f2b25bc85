// Turn orchestration: the single driver of one agent turn from admission to
// its terminal transition.
//
// DESIGN: Execute owns the lifecycle state machine. A recorded turn ends in
// exactly one of CompleteTurn or FailTurn, never both. Recorder failures at
// the start degrade the turn to unrecorded mode instead of failing the
// user-visible request. Once streaming to the client has begun, errors are
// delivered in-band as an error event and Execute returns nil; the transport
// cannot change the HTTP status anymore.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/threadline/relay/internal/config"
	"github.com/threadline/relay/internal/costcontrol"
	"github.com/threadline/relay/internal/evals"
	"github.com/threadline/relay/internal/monitoring"
	"github.com/threadline/relay/internal/ratelimit"
	"github.com/threadline/relay/internal/utils"
)

// Orchestrator drives agent turns.
type Orchestrator struct {
	runtime  Runtime
	recorder Recorder

	limiter      ratelimit.Limiter
	maxPerWindow int

	pricing costcontrol.Lookup
	costs   *costcontrol.Aggregator

	dispatcher *evals.Dispatcher
	scorers    []string

	metrics   *monitoring.MetricsCollector
	telemetry *monitoring.Tracker

	idleTimeout time.Duration
}

// Options configures optional orchestrator collaborators.
type Options struct {
	Limiter      ratelimit.Limiter
	MaxPerWindow int
	Pricing      costcontrol.Lookup
	Costs        *costcontrol.Aggregator
	Dispatcher   *evals.Dispatcher
	Scorers      []string
	Metrics      *monitoring.MetricsCollector
	Telemetry    *monitoring.Tracker
	IdleTimeout  time.Duration
}

// NewOrchestrator wires an orchestrator. Runtime and recorder are required;
// everything in opts may be zero, disabling that concern.
func NewOrchestrator(runtime Runtime, recorder Recorder, opts Options) *Orchestrator {
	return &Orchestrator{
		runtime:      runtime,
		recorder:     recorder,
		limiter:      opts.Limiter,
		maxPerWindow: opts.MaxPerWindow,
		pricing:      opts.Pricing,
		costs:        opts.Costs,
		dispatcher:   opts.Dispatcher,
		scorers:      opts.Scorers,
		metrics:      opts.Metrics,
		telemetry:    opts.Telemetry,
		idleTimeout:  opts.IdleTimeout,
	}
}

// Admit checks the caller against the rate limiter without any other side
// effects. A nil limiter admits everything.
func (o *Orchestrator) Admit(key string) ratelimit.Decision {
	if o.limiter == nil {
		return ratelimit.Decision{Allowed: true, Remaining: -1}
	}
	d := o.limiter.Check(key, o.maxPerWindow)
	if !d.Allowed && o.metrics != nil {
		o.metrics.RecordRateLimited()
	}
	return d
}

// ExtractUserText returns the content of the latest user message, or
// ErrNoUserMessage when there is none.
func ExtractUserText(messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			return messages[i].Content, nil
		}
	}
	return "", ErrNoUserMessage
}

// Execute runs one admitted turn, streaming output events to sink. An error
// return means streaming never started and the transport should answer with
// an error status; once the first event has been sent, failures are
// delivered in-band and Execute returns nil.
func (o *Orchestrator) Execute(ctx context.Context, req *TurnRequest, sink EventSink) error {
	startedAt := time.Now()

	run, err := o.recorder.StartTurn(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", req.AgentID).Msg("relay: recorder unavailable, turn will not be recorded")
		run = nil
	}

	stream, err := o.runtime.Stream(ctx, req)
	if err != nil {
		o.failTurn(ctx, run, startedAt, req, "", err)
		return fmt.Errorf("start agent stream: %w", err)
	}

	messageID := uuid.NewString()

	// First events out: run identifiers, then the text block opener. From
	// here on the response is committed and errors go in-band.
	meta := OutputEvent{Type: EventRunMetadata, MessageID: messageID}
	if run != nil {
		meta.RunID = run.RunID
		meta.TurnID = run.TurnID
		meta.TurnIndex = run.TurnIndex
	}
	sinkErr := sink.Send(meta)
	if sinkErr == nil {
		sinkErr = sink.Send(OutputEvent{Type: EventTextStart, ID: messageID})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	correlator := NewCorrelator()
	trace := NewTraceBuilder()
	coordinator := NewCoordinator(stream, correlator, trace, o.idleTimeout)

	var output strings.Builder
	for ev := range coordinator.Drain(streamCtx) {
		if ev.Type == EventTextDelta {
			ev.ID = messageID
			output.WriteString(ev.Delta)
		}
		if sinkErr != nil {
			// Client is gone; keep draining so the coordinator can finish
			// and bookkeeping below sees complete records.
			continue
		}
		if err := sink.Send(ev); err != nil {
			sinkErr = err
			cancel()
		}
	}

	if o.metrics != nil && coordinator.IdleTimedOut() {
		o.metrics.RecordIdleTimeout()
	}

	if sinkErr != nil {
		if o.metrics != nil {
			o.metrics.RecordDisconnect()
		}
		o.failTurn(ctx, run, startedAt, req, stream.Model, fmt.Errorf("client disconnected: %w", sinkErr))
		return nil
	}
	if coordErr := coordinator.Err(); coordErr != nil {
		_ = sink.Send(OutputEvent{Type: EventError, ErrorText: coordErr.Error()})
		o.failTurn(ctx, run, startedAt, req, stream.Model, coordErr)
		return nil
	}

	if err := sink.Send(OutputEvent{Type: EventTextEnd, ID: messageID}); err != nil {
		if o.metrics != nil {
			o.metrics.RecordDisconnect()
		}
		o.failTurn(ctx, run, startedAt, req, stream.Model, fmt.Errorf("client disconnected: %w", err))
		return nil
	}

	o.completeTurn(ctx, run, startedAt, req, stream, correlator, trace, output.String())
	return nil
}

// completeTurn performs the successful terminal transition and all post-turn
// accounting. Runs on a non-cancellable context: the client may already have
// its answer and bookkeeping must still land.
func (o *Orchestrator) completeTurn(ctx context.Context, run *Run, startedAt time.Time, req *TurnRequest, stream *AgentStream, correlator *Correlator, trace *TraceBuilder, output string) {
	bgCtx := context.WithoutCancel(ctx)

	trace.AppendResponse(output)

	var rawUsage any
	if stream.Usage != nil {
		usage, err := stream.Usage(bgCtx)
		if err != nil {
			log.Warn().Err(err).Msg("relay: usage promise failed, estimating from text")
		} else {
			rawUsage = usage
		}
	}
	est := costcontrol.EstimateTurn(rawUsage, stream.Provider, stream.Model, o.pricing, req.UserText, output)

	records := correlator.Records()
	if run != nil {
		for i := range records {
			if err := o.recorder.AddToolCall(bgCtx, run, &records[i]); err != nil {
				log.Error().Err(err).Str("run_id", run.RunID).Str("tool", records[i].ToolKey).Msg("relay: failed to record tool call")
			}
		}
		completion := &TurnCompletion{
			Output:           output,
			PromptTokens:     est.PromptTokens,
			CompletionTokens: est.CompletionTokens,
			CostUSD:          est.CostUSD,
			Steps:            trace.Steps(),
		}
		if err := o.recorder.CompleteTurn(bgCtx, run, completion); err != nil {
			log.Error().Err(err).Str("run_id", run.RunID).Msg("relay: failed to complete turn record")
		}
	}

	if o.costs != nil {
		o.costs.Record(req.AgentID, stream.Model, est.CostUSD)
	}
	if o.metrics != nil {
		o.metrics.RecordTurn(true, time.Since(startedAt))
		o.metrics.RecordUsage(est.PromptTokens, est.CompletionTokens, est.Approximate)
		o.metrics.RecordToolCalls(len(records))
		for i := range records {
			if records[i].DurationMs == nil {
				o.metrics.RecordOrphanResult()
			}
		}
	}
	o.recordTelemetry(run, req, stream.Provider, stream.Model, monitoring.TurnStatusCompleted, startedAt, est, len(records), len(output), "")

	if run != nil && o.dispatcher != nil && len(o.scorers) > 0 {
		o.dispatcher.RunAsync(evals.Dispatch{
			RunID:   run.RunID,
			AgentID: req.AgentID,
			Scorers: o.scorers,
			Input:   req.UserText,
			Output:  output,
		})
	}

	log.Info().
		Str("agent_id", req.AgentID).
		Str("model", stream.Model).
		Int("tool_calls", len(records)).
		Float64("cost_usd", est.CostUSD).
		Dur("duration", time.Since(startedAt)).
		Msg("relay: turn completed")
}

// failTurn performs the failing terminal transition. Safe on a nil run.
func (o *Orchestrator) failTurn(ctx context.Context, run *Run, startedAt time.Time, req *TurnRequest, model string, cause error) {
	bgCtx := context.WithoutCancel(ctx)

	if run != nil {
		if err := o.recorder.FailTurn(bgCtx, run, cause.Error()); err != nil {
			log.Error().Err(err).Str("run_id", run.RunID).Msg("relay: failed to record turn failure")
		}
	}
	if o.metrics != nil {
		o.metrics.RecordTurn(false, time.Since(startedAt))
	}
	o.recordTelemetry(run, req, "", model, monitoring.TurnStatusFailed, startedAt, costcontrol.Estimate{}, 0, 0, cause.Error())

	log.Error().
		Err(cause).
		Str("agent_id", req.AgentID).
		Dur("duration", time.Since(startedAt)).
		Msg("relay: turn failed")
}

func (o *Orchestrator) recordTelemetry(run *Run, req *TurnRequest, provider, model, status string, startedAt time.Time, est costcontrol.Estimate, toolCalls, outputChars int, errMsg string) {
	if o.telemetry == nil {
		return
	}
	event := &monitoring.TurnEvent{
		Timestamp:        time.Now().Format(time.RFC3339),
		AgentID:          req.AgentID,
		Provider:         provider,
		Model:            model,
		Status:           status,
		DurationMs:       time.Since(startedAt).Milliseconds(),
		PromptTokens:     est.PromptTokens,
		CompletionTokens: est.CompletionTokens,
		CostUSD:          est.CostUSD,
		Approximate:      est.Approximate,
		ToolCalls:        toolCalls,
		OutputChars:      outputChars,
		Error:            utils.Truncate(errMsg, config.MaxErrorBodyLogLen),
	}
	if run != nil {
		event.RunID = run.RunID
		event.TurnID = run.TurnID
	}
	o.telemetry.RecordTurn(event)
}
