// Stream coordination for one turn.
//
// DESIGN: A turn exposes up to two independently-paced sources: a side
// channel of tool events and a channel of token text. The coordinator merges
// them into one output stream without blocking indefinitely:
//
//   - Both sources: a background goroutine consumes the event source to
//     completion, routing chunks through the correlator/trace and forwarding
//     tool notices. The foreground drains the text source; once the event
//     source is known to be exhausted, each further wait for text races a
//     fixed idle timer so the client is never left hanging on a source that
//     has silently finished. Text genuinely in flight is not truncated: the
//     race resets whenever a chunk wins it.
//   - Event source only: text deltas are multiplexed inside it and are
//     forwarded as text; everything else goes through the correlator.
//   - Text source only: drained directly, no correlator, no idle logic.
//
// Text chunks keep text-source order and tool events keep event-source
// order; relative interleaving between the two channels is best-effort only.
// A Coordinator is consumed once and is not restartable.
package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threadline/relay/internal/config"
	"github.com/threadline/relay/internal/events"
)

// Coordinator merges one turn's sources into a single output stream.
type Coordinator struct {
	stream      *AgentStream
	correlator  *Correlator
	trace       *TraceBuilder
	idleTimeout time.Duration

	err       atomic.Value // foreground/terminal error; valid after the output closes
	idleFired atomic.Bool
}

// NewCoordinator wires a coordinator for one turn.
func NewCoordinator(stream *AgentStream, correlator *Correlator, trace *TraceBuilder, idleTimeout time.Duration) *Coordinator {
	if idleTimeout <= 0 {
		idleTimeout = config.DefaultIdleTimeout
	}
	return &Coordinator{
		stream:      stream,
		correlator:  correlator,
		trace:       trace,
		idleTimeout: idleTimeout,
	}
}

// Drain starts the merge and returns the output stream. The channel closes
// once every source is exhausted (or ctx is cancelled); Err is valid after
// that.
func (c *Coordinator) Drain(ctx context.Context) <-chan OutputEvent {
	out := make(chan OutputEvent, config.EventBufferSize)
	go func() {
		defer close(out)
		switch {
		case c.stream.Events != nil && c.stream.Text != nil:
			c.drainBoth(ctx, out)
		case c.stream.Events != nil:
			c.drainEventSource(ctx, out, true)
		default:
			c.drainTextOnly(ctx, out)
		}
	}()
	return out
}

// Err reports the terminal error of the foreground drain, nil on a clean
// finish. Background event-source errors are logged, not reported here.
func (c *Coordinator) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// IdleTimedOut reports whether the idle timer ended the text drain. Valid
// after the output closes.
func (c *Coordinator) IdleTimedOut() bool {
	return c.idleFired.Load()
}

func (c *Coordinator) setErr(err error) {
	if err != nil {
		c.err.CompareAndSwap(nil, err)
	}
}

// drainBoth runs the background event drain concurrently with the
// foreground text drain.
func (c *Coordinator) drainBoth(ctx context.Context, out chan<- OutputEvent) {
	var generationDone atomic.Bool
	bgDone := make(chan struct{})

	go func() {
		defer close(bgDone)
		defer generationDone.Store(true)
		c.drainEventSource(ctx, out, false)
	}()

foreground:
	for {
		if !generationDone.Load() {
			// Side channel still live: wait for text without a deadline.
			select {
			case chunk, ok := <-c.stream.Text:
				if c.handleText(ctx, out, chunk, ok) {
					break foreground
				}
			case <-bgDone:
				// Re-enter the loop; the idle race applies from here on.
			case <-ctx.Done():
				c.setErr(ctx.Err())
				break foreground
			}
			continue
		}

		// Side channel exhausted: race the next chunk against the idle timer.
		// The timer fires only when the text source has gone quiet, which is
		// treated as the stream being finished.
		idle := time.NewTimer(c.idleTimeout)
		select {
		case chunk, ok := <-c.stream.Text:
			idle.Stop()
			if c.handleText(ctx, out, chunk, ok) {
				break foreground
			}
		case <-idle.C:
			c.idleFired.Store(true)
			break foreground
		case <-ctx.Done():
			idle.Stop()
			c.setErr(ctx.Err())
			break foreground
		}
	}

	// The background drain owns the correlator and may still be sending on
	// out; join it unconditionally before Drain closes the channel. It exits
	// promptly on ctx.Done, so this cannot hang.
	<-bgDone
}

// handleText forwards one text chunk. Returns true when the foreground
// drain is finished.
func (c *Coordinator) handleText(ctx context.Context, out chan<- OutputEvent, chunk TextChunk, ok bool) bool {
	if !ok {
		return true
	}
	if chunk.Err != nil {
		c.setErr(chunk.Err)
		return true
	}
	select {
	case out <- OutputEvent{Type: EventTextDelta, Delta: chunk.Text}:
		return false
	case <-ctx.Done():
		c.setErr(ctx.Err())
		return true
	}
}

// drainEventSource consumes the side channel to completion. When
// forwardText is set (event-source-only shape), multiplexed text deltas are
// forwarded as text; otherwise they are skipped, since text belongs to the
// dedicated text source in that shape.
//
// Errors here are isolated: in the two-source shape the text stream may
// still complete independently, so a failed side channel is logged and the
// drain simply ends.
func (c *Coordinator) drainEventSource(ctx context.Context, out chan<- OutputEvent, forwardText bool) {
	for {
		select {
		case chunk, ok := <-c.stream.Events:
			if !ok {
				return
			}
			if chunk.Err != nil {
				if forwardText {
					c.setErr(chunk.Err)
				} else {
					log.Warn().Err(chunk.Err).Msg("relay: event source failed mid-stream")
				}
				return
			}
			if !c.routeEvent(ctx, out, events.Parse(chunk.Raw), forwardText) {
				return
			}
		case <-ctx.Done():
			if forwardText {
				c.setErr(ctx.Err())
			}
			return
		}
	}
}

// routeEvent dispatches one parsed chunk. Returns false when ctx ended.
func (c *Coordinator) routeEvent(ctx context.Context, out chan<- OutputEvent, chunk events.Chunk, forwardText bool) bool {
	switch chunk.Kind {
	case events.KindToolCall:
		notice := c.correlator.OnCallStarted(chunk)
		c.trace.AppendToolCall(notice.ToolName, notice.Args)
		return c.emit(ctx, out, OutputEvent{
			Type:       EventToolInputAvailable,
			ToolCallID: notice.CallID,
			ToolName:   notice.ToolName,
			Input:      notice.Args,
		})
	case events.KindToolResult:
		rec := c.correlator.OnResult(chunk)
		c.trace.AppendToolResult(rec)
		if rec.Success {
			return c.emit(ctx, out, OutputEvent{
				Type:       EventToolOutputAvailable,
				ToolCallID: chunk.CallID,
				Output:     rec.Output,
			})
		}
		return c.emit(ctx, out, OutputEvent{
			Type:       EventToolOutputError,
			ToolCallID: chunk.CallID,
			ErrorText:  rec.Error,
		})
	case events.KindTextDelta:
		if !forwardText {
			return true
		}
		return c.emit(ctx, out, OutputEvent{Type: EventTextDelta, Delta: chunk.Text})
	default:
		return true
	}
}

// drainTextOnly drains a turn with no side channel. No idle-timeout logic:
// there is nothing whose completion would bound the wait.
func (c *Coordinator) drainTextOnly(ctx context.Context, out chan<- OutputEvent) {
	for {
		select {
		case chunk, ok := <-c.stream.Text:
			if c.handleText(ctx, out, chunk, ok) {
				return
			}
		case <-ctx.Done():
			c.setErr(ctx.Err())
			return
		}
	}
}

func (c *Coordinator) emit(ctx context.Context, out chan<- OutputEvent, ev OutputEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
