// Package evals runs post-turn quality scoring, fire-and-forget.
//
// DESIGN: Scoring happens after the client response has completed and must
// never affect it: every failure here is logged only. Scorers are isolated
// from each other; one scorer panicking or erroring does not prevent the
// rest from running or from having their scores persisted.
package evals

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Scorer judges one turn's input/output pair. Score is typically 0..1 but
// the scale is scorer-defined.
type Scorer interface {
	Name() string
	Score(ctx context.Context, input, output string) (float64, error)
}

// Registry resolves scorers by name. Unknown names resolve to nil.
type Registry interface {
	GetScorersByNames(names []string) map[string]Scorer
}

// Store persists scores keyed by run ID: create if absent, update scores if
// present.
type Store interface {
	UpsertScores(ctx context.Context, runID string, scores map[string]float64) error
}

// Dispatch is one scoring request.
type Dispatch struct {
	RunID   string
	AgentID string
	Scorers []string
	Input   string
	Output  string
}

// Dispatcher fans a dispatch out across scorers.
type Dispatcher struct {
	registry Registry
	store    Store

	// wg tracks in-flight dispatches so tests and shutdown can wait.
	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry Registry, store Store) *Dispatcher {
	return &Dispatcher{registry: registry, store: store}
}

// RunAsync starts scoring in the background and returns immediately. The
// caller's context is not used: the caller's request is already complete and
// cancelling it must not cancel scoring.
func (d *Dispatcher) RunAsync(dispatch Dispatch) {
	if d == nil || len(dispatch.Scorers) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.Background(), dispatch)
	}()
}

// Wait blocks until all in-flight dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, dispatch Dispatch) {
	resolved := d.registry.GetScorersByNames(dispatch.Scorers)

	scores := make(map[string]float64)
	for _, name := range dispatch.Scorers {
		scorer := resolved[name]
		if scorer == nil {
			log.Warn().Str("scorer", name).Str("run_id", dispatch.RunID).Msg("evals: unknown scorer")
			continue
		}
		score, err := d.scoreOne(ctx, scorer, dispatch)
		if err != nil {
			log.Error().Err(err).Str("scorer", name).Str("run_id", dispatch.RunID).Msg("evals: scorer failed")
			continue
		}
		scores[name] = score
	}

	if len(scores) == 0 {
		return
	}
	if err := d.store.UpsertScores(ctx, dispatch.RunID, scores); err != nil {
		log.Error().Err(err).Str("run_id", dispatch.RunID).Msg("evals: failed to persist scores")
	}
}

// scoreOne invokes a single scorer with panic isolation.
func (d *Dispatcher) scoreOne(ctx context.Context, scorer Scorer, dispatch Dispatch) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()
	return scorer.Score(ctx, dispatch.Input, dispatch.Output)
}
