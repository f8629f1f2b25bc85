package costcontrol

import (
	"sync"
	"sync/atomic"
	"time"
)

const agentTTL = 24 * time.Hour

// Aggregator accumulates per-agent cost totals for the /stats surface.
// It is accounting display only; admission control in the relay is the
// request-count rate limiter, not a spend cap.
type Aggregator struct {
	agents map[string]*agentCost
	mu     sync.RWMutex

	// Atomic global accumulator for O(1) reads.
	// Stored as cost * 1e9 (nano-dollars) to use atomic int64 ops.
	globalCostNano int64
}

type agentCost struct {
	id          string
	cost        float64
	turnCount   int
	model       string
	createdAt   time.Time
	lastUpdated time.Time
}

// NewAggregator creates a cost aggregator. Starts a background cleanup goroutine.
func NewAggregator() *Aggregator {
	a := &Aggregator{agents: make(map[string]*agentCost)}
	go a.cleanup()
	return a
}

// Record adds one turn's cost to an agent's running total.
func (a *Aggregator) Record(agentID, model string, costUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.agents[agentID]
	if !ok {
		s = &agentCost{id: agentID, createdAt: time.Now()}
		a.agents[agentID] = s
	}
	s.cost += costUSD
	s.turnCount++
	s.lastUpdated = time.Now()
	if model != "" {
		s.model = model
	}

	atomic.AddInt64(&a.globalCostNano, int64(costUSD*1e9))
}

// GlobalCost returns total accumulated cost across all agents.
func (a *Aggregator) GlobalCost() float64 {
	return float64(atomic.LoadInt64(&a.globalCostNano)) / 1e9
}

// AgentCost returns the accumulated cost for one agent.
func (a *Aggregator) AgentCost(agentID string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if s, ok := a.agents[agentID]; ok {
		return s.cost
	}
	return 0
}

// Snapshot returns all agent totals for the stats endpoint.
func (a *Aggregator) Snapshot() []AgentCostSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AgentCostSnapshot, 0, len(a.agents))
	for _, s := range a.agents {
		out = append(out, AgentCostSnapshot{
			AgentID:     s.id,
			CostUSD:     s.cost,
			TurnCount:   s.turnCount,
			Model:       s.model,
			CreatedAt:   s.createdAt,
			LastUpdated: s.lastUpdated,
		})
	}
	return out
}

func (a *Aggregator) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		a.mu.Lock()
		now := time.Now()
		for id, s := range a.agents {
			if now.Sub(s.lastUpdated) > agentTTL {
				delete(a.agents, id)
			}
		}
		a.mu.Unlock()
	}
}
