package costcontrol

import "time"

// UsageStats is the normalized token accounting for one turn.
type UsageStats struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Estimate is the per-turn accounting result.
type Estimate struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
	// Approximate is true when the prompt/completion split came from the
	// total-only heuristic or from text-based token counting rather than a
	// provider-reported split.
	Approximate bool `json:"approximate,omitempty"`
}

// AgentCostSnapshot is a point-in-time cost summary for one agent,
// surfaced by the /stats endpoint.
type AgentCostSnapshot struct {
	AgentID     string    `json:"agent_id"`
	CostUSD     float64   `json:"cost_usd"`
	TurnCount   int       `json:"turn_count"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}
