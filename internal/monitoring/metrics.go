// Package monitoring - metrics.go provides simple counters.
//
// Lightweight in-memory counters for operational metrics. For production,
// export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Turn counters
	turns       atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64

	// Token counters from usage reports
	totalPromptTokens     atomic.Int64
	totalCompletionTokens atomic.Int64
	approximateUsage      atomic.Int64 // Turns where token counts were estimated

	// Stream counters
	totalToolCalls atomic.Int64
	orphanResults  atomic.Int64
	idleTimeouts   atomic.Int64
	disconnects    atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordTurn records a finished turn.
func (mc *MetricsCollector) RecordTurn(success bool, _ time.Duration) {
	mc.turns.Add(1)
	if success {
		mc.completed.Add(1)
	} else {
		mc.failed.Add(1)
	}
}

// RecordRateLimited records a request rejected by the rate limiter.
func (mc *MetricsCollector) RecordRateLimited() { mc.rateLimited.Add(1) }

// RecordUsage records token usage from a turn estimate.
func (mc *MetricsCollector) RecordUsage(promptTokens, completionTokens int, approximate bool) {
	mc.totalPromptTokens.Add(int64(promptTokens))
	mc.totalCompletionTokens.Add(int64(completionTokens))
	if approximate {
		mc.approximateUsage.Add(1)
	}
}

// RecordToolCalls records tool invocations observed during a turn.
func (mc *MetricsCollector) RecordToolCalls(n int) { mc.totalToolCalls.Add(int64(n)) }

// RecordOrphanResult records a tool result that arrived without a matching call.
func (mc *MetricsCollector) RecordOrphanResult() { mc.orphanResults.Add(1) }

// RecordIdleTimeout records a stream ended by the idle timer.
func (mc *MetricsCollector) RecordIdleTimeout() { mc.idleTimeouts.Add(1) }

// RecordDisconnect records a client that went away mid-turn.
func (mc *MetricsCollector) RecordDisconnect() { mc.disconnects.Add(1) }

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	turns := mc.turns.Load()

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Turns: TurnStats{
			Total:       turns,
			Completed:   mc.completed.Load(),
			Failed:      mc.failed.Load(),
			RateLimited: mc.rateLimited.Load(),
		},
		Tokens: TokenStatsData{
			PromptTokens:     mc.totalPromptTokens.Load(),
			CompletionTokens: mc.totalCompletionTokens.Load(),
			ApproximateTurns: mc.approximateUsage.Load(),
		},
		Streams: StreamStats{
			ToolCalls:     mc.totalToolCalls.Load(),
			OrphanResults: mc.orphanResults.Load(),
			IdleTimeouts:  mc.idleTimeouts.Load(),
			Disconnects:   mc.disconnects.Load(),
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string         `json:"uptime"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartedAt     string         `json:"started_at"`
	Turns         TurnStats      `json:"turns"`
	Tokens        TokenStatsData `json:"tokens"`
	Streams       StreamStats    `json:"streams"`
}

// TurnStats holds turn count metrics.
type TurnStats struct {
	Total       int64 `json:"total"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
}

// TokenStatsData holds token usage metrics.
type TokenStatsData struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ApproximateTurns int64 `json:"approximate_turns"`
}

// StreamStats holds per-stream event metrics.
type StreamStats struct {
	ToolCalls     int64 `json:"tool_calls"`
	OrphanResults int64 `json:"orphan_results"`
	IdleTimeouts  int64 `json:"idle_timeouts"`
	Disconnects   int64 `json:"disconnects"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
