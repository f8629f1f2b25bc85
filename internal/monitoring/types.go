// Package monitoring - types.go defines telemetry event types.
package monitoring

// TelemetryConfig controls turn telemetry recording.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// TurnEvent captures one completed or failed agent turn.
type TurnEvent struct {
	Timestamp        string  `json:"timestamp"`
	RunID            string  `json:"run_id,omitempty"`
	TurnID           string  `json:"turn_id,omitempty"`
	AgentID          string  `json:"agent_id"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	Status           string  `json:"status"`
	DurationMs       int64   `json:"duration_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Approximate      bool    `json:"approximate,omitempty"`
	ToolCalls        int     `json:"tool_calls"`
	OutputChars      int     `json:"output_chars"`
	Error            string  `json:"error,omitempty"`
}

// Turn status values used in TurnEvent.Status.
const (
	TurnStatusCompleted = "completed"
	TurnStatusFailed    = "failed"
)
