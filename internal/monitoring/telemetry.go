// Package monitoring - telemetry.go records turn events to JSONL files.
//
// Events are appended to the log file immediately after each turn so the
// file can be tailed for real-time observation.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config      TelemetryConfig
	turnLogPath string
	turnCount   int
	mu          sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled {
		return t, nil
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, err
		}
		t.turnLogPath = cfg.LogPath
		if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
			if f, err := os.Create(cfg.LogPath); err == nil {
				_ = f.Close()
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordTurn records a completed or failed turn.
func (t *Tracker) RecordTurn(event *TurnEvent) {
	if !t.config.Enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		runID := event.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		log.Info().
			Str("run_id", runID).
			Str("agent_id", event.AgentID).
			Str("status", event.Status).
			Int64("duration_ms", event.DurationMs).
			Int("tool_calls", event.ToolCalls).
			Float64("cost_usd", event.CostUSD).
			Msg("telemetry")
	}

	if t.turnLogPath != "" {
		if err := appendJSONL(t.turnLogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.turnLogPath).Msg("telemetry: failed to write turn event")
		} else {
			t.turnCount++
		}
	}
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.turnLogPath != "" && t.turnCount > 0 {
		log.Info().
			Str("path", t.turnLogPath).
			Int("events", t.turnCount).
			Msg("telemetry: session complete")
	}

	return nil
}
