// Package runstore persists run lifecycle records in SQLite.
//
// One run groups the turns of a conversation thread; each turn carries its
// final output, token accounting, execution steps, and tool calls. Eval
// scores are upserted per run after the fact.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/threadline/relay/internal/relay"
)

// Store implements relay.Recorder and evals.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// With the pure-Go driver every pooled connection would get its own
	// in-memory database, and file databases lock under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			trace_id   TEXT NOT NULL,
			agent_id   TEXT,
			thread_id  TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id)`,
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id           TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL REFERENCES runs(run_id),
			turn_index        INTEGER NOT NULL,
			user_text         TEXT,
			status            TEXT NOT NULL,
			output            TEXT,
			prompt_tokens     INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			cost_usd          REAL DEFAULT 0,
			error             TEXT,
			steps             TEXT,
			started_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at       DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_run ON turns(run_id)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id     TEXT NOT NULL REFERENCES turns(turn_id),
			tool_key    TEXT NOT NULL,
			input       TEXT,
			output      TEXT,
			success     INTEGER NOT NULL,
			error       TEXT,
			duration_ms INTEGER,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON tool_calls(turn_id)`,
		`CREATE TABLE IF NOT EXISTS eval_scores (
			run_id     TEXT NOT NULL,
			scorer     TEXT NOT NULL,
			score      REAL NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, scorer)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// StartTurn opens a new turn, reusing the thread's run when one exists.
func (s *Store) StartTurn(ctx context.Context, req *relay.TurnRequest) (*relay.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Msg("runstore: rollback")
		}
	}()

	var runID, traceID string
	if req.ThreadID != "" {
		err = tx.QueryRowContext(ctx,
			`SELECT run_id, trace_id FROM runs WHERE thread_id = ? ORDER BY created_at DESC LIMIT 1`,
			req.ThreadID,
		).Scan(&runID, &traceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup run: %w", err)
		}
	}
	if runID == "" {
		runID = uuid.NewString()
		traceID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, trace_id, agent_id, thread_id) VALUES (?, ?, ?, ?)`,
			runID, traceID, req.AgentID, nullable(req.ThreadID),
		)
		if err != nil {
			return nil, fmt.Errorf("insert run: %w", err)
		}
	}

	var turnIndex int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE run_id = ?`, runID,
	).Scan(&turnIndex); err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}

	turnID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (turn_id, run_id, turn_index, user_text, status) VALUES (?, ?, ?, ?, 'running')`,
		turnID, runID, turnIndex, req.UserText,
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &relay.Run{RunID: runID, TraceID: traceID, TurnID: turnID, TurnIndex: turnIndex}, nil
}

// CompleteTurn records the successful terminal transition.
func (s *Store) CompleteTurn(ctx context.Context, run *relay.Run, c *relay.TurnCompletion) error {
	steps, err := json.Marshal(c.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE turns
		 SET status = 'completed', output = ?, prompt_tokens = ?, completion_tokens = ?,
		     cost_usd = ?, steps = ?, finished_at = ?
		 WHERE turn_id = ?`,
		c.Output, c.PromptTokens, c.CompletionTokens, c.CostUSD, string(steps),
		time.Now().UTC(), run.TurnID,
	)
	if err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	return nil
}

// FailTurn records the failing terminal transition.
func (s *Store) FailTurn(ctx context.Context, run *relay.Run, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET status = 'failed', error = ?, finished_at = ? WHERE turn_id = ?`,
		errMsg, time.Now().UTC(), run.TurnID,
	)
	if err != nil {
		return fmt.Errorf("fail turn: %w", err)
	}
	return nil
}

// AddToolCall appends one tool call record to the turn.
func (s *Store) AddToolCall(ctx context.Context, run *relay.Run, rec *relay.ToolCallRecord) error {
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	var output []byte
	if rec.Output != nil {
		if output, err = json.Marshal(rec.Output); err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (turn_id, tool_key, input, output, success, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.TurnID, rec.ToolKey, string(input), nullableBytes(output), rec.Success,
		nullable(rec.Error), rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// UpsertScores writes eval scores for a run: insert new scorers, overwrite
// existing ones.
func (s *Store) UpsertScores(ctx context.Context, runID string, scores map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Msg("runstore: rollback")
		}
	}()

	for scorer, score := range scores {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO eval_scores (run_id, scorer, score, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (run_id, scorer) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
			runID, scorer, score, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert score %q: %w", scorer, err)
		}
	}
	return tx.Commit()
}

// TurnStatus reports a turn's status column. Used by tests and diagnostics.
func (s *Store) TurnStatus(ctx context.Context, turnID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM turns WHERE turn_id = ?`, turnID,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("turn status: %w", err)
	}
	return status, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
