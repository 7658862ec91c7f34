// Package transcript persists finished runs in SQLite so they can be listed
// and replayed with `tally history`.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"

	"github.com/flynn-ai/tally/internal/agent"
	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/stats"
)

const schemaVersion = 1

// Run is one stored run.
type Run struct {
	ID         string          `json:"id"`
	Prompt     string          `json:"prompt"`
	State      string          `json:"state"`
	Final      string          `json:"final,omitempty"`
	Error      string          `json:"error,omitempty"`
	Model      string          `json:"model"`
	Stats      stats.Stats     `json:"stats"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Messages   []model.Message `json:"messages,omitempty"`
}

// FromResult converts a loop result into a storable run.
func FromResult(res *agent.Result) *Run {
	run := &Run{
		ID:         res.RunID,
		State:      res.StateName,
		Final:      res.Final,
		Error:      res.Error,
		Model:      res.Model,
		Stats:      res.Stats,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Messages:   res.Messages,
	}
	for _, m := range res.Messages {
		if m.Role == model.RoleUser {
			run.Prompt = m.Content
			break
		}
	}
	return run
}

// Store is the SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// Open opens the database at dbPath, creating it and its tables if needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, storeError(err, "create transcript directory")
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, storeError(err, "open transcript db")
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storeError(err, "configure transcript db")
		}
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		prompt        TEXT NOT NULL,
		state         TEXT NOT NULL,
		final         TEXT,
		error         TEXT,
		model         TEXT,
		stats_json    TEXT,
		started_at    INTEGER NOT NULL,
		finished_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_call_id    TEXT,
		tool_calls_json TEXT,
		is_error        INTEGER NOT NULL DEFAULT 0,
		UNIQUE(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return storeError(err, "create transcript schema")
	}
	if err := ensureSchemaVersion(s.db, schemaVersion, "runs and messages"); err != nil {
		return storeError(err, "record schema version")
	}
	return nil
}

func ensureSchemaVersion(db *sql.DB, version int, description string) error {
	var current sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}

	if !current.Valid || int(current.Int64) < version {
		_, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version,
			description,
		)
		return err
	}

	return nil
}

// SaveRun stores run and its messages in one transaction. Saving the same
// run id twice replaces the earlier copy.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if s == nil || s.db == nil {
		return errors.New(errors.CodeTranscriptStoreFailed, "transcript store not initialized", errors.CategorySystem)
	}
	if run == nil || run.ID == "" {
		return errors.User(errors.CodeTranscriptStoreFailed, "run id required")
	}

	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return storeError(err, "encode run stats")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE run_id = ?`, run.ID); err != nil {
		return storeError(err, "clear run messages")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, prompt, state, final, error, model, stats_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt = excluded.prompt,
			state = excluded.state,
			final = excluded.final,
			error = excluded.error,
			model = excluded.model,
			stats_json = excluded.stats_json,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, run.ID, run.Prompt, run.State, run.Final, run.Error, run.Model, string(statsJSON),
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli())
	if err != nil {
		return storeError(err, "insert run")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, run_id, seq, role, content, tool_call_id, tool_calls_json, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storeError(err, "prepare message insert")
	}
	defer stmt.Close()

	for i, m := range run.Messages {
		var callsJSON sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return storeError(err, "encode tool calls")
			}
			callsJSON = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), run.ID, i, string(m.Role), m.Content,
			nullString(m.ToolCallID), callsJSON, m.IsError); err != nil {
			return storeError(err, "insert message")
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError(err, "commit run")
	}
	return nil
}

// GetRun loads a run with its messages.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New(errors.CodeTranscriptStoreFailed, "transcript store not initialized", errors.CategorySystem)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, state, final, error, model, stats_json, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewBuilder(errors.CodeTranscriptNotFound, fmt.Sprintf("run %s not found", id)).
			User().
			WithSuggestion("List stored runs with `tally history`").
			Build()
	}
	if err != nil {
		return nil, storeError(err, "load run")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_call_id, tool_calls_json, is_error
		FROM messages WHERE run_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, storeError(err, "load messages")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         model.Message
			callID    sql.NullString
			callsJSON sql.NullString
		)
		if err := rows.Scan(&m.Role, &m.Content, &callID, &callsJSON, &m.IsError); err != nil {
			return nil, storeError(err, "scan message")
		}
		m.ToolCallID = callID.String
		if callsJSON.Valid {
			if err := json.Unmarshal([]byte(callsJSON.String), &m.ToolCalls); err != nil {
				return nil, storeError(err, "decode tool calls")
			}
		}
		run.Messages = append(run.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "load messages")
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first, without messages.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New(errors.CodeTranscriptStoreFailed, "transcript store not initialized", errors.CategorySystem)
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, state, final, error, model, stats_json, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeError(err, "list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeError(err, "scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "list runs")
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                 Run
		final, errMsg, name sql.NullString
		statsJSON           sql.NullString
		started, finished   int64
	)
	if err := row.Scan(&run.ID, &run.Prompt, &run.State, &final, &errMsg, &name, &statsJSON, &started, &finished); err != nil {
		return nil, err
	}
	run.Final = final.String
	run.Error = errMsg.String
	run.Model = name.String
	run.StartedAt = time.UnixMilli(started)
	run.FinishedAt = time.UnixMilli(finished)
	if statsJSON.Valid && statsJSON.String != "" {
		if err := json.Unmarshal([]byte(statsJSON.String), &run.Stats); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func storeError(err error, msg string) error {
	return errors.Wrap(err, errors.CodeTranscriptStoreFailed, msg, errors.CategorySystem)
}
