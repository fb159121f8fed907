// Package history records extraction runs in a local SQLite ledger.
//
//	store, err := history.Open("runs.db")
//	run, err := store.Start(ctx, history.Run{Pipeline: "...", ConnectionID: "..."})
//	...
//	err = store.Finish(ctx, run.ID, rows, path, runErr)
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one pipeline execution.
type Run struct {
	ID           uuid.UUID
	Pipeline     string
	ConnectionID string
	// Criteria is a short human-readable summary of the extraction dimensions.
	Criteria   string
	Status     Status
	Rows       int
	OutputPath string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is zero while the run is in progress.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	pipeline      TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	criteria      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	row_count     INTEGER NOT NULL DEFAULT 0,
	output_path   TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	finished_at   TEXT
);
CREATE INDEX IF NOT EXISTS runs_connection_started ON runs(connection_id, started_at);
`

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed run ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates) the ledger at path with WAL journaling and a busy
// timeout. ":memory:" gives a private in-memory ledger.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start inserts a running entry. ID and StartedAt are assigned when unset.
func (s *Store) Start(ctx context.Context, run Run) (Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	run.StartedAt = run.StartedAt.UTC()
	run.Status = StatusRunning

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, connection_id, criteria, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Pipeline, run.ConnectionID, run.Criteria, string(run.Status),
		run.StartedAt.Format(timeLayout))
	if err != nil {
		return Run{}, fmt.Errorf("history: start run: %w", err)
	}
	return run, nil
}

// Finish marks a run succeeded, or failed when runErr is non-nil.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, rows int, outputPath string, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, row_count = ?, output_path = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		string(status), rows, outputPath, msg, s.now().UTC().Format(timeLayout), id.String())
	if err != nil {
		return fmt.Errorf("history: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history: finish %s: %w", id, ErrNotFound)
	}
	return nil
}

const selectRun = `SELECT id, pipeline, connection_id, criteria, status, row_count, output_path, error, started_at, finished_at FROM runs`

// Get returns one run.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("history: %s: %w", id, ErrNotFound)
	}
	return run, err
}

// List returns the most recent runs first. An empty connectionID lists all
// connections; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, connectionID string, limit int) ([]Run, error) {
	query := selectRun
	var args []any
	if connectionID != "" {
		query += ` WHERE connection_id = ?`
		args = append(args, connectionID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run        Run
		id, status string
		started    string
		finished   sql.NullString
	)
	err := sc.Scan(&id, &run.Pipeline, &run.ConnectionID, &run.Criteria, &status,
		&run.Rows, &run.OutputPath, &run.Error, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("history: scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return Run{}, fmt.Errorf("history: run id %q: %w", id, err)
	}
	run.Status = Status(status)
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return Run{}, fmt.Errorf("history: started_at: %w", err)
	}
	if finished.Valid {
		if run.FinishedAt, err = time.Parse(timeLayout, finished.String); err != nil {
			return Run{}, fmt.Errorf("history: finished_at: %w", err)
		}
	}
	return run, nil
}
