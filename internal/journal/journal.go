package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    started_at TEXT NOT NULL, -- RFC3339Nano, UTC
    duration_ms INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON sync_runs(started_at);
`

// Kind is what triggered a run
type Kind string

const (
	KindInitial Kind = "initial"
	KindPush    Kind = "push"
	KindPull    Kind = "pull"
	KindCross   Kind = "cross"
)

// Status is the outcome of a run
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

var ErrNotOpen = errors.New("journal not open")

// Run is one reconciliation pass
type Run struct {
	ID        string
	Kind      Kind
	StartedAt time.Time
	Duration  time.Duration
	Status    Status
	Error     string
}

// SetError sets the status and message from the outcome of the run
func (r *Run) SetError(err error) {
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = StatusOK
	r.Error = ""
}

// Failed reports whether the run ended with an error
func (r *Run) Failed() bool {
	return r.Status == StatusFailed
}

// dbRun is used for scanning rows where time is stored as TEXT
type dbRun struct {
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	StartedAt  string `db:"started_at"`
	DurationMs int64  `db:"duration_ms"`
	Status     string `db:"status"`
	Error      string `db:"error"`
}

// Journal is the history of sync runs. It is never replayed.
type Journal struct {
	db   *sqlx.DB
	path string
}

// Open opens or creates the journal database
func Open(opts ...Option) (*Journal, error) {
	db, path, err := openSqlite(opts...)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Close closes the underlying database
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return ErrNotOpen
	}
	if err := j.db.Close(); err != nil {
		slog.Error("failed to close journal", "error", err)
		return err
	}
	j.db = nil
	slog.Debug("journal closed")
	return nil
}

// Record inserts a finished run
func (j *Journal) Record(ctx context.Context, run *Run) error {
	if j.db == nil {
		return ErrNotOpen
	}
	if run == nil {
		return fmt.Errorf("cannot record nil run")
	}

	row := dbRun{
		ID:         run.ID,
		Kind:       string(run.Kind),
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMs: run.Duration.Milliseconds(),
		Status:     string(run.Status),
		Error:      run.Error,
	}

	query := `INSERT OR REPLACE INTO sync_runs (id, kind, started_at, duration_ms, status, error)
	          VALUES (:id, :kind, :started_at, :duration_ms, :status, :error)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	slog.Debug("journal record", "id", run.ID, "kind", run.Kind, "status", run.Status)
	return nil
}

// Recent returns up to limit runs, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Run, error) {
	if j.db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 {
		limit = 10
	}

	var rows []dbRun
	err := j.db.SelectContext(ctx, &rows,
		"SELECT id, kind, started_at, duration_ms, status, error FROM sync_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	runs := make([]*Run, 0, len(rows))
	for _, row := range rows {
		started, err := time.Parse(time.RFC3339Nano, row.StartedAt)
		if err != nil {
			slog.Error("failed to parse started_at", "id", row.ID, "value", row.StartedAt, "error", err)
			continue
		}
		runs = append(runs, &Run{
			ID:        row.ID,
			Kind:      Kind(row.Kind),
			StartedAt: started,
			Duration:  time.Duration(row.DurationMs) * time.Millisecond,
			Status:    Status(row.Status),
			Error:     row.Error,
		})
	}
	return runs, nil
}

// Summary holds aggregate counters over all runs
type Summary struct {
	Runs     int `db:"runs"`
	Failures int `db:"failures"`
}

func (j *Journal) Summary(ctx context.Context) (*Summary, error) {
	if j.db == nil {
		return nil, ErrNotOpen
	}

	var s Summary
	err := j.db.GetContext(ctx, &s,
		"SELECT COUNT(*) AS runs, COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failures FROM sync_runs")
	if err != nil {
		return nil, fmt.Errorf("summarize runs: %w", err)
	}
	return &s, nil
}
