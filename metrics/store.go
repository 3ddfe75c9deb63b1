package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS step_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	duration_ns INTEGER NOT NULL,
	attempts    INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	start_time  TEXT NOT NULL,
	end_time    TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_step_metrics_workflow ON step_metrics(workflow_id);

CREATE TABLE IF NOT EXISTS workflow_summaries (
	workflow_id       TEXT PRIMARY KEY,
	start_time        TEXT NOT NULL DEFAULT '',
	end_time          TEXT NOT NULL DEFAULT '',
	total_duration_ns INTEGER NOT NULL,
	step_count        INTEGER NOT NULL,
	successful        INTEGER NOT NULL,
	failed            INTEGER NOT NULL,
	total_attempts    INTEGER NOT NULL,
	avg_step_ns       INTEGER NOT NULL,
	recorded_at       TEXT NOT NULL
);
`

// SQLiteStore is a Sink that keeps an audit trail of steps and summaries in
// a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) RecordStep(ctx context.Context, m StepMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_metrics (workflow_id, name, duration_ns, attempts, success, start_time, end_time, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.WorkflowID, m.Name, int64(m.Duration), m.Attempts, boolToInt(m.Success),
		formatTime(m.StartTime), formatTime(m.EndTime), m.Error)
	if err != nil {
		return fmt.Errorf("insert step %s/%s: %w", m.WorkflowID, m.Name, err)
	}
	return nil
}

func (s *SQLiteStore) RecordSummary(ctx context.Context, sum Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_summaries (workflow_id, start_time, end_time, total_duration_ns,
			step_count, successful, failed, total_attempts, avg_step_ns, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			total_duration_ns = excluded.total_duration_ns,
			step_count = excluded.step_count,
			successful = excluded.successful,
			failed = excluded.failed,
			total_attempts = excluded.total_attempts,
			avg_step_ns = excluded.avg_step_ns,
			recorded_at = excluded.recorded_at`,
		sum.WorkflowID, formatTime(sum.StartTime), formatTime(sum.EndTime), int64(sum.TotalDuration),
		sum.StepCount, sum.Successful, sum.Failed, sum.TotalAttempts, int64(sum.AvgStepDuration),
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert summary %s: %w", sum.WorkflowID, err)
	}
	return nil
}

// Steps returns the stored records of a workflow in insertion order.
func (s *SQLiteStore) Steps(ctx context.Context, workflowID string) ([]StepMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, name, duration_ns, attempts, success, start_time, end_time, error
		FROM step_metrics WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []StepMetrics
	for rows.Next() {
		var (
			m          StepMetrics
			durationNS int64
			success    int
			start, end string
		)
		if err := rows.Scan(&m.WorkflowID, &m.Name, &durationNS, &m.Attempts, &success, &start, &end, &m.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		m.Duration = time.Duration(durationNS)
		m.Success = success != 0
		m.StartTime = parseTime(start)
		m.EndTime = parseTime(end)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Summaries returns every stored summary ordered by workflow id.
func (s *SQLiteStore) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, start_time, end_time, total_duration_ns, step_count,
			successful, failed, total_attempts, avg_step_ns
		FROM workflow_summaries ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			start, end     string
			totalNS, avgNS int64
		)
		if err := rows.Scan(&sum.WorkflowID, &start, &end, &totalNS, &sum.StepCount,
			&sum.Successful, &sum.Failed, &sum.TotalAttempts, &avgNS); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.StartTime = parseTime(start)
		sum.EndTime = parseTime(end)
		sum.TotalDuration = time.Duration(totalNS)
		sum.AvgStepDuration = time.Duration(avgNS)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
