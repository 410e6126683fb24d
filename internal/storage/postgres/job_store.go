// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/a11yops/auditcrawler/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobStore records job lifecycle transitions in Postgres.
type JobStore struct {
	pool  execCloser
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "audit_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool execCloser, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audit_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordCreated inserts the initial queued row for a job.
func (s *JobStore) RecordCreated(ctx context.Context, job audit.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal job parameters: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	owner_id,
	status,
	submitted_at,
	parameters
) VALUES (
	$1,$2,$3,$4,$5
)`, s.table)

	args := []any{job.ID, job.OwnerID, string(job.Status), job.Submitted, paramsJSON}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// RecordStarted stamps the running transition. Rows already in a terminal
// state are left untouched: a cancel landing between admission and the start
// stamp has already recorded the outcome, and the stamp must not resurrect
// the row to running.
func (s *JobStore) RecordStarted(ctx context.Context, jobID string, startedAt time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, started_at = $3
WHERE id = $1
  AND status IN ('queued', 'running')`, s.table)

	if _, err := s.pool.Exec(ctx, query, jobID, string(audit.JobStatusRunning), startedAt); err != nil {
		return fmt.Errorf("update job start: %w", err)
	}
	return nil
}

// RecordTerminal stamps the final state. Rows already in a terminal state are
// left untouched; a late write from a worker that lost a cancellation race
// must not overwrite the recorded outcome.
func (s *JobStore) RecordTerminal(ctx context.Context, jobID string, status audit.JobStatus, errText string, outcome audit.CrawlOutcome) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("job store is not configured")
	}
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
	finished_at = now(),
	error_text = $3,
	pages_visited = $4,
	report_uri = $5
WHERE id = $1
  AND status IN ('queued', 'running')`, s.table)

	args := []any{jobID, string(status), errText, outcome.PagesVisited, outcome.ReportURI}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job terminal: %w", err)
	}
	return nil
}
