// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/placeharvest/pipeline/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TaskStoreConfig controls the Postgres connection pool used for task rows.
type TaskStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore persists scrape tasks in Postgres. The claim relies on
// FOR UPDATE SKIP LOCKED, so any number of workers can poll the same table
// without handing the same row to two of them.
type TaskStore struct {
	pool  pgxPool
	table string
}

// NewTaskStore creates a Postgres-backed TaskStore using the provided config.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "scrape_tasks"
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
	return &TaskStore{pool: pool, table: table}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool pgxPool, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const taskColumns = `id, url, status, error_message, attempts, retry_after,
captcha_required, captcha_url, captcha_session_id, captcha_started_at,
captcha_status, resume_requested, created_at, updated_at`

// ClaimNext moves one eligible row to processing and returns it. The inner
// select takes the row lock with SKIP LOCKED, so concurrent claimers simply
// pass each other by. The RETURNING clause carries the untouched captcha
// columns; only status and updated_at change here.
func (s *TaskStore) ClaimNext(ctx context.Context, now time.Time, captchaTTL time.Duration) (*scrape.Task, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $1, updated_at = $2
WHERE id = (
	SELECT id FROM %s
	WHERE (status = $3 AND (retry_after IS NULL OR retry_after <= $2))
	   OR (status = $4 AND retry_after <= $2)
	   OR (status = $5 AND (resume_requested OR captcha_started_at < $6))
	ORDER BY updated_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING `+taskColumns, s.table, s.table)

	cutoff := now.Add(-captchaTTL)
	row := s.pool.QueryRow(ctx, query,
		scrape.TaskStatusProcessing,
		now,
		scrape.TaskStatusPending,
		scrape.TaskStatusError,
		scrape.TaskStatusCaptcha,
		cutoff,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scrape.ErrNoTask
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// Create inserts a new task row.
func (s *TaskStore) Create(ctx context.Context, task *scrape.Task) error {
	query := fmt.Sprintf(`
INSERT INTO %s (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		task.ID,
		task.URL,
		task.Status,
		task.ErrorMessage,
		task.Attempts,
		task.RetryAfter,
		task.CaptchaRequired,
		task.CaptchaURL,
		task.CaptchaSessionID,
		task.CaptchaStartedAt,
		task.CaptchaStatus,
		task.ResumeRequested,
		task.CreatedAt,
		task.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get returns one task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*scrape.Task, error) {
	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM %s WHERE id = $1`, s.table)
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scrape.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Persist writes back all mutable fields of the task.
func (s *TaskStore) Persist(ctx context.Context, task *scrape.Task) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	error_message = $3,
	attempts = $4,
	retry_after = $5,
	captcha_required = $6,
	captcha_url = $7,
	captcha_session_id = $8,
	captcha_started_at = $9,
	captcha_status = $10,
	resume_requested = $11,
	updated_at = $12
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		task.ID,
		task.Status,
		task.ErrorMessage,
		task.Attempts,
		task.RetryAfter,
		task.CaptchaRequired,
		task.CaptchaURL,
		task.CaptchaSessionID,
		task.CaptchaStartedAt,
		task.CaptchaStatus,
		task.ResumeRequested,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrTaskNotFound
	}
	return nil
}

// RequestResume flips resume_requested on a captcha row. Any other status is
// refused so an operator cannot resurrect a completed or errored task.
func (s *TaskStore) RequestResume(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
UPDATE %s SET resume_requested = TRUE, updated_at = NOW()
WHERE id = $1 AND status = $2`, s.table)

	tag, err := s.pool.Exec(ctx, query, id, scrape.TaskStatusCaptcha)
	if err != nil {
		return fmt.Errorf("request resume: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	probe := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table)
	if err := s.pool.QueryRow(ctx, probe, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.ErrTaskNotFound
		}
		return fmt.Errorf("check task status: %w", err)
	}
	return scrape.ErrNotResumable
}

func scanTask(row pgx.Row) (*scrape.Task, error) {
	var task scrape.Task
	if err := row.Scan(
		&task.ID,
		&task.URL,
		&task.Status,
		&task.ErrorMessage,
		&task.Attempts,
		&task.RetryAfter,
		&task.CaptchaRequired,
		&task.CaptchaURL,
		&task.CaptchaSessionID,
		&task.CaptchaStartedAt,
		&task.CaptchaStatus,
		&task.ResumeRequested,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &task, nil
}
