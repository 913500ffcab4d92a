// Package postgres implements the estimator store on PostgreSQL via a pgx
// connection pool. Job claims use FOR UPDATE SKIP LOCKED so several worker
// processes can share one queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/car-repair/estimator/internal/domain"
)

var _ domain.Store = (*Store)(nil)

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed domain.Store.
type Store struct {
	pool   *pgxpool.Pool
	policy domain.RetryPolicy
}

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, policy: domain.DefaultRetryPolicy()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetRetryPolicy replaces the defaults applied to newly enqueued jobs.
func (s *Store) SetRetryPolicy(p domain.RetryPolicy) {
	s.policy = p
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_statuses (
			id   SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL,
			currency   TEXT NOT NULL DEFAULT '',
			language   TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			user_id      TEXT REFERENCES users(id) ON DELETE SET NULL,
			brand        TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			year         INTEGER NOT NULL DEFAULT 0,
			mileage      INTEGER NOT NULL DEFAULT 0,
			description  TEXT NOT NULL DEFAULT '',
			country_code TEXT NOT NULL DEFAULT '',
			is_paid      BOOLEAN NOT NULL DEFAULT FALSE,
			status_id    INTEGER NOT NULL REFERENCES task_statuses(id),
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id         TEXT PRIMARY KEY,
			task_id    TEXT REFERENCES tasks(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			path       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_task ON images(task_id)`,
		// json, not jsonb: the payload must read back byte-for-byte.
		`CREATE TABLE IF NOT EXISTS reports (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			data       JSON NOT NULL,
			url        TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_task ON reports(task_id)`,
		`CREATE TABLE IF NOT EXISTS task_status_history (
			id         BIGSERIAL PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status_id  INTEGER NOT NULL REFERENCES task_statuses(id),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_tokens (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			token      TEXT NOT NULL UNIQUE,
			type       TEXT NOT NULL,
			data       JSON,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at    TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq          BIGSERIAL,
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			state        TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			attempt      INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			backoff_ms   BIGINT NOT NULL,
			run_at       TIMESTAMPTZ NOT NULL,
			lease_until  TIMESTAMPTZ,
			last_error   TEXT NOT NULL DEFAULT '',
			result       TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, priority, run_at)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	for _, st := range domain.KnownStatuses {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO task_statuses (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, string(st),
		); err != nil {
			return fmt.Errorf("seed status %s: %w", st, err)
		}
	}
	return nil
}

// ResolveStatus returns the lookup id for a status name.
func (s *Store) ResolveStatus(ctx context.Context, name domain.TaskStatus) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM task_statuses WHERE name = $1`, string(name)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrStatusNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve status %s: %w", name, err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
