// Package sqlite provides SQLite-based persistent storage for the estimator:
// tasks, reports, tokens and the durable job queue.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/car-repair/estimator/internal/domain"
)

var _ domain.Store = (*DB)(nil)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db     *sql.DB
	policy domain.RetryPolicy
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, policy: domain.DefaultRetryPolicy()}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// SetRetryPolicy replaces the defaults applied to newly enqueued jobs.
func (d *DB) SetRetryPolicy(p domain.RetryPolicy) {
	d.policy = p
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Status registry
		`CREATE TABLE IF NOT EXISTS task_statuses (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,

		// Owners
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL,
			currency   TEXT NOT NULL DEFAULT '',
			language   TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		// Inspection tasks
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			user_id      TEXT REFERENCES users(id) ON DELETE SET NULL,
			brand        TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			year         INTEGER NOT NULL DEFAULT 0,
			mileage      INTEGER NOT NULL DEFAULT 0,
			description  TEXT NOT NULL DEFAULT '',
			country_code TEXT NOT NULL DEFAULT '',
			is_paid      BOOLEAN NOT NULL DEFAULT 0,
			status_id    INTEGER NOT NULL REFERENCES task_statuses(id),
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,

		`CREATE TABLE IF NOT EXISTS images (
			id         TEXT PRIMARY KEY,
			task_id    TEXT REFERENCES tasks(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			path       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_task ON images(task_id)`,

		// One report per task, enforced by the unique index.
		`CREATE TABLE IF NOT EXISTS reports (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			data       TEXT NOT NULL,
			url        TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_task ON reports(task_id)`,

		`CREATE TABLE IF NOT EXISTS task_status_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status_id  INTEGER NOT NULL REFERENCES task_statuses(id),
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_task ON task_status_history(task_id)`,

		// Single-use credentials
		`CREATE TABLE IF NOT EXISTS user_tokens (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			token      TEXT NOT NULL UNIQUE,
			type       TEXT NOT NULL,
			data       TEXT,
			expires_at INTEGER NOT NULL,
			used_at    INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expires ON user_tokens(expires_at)`,

		// Durable job queue
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			state        TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			attempt      INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			backoff_ms   INTEGER NOT NULL,
			run_at       INTEGER NOT NULL,
			lease_until  INTEGER,
			last_error   TEXT NOT NULL DEFAULT '',
			result       TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			finished_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, priority, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(state, finished_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	for _, s := range domain.KnownStatuses {
		if _, err := d.db.Exec(`INSERT OR IGNORE INTO task_statuses (name) VALUES (?)`, string(s)); err != nil {
			return fmt.Errorf("seed status %s: %w", s, err)
		}
	}
	return nil
}

// ─── Status Registry ────────────────────────────────────────────────────────

// ResolveStatus returns the lookup id for a status name.
func (d *DB) ResolveStatus(ctx context.Context, name domain.TaskStatus) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `SELECT id FROM task_statuses WHERE name = ?`, string(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrStatusNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve status %s: %w", name, err)
	}
	return id, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as unix milliseconds.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromMillis(n.Int64)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
