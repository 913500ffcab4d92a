package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/car-repair/estimator/internal/domain"
)

// ─── Reports ────────────────────────────────────────────────────────────────

// InsertReport stores r. The unique index on task_id turns a second insert
// for the same task into ErrReportExists.
func (d *DB) InsertReport(ctx context.Context, r *domain.Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO reports (id, task_id, data, url, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, string(r.Data), r.URL, millis(r.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrReportExists, r.TaskID)
	}
	if err != nil {
		return fmt.Errorf("insert report for %s: %w", r.TaskID, err)
	}
	return nil
}

// GetReport returns a report by id, or ErrReportNotFound.
func (d *DB) GetReport(ctx context.Context, reportID string) (*domain.Report, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, task_id, data, url, created_at FROM reports WHERE id = ?`, reportID,
	)
	return scanReport(row, reportID)
}

// GetReportByTask returns the task's report, or ErrReportNotFound.
func (d *DB) GetReportByTask(ctx context.Context, taskID string) (*domain.Report, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, task_id, data, url, created_at FROM reports WHERE task_id = ?`, taskID,
	)
	return scanReport(row, taskID)
}

func scanReport(s scanner, key string) (*domain.Report, error) {
	var r domain.Report
	var data string
	var at int64
	err := s.Scan(&r.ID, &r.TaskID, &data, &r.URL, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrReportNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("scan report %s: %w", key, err)
	}
	r.Data = []byte(data)
	r.CreatedAt = fromMillis(at)
	return &r, nil
}
