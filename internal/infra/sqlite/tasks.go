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

// ─── Owners ─────────────────────────────────────────────────────────────────

// UpsertOwner inserts or updates a user row.
func (d *DB) UpsertOwner(ctx context.Context, o *domain.Owner) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, currency, language, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			email=excluded.email,
			currency=excluded.currency,
			language=excluded.language`,
		o.ID, o.Name, o.Email, o.Currency, o.Language, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert owner %s: %w", o.ID, err)
	}
	return nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// CreateTask inserts t. A zero status defaults to image_uploaded.
func (d *DB) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusImageUploaded
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	statusID, err := d.ResolveStatus(ctx, t.Status)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, brand, model, year, mileage, description, country_code, is_paid, status_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullableString(t.OwnerID), t.Vehicle.Brand, t.Vehicle.Model, t.Vehicle.Year,
		t.Vehicle.Mileage, t.Vehicle.Description, t.Vehicle.CountryCode, t.IsPaid,
		statusID, millis(t.CreatedAt), millis(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `t.id, t.user_id, t.brand, t.model, t.year, t.mileage, t.description,
	t.country_code, t.is_paid, s.name, t.created_at, t.updated_at`

// GetTask returns a single task, or ErrTaskNotFound.
func (d *DB) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks t JOIN task_statuses s ON s.id = t.status_id
		 WHERE t.id = ?`, taskID,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// DeleteTask removes a task; images, reports and history cascade.
func (d *DB) DeleteTask(ctx context.Context, taskID string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// MarkPaid sets is_paid. Reports false when it was already set.
func (d *DB) MarkPaid(ctx context.Context, taskID string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET is_paid = 1, updated_at = ? WHERE id = ? AND is_paid = 0`,
		millis(time.Now()), taskID,
	)
	if err != nil {
		return false, fmt.Errorf("mark paid %s: %w", taskID, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := d.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// SetStatus performs a conditional status write and records it in history.
func (d *DB) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	from := domain.AllowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing leads to %s", domain.ErrInvalidTransition, status)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var targetID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM task_statuses WHERE name = ?`, string(status)).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrStatusNotFound, status)
	}
	if err != nil {
		return fmt.Errorf("resolve status %s: %w", status, err)
	}

	now := time.Now()
	args := []any{targetID, millis(now), taskID}
	for _, s := range from {
		args = append(args, string(s))
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status_id = ?, updated_at = ?
		 WHERE id = ? AND status_id IN (
			SELECT id FROM task_statuses WHERE name IN (`+placeholders(len(from))+`))`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", taskID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT s.name FROM tasks t JOIN task_statuses s ON s.id = t.status_id WHERE t.id = ?`,
			taskID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("read status %s: %w", taskID, err)
		}
		return fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, current, status)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_status_history (task_id, status_id, created_at) VALUES (?, ?, ?)`,
		taskID, targetID, millis(now),
	); err != nil {
		return fmt.Errorf("record status history: %w", err)
	}

	return tx.Commit()
}

// StatusHistory returns a task's status writes, oldest first.
func (d *DB) StatusHistory(ctx context.Context, taskID string) ([]domain.StatusChange, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT h.task_id, s.name, h.created_at
		 FROM task_status_history h JOIN task_statuses s ON s.id = h.status_id
		 WHERE h.task_id = ? ORDER BY h.id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("status history %s: %w", taskID, err)
	}
	defer rows.Close()

	var changes []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		var at int64
		if err := rows.Scan(&c.TaskID, &c.Status, &at); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(at)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// ─── Images ─────────────────────────────────────────────────────────────────

// AddImage stores an image. An empty TaskID leaves it orphaned.
func (d *DB) AddImage(ctx context.Context, img *domain.Image) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO images (id, task_id, type, path, created_at) VALUES (?, ?, ?, ?, ?)`,
		img.ID, nullableString(img.TaskID), string(img.Type), img.Path, millis(img.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert image %s: %w", img.ID, err)
	}
	return nil
}

// ─── Task Graph ─────────────────────────────────────────────────────────────

// LoadTaskGraph loads everything the processor needs for one task.
func (d *DB) LoadTaskGraph(ctx context.Context, taskID string) (*domain.TaskGraph, error) {
	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g := &domain.TaskGraph{Task: *task}

	if task.OwnerID != "" {
		var o domain.Owner
		err := d.db.QueryRowContext(ctx,
			`SELECT id, name, email, currency, language FROM users WHERE id = ?`, task.OwnerID,
		).Scan(&o.ID, &o.Name, &o.Email, &o.Currency, &o.Language)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("load owner %s: %w", task.OwnerID, err)
		default:
			g.Owner = &o
		}
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, task_id, type, path, created_at FROM images WHERE task_id = ? ORDER BY created_at, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("load images %s: %w", taskID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var img domain.Image
		var tid sql.NullString
		var at int64
		if err := rows.Scan(&img.ID, &tid, &img.Type, &img.Path, &at); err != nil {
			return nil, err
		}
		img.TaskID = tid.String
		img.CreatedAt = fromMillis(at)
		g.Images = append(g.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	report, err := d.GetReportByTask(ctx, taskID)
	switch {
	case errors.Is(err, domain.ErrReportNotFound):
	case err != nil:
		return nil, err
	default:
		g.Report = report
	}
	return g, nil
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var owner sql.NullString
	var createdAt, updatedAt int64
	err := s.Scan(&t.ID, &owner, &t.Vehicle.Brand, &t.Vehicle.Model, &t.Vehicle.Year,
		&t.Vehicle.Mileage, &t.Vehicle.Description, &t.Vehicle.CountryCode, &t.IsPaid,
		&t.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.OwnerID = owner.String
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}
