package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/car-repair/estimator/internal/domain"
)

// UpsertOwner inserts or updates a user row.
func (s *Store) UpsertOwner(ctx context.Context, o *domain.Owner) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, currency, language)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			currency = EXCLUDED.currency,
			language = EXCLUDED.language`,
		o.ID, o.Name, o.Email, o.Currency, o.Language,
	)
	if err != nil {
		return fmt.Errorf("upsert owner %s: %w", o.ID, err)
	}
	return nil
}

// CreateTask inserts t. A zero status defaults to image_uploaded.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, user_id, brand, model, year, mileage, description, country_code, is_paid, status_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			(SELECT id FROM task_statuses WHERE name = $10), $11, $12)`,
		t.ID, nullString(t.OwnerID), t.Vehicle.Brand, t.Vehicle.Model, t.Vehicle.Year,
		t.Vehicle.Mileage, t.Vehicle.Description, t.Vehicle.CountryCode, t.IsPaid,
		string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns a single task, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var t domain.Task
	var owner *string
	err := s.pool.QueryRow(ctx, `
		SELECT t.id, t.user_id, t.brand, t.model, t.year, t.mileage, t.description,
			t.country_code, t.is_paid, st.name, t.created_at, t.updated_at
		FROM tasks t JOIN task_statuses st ON st.id = t.status_id
		WHERE t.id = $1`, taskID,
	).Scan(&t.ID, &owner, &t.Vehicle.Brand, &t.Vehicle.Model, &t.Vehicle.Year,
		&t.Vehicle.Mileage, &t.Vehicle.Description, &t.Vehicle.CountryCode, &t.IsPaid,
		&t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	t.OwnerID = derefString(owner)
	return &t, nil
}

// DeleteTask removes a task; images, reports and history cascade.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// MarkPaid sets is_paid. Reports false when it was already set.
func (s *Store) MarkPaid(ctx context.Context, taskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET is_paid = TRUE, updated_at = NOW() WHERE id = $1 AND NOT is_paid`, taskID)
	if err != nil {
		return false, fmt.Errorf("mark paid %s: %w", taskID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// SetStatus performs a conditional status write and records it in history.
func (s *Store) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	from := domain.AllowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing leads to %s", domain.ErrInvalidTransition, status)
	}
	names := make([]string, len(from))
	for i, f := range from {
		names[i] = string(f)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var targetID int64
	err = tx.QueryRow(ctx, `SELECT id FROM task_statuses WHERE name = $1`, string(status)).Scan(&targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrStatusNotFound, status)
	}
	if err != nil {
		return fmt.Errorf("resolve status %s: %w", status, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status_id = $1, updated_at = NOW()
		WHERE id = $2 AND status_id IN (SELECT id FROM task_statuses WHERE name = ANY($3))`,
		targetID, taskID, names,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx, `
			SELECT st.name FROM tasks t JOIN task_statuses st ON st.id = t.status_id
			WHERE t.id = $1`, taskID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("read status %s: %w", taskID, err)
		}
		return fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, current, status)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO task_status_history (task_id, status_id, created_at) VALUES ($1, $2, NOW())`,
		taskID, targetID,
	); err != nil {
		return fmt.Errorf("record status history: %w", err)
	}
	return tx.Commit(ctx)
}

// StatusHistory returns a task's status writes, oldest first.
func (s *Store) StatusHistory(ctx context.Context, taskID string) ([]domain.StatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT h.task_id, st.name, h.created_at
		FROM task_status_history h JOIN task_statuses st ON st.id = h.status_id
		WHERE h.task_id = $1 ORDER BY h.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("status history %s: %w", taskID, err)
	}
	defer rows.Close()

	var changes []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.TaskID, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// AddImage stores an image. An empty TaskID leaves it orphaned.
func (s *Store) AddImage(ctx context.Context, img *domain.Image) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, task_id, type, path, created_at) VALUES ($1, $2, $3, $4, $5)`,
		img.ID, nullString(img.TaskID), string(img.Type), img.Path, img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert image %s: %w", img.ID, err)
	}
	return nil
}

// LoadTaskGraph loads everything the processor needs for one task.
func (s *Store) LoadTaskGraph(ctx context.Context, taskID string) (*domain.TaskGraph, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g := &domain.TaskGraph{Task: *task}

	if task.OwnerID != "" {
		var o domain.Owner
		err := s.pool.QueryRow(ctx,
			`SELECT id, name, email, currency, language FROM users WHERE id = $1`, task.OwnerID,
		).Scan(&o.ID, &o.Name, &o.Email, &o.Currency, &o.Language)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("load owner %s: %w", task.OwnerID, err)
		default:
			g.Owner = &o
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, type, path, created_at FROM images WHERE task_id = $1 ORDER BY created_at, id`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("load images %s: %w", taskID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var img domain.Image
		var tid *string
		if err := rows.Scan(&img.ID, &tid, &img.Type, &img.Path, &img.CreatedAt); err != nil {
			return nil, err
		}
		img.TaskID = derefString(tid)
		g.Images = append(g.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report, err := s.GetReportByTask(ctx, taskID)
	switch {
	case errors.Is(err, domain.ErrReportNotFound):
	case err != nil:
		return nil, err
	default:
		g.Report = report
	}
	return g, nil
}
