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

// InsertReport stores r, mapping a duplicate task_id to ErrReportExists.
func (s *Store) InsertReport(ctx context.Context, r *domain.Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, task_id, data, url, created_at) VALUES ($1, $2, $3::json, $4, $5)`,
		r.ID, r.TaskID, string(r.Data), r.URL, r.CreatedAt,
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
func (s *Store) GetReport(ctx context.Context, reportID string) (*domain.Report, error) {
	return s.getReport(ctx, `id`, reportID)
}

// GetReportByTask returns the task's report, or ErrReportNotFound.
func (s *Store) GetReportByTask(ctx context.Context, taskID string) (*domain.Report, error) {
	return s.getReport(ctx, `task_id`, taskID)
}

func (s *Store) getReport(ctx context.Context, column, key string) (*domain.Report, error) {
	var r domain.Report
	var data string
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, data::text, url, created_at FROM reports WHERE `+column+` = $1`, key,
	).Scan(&r.ID, &r.TaskID, &data, &r.URL, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrReportNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", key, err)
	}
	r.Data = []byte(data)
	return &r, nil
}

// ─── User Tokens ────────────────────────────────────────────────────────────

// InsertToken stores a freshly minted token.
func (s *Store) InsertToken(ctx context.Context, t *domain.UserToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var data *string
	if len(t.Data) > 0 {
		d := string(t.Data)
		data = &d
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_tokens (id, user_id, token, type, data, expires_at, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5::json, $6, $7, $8)`,
		t.ID, t.UserID, t.Token, string(t.Type), data, t.ExpiresAt, nullTime(t.UsedAt), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken looks a token up by value. Returns ErrTokenInvalid if unknown.
func (s *Store) GetToken(ctx context.Context, token string) (*domain.UserToken, error) {
	var t domain.UserToken
	var data *string
	var used *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token, type, data::text, expires_at, used_at, created_at
		FROM user_tokens WHERE token = $1`, token,
	).Scan(&t.ID, &t.UserID, &t.Token, &t.Type, &data, &t.ExpiresAt, &used, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if data != nil {
		t.Data = []byte(*data)
	}
	t.UsedAt = derefTime(used)
	return &t, nil
}

// MarkTokenUsed consumes a token. Reports false if it was already used.
func (s *Store) MarkTokenUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_tokens SET used_at = $1 WHERE token = $2 AND used_at IS NULL`, at, token)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpiredTokens removes tokens whose expiry is before now.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
