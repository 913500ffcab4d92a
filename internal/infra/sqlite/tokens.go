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

// ─── User Tokens ────────────────────────────────────────────────────────────

// InsertToken stores a freshly minted token.
func (d *DB) InsertToken(ctx context.Context, t *domain.UserToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var data sql.NullString
	if len(t.Data) > 0 {
		data = sql.NullString{String: string(t.Data), Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO user_tokens (id, user_id, token, type, data, expires_at, used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Token, string(t.Type), data,
		millis(t.ExpiresAt), nullableMillis(t.UsedAt), millis(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken looks a token up by value. Returns ErrTokenInvalid if unknown.
func (d *DB) GetToken(ctx context.Context, token string) (*domain.UserToken, error) {
	var t domain.UserToken
	var data sql.NullString
	var expires, created int64
	var used sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, type, data, expires_at, used_at, created_at
		 FROM user_tokens WHERE token = ?`, token,
	).Scan(&t.ID, &t.UserID, &t.Token, &t.Type, &data, &expires, &used, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if data.Valid {
		t.Data = []byte(data.String)
	}
	t.ExpiresAt = fromMillis(expires)
	t.UsedAt = fromNullMillis(used)
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

// MarkTokenUsed consumes a token. Reports false if it was already used.
func (d *DB) MarkTokenUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE user_tokens SET used_at = ? WHERE token = ? AND used_at IS NULL`,
		millis(at), token,
	)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteExpiredTokens removes tokens whose expiry is before now.
func (d *DB) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at < ?`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}
