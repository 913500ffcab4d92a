package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/car-repair/estimator/internal/domain"
)

// DirectAccessTTL is how long a report link in an email stays valid.
const DirectAccessTTL = 7 * 24 * time.Hour

// DirectAccess is the payload of a direct-access token.
type DirectAccess struct {
	ReportID string `json:"reportId"`
}

// TokenService mints and validates single-use user tokens.
type TokenService struct {
	store domain.TokenStore
	now   func() time.Time
}

// NewTokenService returns a service over store.
func NewTokenService(store domain.TokenStore) *TokenService {
	return &TokenService{store: store, now: time.Now}
}

// Mint creates a direct-access token for reportID. ttl <= 0 uses DirectAccessTTL.
func (s *TokenService) Mint(ctx context.Context, userID, reportID string, ttl time.Duration) (*domain.UserToken, error) {
	if ttl <= 0 {
		ttl = DirectAccessTTL
	}
	value, err := RandomToken(TokenBytes)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(DirectAccess{ReportID: reportID})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tok := &domain.UserToken{
		UserID:    userID,
		Token:     value,
		Type:      domain.TokenDirectAccess,
		Data:      data,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.InsertToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	return tok, nil
}

// Validate checks a direct-access token and, with markUsed, consumes it.
// Errors are domain.ErrTokenMissing, ErrTokenInvalid, ErrTokenUsed or
// ErrTokenExpired; anything else is a storage failure.
func (s *TokenService) Validate(ctx context.Context, value string, markUsed bool) (*domain.UserToken, DirectAccess, error) {
	var da DirectAccess
	if value == "" {
		return nil, da, domain.ErrTokenMissing
	}

	tok, err := s.store.GetToken(ctx, value)
	if err != nil {
		return nil, da, err
	}
	if tok.Type != domain.TokenDirectAccess {
		return nil, da, domain.ErrTokenInvalid
	}
	if tok.Used() {
		return nil, da, domain.ErrTokenUsed
	}
	now := s.now()
	if tok.Expired(now) {
		return nil, da, domain.ErrTokenExpired
	}
	if len(tok.Data) > 0 {
		if err := json.Unmarshal(tok.Data, &da); err != nil {
			return nil, da, fmt.Errorf("%w: bad payload", domain.ErrTokenInvalid)
		}
	}

	if markUsed {
		ok, err := s.store.MarkTokenUsed(ctx, value, now.UTC())
		if err != nil {
			return nil, da, err
		}
		if !ok {
			// Lost a race with another request using the same link.
			return nil, da, domain.ErrTokenUsed
		}
		tok.UsedAt = now.UTC()
	}
	return tok, da, nil
}

// CleanupExpired deletes expired tokens and reports how many were removed.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredTokens(ctx, s.now())
}

// IsTokenError reports whether err is a client-facing token rejection.
func IsTokenError(err error) bool {
	return errors.Is(err, domain.ErrTokenMissing) ||
		errors.Is(err, domain.ErrTokenInvalid) ||
		errors.Is(err, domain.ErrTokenUsed) ||
		errors.Is(err, domain.ErrTokenExpired)
}
