// Package cache provides Redis-backed task status caching and per-task
// processing locks.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

const (
	statusKeyPrefix = "task:status:"
	lockKeyPrefix   = "task:lock:"
)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	StatusTTL time.Duration
	LockTTL   time.Duration
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ─── Status Cache ───────────────────────────────────────────────────────────

var _ domain.StatusCache = (*StatusCache)(nil)

// StatusCache stores task statuses under task:status:<id>.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusCache returns a cache whose entries expire after ttl (0 = never).
func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

// GetStatus returns the cached status or domain.ErrCacheMiss.
func (c *StatusCache) GetStatus(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	v, err := c.client.Get(ctx, statusKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("get cached status %s: %w", taskID, err)
	}
	return domain.TaskStatus(v), nil
}

// SetStatus caches status for taskID.
func (c *StatusCache) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if err := c.client.Set(ctx, statusKeyPrefix+taskID, string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status %s: %w", taskID, err)
	}
	return nil
}

// FillStatus caches status only when no entry exists yet, so a read-path
// back-fill never replaces a value written by SetStatus.
func (c *StatusCache) FillStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if err := c.client.SetNX(ctx, statusKeyPrefix+taskID, string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("fill status %s: %w", taskID, err)
	}
	return nil
}

// Delete drops the cached status.
func (c *StatusCache) Delete(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, statusKeyPrefix+taskID).Err()
}

// ─── Task Lock ──────────────────────────────────────────────────────────────

var _ domain.TaskLocker = (*TaskLock)(nil)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// TaskLock is a distributed per-task mutex: SET NX with expiry, released by
// compare-and-delete. The TTL bounds how long a crashed holder blocks others.
type TaskLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewTaskLock returns a locker whose leases last ttl.
func NewTaskLock(client *redis.Client, ttl time.Duration, logger *zap.Logger) *TaskLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TaskLock{client: client, ttl: ttl, logger: logger.Named("lock")}
}

// Lock acquires the lock for taskID or returns domain.ErrLockBusy.
func (l *TaskLock) Lock(ctx context.Context, taskID string) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	key := lockKeyPrefix + taskID

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", taskID, err)
	}
	if !ok {
		return nil, domain.ErrLockBusy
	}

	unlock := func() {
		// The caller's ctx may already be cancelled at release time.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.client, []string{key}, token).Int()
		switch {
		case err != nil:
			l.logger.Warn("lock release failed", zap.String("task_id", taskID), zap.Error(err))
		case n == 0:
			l.logger.Warn("lock expired before release", zap.String("task_id", taskID), zap.Duration("ttl", l.ttl))
		}
	}
	return unlock, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
