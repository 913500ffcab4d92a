package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/car-repair/estimator/internal/domain"
)

func newTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

func TestConnect(t *testing.T) {
	mr := newTestRedis(t)
	client, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	client.Close()

	if _, err := Connect(context.Background(), Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("Connect() to closed port should fail")
	}
}

// ─── Status Cache ───────────────────────────────────────────────────────────

func TestStatusCache_SetGet(t *testing.T) {
	mr := newTestRedis(t)
	client, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	c := NewStatusCache(client, 10*time.Minute)
	ctx := context.Background()

	if _, err := c.GetStatus(ctx, "t1"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("GetStatus(empty) error = %v, want ErrCacheMiss", err)
	}

	if err := c.SetStatus(ctx, "t1", domain.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	got, err := c.GetStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("GetStatus() error: %v", err)
	}
	if got != domain.StatusProcessing {
		t.Errorf("GetStatus() = %q, want %q", got, domain.StatusProcessing)
	}
	if v, _ := mr.Get("task:status:t1"); v != "processing" {
		t.Errorf("raw key = %q, want processing", v)
	}

	mr.FastForward(11 * time.Minute)
	if _, err := c.GetStatus(ctx, "t1"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("GetStatus(expired) error = %v, want ErrCacheMiss", err)
	}
}

func TestStatusCache_FillKeepsExisting(t *testing.T) {
	mr := newTestRedis(t)
	client, _ := Connect(context.Background(), Config{Addr: mr.Addr()})
	defer client.Close()

	c := NewStatusCache(client, time.Hour)
	ctx := context.Background()

	if err := c.FillStatus(ctx, "t1", domain.StatusProcessing); err != nil {
		t.Fatalf("FillStatus(empty) error: %v", err)
	}
	if got, _ := c.GetStatus(ctx, "t1"); got != domain.StatusProcessing {
		t.Errorf("after fill = %q, want processing", got)
	}

	if err := c.SetStatus(ctx, "t1", domain.StatusCompleted); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if err := c.FillStatus(ctx, "t1", domain.StatusProcessing); err != nil {
		t.Fatalf("FillStatus(existing) error: %v", err)
	}
	if got, _ := c.GetStatus(ctx, "t1"); got != domain.StatusCompleted {
		t.Errorf("after second fill = %q, want completed", got)
	}
	if ttl := mr.TTL("task:status:t1"); ttl <= 0 {
		t.Errorf("TTL = %v, want expiry set", ttl)
	}
}

// ─── Task Lock ──────────────────────────────────────────────────────────────

func TestTaskLock_Exclusive(t *testing.T) {
	mr := newTestRedis(t)
	client, _ := Connect(context.Background(), Config{Addr: mr.Addr()})
	defer client.Close()

	l := NewTaskLock(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "t1")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	if _, err := l.Lock(ctx, "t1"); !errors.Is(err, domain.ErrLockBusy) {
		t.Errorf("second Lock() error = %v, want ErrLockBusy", err)
	}

	// Other tasks are independent.
	unlock2, err := l.Lock(ctx, "t2")
	if err != nil {
		t.Fatalf("Lock(t2) error: %v", err)
	}
	unlock2()

	unlock()
	unlock3, err := l.Lock(ctx, "t1")
	if err != nil {
		t.Fatalf("Lock() after unlock error: %v", err)
	}
	unlock3()
}

func TestTaskLock_ExpiredHolderCannotRelease(t *testing.T) {
	mr := newTestRedis(t)
	client, _ := Connect(context.Background(), Config{Addr: mr.Addr()})
	defer client.Close()

	core, logs := observer.New(zap.WarnLevel)
	l := NewTaskLock(client, time.Second, zap.New(core))
	ctx := context.Background()

	staleUnlock, err := l.Lock(ctx, "t1")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlock, err := l.Lock(ctx, "t1")
	if err != nil {
		t.Fatalf("Lock() after expiry error: %v", err)
	}
	defer unlock()

	staleUnlock() // must not delete the new holder's key
	if !mr.Exists("task:lock:t1") {
		t.Error("stale unlock removed the current holder's lock")
	}
	if n := logs.FilterMessage("lock expired before release").Len(); n != 1 {
		t.Errorf("expired release warnings = %d, want 1", n)
	}
}

func TestTaskLock_ReleaseErrorIsLogged(t *testing.T) {
	mr := newTestRedis(t)
	client, _ := Connect(context.Background(), Config{Addr: mr.Addr()})
	defer client.Close()

	core, logs := observer.New(zap.WarnLevel)
	l := NewTaskLock(client, time.Minute, zap.New(core))
	unlock, err := l.Lock(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	mr.Close()
	unlock()

	entries := logs.FilterMessage("lock release failed").All()
	if len(entries) != 1 {
		t.Fatalf("release failure warnings = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["task_id"] != "t1" {
		t.Errorf("task_id = %v, want t1", entries[0].ContextMap()["task_id"])
	}
}
