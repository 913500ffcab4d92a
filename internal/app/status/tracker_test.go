package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/cache"
	"github.com/car-repair/estimator/internal/infra/sqlite"
)

func newTestTracker(t *testing.T, withCache bool) (*Tracker, *sqlite.DB, *cache.StatusCache) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var sc *cache.StatusCache
	var dc domain.StatusCache
	if withCache {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		sc = cache.NewStatusCache(client, time.Hour)
		dc = sc
	}
	return NewTracker(db, dc, zaptest.NewLogger(t)), db, sc
}

func createTask(t *testing.T, db *sqlite.DB) string {
	t.Helper()
	ctx := context.Background()
	owner := &domain.Owner{Name: "Ana", Email: "ana@example.com"}
	if err := db.UpsertOwner(ctx, owner); err != nil {
		t.Fatalf("UpsertOwner() error: %v", err)
	}
	task := &domain.Task{OwnerID: owner.ID, Vehicle: domain.Vehicle{Brand: "Fiat", Model: "Punto"}}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	return task.ID
}

func TestTracker_WritesThroughCache(t *testing.T) {
	tr, db, sc := newTestTracker(t, true)
	ctx := context.Background()
	id := createTask(t, db)

	if err := tr.SetStatus(ctx, id, domain.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	cached, err := sc.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("cache GetStatus() error: %v", err)
	}
	if cached != domain.StatusProcessing {
		t.Errorf("cached = %q, want processing", cached)
	}

	got, err := tr.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if got != domain.StatusProcessing {
		t.Errorf("Status() = %q, want processing", got)
	}
}

func TestTracker_MissFillsCache(t *testing.T) {
	tr, db, sc := newTestTracker(t, true)
	ctx := context.Background()
	id := createTask(t, db)

	got, err := tr.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if got != domain.StatusImageUploaded {
		t.Errorf("Status() = %q, want image_uploaded", got)
	}
	if cached, err := sc.GetStatus(ctx, id); err != nil || cached != domain.StatusImageUploaded {
		t.Errorf("cache = (%q, %v), want image_uploaded", cached, err)
	}
}

func TestTracker_RejectedTransitionLeavesCache(t *testing.T) {
	tr, db, sc := newTestTracker(t, true)
	ctx := context.Background()
	id := createTask(t, db)

	if err := tr.SetStatus(ctx, id, domain.StatusFailed); err != nil {
		t.Fatalf("SetStatus(failed) error: %v", err)
	}
	err := tr.SetStatus(ctx, id, domain.StatusCompleted)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("SetStatus(completed) error = %v, want ErrInvalidTransition", err)
	}
	if cached, _ := sc.GetStatus(ctx, id); cached != domain.StatusFailed {
		t.Errorf("cached = %q, want failed", cached)
	}
}

func TestTracker_NoCache(t *testing.T) {
	tr, db, _ := newTestTracker(t, false)
	ctx := context.Background()
	id := createTask(t, db)

	if err := tr.SetStatus(ctx, id, domain.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	got, err := tr.Status(ctx, id)
	if err != nil || got != domain.StatusProcessing {
		t.Errorf("Status() = (%q, %v), want processing", got, err)
	}

	if _, err := tr.Status(ctx, "missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Status(missing) error = %v, want ErrTaskNotFound", err)
	}
}

// racingStore lets a writer finish between the tracker's store read and its
// cache back-fill.
type racingStore struct {
	Store
	between func()
}

func (s *racingStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.Store.GetTask(ctx, taskID)
	if err == nil && s.between != nil {
		s.between()
		s.between = nil
	}
	return task, err
}

func TestTracker_BackfillDoesNotOverwriteNewerStatus(t *testing.T) {
	writer, db, sc := newTestTracker(t, true)
	ctx := context.Background()
	id := createTask(t, db)
	if err := writer.SetStatus(ctx, id, domain.StatusProcessing); err != nil {
		t.Fatalf("SetStatus(processing) error: %v", err)
	}
	if err := sc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	rs := &racingStore{Store: db}
	rs.between = func() {
		if err := writer.SetStatus(ctx, id, domain.StatusCompleted); err != nil {
			t.Errorf("SetStatus(completed) error: %v", err)
		}
	}
	reader := NewTracker(rs, sc, zaptest.NewLogger(t))

	if got, err := reader.Status(ctx, id); err != nil || got != domain.StatusProcessing {
		t.Fatalf("Status() = (%q, %v), want the processing value it read", got, err)
	}
	if cached, _ := sc.GetStatus(ctx, id); cached != domain.StatusCompleted {
		t.Errorf("cached = %q, want completed", cached)
	}
	if got, _ := reader.Status(ctx, id); got != domain.StatusCompleted {
		t.Errorf("second Status() = %q, want completed", got)
	}
}
