package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/kafka"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Dir = dir
	cfg.Storage.UploadsDir = filepath.Join(dir, "uploads")
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func TestNewWithConfig_NoAnalyzer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.APIKey = ""

	d, err := NewWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.Processor != nil || d.Runtime != nil {
		t.Error("processor and runtime should be nil without an API key")
	}
	if d.Server == nil || d.Payments == nil || d.Health == nil {
		t.Error("API, payments and health should always be wired")
	}
	if err := d.RunWorker(context.Background()); err == nil {
		t.Error("RunWorker() should fail without a runtime")
	}
}

func TestNewWithConfig_WithAnalyzer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.APIKey = "test-key"

	d, err := NewWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if d.Processor == nil || d.Runtime == nil {
		t.Fatal("processor and runtime should be wired with an API key")
	}

	// Confirming a payment queues a job with the configured policy.
	ctx := context.Background()
	task := &domain.Task{Vehicle: domain.Vehicle{Brand: "Audi"}}
	if err := d.Store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	c, err := d.Payments.Confirm(ctx, task.ID, "test")
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	job, err := d.Store.GetJob(ctx, c.JobID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if job.MaxAttempts != 3 || job.Backoff != 60*time.Second {
		t.Errorf("job = %+v, want 3 attempts with 60s backoff", job)
	}
}

func TestWorkerConfig_LeaseOutlastsAnalysis(t *testing.T) {
	wc := workerConfig(WorkerConfig{Lease: "10s", RateInterval: "5s"}, 120*time.Second)
	if wc.Lease != 150*time.Second {
		t.Errorf("Lease = %v, want 150s", wc.Lease)
	}
	if wc.RateInterval != 5*time.Second {
		t.Errorf("RateInterval = %v, want 5s", wc.RateInterval)
	}

	wc = workerConfig(WorkerConfig{Lease: "10m"}, time.Minute)
	if wc.Lease != 10*time.Minute {
		t.Errorf("Lease = %v, want 10m", wc.Lease)
	}
}

func TestConfirmFromKafka(t *testing.T) {
	d, err := NewWithConfig(context.Background(), testConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.confirmFromKafka(ctx, kafka.PaymentMessage{TaskID: "missing", Source: "kafka"}); err != nil {
		t.Errorf("unknown task should be dropped, got %v", err)
	}

	task := &domain.Task{}
	if err := d.Store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := d.confirmFromKafka(ctx, kafka.PaymentMessage{TaskID: task.ID, Source: "kafka"}); err != nil {
		t.Fatalf("confirmFromKafka() error: %v", err)
	}
	got, _ := d.Store.GetTask(ctx, task.ID)
	if !got.IsPaid {
		t.Error("task should be paid")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Port = 0
	d, err := NewWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
