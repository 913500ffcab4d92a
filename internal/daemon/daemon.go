package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/api"
	"github.com/car-repair/estimator/internal/app/notify"
	"github.com/car-repair/estimator/internal/app/payment"
	"github.com/car-repair/estimator/internal/app/processor"
	"github.com/car-repair/estimator/internal/app/status"
	"github.com/car-repair/estimator/internal/app/worker"
	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/health"
	"github.com/car-repair/estimator/internal/infra/cache"
	"github.com/car-repair/estimator/internal/infra/gemini"
	"github.com/car-repair/estimator/internal/infra/healing"
	"github.com/car-repair/estimator/internal/infra/kafka"
	"github.com/car-repair/estimator/internal/infra/mail"
	"github.com/car-repair/estimator/internal/infra/metrics"
	"github.com/car-repair/estimator/internal/infra/objectstore"
	"github.com/car-repair/estimator/internal/infra/postgres"
	"github.com/car-repair/estimator/internal/infra/sqlite"
	"github.com/car-repair/estimator/internal/logging"
	"github.com/car-repair/estimator/internal/security"
)

// Backend is a store whose job retry policy can be configured.
type Backend interface {
	domain.Store
	SetRetryPolicy(p domain.RetryPolicy)
}

// Daemon is the estimator runtime. It wires together all services.
// The worker runtime is owned here and handed to the shutdown path; there
// is no package-level worker.
type Daemon struct {
	Config Config
	Logger *zap.Logger
	Store  Backend
	Redis  *redis.Client

	Tracker   *status.Tracker
	Tokens    *security.TokenService
	Payments  *payment.Service
	Processor *processor.Processor // nil when analysis is not configured
	Runtime   *worker.Runtime      // nil when the worker is disabled
	Health    *health.Checker
	Server    *api.Server

	producer *kafka.EventProducer
	consumer *kafka.PaymentConsumer
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// New loads configuration and creates a Daemon with all services wired.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg, logger)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Daemon, error) {
	d := &Daemon{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	// Persistence
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	d.Store = store
	store.SetRetryPolicy(domain.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   parseDuration(cfg.Queue.Backoff, 60*time.Second),
		MaxDelay:    parseDuration(cfg.Queue.MaxBackoff, time.Hour),
		Priority:    cfg.Queue.Priority,
	})

	// Redis status cache and task lock (optional)
	var statusCache domain.StatusCache
	var locker domain.TaskLocker
	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("redis unavailable, using in-process lock and no status cache", zap.Error(err))
		} else {
			d.Redis = client
			statusCache = cache.NewStatusCache(client, parseDuration(cfg.Redis.StatusTTL, time.Hour))
			locker = cache.NewTaskLock(client, parseDuration(cfg.Redis.LockTTL, 5*time.Minute), logger)
		}
	}

	d.Tracker = status.NewTracker(store, statusCache, logger)
	d.Tokens = security.NewTokenService(store)

	// Notifications
	mailer, err := mail.New(mail.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
		FromName: cfg.Mail.FromName,
		Timeout:  parseDuration(cfg.Mail.Timeout, 30*time.Second),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("mail: %w", err)
	}
	notifier := notify.New(notify.Config{
		FrontendURL: cfg.Notify.FrontendURL,
		LinkTTL:     parseDuration(cfg.Notify.LinkTTL, security.DirectAccessTTL),
	}, mailer, d.Tokens, logger)

	// Report archive (optional)
	var archive domain.ReportArchive
	if cfg.Archive.Enabled {
		a, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			UseSSL:    cfg.Archive.UseSSL,
			URLExpiry: parseDuration(cfg.Archive.URLExpiry, 0),
		})
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		if err := a.EnsureBucket(ctx); err != nil {
			logger.Warn("archive bucket check failed", zap.Error(err))
		}
		archive = a
	}

	// Job event sinks
	sinks := []domain.JobEventSink{metrics.Sink{}, worker.NewLogSink(logger)}
	if cfg.Kafka.Enabled {
		p, err := kafka.NewEventProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, logger)
		if err != nil {
			logger.Warn("kafka event producer disabled", zap.Error(err))
		} else {
			d.producer = p
			sinks = append(sinks, p)
		}
	}

	// Analysis, processor and worker
	gcfg := gemini.DefaultConfig()
	gcfg.APIKey = cfg.Analysis.APIKey
	if cfg.Analysis.Model != "" {
		gcfg.Model = cfg.Analysis.Model
	}
	if cfg.Analysis.BaseURL != "" {
		gcfg.BaseURL = cfg.Analysis.BaseURL
	}
	gcfg.Timeout = parseDuration(cfg.Analysis.Timeout, gcfg.Timeout)
	gcfg.MaxImageEdge = cfg.Analysis.MaxImageEdge
	if cfg.Analysis.JPEGQuality > 0 {
		gcfg.JPEGQuality = cfg.Analysis.JPEGQuality
	}

	var breaker *healing.Breaker
	analyzer, err := gemini.New(gcfg, logger)
	switch {
	case errors.Is(err, domain.ErrAnalyzerDisabled):
		logger.Warn("GEMINI_API_KEY is not set, jobs will stay queued until an analyzer is configured")
	case err != nil:
		return nil, fmt.Errorf("analyzer: %w", err)
	default:
		breaker = healing.NewBreaker("analysis", healing.Config{
			FailureThreshold: cfg.Analysis.BreakerThreshold,
			ResetTimeout:     parseDuration(cfg.Analysis.BreakerReset, time.Minute),
		})
		d.Processor = processor.New(processor.Deps{
			Store:    store,
			Analyzer: healing.GuardAnalyzer(analyzer, breaker, logger),
			Status:   d.Tracker,
			Locker:   locker,
			Archive:  archive,
			Notifier: notifier,
			Logger:   logger,
		})
		if cfg.Worker.Enabled {
			d.Runtime = worker.New(workerConfig(cfg.Worker, analyzer.Timeout()),
				store, d.Processor, d.Tracker, logger, sinks...)
		}
	}

	var waker payment.Waker
	if d.Runtime != nil {
		waker = d.Runtime
	}
	d.Payments = payment.NewService(store, domain.EnqueueOptions{}, waker, logger)

	if cfg.Kafka.Enabled {
		c, err := kafka.NewPaymentConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.PaymentsTopic, logger)
		if err != nil {
			logger.Warn("kafka payment consumer disabled", zap.Error(err))
		} else {
			d.consumer = c
		}
	}

	// Health checker
	d.Health = health.NewChecker(parseDuration(cfg.Telemetry.HealthInterval, time.Minute), logger,
		health.StoreCheck(store),
		health.QueueCheck(store, cfg.Telemetry.MaxPendingJobs),
	)
	if cfg.Storage.UploadsDir != "" {
		d.Health.Add(health.DirCheck("uploads", cfg.Storage.UploadsDir))
	}
	if d.Redis != nil {
		d.Health.Add(health.RedisCheck(d.Redis))
	}
	if breaker != nil {
		d.Health.Add(health.Check{Name: "analysis_circuit", CheckFn: healing.HealthCheck(breaker)})
	}

	// HTTP API
	deps := api.Deps{
		Status:        d.Tracker,
		Payments:      d.Payments,
		Jobs:          store,
		Logger:        logger,
		Health:        d.Health,
		Tokens:        d.Tokens,
		WebhookSecret: cfg.Payments.WebhookSecret,
	}
	if d.Runtime != nil {
		deps.Events = d.Runtime
	}
	if sessions, err := security.NewSessionIssuer(cfg.Auth.JWTSecret, parseDuration(cfg.Auth.SessionTTL, security.SessionTTL)); err != nil {
		logger.Warn("JWT_SECRET is not set, direct-access login disabled")
	} else {
		deps.Sessions = sessions
	}
	if cfg.Payments.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET is not set, webhook signatures are not verified")
	}
	d.Server = api.NewServer(deps)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	ok = true
	return d, nil
}

func openStore(ctx context.Context, cfg StorageConfig) (Backend, error) {
	if cfg.Driver == "postgres" {
		s, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	}
	db, err := sqlite.Open(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// workerConfig converts the TOML section. The claim lease always outlasts
// one analysis call.
func workerConfig(c WorkerConfig, analysisTimeout time.Duration) worker.Config {
	wc := worker.Config{
		Concurrency:   c.Concurrency,
		RateInterval:  parseDuration(c.RateInterval, 0),
		RateBurst:     c.RateBurst,
		PollInterval:  parseDuration(c.PollInterval, time.Second),
		Lease:         parseDuration(c.Lease, 150*time.Second),
		PruneInterval: parseDuration(c.PruneInterval, 0),
		KeepCompleted: c.KeepCompleted,
		KeepFailed:    c.KeepFailed,
		EventLogSize:  c.EventLogSize,
	}
	if floor := analysisTimeout + 30*time.Second; wc.Lease < floor {
		wc.Lease = floor
	}
	return wc
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Serve starts the HTTP server and background services and blocks until
// SIGINT/SIGTERM or ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.startBackground(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		d.Logger.Info("estimator serving",
			zap.String("addr", "http://"+addr),
			zap.Bool("worker", d.Runtime != nil),
			zap.Bool("metrics", d.Config.Telemetry.Prometheus))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		parseDuration(d.Config.API.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		d.Logger.Warn("http shutdown", zap.Error(err))
	}
	stop()
	d.shutdown()
	return serveErr
}

// RunWorker runs only the job runtime and payment consumer until
// SIGINT/SIGTERM or ctx is cancelled.
func (d *Daemon) RunWorker(ctx context.Context) error {
	if d.Runtime == nil {
		return errors.New("worker is not available: set GEMINI_API_KEY and [worker] enabled = true")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.startBackground(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.shutdown()
	return nil
}

func (d *Daemon) startBackground(ctx context.Context) error {
	d.spawn(func() { d.Health.Run(ctx) })
	d.spawn(func() { d.cleanupTokens(ctx) })

	if d.consumer != nil {
		d.spawn(func() {
			if err := d.consumer.Run(ctx, d.confirmFromKafka); err != nil {
				d.Logger.Error("payment consumer stopped", zap.Error(err))
			}
		})
	}

	if d.Runtime != nil {
		if err := d.Runtime.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}
	return nil
}

func (d *Daemon) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Daemon) confirmFromKafka(ctx context.Context, msg kafka.PaymentMessage) error {
	_, err := d.Payments.Confirm(ctx, msg.TaskID, msg.Source)
	if errors.Is(err, domain.ErrTaskNotFound) {
		d.Logger.Warn("payment event for unknown task", zap.String("task_id", msg.TaskID))
		return nil
	}
	return err
}

func (d *Daemon) cleanupTokens(ctx context.Context) {
	interval := parseDuration(d.Config.Auth.CleanupInterval, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Tokens.CleanupExpired(ctx)
			if err != nil {
				d.Logger.Warn("token cleanup failed", zap.Error(err))
			} else if n > 0 {
				d.Logger.Info("expired tokens removed", zap.Int64("count", n))
			}
		}
	}
}

// shutdown drains the worker, waits for background loops and closes
// resources. The context passed to startBackground must already be done.
func (d *Daemon) shutdown() {
	if d.Runtime != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(),
			parseDuration(d.Config.Worker.DrainTimeout, 2*time.Minute))
		if err := d.Runtime.Stop(drainCtx); err != nil {
			d.Logger.Warn("worker drain deadline exceeded, in-flight jobs were cancelled", zap.Error(err))
		}
		cancel()
	}
	d.wg.Wait()
	d.Close()
}

// Close releases all daemon resources. Safe to call more than once.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.consumer != nil {
			_ = d.consumer.Close()
		}
		if d.producer != nil {
			_ = d.producer.Close()
		}
		if d.Redis != nil {
			_ = d.Redis.Close()
		}
		if d.Store != nil {
			_ = d.Store.Close()
		}
		_ = d.Logger.Sync()
	})
}
