// Package healing guards the analysis service with a circuit breaker.
//
// Breaker states:
//   - CLOSED    (normal) → transient failures reach threshold → OPEN
//   - OPEN      (rejecting) → after reset timeout → HALF_OPEN
//   - HALF_OPEN (probing) → enough probes succeed → CLOSED, a probe fails → OPEN
//
// While the breaker is open, jobs fail fast with a retryable error and are
// re-queued with backoff instead of each waiting out the full call timeout.
package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls are rejected
	HalfOpen              // calls probe for recovery
)

// String returns a human-readable state.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a breaker.
type Config struct {
	FailureThreshold int           // consecutive transient failures to trip (default 5)
	ResetTimeout     time.Duration // time in OPEN before probing (default 1m)
	HalfOpenProbes   int           // successful probes needed to close (default 1)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenProbes:   1,
	}
}

// Breaker is a thread-safe circuit breaker.
type Breaker struct {
	mu         sync.Mutex
	name       string
	cfg        Config
	state      State
	failures   int
	probes     int
	trippedAt  time.Time
	totalTrips int
	now        func() time.Time
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentLocked() == Open {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentLocked() {
	case HalfOpen:
		b.probes++
		if b.probes >= b.cfg.HalfOpenProbes {
			b.state = Closed
			b.failures = 0
			b.probes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure records a transient failure. May trip the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentLocked() {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	TotalTrips int       `json:"total_trips"`
	TrippedAt  time.Time `json:"tripped_at,omitempty"`
}

// Snapshot returns the current state snapshot.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:       b.name,
		State:      b.currentLocked().String(),
		Failures:   b.failures,
		TotalTrips: b.totalTrips,
		TrippedAt:  b.trippedAt,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
}

func (b *Breaker) trip() {
	b.state = Open
	b.trippedAt = b.now()
	b.probes = 0
	b.totalTrips++
}

// currentLocked moves OPEN to HALF_OPEN once the reset timeout has passed.
func (b *Breaker) currentLocked() State {
	if b.state == Open && b.now().Sub(b.trippedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.probes = 0
	}
	return b.state
}

// ─── Guarded Analyzer ───────────────────────────────────────────────────────

var _ domain.Analyzer = (*GuardedAnalyzer)(nil)

// GuardedAnalyzer wraps an analyzer with a breaker. Only retryable adapter
// failures count against the breaker.
type GuardedAnalyzer struct {
	next    domain.Analyzer
	breaker *Breaker
	logger  *zap.Logger
}

// GuardAnalyzer returns next wrapped with b.
func GuardAnalyzer(next domain.Analyzer, b *Breaker, logger *zap.Logger) *GuardedAnalyzer {
	return &GuardedAnalyzer{next: next, breaker: b, logger: logger.Named("healing")}
}

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedAnalyzer) Breaker() *Breaker { return g.breaker }

// Analyze calls the wrapped analyzer unless the breaker is open.
func (g *GuardedAnalyzer) Analyze(ctx context.Context, images []domain.ImageInput, car domain.CarInfo) (*domain.AnalysisResult, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, &domain.AdapterError{Retryable: true, Err: err}
	}

	res, err := g.next.Analyze(ctx, images, car)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// Cancelled by shutdown, not a service failure.
	case domain.IsRetryable(err):
		before := g.breaker.State()
		g.breaker.RecordFailure()
		if before != Open && g.breaker.State() == Open {
			g.logger.Warn("analysis circuit opened", zap.Error(err))
		}
	}
	return res, err
}

// HealthCheck reports the breaker as unhealthy while it is open.
func HealthCheck(b *Breaker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s := b.State(); s == Open {
			return fmt.Errorf("%s circuit is %s", b.name, s)
		}
		return nil
	}
}
