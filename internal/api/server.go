// Package api provides the operational HTTP surface of the estimator:
// task status, payment confirmation, job inspection and direct-access login.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/app/payment"
	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/health"
	"github.com/car-repair/estimator/internal/security"
)

// StatusReader resolves a task's current status.
type StatusReader interface {
	Status(ctx context.Context, taskID string) (domain.TaskStatus, error)
}

// Payments confirms payments and enqueues paid tasks.
type Payments interface {
	Confirm(ctx context.Context, taskID, source string) (payment.Confirmation, error)
	Enqueue(ctx context.Context, taskID, source string) (domain.JobHandle, error)
}

// JobLister lists queued jobs.
type JobLister interface {
	ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.Job, error)
}

// EventSource returns recent job lifecycle events, newest first.
type EventSource interface {
	Events(limit int) []domain.JobEvent
}

// TokenValidator checks direct-access tokens.
type TokenValidator interface {
	Validate(ctx context.Context, value string, markUsed bool) (*domain.UserToken, security.DirectAccess, error)
}

// Deps are the services behind the routes. Nil optional members disable
// their routes.
type Deps struct {
	Status   StatusReader
	Payments Payments
	Jobs     JobLister
	Logger   *zap.Logger

	Events        EventSource             // optional: /api/jobs/events
	Health        *health.Checker         // optional: /health detail
	Tokens        TokenValidator          // optional: /api/auth/direct-access
	Sessions      *security.SessionIssuer // required with Tokens
	WebhookSecret string                  // empty disables signature checks
}

// Server is the estimator HTTP API server.
type Server struct {
	d              Deps
	logger         *zap.Logger
	metricsEnabled bool
	now            func() time.Time
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{d: d, logger: logger.Named("api"), now: time.Now}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/status", s.handleTaskStatus)
			r.Post("/confirm-payment", s.handleConfirmPayment)
			r.Post("/enqueue", s.handleEnqueue)
		})

		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Get("/jobs", s.handleListJobs)
		if s.d.Events != nil {
			r.Get("/jobs/events", s.handleJobEvents)
		}

		if s.d.Tokens != nil && s.d.Sessions != nil {
			r.Get("/auth/direct-access", s.handleDirectAccess)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrTaskNotPaid):
		writeError(w, http.StatusConflict, "task is not paid")
	case errors.Is(err, domain.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "task is already completed or failed")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// corsMiddleware adds CORS headers for the frontend.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
