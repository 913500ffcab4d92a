package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/security"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxWebhookBody  = 1 << 20
)

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.d.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.d.Health.Statuses(),
	})
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	status, err := s.d.Status.Status(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  string(status),
	})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	c, err := s.d.Payments.Confirm(r.Context(), chi.URLParam(r, "id"), "api")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	h, err := s.d.Payments.Enqueue(r.Context(), chi.URLParam(r, "id"), "api")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// ─── Stripe Webhook ─────────────────────────────────────────────────────────

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			PaymentStatus     string            `json:"payment_status"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (e *stripeEvent) taskID() string {
	if id := e.Data.Object.Metadata["task_id"]; id != "" {
		return id
	}
	return e.Data.Object.ClientReferenceID
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.d.WebhookSecret != "" {
		err := security.VerifyWebhook(body, r.Header.Get("Stripe-Signature"),
			s.d.WebhookSecret, security.DefaultSignatureTolerance, s.now())
		if err != nil {
			s.logger.Warn("webhook signature rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
	}

	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	log := s.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	if ev.Type != "checkout.session.completed" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}

	taskID := ev.taskID()
	if taskID == "" {
		log.Warn("checkout session without task reference")
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}

	c, err := s.d.Payments.Confirm(r.Context(), taskID, "stripe")
	if errors.Is(err, domain.ErrTaskNotFound) {
		// Acknowledged so the provider stops redelivering it.
		log.Warn("checkout session for unknown task", zap.String("task_id", taskID))
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":     true,
		"task_id":      c.TaskID,
		"job_id":       c.JobID,
		"already_paid": c.AlreadyPaid,
	})
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := domain.JobState(r.URL.Query().Get("state"))
	if state != "" && !validJobState(state) {
		writeError(w, http.StatusBadRequest, "unknown job state: "+string(state))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.d.Jobs.ListJobs(r.Context(), state, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.d.Events.Events(limit)
	if events == nil {
		events = []domain.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func validJobState(state domain.JobState) bool {
	for _, s := range domain.JobStates {
		if s == state {
			return true
		}
	}
	return false
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultJobLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxJobLimit {
		n = maxJobLimit
	}
	return n, nil
}

// ─── Direct Access ──────────────────────────────────────────────────────────

func (s *Server) handleDirectAccess(w http.ResponseWriter, r *http.Request) {
	tok, da, err := s.d.Tokens.Validate(r.Context(), r.URL.Query().Get("token"), true)
	if security.IsTokenError(err) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid":  false,
			"reason": domain.TokenReason(err),
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	session, expires, err := s.d.Sessions.Issue(tok.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("direct access granted",
		zap.String("user_id", tok.UserID),
		zap.String("report_id", da.ReportID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"token":     session,
		"expiresAt": expires,
		"userId":    tok.UserID,
		"reportId":  da.ReportID,
	})
}
