// Package metrics provides Prometheus metrics for the estimator: queue
// throughput, processing and analysis latency, notifications and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/car-repair/estimator/internal/domain"
)

// ─── Queue ──────────────────────────────────────────────────────────────────

// JobsEnqueued tracks enqueued jobs by trigger source.
var JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "jobs_enqueued_total",
	Help:      "Total jobs enqueued.",
}, []string{"source"})

// JobsCompleted tracks completed jobs by outcome (success, skipped).
var JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "jobs_completed_total",
	Help:      "Total completed jobs.",
}, []string{"outcome"})

// JobsFailed tracks permanently failed jobs.
var JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "jobs_failed_total",
	Help:      "Total jobs that failed with no attempts left.",
})

// JobsRetried tracks failed attempts that were scheduled for retry.
var JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "jobs_retried_total",
	Help:      "Total failed attempts rescheduled with backoff.",
})

// JobsActive tracks jobs currently being processed by this worker.
var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "estimator",
	Name:      "jobs_active",
	Help:      "Number of jobs currently being processed.",
})

// QueueDepth tracks jobs per queue state.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "estimator",
	Name:      "queue_depth",
	Help:      "Jobs in the queue by state.",
}, []string{"state"})

// ProcessingLatency tracks wall time per job attempt.
var ProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "estimator",
	Name:      "processing_latency_seconds",
	Help:      "Job processing duration in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
})

// ─── Analysis ───────────────────────────────────────────────────────────────

// AnalysisLatency tracks vision model call duration by result.
var AnalysisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "estimator",
	Name:      "analysis_latency_seconds",
	Help:      "Image analysis call duration in seconds.",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
}, []string{"result"})

// ─── Notifications ──────────────────────────────────────────────────────────

// NotificationsSent tracks delivered report-ready emails.
var NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "notifications_sent_total",
	Help:      "Total report-ready notifications sent.",
})

// NotificationsFailed tracks notifications that could not be delivered.
var NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "notifications_failed_total",
	Help:      "Total report-ready notifications that failed.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "estimator",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "estimator",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// ─── Event Sink ─────────────────────────────────────────────────────────────

// Sink records job lifecycle events as metrics.
type Sink struct{}

// HandleJobEvent implements domain.JobEventSink.
func (Sink) HandleJobEvent(ev domain.JobEvent) {
	ProcessingLatency.Observe(ev.Duration.Seconds())
	switch ev.Type {
	case domain.JobEventCompleted:
		outcome := "success"
		if ev.Result != nil && ev.Result.Skipped {
			outcome = "skipped"
		}
		JobsCompleted.WithLabelValues(outcome).Inc()
	case domain.JobEventFailed:
		if ev.Final {
			JobsFailed.Inc()
		} else {
			JobsRetried.Inc()
		}
	}
}

// ObserveQueue publishes per-state queue counts.
func ObserveQueue(stats domain.QueueStats) {
	for _, s := range domain.JobStates {
		QueueDepth.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}
