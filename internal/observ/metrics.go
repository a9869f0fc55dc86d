package observ

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons reported by ClassifyError. Kept low-cardinality for labels.
const (
	ReasonValidation  = "validation"
	ReasonLimit       = "limit_exceeded"
	ReasonTransient   = "transient"
	ReasonTerminal    = "terminal"
	ReasonConsistency = "consistency"
	ReasonDeadline    = "deadline_exceeded"
	ReasonCanceled    = "canceled"
	ReasonDB          = "db"
	ReasonUnknown     = "unknown"
)

// Metrics is the pipeline's Prometheus surface.
type Metrics struct {
	IngestSubmissions     *prometheus.CounterVec
	WebhookEvents         *prometheus.CounterVec
	QueueTransitions      *prometheus.CounterVec
	ConsistencyViolations prometheus.Counter
	WorkerJobs            *prometheus.CounterVec
	EnrichDuration        *prometheus.HistogramVec
	LimitRejections       *prometheus.CounterVec
	SnapshotGenerations   *prometheus.CounterVec
	SnapshotDuration      prometheus.Histogram
	BreakerState          *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the process-wide metrics registered on the default
// Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// NewMetrics registers a fresh set on registerer. Tests pass their own
// prometheus.NewRegistry() to stay isolated.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		IngestSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insightops_ingest_submissions_total",
			Help: "Feedback submissions by source and outcome.",
		}, []string{"source", "outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insightops_webhook_events_total",
			Help: "Webhook events by outcome (received, duplicate, processed, ignored, failed, permanently_failed).",
		}, []string{"outcome"}),
		QueueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insightops_queue_transitions_total",
			Help: "Enrichment job status transitions.",
		}, []string{"from", "to"}),
		ConsistencyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insightops_queue_consistency_violations_total",
			Help: "Job transitions attempted from an unexpected state.",
		}),
		WorkerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insightops_worker_jobs_total",
			Help: "Enrichment jobs handled by the worker pool by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		EnrichDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insightops_enrich_duration_seconds",
			Help:    "Latency of enrichment calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"job_type", "outcome"}),
		LimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insightops_usage_limit_rejections_total",
			Help: "Plan limit rejections by resource.",
		}, []string{"resource"}),
		SnapshotGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insightops_snapshot_generations_total",
			Help: "Snapshot generation attempts by period type and outcome.",
		}, []string{"period_type", "outcome"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insightops_snapshot_generation_seconds",
			Help:    "Time spent aggregating one snapshot.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insightops_enrich_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
	}

	registerer.MustRegister(
		m.IngestSubmissions,
		m.WebhookEvents,
		m.QueueTransitions,
		m.ConsistencyViolations,
		m.WorkerJobs,
		m.EnrichDuration,
		m.LimitRejections,
		m.SnapshotGenerations,
		m.SnapshotDuration,
		m.BreakerState,
	)
	return m
}

// ClassifyError maps an error onto one of the Reason constants.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadline
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, pipeline.ErrValidation):
		return ReasonValidation
	case errors.Is(err, pipeline.ErrLimitExceeded):
		return ReasonLimit
	case errors.Is(err, pipeline.ErrConsistency):
		return ReasonConsistency
	case errors.Is(err, pipeline.ErrTerminal):
		return ReasonTerminal
	case errors.Is(err, pipeline.ErrTransient):
		return ReasonTransient
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ReasonDB
	}
	return ReasonUnknown
}
