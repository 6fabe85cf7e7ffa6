package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions       = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_jobs_submitted_total", Help: "Jobs accepted by the gateway"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	Claims            = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_claims_total", Help: "Deliveries that won the claim"})
	ClaimConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_claim_conflicts_total", Help: "Deliveries dropped or rescheduled because the claim lost"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_jobs_succeeded_total", Help: "Jobs completed successfully"})
	WorkerRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_job_retries_total", Help: "Failed attempts scheduled for retry"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_jobs_failed_total", Help: "Jobs that reached the failed state"})
	ReconcileRequeues = prometheus.NewCounter(prometheus.CounterOpts{Name: "facemoji_reconcile_requeues_total", Help: "Stale jobs re-enqueued by the reconciler"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "facemoji_queue_ready_depth", Help: "References waiting in the ready queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "facemoji_jobs_inflight", Help: "Jobs this worker is processing"})

	CollaboratorLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "facemoji_collaborator_seconds",
		Help:    "Face detection and overlay latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "facemoji_jobs", Help: "Jobs per status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			RateLimitRejects,
			Claims,
			ClaimConflicts,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			ReconcileRequeues,
			QueueDepthGauge,
			InFlightGauge,
			CollaboratorLatency,
			JobsByStatus,
		)
	})
	return promhttp.Handler()
}
