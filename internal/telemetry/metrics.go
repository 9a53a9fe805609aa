package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_enqueued_total", Help: "Tracks pushed onto the analysis queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_claimed_total", Help: "Tracks claimed for analysis"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_completed_total", Help: "Tracks analyzed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_failed_total", Help: "Tracks that failed and may retry"})
	JobsSkipped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_skipped_total", Help: "Tracks permanently skipped"}, []string{"reason"})
	StaleReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_stale_reclaimed_total", Help: "Stale in-progress tracks returned to pending"})
	RetriesRequeued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_retries_requeued_total", Help: "Failed tracks returned to pending"})
	MalformedEntries = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_queue_malformed_total", Help: "Queue entries moved to the dead-letter list"})
	StoreErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_store_errors_total", Help: "Store operations that failed"}, []string{"op"})
	WorkerRestarts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_worker_restarts_total", Help: "Worker contexts rebuilt after a crash"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Entries waiting on the push queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_inflight", Help: "Analyses currently running in the pool"})
	BatchDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_batch_duration_seconds",
		Help:    "Wall time spent dispatching a batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsSkipped,
			StaleReclaimed,
			RetriesRequeued,
			MalformedEntries,
			StoreErrors,
			WorkerRestarts,
			QueueDepthGauge,
			InFlightGauge,
			BatchDuration,
		)
	})
	return promhttp.Handler()
}
