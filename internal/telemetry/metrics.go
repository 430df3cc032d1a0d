package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_enqueued_total", Help: "Generation jobs enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_completed_total", Help: "Stories generated successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_retried_total", Help: "Jobs that failed transiently and were re-queued"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_failed_total", Help: "Jobs that exhausted retries or failed validation"})
	CancelCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_cancelled_total", Help: "Jobs cancelled before lease"})
	PurgeCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "stories_purged_total", Help: "Terminal jobs removed by retention"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stories_queue_depth", Help: "Jobs waiting for a lease"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stories_inflight", Help: "Jobs currently leased"})

	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stories_processing_seconds",
		Help:    "Wall time spent generating one story",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			CancelCounter,
			PurgeCounter,
			QueueDepthGauge,
			InFlightGauge,
			ProcessingSeconds,
		)
	})
	return promhttp.Handler()
}
