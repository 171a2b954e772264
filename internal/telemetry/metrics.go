package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_claims_total", Help: "Jobs claimed from the queue service"})
	EmptyPolls        = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_empty_polls_total", Help: "Claim polls that returned no job"})
	JobsSucceeded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_jobs_failed_total", Help: "Jobs returned to the queue as failed"})
	JobsCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_jobs_cancelled_total", Help: "Jobs cancelled remotely mid-run"})
	Heartbeats        = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_heartbeats_total", Help: "Successful lease renewals"})
	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_heartbeat_failures_total", Help: "Failed lease renewals"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_inflight", Help: "Jobs currently being processed"})
	HandlerDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_handler_duration_seconds",
		Help:    "Handler processing time by job type",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsTotal,
			EmptyPolls,
			JobsSucceeded,
			JobsFailed,
			JobsCancelled,
			Heartbeats,
			HeartbeatFailures,
			InFlightGauge,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
