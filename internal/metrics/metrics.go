// Package metrics exposes Prometheus instrumentation for the scheduler
// and worker loop: queue depth, active worker count, and claim/requeue
// counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the whirr API host exports.
type Registry struct {
	QueueDepth      *prometheus.GaugeVec
	ActiveWorkers   prometheus.Gauge
	JobsClaimed     prometheus.Counter
	JobsCompleted   *prometheus.CounterVec
	JobsRequeued    prometheus.Counter
	ClaimDuration   prometheus.Histogram
}

// NewRegistry builds and registers every metric against a fresh
// prometheus.Registry (never the global default, so multiple Registries
// in tests don't collide).
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "whirr_queue_depth",
			Help: "Number of jobs currently in each status.",
		}, []string{"status"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whirr_active_workers",
			Help: "Number of workers currently registered as idle or busy.",
		}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whirr_jobs_claimed_total",
			Help: "Total number of jobs claimed by any worker.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whirr_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status.",
		}, []string{"status"}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whirr_jobs_requeued_total",
			Help: "Total number of jobs requeued by the lease monitor.",
		}),
		ClaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "whirr_claim_duration_seconds",
			Help:    "Latency of the claim_job storage call.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(r.QueueDepth, r.ActiveWorkers, r.JobsClaimed, r.JobsCompleted, r.JobsRequeued, r.ClaimDuration)
	return r, reg
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
