package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the job counters. It is created per registry instead of at
// package init so tests can use a private registry.
type Metrics struct {
	JobsSubmittedTotal prometheus.Counter
	JobsCompletedTotal prometheus.Counter
	JobsFailedTotal    prometheus.Counter
	JobsRecoveredTotal prometheus.Counter
	StoreFailuresTotal prometheus.Counter
	JobsRunning        prometheus.Gauge
	JobDuration        prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsSubmittedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ba2_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		JobsCompletedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ba2_jobs_completed_total",
			Help: "Total number of jobs that produced output",
		}),
		JobsFailedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ba2_jobs_failed_total",
			Help: "Total number of jobs that recorded a failure",
		}),
		JobsRecoveredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ba2_jobs_recovered_total",
			Help: "Pending jobs finalized as errored after a restart",
		}),
		StoreFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ba2_store_failures_total",
			Help: "Terminal writes that could not be persisted",
		}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "ba2_jobs_running",
			Help: "Jobs currently inside the pipeline",
		}),
		// 1s .. ~68min
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ba2_job_duration_seconds",
			Help:    "Time spent in the pipeline per job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		}),
	}
}

// NewNop returns metrics registered nowhere.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
