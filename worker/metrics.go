package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsTotal     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	ActiveJobs    prometheus.Gauge
	ClaimErrors   prometheus.Counter
	StaleRequeued prometheus.Counter
	StaleFailed   prometheus.Counter
}

// NewMetrics registers the worker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "video_ingest",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Processed jobs by task type and outcome (completed, retried, failed).",
		}, []string{"task_type", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "video_ingest",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Time spent in a stage handler.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"task_type"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "video_ingest",
			Subsystem: "worker",
			Name:      "active_jobs",
			Help:      "Jobs currently held by this worker.",
		}),
		ClaimErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "video_ingest",
			Subsystem: "worker",
			Name:      "claim_errors_total",
			Help:      "Failed claim attempts against the job queue.",
		}),
		StaleRequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "video_ingest",
			Subsystem: "sweeper",
			Name:      "requeued_total",
			Help:      "Expired claims returned to pending.",
		}),
		StaleFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "video_ingest",
			Subsystem: "sweeper",
			Name:      "failed_total",
			Help:      "Expired claims that had no retries left.",
		}),
	}
}
