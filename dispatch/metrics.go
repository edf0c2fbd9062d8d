package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgen_dispatch_jobs_started_total",
		Help: "Generations submitted to a worker.",
	}, []string{"worker"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgen_dispatch_jobs_completed_total",
		Help: "Generations that finished with an image.",
	}, []string{"worker"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgen_dispatch_jobs_failed_total",
		Help: "Generations that ended in error.",
	}, []string{"worker"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imgen_dispatch_job_duration_seconds",
		Help:    "Wall time from worker submit to terminal state.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"worker"})
)
