package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfm_jobs_processed_total",
		Help: "Jobs processed by the worker pool, by category and outcome.",
	}, []string{"category", "outcome"})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sfm_jobs_active",
		Help: "Jobs currently executing in the worker pool.",
	})
)
