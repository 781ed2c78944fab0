// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replaymill_jobs_submitted_total",
		Help: "Total number of render jobs submitted",
	})

	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replaymill_jobs_completed_total",
		Help: "Total number of render jobs that completed successfully",
	})

	JobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replaymill_jobs_failed_total",
		Help: "Total number of render jobs that failed",
	})

	JobsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replaymill_jobs_swept_total",
		Help: "Total number of expired jobs removed by the retention sweeper",
	})

	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replaymill_render_duration_seconds",
		Help:    "Wall-clock time of one renderer invocation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	BusySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replaymill_busy_slots",
		Help: "Worker slots currently running a render",
	})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replaymill_notifications_failed_total",
		Help: "Completion notifications that could not be delivered",
	})
)
