package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowq_jobs_enqueued_total",
		Help: "Jobs inserted into the queue.",
	}, []string{"kind"})

	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowq_jobs_claimed_total",
		Help: "Jobs claimed by workers.",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowq_jobs_completed_total",
		Help: "Jobs moved to the completed table.",
	}, []string{"status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowq_job_duration_seconds",
		Help:    "Execution time from start to completion.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"kind"})

	// Admissions — решения limiter: admitted | deferred.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowq_concurrency_admissions_total",
		Help: "Concurrency limiter decisions.",
	}, []string{"outcome"})

	// DebounceTriggers — исход триггера: created | merged | direct.
	DebounceTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowq_debounce_triggers_total",
		Help: "Debounce coordinator trigger outcomes.",
	}, []string{"outcome"})

	BucketsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowq_debounce_buckets_sealed_total",
		Help: "Debounce buckets converted into jobs.",
	})

	// Reclaims — исход переотбора: requeued | exhausted.
	Reclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowq_reclaims_total",
		Help: "Jobs reclaimed from lost workers.",
	}, []string{"outcome"})

	// FlowAdvances — исход шага драйвера flow: dispatched | parked | completed | failed.
	FlowAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowq_flow_advances_total",
		Help: "Flow state machine advance outcomes.",
	}, []string{"outcome"})

	SchedulesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowq_schedules_fired_total",
		Help: "Schedule ticks that produced a trigger.",
	})
)

// MetricsHandler возвращает handler для /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
