package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики очередей и воркеров.
var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_jobs_enqueued_total",
		Help: "Jobs added to queues",
	}, []string{"queue", "module"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_jobs_completed_total",
		Help: "Jobs completed successfully",
	}, []string{"queue", "module"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_jobs_failed_total",
		Help: "Jobs that reached the failed state",
	}, []string{"queue", "module"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_jobs_retried_total",
		Help: "Failed attempts that were scheduled for retry",
	}, []string{"queue", "module"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_job_duration_seconds",
		Help:    "Handler execution time per attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "module"})
)

// Метрики пула ресурсов.
var (
	TokenAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_token_acquire_total",
		Help: "Token acquisition attempts by result (pool, none)",
	}, []string{"result"})

	ProxyAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_proxy_acquire_total",
		Help: "Proxy acquisition attempts by result (preferred, fallback, none)",
	}, []string{"result"})
)

// Метрики событий.
var (
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_job_events_consumed_total",
		Help: "Job lifecycle events received by the audit consumer",
	}, []string{"event"})

	SchedulerFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_scheduler_fired_total",
		Help: "Scheduled jobs enqueued by the scheduler",
	}, []string{"module"})
)

// Метрики внешнего сервиса бронирования.
var (
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_atour_calls_total",
		Help: "Calls to the booking API by step and result (ok, rejected, timeout, error)",
	}, []string{"step", "result"})

	RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_atour_call_duration_seconds",
		Help:    "Booking API call latency by step",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})
)
