package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmittedTotal counts envelopes accepted by the dispatcher.
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_tasks_submitted_total",
			Help: "Total number of task envelopes enqueued, by type and channel",
		},
		[]string{"task_type", "channel"},
	)

	// TasksProcessedTotal counts worker-side completions by outcome.
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_tasks_processed_total",
			Help: "Total number of tasks processed by workers",
		},
		[]string{"task_type", "status"}, // status is "success" or "error"
	)

	// TaskDurationSeconds tracks handler execution time.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_task_duration_seconds",
			Help:    "Histogram of handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// DispatchWaitSeconds tracks submit-and-wait round trip time.
	DispatchWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_dispatch_wait_seconds",
			Help:    "Histogram of coordinator-side wait for a result in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// DispatchTimeoutsTotal counts callers that walked away without a result.
	DispatchTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_dispatch_timeouts_total",
			Help: "Total number of submit-and-wait deadlines expired with no result",
		},
		[]string{"task_type"},
	)

	// ResultStoreFailuresTotal counts attempts that could not persist a
	// result. The delivery is left unacked in that case, so the task is
	// redelivered and shows up in TasksProcessedTotal only once it sticks.
	ResultStoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_result_store_failures_total",
			Help: "Total number of failed attempts to persist a task result",
		},
		[]string{"task_type"},
	)

	// TasksRecoveredTotal counts stale leases returned to their queues.
	TasksRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayq_tasks_recovered_total",
			Help: "Total number of unacknowledged tasks made visible again",
		},
	)

	// TasksInFlight gauges currently executing handlers on this worker.
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_tasks_in_flight",
			Help: "Number of handler executions currently running",
		},
	)
)
