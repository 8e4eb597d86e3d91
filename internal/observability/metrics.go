// Package observability registers the engine's Prometheus metrics,
// adapted from the teacher's observability package: same promauto
// GaugeVec/CounterVec/Histogram idiom and label conventions, metric
// names renamed from flux_* to taskmesh_*.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_queue_depth",
		Help: "Current number of tasks in the processor queue",
	}, []string{"priority"})

	QueueOldestTaskAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_queue_oldest_task_age_seconds",
		Help: "Age of the oldest task in the queue in seconds",
	})

	ProcessorLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskmesh_processor_loop_duration_seconds",
		Help:    "Duration of one worker loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	ProcessorAdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_processor_admission_rejections_total",
		Help: "Total number of tasks rejected by the admission circuit breaker",
	}, []string{"reason"})

	ProcessorCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_processor_circuit_state",
		Help: "Admission circuit breaker state (0=closed,1=half_open,2=open)",
	}, []string{"state"})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_task_outcomes_total",
		Help: "Total task outcomes by kind and terminal status",
	}, []string{"kind", "status"})

	TaskAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskmesh_task_attempts",
		Help:    "Number of attempts a task took to reach a terminal state",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	TaskRuntimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmesh_task_runtime_seconds",
		Help:    "Wall-clock duration of a single provider attempt",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider_id"})

	ProviderHealthState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_provider_health_state",
		Help: "Provider health state (0=healthy,1=degraded,2=unhealthy)",
	}, []string{"provider_id"})

	ProviderBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_provider_breaker_trips_total",
		Help: "Total times a provider's supplementary circuit breaker tripped open",
	}, []string{"provider_id"})

	QuotaReservationsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_quota_reservations_active",
		Help: "Currently held (uncommitted, unrefunded) quota reservations",
	}, []string{"provider_id", "sub_key"})

	QuotaExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_quota_exhausted_total",
		Help: "Total reservation attempts rejected due to quota exhaustion",
	}, []string{"provider_id", "sub_key"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_dedup_hits_total",
		Help: "Total dedup cache outcomes by role",
	}, []string{"role"}) // claimant, follower_hit, follower_wait

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskmesh_events_dropped_total",
		Help: "Total events dropped for slow subscribers",
	})

	WorkflowRunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_workflow_runs_active",
		Help: "Currently running WorkflowRuns",
	})

	WorkflowRunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_workflow_run_outcomes_total",
		Help: "Total WorkflowRun outcomes by terminal status",
	}, []string{"status"})

	CronCatchUpFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_cron_catchup_fires_total",
		Help: "Total catch-up fires triggered after a missed cron schedule",
	}, []string{"workflow_id"})

	LeadershipEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_cron_leader_epoch",
		Help: "Current fencing epoch of the cron leader",
	})

	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_cron_leader_transitions_total",
		Help: "Total cron leadership acquire/lose transitions",
	}, []string{"event"})
)
