package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AttemptsTotal counts finished attempts by kind and final status.
var AttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ferry_attempts_total",
		Help: "Finished deploy, rollback, promote and destroy attempts",
	},
	[]string{"kind", "status"},
)

// AttemptErrorsTotal counts failed attempts by error kind.
var AttemptErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ferry_attempt_errors_total",
		Help: "Failed attempts by error kind",
	},
	[]string{"kind", "error_kind"},
)

// SupersededTotal counts deploys dropped or cancelled in favor of a newer push.
var SupersededTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ferry_superseded_total",
		Help: "Deploys superseded by a newer push",
	},
)

// StepDuration tracks time spent in each pipeline step.
var StepDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ferry_pipeline_step_duration_seconds",
		Help:    "Time spent in each pipeline step",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	},
	[]string{"step"},
)

// RollbackDuration tracks wall time from rollback start to a terminal state.
var RollbackDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ferry_rollback_duration_seconds",
		Help:    "Rollback wall time",
		Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 300},
	},
)

// RollbackSlowTotal counts rollbacks that exceeded the rollback budget.
var RollbackSlowTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ferry_rollback_over_budget_total",
		Help: "Rollbacks that exceeded the rollback budget",
	},
)

// GateInUse tracks admission slots currently held by running jobs.
var GateInUse = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "ferry_admission_in_use",
		Help: "Admission gate slots in use",
	},
)

// QueueDepth tracks jobs waiting behind each environment's worker.
var QueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ferry_queue_depth",
		Help: "Jobs queued per environment",
	},
	[]string{"branch"},
)

// WebhookEventsTotal counts inbound source-hosting events.
var WebhookEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ferry_webhook_events_total",
		Help: "Inbound webhook events by provider, type and outcome",
	},
	[]string{"provider", "type", "outcome"},
)
