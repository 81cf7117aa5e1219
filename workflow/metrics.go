package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the orchestration core, registered on the default registry.
var (
	stepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semflow",
		Subsystem: "workflow",
		Name:      "steps_executed_total",
		Help:      "Steps executed by command, kind, and outcome.",
	}, []string{"command", "kind", "outcome"})

	retriesGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semflow",
		Subsystem: "workflow",
		Name:      "retries_granted_total",
		Help:      "Retry attempts granted by command and step.",
	}, []string{"command", "step"})

	retriesDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semflow",
		Subsystem: "workflow",
		Name:      "retries_denied_total",
		Help:      "Retry attempts denied at a budget cap.",
	}, []string{"command", "step"})

	escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semflow",
		Subsystem: "workflow",
		Name:      "escalations_total",
		Help:      "Records escalated for manual intervention.",
	}, []string{"command"})

	fanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "semflow",
		Subsystem: "workflow",
		Name:      "fanout_duration_seconds",
		Help:      "Wall time of parallel group joins.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"command", "step", "verdict"})

	recordsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semflow",
		Subsystem: "workflow",
		Name:      "records_finalized_total",
		Help:      "Records reaching a terminal status.",
	}, []string{"command", "status"})
)
