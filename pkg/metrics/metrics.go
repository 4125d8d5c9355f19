package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the lease protocol, registered with the default registry.
var (
	// --- Election Metrics ---

	// DecisionsTotal counts election outcomes by result and reason.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaselock",
			Subsystem: "election",
			Name:      "decisions_total",
			Help:      "Election decisions by result (leader/follower) and reason",
		},
		[]string{"result", "reason"},
	)

	// ClaimsTotal counts publish attempts by action and outcome.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaselock",
			Subsystem: "election",
			Name:      "claims_total",
			Help:      "Lock publish attempts by action (claim/renew) and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ConflictsTotal counts compare-and-set rejections.
	ConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaselock",
			Subsystem: "election",
			Name:      "conflicts_total",
			Help:      "Compare-and-set rejections caused by a concurrent writer",
		},
	)

	// IsLeader is 1 while the last decision granted leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaselock",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 if this machine holds the lease, 0 otherwise",
		},
	)

	// LockAge tracks the age of the last observed lock record.
	LockAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaselock",
			Subsystem: "election",
			Name:      "lock_age_seconds",
			Help:      "Age of the last observed lock record",
		},
	)

	// --- Store Metrics ---

	// StoreOperationDuration tracks store latency per backend and operation.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leaselock",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of coordination store operations",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"backend", "op", "status"},
	)

	// CircuitState exposes the store circuit breaker (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "leaselock",
			Subsystem: "store",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per breaker name",
		},
		[]string{"name"},
	)

	// --- Watch Metrics ---

	// TicksTotal counts watch loop ticks.
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaselock",
			Subsystem: "watch",
			Name:      "ticks_total",
			Help:      "Total number of watch loop ticks",
		},
	)

	// CommandRuns counts protected command runs by status.
	CommandRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaselock",
			Subsystem: "watch",
			Name:      "command_runs_total",
			Help:      "Protected command runs by status",
		},
		[]string{"status"},
	)

	// CommandDuration tracks protected command duration.
	CommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "leaselock",
			Subsystem: "watch",
			Name:      "command_duration_seconds",
			Help:      "Duration of protected command runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
	)
)

// RecordDecision records the outcome of one election invocation.
func RecordDecision(leader bool, reason string, lockAge time.Duration) {
	result := "follower"
	value := 0.0
	if leader {
		result = "leader"
		value = 1
	}
	DecisionsTotal.WithLabelValues(result, reason).Inc()
	IsLeader.Set(value)
	if lockAge > 0 {
		LockAge.Set(lockAge.Seconds())
	}
}

// RecordStoreOp records one store call.
func RecordStoreOp(backend, op string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(backend, op, status).Observe(d.Seconds())
}

// RecordCommand records a protected command run.
func RecordCommand(ok bool, d time.Duration) {
	status := "success"
	if !ok {
		status = "failed"
	}
	CommandRuns.WithLabelValues(status).Inc()
	CommandDuration.Observe(d.Seconds())
}
