package election

import (
	"time"

	"go.uber.org/zap"

	"leaselock/pkg/coordination"
	"leaselock/pkg/metrics"
	"leaselock/pkg/resilience"
)

// NewStoreBreaker returns a breaker that only counts transient store faults.
// Conflicts and missing keys are normal protocol outcomes and never trip it.
func NewStoreBreaker(name string, threshold int, cooldown time.Duration, log *zap.Logger) *resilience.CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := resilience.DefaultCircuitBreakerConfig()
	if threshold > 0 {
		cfg.FailureThreshold = threshold
	}
	if cooldown > 0 {
		cfg.Cooldown = cooldown
	}
	cfg.IsFailure = coordination.IsTransient
	cfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		log.Warn("store circuit breaker changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	metrics.CircuitState.WithLabelValues(name).Set(float64(resilience.CircuitClosed))
	return resilience.NewCircuitBreaker(name, cfg)
}
