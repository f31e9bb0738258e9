// Package metrics provides the metrics interface for the idempotency engine.
package metrics

import (
	"time"

	"idem/circuit"
)

// Metrics defines the interface for collecting observability metrics.
// Implementations can use Prometheus, StatsD, or other metrics backends.
type Metrics interface {
	// Request path metrics
	RequestOutcome(method, outcome string)
	RequestFailed(method, reason string)

	// Response path metrics
	ResponsePersisted(method string, success bool)

	// Store metrics
	StoreOperation(op string, duration time.Duration, success bool)

	// Circuit breaker metrics
	CircuitStateChanged(service string, state circuit.State)

	// Sweeper metrics
	SweepCompleted(deleted int64, stale int)
	SweepFailed(reason string)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) RequestOutcome(method, outcome string)                   {}
func (n *NoopMetrics) RequestFailed(method, reason string)                     {}
func (n *NoopMetrics) ResponsePersisted(method string, success bool)           {}
func (n *NoopMetrics) StoreOperation(op string, d time.Duration, success bool) {}
func (n *NoopMetrics) CircuitStateChanged(service string, state circuit.State) {}
func (n *NoopMetrics) SweepCompleted(deleted int64, stale int)                 {}
func (n *NoopMetrics) SweepFailed(reason string)                               {}
