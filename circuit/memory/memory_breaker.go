// Package memory provides an in-process circuit breaker.
package memory

import (
	"context"
	"sync"
	"time"

	"idem"
	"idem/circuit"
)

// MemoryBreaker is an in-memory implementation of the Breaker interface.
// Breakers are created lazily per service name and live for the lifetime of the process.
type MemoryBreaker struct {
	mu            sync.RWMutex
	breakers      map[string]*memoryCircuitBreaker
	defaultConfig circuit.BreakerConfig
	now           func() time.Time
}

// Option configures a MemoryBreaker.
type Option func(*MemoryBreaker)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryBreaker) {
		m.now = now
	}
}

// NewMemoryBreaker creates a new MemoryBreaker with default configuration.
func NewMemoryBreaker(opts ...Option) *MemoryBreaker {
	return NewMemoryBreakerWithConfig(circuit.DefaultBreakerConfig(), opts...)
}

// NewMemoryBreakerWithConfig creates a new MemoryBreaker with custom default configuration.
func NewMemoryBreakerWithConfig(config circuit.BreakerConfig, opts ...Option) *MemoryBreaker {
	m := &MemoryBreaker{
		breakers:      make(map[string]*memoryCircuitBreaker),
		defaultConfig: config,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the circuit breaker for the specified service with default config.
func (m *MemoryBreaker) Get(service string) circuit.CircuitBreaker {
	return m.GetWithConfig(service, m.defaultConfig)
}

// GetWithConfig returns the circuit breaker for the specified service.
// The config only applies when the breaker is first created.
func (m *MemoryBreaker) GetWithConfig(service string, config circuit.BreakerConfig) circuit.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[service]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[service]; exists {
		return cb
	}
	cb = &memoryCircuitBreaker{
		service: service,
		config:  config,
		state:   circuit.StateClosed,
		now:     m.now,
	}
	m.breakers[service] = cb
	return cb
}

type transition struct {
	from, to circuit.State
}

// memoryCircuitBreaker guards a single service.
type memoryCircuitBreaker struct {
	mu      sync.Mutex
	service string
	config  circuit.BreakerConfig
	state   circuit.State
	counts  circuit.BreakerCounts
	now     func() time.Time

	openedAt         time.Time
	halfOpenRequests int
}

// Execute runs fn unless the circuit is open, in which case idem.ErrCircuitOpen is returned
// without calling fn. Errors rejected by config.IsFailure are returned but not counted.
func (cb *memoryCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(!cb.config.CountsAsFailure(err))
	return err
}

func (cb *memoryCircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	var changed *transition

	switch cb.state {
	case circuit.StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.mu.Unlock()
			return idem.ErrCircuitOpen
		}
		changed = cb.setState(circuit.StateHalfOpen)
		cb.halfOpenRequests = 1
	case circuit.StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxReqs {
			cb.mu.Unlock()
			return idem.ErrCircuitOpen
		}
		cb.halfOpenRequests++
	}
	cb.counts.Requests++
	cb.mu.Unlock()

	cb.notify(changed)
	return nil
}

func (cb *memoryCircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	var changed *transition

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == circuit.StateHalfOpen && cb.counts.ConsecutiveSuccesses >= int64(cb.config.HalfOpenMaxReqs) {
			changed = cb.setState(circuit.StateClosed)
		}
	} else {
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		switch cb.state {
		case circuit.StateClosed:
			if cb.counts.ConsecutiveFailures >= int64(cb.config.Threshold) {
				changed = cb.setState(circuit.StateOpen)
			}
		case circuit.StateHalfOpen:
			// one failed probe is enough
			changed = cb.setState(circuit.StateOpen)
		}
	}
	cb.mu.Unlock()

	cb.notify(changed)
}

// setState must be called with cb.mu held.
func (cb *memoryCircuitBreaker) setState(to circuit.State) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.halfOpenRequests = 0
	if to == circuit.StateOpen {
		cb.openedAt = cb.now()
	}
	return &transition{from: from, to: to}
}

func (cb *memoryCircuitBreaker) notify(t *transition) {
	if t != nil && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.service, t.from, t.to)
	}
}

// State returns the current state. An open circuit whose timeout elapsed reports
// HALF_OPEN; the transition itself happens on the next request.
func (cb *memoryCircuitBreaker) State() circuit.State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuit.StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return circuit.StateHalfOpen
	}
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *memoryCircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(circuit.StateClosed)
	cb.counts = circuit.BreakerCounts{}
	cb.halfOpenRequests = 0
	cb.mu.Unlock()

	cb.notify(changed)
}

// Counts returns the current statistics.
func (cb *memoryCircuitBreaker) Counts() circuit.BreakerCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
