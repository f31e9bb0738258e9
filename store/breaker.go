package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"idem"
	"idem/circuit"
)

// BreakerStore wraps a Store with a circuit breaker.
// While the circuit is open every call fails fast with an error matching both
// idem.ErrStorageUnavailable and idem.ErrCircuitOpen. Only ErrStorageUnavailable
// failures count against the breaker.
type BreakerStore struct {
	next    idem.Store
	breaker circuit.CircuitBreaker
}

var _ idem.Store = (*BreakerStore)(nil)

// BreakerService is the service name the store breaker is registered under.
const BreakerService = "idempotency-store"

// NewBreakerStore wraps next with the breaker registered for BreakerService.
// The config's IsFailure is set to count only storage-unavailable errors.
func NewBreakerStore(next idem.Store, breakers circuit.Breaker, cfg circuit.BreakerConfig) *BreakerStore {
	cfg.IsFailure = IsUnavailable
	return &BreakerStore{
		next:    next,
		breaker: breakers.GetWithConfig(BreakerService, cfg),
	}
}

// IsUnavailable reports whether err is a transient storage failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, idem.ErrStorageUnavailable)
}

// Breaker returns the underlying circuit breaker.
func (s *BreakerStore) Breaker() circuit.CircuitBreaker {
	return s.breaker
}

// Unwrap returns the wrapped store.
func (s *BreakerStore) Unwrap() idem.Store {
	return s.next
}

func (s *BreakerStore) execute(ctx context.Context, fn func() error) error {
	err := s.breaker.Execute(ctx, fn)
	if errors.Is(err, idem.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", idem.ErrStorageUnavailable, err)
	}
	return err
}

func (s *BreakerStore) CreateIfAbsent(ctx context.Context, ic *idem.IdempotencyContext, ttl time.Duration) (idem.ClaimResult, error) {
	var res idem.ClaimResult
	err := s.execute(ctx, func() error {
		var err error
		res, err = s.next.CreateIfAbsent(ctx, ic, ttl)
		return err
	})
	return res, err
}

func (s *BreakerStore) Get(ctx context.Context, key idem.RecordKey) (*idem.IdempotencyContext, error) {
	var ic *idem.IdempotencyContext
	err := s.execute(ctx, func() error {
		var err error
		ic, err = s.next.Get(ctx, key)
		return err
	})
	return ic, err
}

func (s *BreakerStore) UpdateProcessorResult(ctx context.Context, key idem.RecordKey, processor idem.Result) error {
	return s.execute(ctx, func() error {
		return s.next.UpdateProcessorResult(ctx, key, processor)
	})
}

func (s *BreakerStore) UpdateFull(ctx context.Context, key idem.RecordKey, processor, proxy idem.Result) error {
	return s.execute(ctx, func() error {
		return s.next.UpdateFull(ctx, key, processor, proxy)
	})
}

// DeleteExpired forwards to the wrapped store if it is an idem.Sweeper.
// Sweeps bypass the breaker so a background job cannot trip it.
func (s *BreakerStore) DeleteExpired(ctx context.Context) (int64, error) {
	sw, ok := s.next.(idem.Sweeper)
	if !ok {
		return 0, nil
	}
	return sw.DeleteExpired(ctx)
}

// ListIncomplete forwards to the wrapped store if it is an idem.StaleLister.
func (s *BreakerStore) ListIncomplete(ctx context.Context, olderThan time.Duration) ([]*idem.IdempotencyContext, error) {
	sl, ok := s.next.(idem.StaleLister)
	if !ok {
		return nil, nil
	}
	return sl.ListIncomplete(ctx, olderThan)
}

// Close closes the wrapped store.
func (s *BreakerStore) Close() error {
	return Close(s.next)
}
