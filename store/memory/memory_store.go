// Package memory provides an in-process idempotency store.
// It is suitable for single-instance deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"idem"
	"idem/store"
)

func init() {
	store.Register(store.BackendMemory, func(ctx context.Context, params store.Params, logger *zap.Logger) (idem.Store, error) {
		interval, err := params.Duration("cleanup_interval", DefaultCleanupInterval)
		if err != nil {
			return nil, err
		}
		return New(WithCleanupInterval(interval), WithLogger(logger)), nil
	})
}

// DefaultCleanupInterval is how often expired records are purged in the background.
const DefaultCleanupInterval = 5 * time.Minute

// Store is a mutex-guarded map of records.
// Expired records are invisible immediately and removed by a background loop.
type Store struct {
	mu      sync.RWMutex
	records map[idem.RecordKey]*store.Record

	now             func() time.Time
	cleanupInterval time.Duration
	logger          *zap.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ idem.Store       = (*Store)(nil)
	_ idem.Sweeper     = (*Store)(nil)
	_ idem.StaleLister = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithCleanupInterval sets the background purge interval. Zero disables the loop.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store and starts its cleanup loop.
func New(opts ...Option) *Store {
	s := &Store{
		records:         make(map[idem.RecordKey]*store.Record),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		logger:          zap.NewNop(),
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s
}

func (s *Store) CreateIfAbsent(ctx context.Context, ic *idem.IdempotencyContext, ttl time.Duration) (idem.ClaimResult, error) {
	if err := ic.Validate(); err != nil {
		return idem.ClaimResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[ic.RecordKey]; ok && !rec.Expired(now) {
		existing, err := rec.Context()
		if err != nil {
			return idem.ClaimResult{}, err
		}
		return idem.AlreadyClaimed(existing), nil
	}

	s.records[ic.RecordKey] = store.NewRecord(ic.RecordKey, now, ttl)
	return idem.Claimed(), nil
}

func (s *Store) Get(ctx context.Context, key idem.RecordKey) (*idem.IdempotencyContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, nil
	}
	return rec.Context()
}

func (s *Store) UpdateProcessorResult(ctx context.Context, key idem.RecordKey, processor idem.Result) error {
	return s.update(key, func(rec *store.Record) {
		rec.SetProcessor(processor)
	})
}

func (s *Store) UpdateFull(ctx context.Context, key idem.RecordKey, processor, proxy idem.Result) error {
	return s.update(key, func(rec *store.Record) {
		rec.SetProcessor(processor)
		rec.SetProxy(proxy)
	})
}

func (s *Store) update(key idem.RecordKey, fn func(rec *store.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return idem.ErrRecordNotFound
	}
	fn(rec)
	return nil
}

// DeleteExpired removes expired records and returns how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// ListIncomplete returns live records without a proxy result created more than olderThan ago,
// oldest first.
func (s *Store) ListIncomplete(ctx context.Context, olderThan time.Duration) ([]*idem.IdempotencyContext, error) {
	s.mu.RLock()
	now := s.now()
	var stale []*store.Record
	for _, rec := range s.records {
		if rec.ProxyStatus == nil && !rec.Expired(now) && now.Sub(rec.CreatedAt) > olderThan {
			stale = append(stale, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	out := make([]*idem.IdempotencyContext, 0, len(stale))
	for _, rec := range stale {
		ic, err := rec.Context()
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, nil
}

// Size returns the number of stored records, expired ones included.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the cleanup loop. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n, _ := s.DeleteExpired(context.Background()); n > 0 {
				s.logger.Debug("purged expired idempotency records", zap.Int64("count", n))
			}
		}
	}
}
