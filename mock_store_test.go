package idem

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Mock Store
// ============================================================================

type mockRecord struct {
	ic        *IdempotencyContext
	expiresAt time.Time
}

// mockStore is a mutex-guarded Store with a controllable clock and call counters.
type mockStore struct {
	mu      sync.Mutex
	records map[RecordKey]*mockRecord
	now     func() time.Time

	calls atomic.Int64

	createErr error
	getErr    error
	updateErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[RecordKey]*mockRecord),
		now:     time.Now,
	}
}

func (s *mockStore) CreateIfAbsent(ctx context.Context, ic *IdempotencyContext, ttl time.Duration) (ClaimResult, error) {
	s.calls.Add(1)
	if s.createErr != nil {
		return ClaimResult{}, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[ic.RecordKey]; ok && s.now().Before(rec.expiresAt) {
		return AlreadyClaimed(rec.ic.Clone()), nil
	}
	s.records[ic.RecordKey] = &mockRecord{
		ic:        NewIdempotencyContext(ic.Key, ic.Method, ic.URL),
		expiresAt: s.now().Add(ttl),
	}
	return Claimed(), nil
}

func (s *mockStore) Get(ctx context.Context, key RecordKey) (*IdempotencyContext, error) {
	s.calls.Add(1)
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !s.now().Before(rec.expiresAt) {
		return nil, nil
	}
	return rec.ic.Clone(), nil
}

func (s *mockStore) UpdateProcessorResult(ctx context.Context, key RecordKey, processor Result) error {
	return s.update(key, func(ic *IdempotencyContext) {
		ic.WithProcessorResult(processor)
	})
}

func (s *mockStore) UpdateFull(ctx context.Context, key RecordKey, processor, proxy Result) error {
	return s.update(key, func(ic *IdempotencyContext) {
		ic.WithProcessorResult(processor).WithProxyResult(proxy)
	})
}

func (s *mockStore) update(key RecordKey, fn func(ic *IdempotencyContext)) error {
	s.calls.Add(1)
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !s.now().Before(rec.expiresAt) {
		return ErrRecordNotFound
	}
	fn(rec.ic)
	return nil
}

func (s *mockStore) put(ic *IdempotencyContext, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ic.RecordKey] = &mockRecord{ic: ic.Clone(), expiresAt: s.now().Add(ttl)}
}

// ============================================================================
// Mock response sink
// ============================================================================

type mockSink struct {
	mu       sync.Mutex
	status   int
	body     []byte
	writes   int
	writeErr error
}

func (s *mockSink) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *mockSink) WriteBody(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.body = append(s.body, body...)
	return nil
}

func (s *mockSink) result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{StatusCode: s.status, Body: append([]byte(nil), s.body...)}
}

// ============================================================================
// Helpers
// ============================================================================

func newTestRequest(method, url, key string) *Request {
	h := http.Header{}
	if key != "" {
		h.Set(DefaultHeaderKeyName, key)
	}
	return &Request{Method: method, URL: url, Header: h}
}

type counter struct {
	n atomic.Int64
}

func (c *counter) next() Continuation {
	return func() { c.n.Add(1) }
}

func (c *counter) count() int64 {
	return c.n.Load()
}
