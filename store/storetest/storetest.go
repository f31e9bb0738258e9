// Package storetest provides a conformance suite every idem.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"idem"
)

// Harness is a store under test plus control over its clock.
type Harness struct {
	Store idem.Store
	// Advance moves the store's notion of time forward.
	Advance func(d time.Duration)
}

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) Harness

const ttl = time.Hour

var paymentKey = idem.RecordKey{Key: "ThisIsKey1", Method: "POST", URL: "/payments/123"}

// Run executes the conformance suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("FirstCreateClaims", func(t *testing.T) { testFirstCreateClaims(t, factory(t)) })
	t.Run("SecondCreateReturnsExisting", func(t *testing.T) { testSecondCreateReturnsExisting(t, factory(t)) })
	t.Run("ProcessorResultVisible", func(t *testing.T) { testProcessorResultVisible(t, factory(t)) })
	t.Run("FullResultVisible", func(t *testing.T) { testFullResultVisible(t, factory(t)) })
	t.Run("UpdateMissingRecord", func(t *testing.T) { testUpdateMissingRecord(t, factory(t)) })
	t.Run("KeyScopedByMethodAndURL", func(t *testing.T) { testKeyScopedByMethodAndURL(t, factory(t)) })
	t.Run("ExpiredRecordIsAbsent", func(t *testing.T) { testExpiredRecordIsAbsent(t, factory(t)) })
	t.Run("UpdateDoesNotRefreshTTL", func(t *testing.T) { testUpdateDoesNotRefreshTTL(t, factory(t)) })
	t.Run("ConcurrentCreateClaimsOnce", func(t *testing.T) { testConcurrentCreateClaimsOnce(t, factory(t)) })
}

func create(t *testing.T, s idem.Store, key idem.RecordKey) idem.ClaimResult {
	t.Helper()
	res, err := s.CreateIfAbsent(context.Background(), idem.NewIdempotencyContext(key.Key, key.Method, key.URL), ttl)
	if err != nil {
		t.Fatalf("CreateIfAbsent(%s): %v", key, err)
	}
	if res.Claimed == (res.Existing != nil) {
		t.Fatalf("CreateIfAbsent(%s): Existing must be set iff not claimed, got %+v", key, res)
	}
	return res
}

func get(t *testing.T, s idem.Store, key idem.RecordKey) *idem.IdempotencyContext {
	t.Helper()
	ic, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return ic
}

func testFirstCreateClaims(t *testing.T, h Harness) {
	if !create(t, h.Store, paymentKey).Claimed {
		t.Fatal("expected first create to claim")
	}
	ic := get(t, h.Store, paymentKey)
	if ic == nil {
		t.Fatal("expected record after claim")
	}
	if ic.RecordKey != paymentKey || ic.State() != idem.StatePending {
		t.Errorf("expected pending record for %s, got %+v", paymentKey, ic)
	}
}

func testSecondCreateReturnsExisting(t *testing.T, h Harness) {
	create(t, h.Store, paymentKey)
	res := create(t, h.Store, paymentKey)
	if res.Claimed {
		t.Fatal("expected second create not to claim")
	}
	if res.Existing.State() != idem.StatePending {
		t.Errorf("expected pending existing record, got %s", res.Existing.State())
	}
}

func testProcessorResultVisible(t *testing.T, h Harness) {
	create(t, h.Store, paymentKey)
	processor := idem.NewResult(201, "Processor: Resource created.")
	if err := h.Store.UpdateProcessorResult(context.Background(), paymentKey, processor); err != nil {
		t.Fatalf("UpdateProcessorResult: %v", err)
	}

	res := create(t, h.Store, paymentKey)
	if res.Existing.State() != idem.StateProcessorComplete {
		t.Fatalf("expected processor-complete record, got %s", res.Existing.State())
	}
	if !res.Existing.ProcessorResult.Equal(processor) {
		t.Errorf("expected processor result %+v, got %+v", processor, res.Existing.ProcessorResult)
	}
}

func testFullResultVisible(t *testing.T, h Harness) {
	create(t, h.Store, paymentKey)
	processor := idem.NewResult(201, "Processor: Resource created.")
	proxy := idem.NewResult(201, "Proxy: Resource created.")
	if err := h.Store.UpdateFull(context.Background(), paymentKey, processor, proxy); err != nil {
		t.Fatalf("UpdateFull: %v", err)
	}

	for _, ic := range []*idem.IdempotencyContext{create(t, h.Store, paymentKey).Existing, get(t, h.Store, paymentKey)} {
		if ic.State() != idem.StateComplete {
			t.Fatalf("expected complete record, got %s", ic.State())
		}
		if !ic.ProxyResult.Equal(proxy) || !ic.ProcessorResult.Equal(processor) {
			t.Errorf("unexpected results %+v / %+v", ic.ProcessorResult, ic.ProxyResult)
		}
	}
}

func testUpdateMissingRecord(t *testing.T, h Harness) {
	ctx := context.Background()
	if err := h.Store.UpdateProcessorResult(ctx, paymentKey, idem.NewResult(200, "")); !errors.Is(err, idem.ErrRecordNotFound) {
		t.Errorf("UpdateProcessorResult: expected ErrRecordNotFound, got %v", err)
	}
	if err := h.Store.UpdateFull(ctx, paymentKey, idem.NewResult(200, ""), idem.NewResult(200, "")); !errors.Is(err, idem.ErrRecordNotFound) {
		t.Errorf("UpdateFull: expected ErrRecordNotFound, got %v", err)
	}
	if get(t, h.Store, paymentKey) != nil {
		t.Error("expected updates not to create a record")
	}
}

func testKeyScopedByMethodAndURL(t *testing.T, h Harness) {
	create(t, h.Store, paymentKey)

	others := []idem.RecordKey{
		{Key: paymentKey.Key, Method: "PUT", URL: paymentKey.URL},
		{Key: paymentKey.Key, Method: paymentKey.Method, URL: "/payments/456"},
		{Key: "ThisIsKey2", Method: paymentKey.Method, URL: paymentKey.URL},
	}
	for _, key := range others {
		if !create(t, h.Store, key).Claimed {
			t.Errorf("expected %s to be independent of %s", key, paymentKey)
		}
	}
}

func testExpiredRecordIsAbsent(t *testing.T, h Harness) {
	create(t, h.Store, paymentKey)
	h.Store.UpdateFull(context.Background(), paymentKey, idem.NewResult(201, "p"), idem.NewResult(201, "x"))

	h.Advance(ttl + time.Second)

	if ic := get(t, h.Store, paymentKey); ic != nil {
		t.Fatalf("expected expired record to be absent, got %+v", ic)
	}
	if err := h.Store.UpdateFull(context.Background(), paymentKey, idem.NewResult(201, "p"), idem.NewResult(201, "x")); !errors.Is(err, idem.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound after expiry, got %v", err)
	}
	if !create(t, h.Store, paymentKey).Claimed {
		t.Error("expected create after expiry to claim")
	}
}

func testUpdateDoesNotRefreshTTL(t *testing.T, h Harness) {
	create(t, h.Store, paymentKey)
	h.Advance(ttl / 2)
	if err := h.Store.UpdateFull(context.Background(), paymentKey, idem.NewResult(201, "p"), idem.NewResult(201, "x")); err != nil {
		t.Fatalf("UpdateFull: %v", err)
	}
	h.Advance(ttl/2 + time.Second)

	if ic := get(t, h.Store, paymentKey); ic != nil {
		t.Errorf("expected record to expire ttl after creation, got %+v", ic)
	}
}

func testConcurrentCreateClaimsOnce(t *testing.T, h Harness) {
	const goroutines = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.Store.CreateIfAbsent(context.Background(), idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), ttl)
			if err != nil {
				t.Errorf("CreateIfAbsent: %v", err)
				return
			}
			if res.Claimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if claimed != 1 {
		t.Errorf("expected exactly one claim, got %d", claimed)
	}
}
