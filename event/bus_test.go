package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newObservedBus() (*MemoryEventBus, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewMemoryEventBus(WithLogger(zap.New(core))), logs
}

// ============================================================================
// Unit Tests - Publish/Subscribe
// ============================================================================

func TestMemoryEventBus_Subscribe(t *testing.T) {
	bus := NewMemoryEventBus()

	err := bus.Subscribe(EventFlowClaimed, func(ctx context.Context, event Event) error {
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if bus.HandlerCount(EventFlowClaimed) != 1 {
		t.Errorf("expected 1 handler, got %d", bus.HandlerCount(EventFlowClaimed))
	}
}

func TestMemoryEventBus_PublishToSubscriber(t *testing.T) {
	bus := NewMemoryEventBus()

	var received Event
	var called bool
	bus.Subscribe(EventFlowReplayed, func(ctx context.Context, event Event) error {
		received = event
		called = true
		return nil
	})

	event := NewEvent(EventFlowReplayed).WithFlow("ThisIsKey1", "POST", "/payments/123")
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if !called {
		t.Fatal("expected handler to be called")
	}
	if received.Key != "ThisIsKey1" || received.Method != "POST" || received.URL != "/payments/123" {
		t.Errorf("unexpected flow identity: %+v", received)
	}
}

func TestMemoryEventBus_OnlyMatchingTypeReceives(t *testing.T) {
	bus := NewMemoryEventBus()

	var claimed, conflict int32
	bus.Subscribe(EventFlowClaimed, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&claimed, 1)
		return nil
	})
	bus.Subscribe(EventFlowConflict, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&conflict, 1)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventFlowClaimed))

	if atomic.LoadInt32(&claimed) != 1 {
		t.Errorf("expected claimed handler called once, got %d", claimed)
	}
	if atomic.LoadInt32(&conflict) != 0 {
		t.Errorf("expected conflict handler not called, got %d", conflict)
	}
}

func TestMemoryEventBus_SubscribeAll(t *testing.T) {
	bus := NewMemoryEventBus()

	var count int32
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	for _, et := range []EventType{EventFlowClaimed, EventFlowCompleted, EventAlertWarning} {
		bus.Publish(context.Background(), NewEvent(et))
	}

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 calls, got %d", count)
	}
	if bus.AllHandlerCount() != 1 {
		t.Errorf("expected 1 all-event handler, got %d", bus.AllHandlerCount())
	}
}

func TestMemoryEventBus_HandlersExecuteInOrder(t *testing.T) {
	bus := NewMemoryEventBus()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(EventFlowCompleted, func(ctx context.Context, event Event) error {
			order = append(order, i)
			return nil
		})
	}
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		order = append(order, 4)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventFlowCompleted))

	want := []int{1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected %v, got %v", want, order)
			break
		}
	}
}

// ============================================================================
// Unit Tests - Failure isolation
// ============================================================================

func TestMemoryEventBus_HandlerErrorDoesNotBlock(t *testing.T) {
	bus, logs := newObservedBus()

	var secondCalled bool
	bus.Subscribe(EventFlowPersistFailed, func(ctx context.Context, event Event) error {
		return errors.New("handler error")
	})
	bus.Subscribe(EventFlowPersistFailed, func(ctx context.Context, event Event) error {
		secondCalled = true
		return nil
	})

	event := NewEvent(EventFlowPersistFailed).WithFlow("k", "POST", "/x")
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Errorf("expected publish to succeed, got %v", err)
	}

	if !secondCalled {
		t.Error("expected second handler to be called")
	}
	failed := logs.FilterMessage("event handler failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure log, got %d", len(failed))
	}
	if got := failed[0].ContextMap()["idempotency_key"]; got != "k" {
		t.Errorf("expected idempotency_key 'k' in log, got %v", got)
	}
}

func TestMemoryEventBus_HandlerPanicDoesNotBlock(t *testing.T) {
	bus, logs := newObservedBus()

	var secondCalled bool
	bus.Subscribe(EventAlertCritical, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	bus.Subscribe(EventAlertCritical, func(ctx context.Context, event Event) error {
		secondCalled = true
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventAlertCritical))

	if !secondCalled {
		t.Error("expected second handler to be called after panic")
	}
	if logs.FilterMessage("event handler panic").Len() != 1 {
		t.Errorf("expected 1 panic log, got %d", logs.FilterMessage("event handler panic").Len())
	}
}

// ============================================================================
// Unit Tests - Unsubscribe
// ============================================================================

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus()

	var called bool
	bus.Subscribe(EventFlowClaimed, func(ctx context.Context, event Event) error {
		called = true
		return nil
	})
	bus.Unsubscribe(EventFlowClaimed)

	bus.Publish(context.Background(), NewEvent(EventFlowClaimed))

	if called {
		t.Error("expected handler not to be called after unsubscribe")
	}
	if bus.HandlerCount(EventFlowClaimed) != 0 {
		t.Errorf("expected 0 handlers, got %d", bus.HandlerCount(EventFlowClaimed))
	}
}

func TestMemoryEventBus_UnsubscribeAll(t *testing.T) {
	bus := NewMemoryEventBus()

	noop := func(ctx context.Context, event Event) error { return nil }
	bus.Subscribe(EventFlowClaimed, noop)
	bus.Subscribe(EventFlowConflict, noop)
	bus.SubscribeAll(noop)

	bus.UnsubscribeAll()

	if bus.HandlerCount(EventFlowClaimed) != 0 || bus.HandlerCount(EventFlowConflict) != 0 {
		t.Error("expected no type handlers")
	}
	if bus.AllHandlerCount() != 0 {
		t.Error("expected no all-event handlers")
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewMemoryEventBus()

	var count int64
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				bus.Publish(context.Background(), NewEvent(EventFlowReplayed))
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&count); got != goroutines*perGoroutine {
		t.Errorf("expected %d calls, got %d", goroutines*perGoroutine, got)
	}
}

func TestMemoryEventBus_ConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryEventBus()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventFlowClaimed, func(ctx context.Context, event Event) error { return nil })
		}()
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), NewEvent(EventFlowClaimed))
		}()
	}
	wg.Wait()

	if bus.HandlerCount(EventFlowClaimed) != 10 {
		t.Errorf("expected 10 handlers, got %d", bus.HandlerCount(EventFlowClaimed))
	}
}

// ============================================================================
// Asynchronous dispatch
// ============================================================================

func TestMemoryEventBus_AsyncDeliversInPublishOrder(t *testing.T) {
	bus := NewMemoryEventBus(WithAsyncDispatch(16))

	var mu sync.Mutex
	var keys []string
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		mu.Lock()
		keys = append(keys, event.Key)
		mu.Unlock()
		return nil
	})

	want := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, k := range want {
		if err := bus.Publish(context.Background(), NewEvent(EventFlowCompleted).WithFlow(k, "POST", "/payments")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}

func TestMemoryEventBus_AsyncSlowHandlerDoesNotBlockPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bus := NewMemoryEventBus(WithLogger(zap.New(core)), WithAsyncDispatch(1))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered int32
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	ctx := context.Background()
	bus.Publish(ctx, NewEvent(EventFlowClaimed).WithFlow("first", "POST", "/orders"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never picked up the first event")
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		bus.Publish(ctx, NewEvent(EventFlowClaimed).WithFlow("queued", "POST", "/orders"))
		bus.Publish(ctx, NewEvent(EventFlowClaimed).WithFlow("overflow", "POST", "/orders"))
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a slow handler")
	}

	if got := bus.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
	dropLogs := logs.FilterMessage("event queue full, dropping event").All()
	if len(dropLogs) != 1 {
		t.Fatalf("expected 1 drop log, got %d", len(dropLogs))
	}
	if key := dropLogs[0].ContextMap()["idempotency_key"]; key != "overflow" {
		t.Errorf("expected dropped key overflow, got %v", key)
	}

	close(release)
	bus.Close()
	if got := atomic.LoadInt32(&delivered); got != 2 {
		t.Errorf("expected 2 delivered events, got %d", got)
	}
}

func TestMemoryEventBus_AsyncHandlerOutlivesRequestContext(t *testing.T) {
	bus := NewMemoryEventBus(WithAsyncDispatch(4))

	type ctxKey struct{}
	var handlerErr error
	var value any
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		handlerErr = ctx.Err()
		value = ctx.Value(ctxKey{})
		return nil
	})

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))
	bus.Publish(ctx, NewEvent(EventFlowReplayed))
	cancel()
	bus.Close()

	if handlerErr != nil {
		t.Errorf("expected live context in handler, got %v", handlerErr)
	}
	if value != "req-1" {
		t.Errorf("expected request values to survive, got %v", value)
	}
}

func TestMemoryEventBus_PublishAfterClose(t *testing.T) {
	for _, tc := range []struct {
		name string
		bus  *MemoryEventBus
	}{
		{"inline", NewMemoryEventBus()},
		{"async", NewMemoryEventBus(WithAsyncDispatch(4))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var called bool
			tc.bus.SubscribeAll(func(ctx context.Context, event Event) error {
				called = true
				return nil
			})

			if err := tc.bus.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := tc.bus.Close(); err != nil {
				t.Fatalf("second close: %v", err)
			}

			err := tc.bus.Publish(context.Background(), NewEvent(EventFlowClaimed))
			if !errors.Is(err, ErrBusClosed) {
				t.Errorf("expected ErrBusClosed, got %v", err)
			}
			if called {
				t.Error("expected no delivery after close")
			}
		})
	}
}

// ============================================================================
// NoOp bus and Event builders
// ============================================================================

func TestNoOpEventBus(t *testing.T) {
	var bus EventBus = NewNoOpEventBus()

	if err := bus.Subscribe(EventFlowClaimed, func(ctx context.Context, event Event) error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := bus.SubscribeAll(func(ctx context.Context, event Event) error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := bus.Publish(context.Background(), NewEvent(EventFlowClaimed)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestEvent_Builder(t *testing.T) {
	cause := errors.New("storage down")
	event := NewEvent(EventFlowPersistFailed).
		WithFlow("ThisIsKey1", "POST", "/payments/123").
		WithError(cause).
		WithData("status_code", 201)

	if event.Type != EventFlowPersistFailed {
		t.Errorf("expected type %s, got %s", EventFlowPersistFailed, event.Type)
	}
	if event.Key != "ThisIsKey1" {
		t.Errorf("expected key 'ThisIsKey1', got '%s'", event.Key)
	}
	if !errors.Is(event.Error, cause) {
		t.Errorf("expected error %v, got %v", cause, event.Error)
	}
	if event.Data["status_code"] != 201 {
		t.Errorf("expected status_code 201, got %v", event.Data["status_code"])
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestEvent_WithDataOnZeroValue(t *testing.T) {
	var event Event
	event = event.WithData("k", "v")
	if event.Data["k"] != "v" {
		t.Errorf("expected data to be initialized, got %v", event.Data)
	}
}

func TestEvent_IsAlert(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      bool
	}{
		{EventAlertWarning, true},
		{EventAlertCritical, true},
		{EventFlowConflict, false},
		{EventSweepStart, false},
	}
	for _, tt := range tests {
		if got := NewEvent(tt.eventType).IsAlert(); got != tt.want {
			t.Errorf("IsAlert(%s) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}
