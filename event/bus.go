package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrBusClosed is returned by Publish once the bus is closed.
var ErrBusClosed = errors.New("event bus closed")

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes events to subscribed handlers.
type EventBus interface {
	// Publish publishes an event
	Publish(ctx context.Context, event Event) error
	// Subscribe subscribes a handler to one event type
	Subscribe(eventType EventType, handler EventHandler) error
	// SubscribeAll subscribes a handler to every event
	SubscribeAll(handler EventHandler) error
}

// MemoryEventBus is an in-process EventBus.
//
// By default handlers run inline on the publishing goroutine, which for the engine is the
// request goroutine. WithAsyncDispatch moves them onto a single dispatcher goroutine fed by a
// bounded queue, so a slow subscriber never holds up a request; events that do not fit in
// the queue are dropped and counted.
type MemoryEventBus struct {
	mu       sync.RWMutex
	byType   map[EventType][]EventHandler
	wildcard []EventHandler
	logger   *zap.Logger

	queueSize int
	queue     chan pending
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

type pending struct {
	ctx   context.Context
	event Event
}

// MemoryEventBusOption configures a MemoryEventBus.
type MemoryEventBusOption func(*MemoryEventBus)

// WithLogger sets a custom logger for the event bus.
func WithLogger(logger *zap.Logger) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		b.logger = logger
	}
}

// WithAsyncDispatch delivers events from a background goroutine through a queue holding at
// most size events. A size of zero or less keeps inline delivery.
func WithAsyncDispatch(size int) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		b.queueSize = size
	}
}

// NewMemoryEventBus creates a new in-memory event bus. An asynchronous bus must be closed.
func NewMemoryEventBus(opts ...MemoryEventBusOption) *MemoryEventBus {
	bus := &MemoryEventBus{
		byType: make(map[EventType][]EventHandler),
		logger: zap.NewNop(),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(bus)
	}

	if bus.queueSize > 0 {
		bus.queue = make(chan pending, bus.queueSize)
		go bus.run()
	} else {
		close(bus.done)
	}

	return bus
}

// Publish delivers an event to the handlers subscribed to its type, then to the handlers
// subscribed to every event. Handler errors are logged and never reach the publisher.
//
// On an asynchronous bus Publish only enqueues. The handlers get ctx stripped of its
// cancellation, since the request that published the event has usually finished by then.
func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if b.queue == nil {
		b.dispatch(ctx, event)
		return nil
	}

	select {
	case b.queue <- pending{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event queue full, dropping event",
			zap.String("event", event.Type.String()),
			zap.String("idempotency_key", event.Key),
			zap.Int64("dropped_total", n),
		)
	}
	return nil
}

func (b *MemoryEventBus) run() {
	defer close(b.done)
	for {
		select {
		case p := <-b.queue:
			b.dispatch(p.ctx, p.event)
		case <-b.quit:
			// deliver what was accepted before Close
			for {
				select {
				case p := <-b.queue:
					b.dispatch(p.ctx, p.event)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryEventBus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.byType[event.Type])+len(b.wildcard))
	handlers = append(handlers, b.byType[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(ctx, handler, event)
	}
}

// invoke runs one handler, logging its error or panic against the flow it concerns.
func (b *MemoryEventBus) invoke(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event", event.Type.String()),
				zap.String("idempotency_key", event.Key),
				zap.Any("panic", r),
			)
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("event", event.Type.String()),
			zap.String("idempotency_key", event.Key),
			zap.String("method", event.Method),
			zap.String("url", event.URL),
			zap.Error(err),
		)
	}
}

// Close stops accepting events and waits until every queued event has been delivered.
// It is safe to call more than once.
func (b *MemoryEventBus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.quit)
	})
	<-b.done
	return nil
}

// Dropped reports how many events an asynchronous bus discarded because its queue was full.
func (b *MemoryEventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe subscribes a handler to a specific event type.
// Multiple handlers can be registered for the same event type.
func (b *MemoryEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byType[eventType] = append(b.byType[eventType], handler)
	return nil
}

// SubscribeAll subscribes a handler to all events.
func (b *MemoryEventBus) SubscribeAll(handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcard = append(b.wildcard, handler)
	return nil
}

// Unsubscribe removes all handlers for a specific event type.
func (b *MemoryEventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.byType, eventType)
}

// UnsubscribeAll removes every handler.
func (b *MemoryEventBus) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byType = make(map[EventType][]EventHandler)
	b.wildcard = nil
}

// HandlerCount returns the number of handlers for a specific event type.
func (b *MemoryEventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.byType[eventType])
}

// AllHandlerCount returns the number of all-event handlers.
func (b *MemoryEventBus) AllHandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.wildcard)
}

// NoOpEventBus discards every event.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new no-op event bus.
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Publish does nothing.
func (b *NoOpEventBus) Publish(_ context.Context, _ Event) error {
	return nil
}

// Subscribe does nothing.
func (b *NoOpEventBus) Subscribe(_ EventType, _ EventHandler) error {
	return nil
}

// SubscribeAll does nothing.
func (b *NoOpEventBus) SubscribeAll(_ EventHandler) error {
	return nil
}
