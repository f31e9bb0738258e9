package idem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"idem/event"
	"idem/metrics"
	"idem/tracing"
)

// Outcome classifies how the engine handled a request.
type Outcome int

const (
	// OutcomeError is returned together with a non-nil error.
	OutcomeError Outcome = iota
	// OutcomePassthrough means the request carried no key or its method is not protected.
	OutcomePassthrough
	// OutcomeFirstAttempt means this request claimed the key and was handed downstream.
	OutcomeFirstAttempt
	// OutcomeReplayed means the stored final response was written back.
	OutcomeReplayed
	// OutcomeRecovering means the post-processor-failed hook took over a partial flow.
	OutcomeRecovering
	// OutcomeConflict means the flow is still in flight or never completed.
	OutcomeConflict
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeError:
		return "error"
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeFirstAttempt:
		return "first_attempt"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeRecovering:
		return "recovering"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Err returns ErrIncompleteFlow for OutcomeConflict and nil otherwise.
func (o Outcome) Err() error {
	if o == OutcomeConflict {
		return ErrIncompleteFlow
	}
	return nil
}

// Engine is the idempotency state machine.
// It claims keys through the Store, decides the branch for every protected request
// and persists final responses. An Engine is safe for concurrent use.
type Engine struct {
	// Dependencies
	store   Store
	logger  *zap.Logger
	metrics metrics.Metrics
	tracer  tracing.Tracer
	events  event.EventBus

	// Hook registry
	hooksMu             sync.RWMutex
	preProcessor        Hook
	postProcessorFailed Hook
	sealed              atomic.Bool

	// Configuration
	config Config
}

// EngineOption is a function that configures the Engine.
type EngineOption func(*Engine)

// WithStore sets the storage backend.
func WithStore(s Store) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracing.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithEventBus sets the event bus for lifecycle events.
func WithEventBus(eb event.EventBus) EngineOption {
	return func(e *Engine) {
		e.events = eb
	}
}

// WithEngineConfig sets the configuration for the engine.
func WithEngineConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithOptions applies config options on top of the engine's current configuration.
func WithOptions(opts ...Option) EngineOption {
	return func(e *Engine) {
		for _, opt := range opts {
			opt(&e.config)
		}
	}
}

// NewEngine creates a new Engine with the given options.
// A store is required.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = &metrics.NoopMetrics{}
	}
	if e.tracer == nil {
		e.tracer = &tracing.NoopTracer{}
	}

	return e, nil
}

// ============================================================================
// Hook registry
// ============================================================================

// RegisterPreProcessorHook installs the hook run on the first attempt instead of next.
// A later registration replaces the earlier one.
func (e *Engine) RegisterPreProcessorHook(h Hook) error {
	return e.registerHook(h, &e.preProcessor)
}

// RegisterPostProcessorFailedHook installs the hook run when a duplicate finds a
// processor result without a final response.
func (e *Engine) RegisterPostProcessorFailedHook(h Hook) error {
	return e.registerHook(h, &e.postProcessorFailed)
}

func (e *Engine) registerHook(h Hook, slot *Hook) error {
	if h == nil {
		return fmt.Errorf("%w: nil hook", ErrInvalidArgument)
	}

	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()

	if e.sealed.Load() {
		return ErrRegistrySealed
	}
	*slot = h
	return nil
}

// seal closes the hook registry. Called on the first request.
func (e *Engine) seal() {
	if e.sealed.Load() {
		return
	}
	e.hooksMu.Lock()
	e.sealed.Store(true)
	e.hooksMu.Unlock()
}

func (e *Engine) hooks() (pre, postFailed Hook) {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.preProcessor, e.postProcessorFailed
}

// ============================================================================
// Request path
// ============================================================================

// ProcessRequest runs the request-path state machine.
//
// Requests without a key, or whose method is not protected, go straight to next
// with no storage access. Otherwise the key is claimed and exactly one of the
// following happens: the first attempt is handed to the pre-processor hook or next,
// a completed flow is replayed, a partial flow is handed to the post-processor-failed
// hook, or the conflict response is written. Storage failures are returned and
// neither next nor the sink is touched.
func (e *Engine) ProcessRequest(ctx context.Context, req *Request, res ResponseSink, next Continuation) (Outcome, error) {
	e.seal()

	if err := req.Validate(); err != nil {
		e.metrics.RequestFailed(methodOf(req), "malformed_request")
		return OutcomeError, err
	}
	if res == nil || next == nil {
		return OutcomeError, fmt.Errorf("%w: response sink and continuation are required", ErrInvalidArgument)
	}

	key := req.HeaderValue(e.config.HeaderKeyName)
	if key == "" || !e.config.protects(req.Method) {
		e.metrics.RequestOutcome(req.Method, OutcomePassthrough.String())
		next()
		return OutcomePassthrough, nil
	}

	ic := NewIdempotencyContext(key, req.Method, req.URL)
	log := e.logger.With(
		zap.String("idempotency_key", key),
		zap.String("method", req.Method),
		zap.String("url", req.URL),
	)

	ctx, span := e.tracer.StartRequest(ctx, key, req.Method, req.URL)
	defer span.End()

	var claim ClaimResult
	err := e.callStore(ctx, "create", func(sctx context.Context) error {
		var err error
		claim, err = e.store.CreateIfAbsent(sctx, ic, e.config.IdempotencyTTL)
		return err
	})
	if err != nil {
		err = storageError("claim idempotency key", err)
		log.Error("failed to claim idempotency key", zap.Error(err))
		e.metrics.RequestFailed(req.Method, failureReason(err))
		span.SetError(err)
		return OutcomeError, err
	}

	outcome, err := e.dispatch(ctx, log, req, res, next, claim)
	span.SetAttributes(attribute.String("idem.outcome", outcome.String()))
	if err != nil {
		span.SetError(err)
		return outcome, err
	}
	e.metrics.RequestOutcome(req.Method, outcome.String())
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, log *zap.Logger, req *Request, res ResponseSink, next Continuation, claim ClaimResult) (Outcome, error) {
	pre, postFailed := e.hooks()
	existing := claim.Existing

	switch {
	case claim.Claimed:
		log.Debug("claimed idempotency key")
		e.publish(ctx, event.EventFlowClaimed, req)
		if pre != nil {
			pre(req, res, next)
		} else {
			next()
		}
		return OutcomeFirstAttempt, nil

	case existing != nil && existing.ProxyResult != nil:
		log.Info("replaying stored response", zap.Int("status", existing.ProxyResult.StatusCode))
		e.publish(ctx, event.EventFlowReplayed, req)
		res.SetStatus(existing.ProxyResult.StatusCode)
		if err := res.WriteBody(existing.ProxyResult.Body); err != nil {
			return OutcomeReplayed, fmt.Errorf("write replayed response: %w", err)
		}
		return OutcomeReplayed, nil

	case existing != nil && existing.ProcessorResult != nil && postFailed != nil:
		log.Warn("processor completed but response was never persisted, running recovery hook")
		e.publish(ctx, event.EventFlowRecovering, req)
		postFailed(req, res, next)
		return OutcomeRecovering, nil

	default:
		log.Info("rejecting duplicate of an incomplete flow")
		e.publish(ctx, event.EventFlowConflict, req)
		res.SetStatus(e.config.ConflictStatusCode)
		if err := res.WriteBody(e.config.ConflictBody); err != nil {
			return OutcomeConflict, fmt.Errorf("write conflict response: %w", err)
		}
		return OutcomeConflict, nil
	}
}

// ============================================================================
// Response path
// ============================================================================

// ProcessResponse persists the final outcome of a first attempt.
// A nil processor result defaults to the proxy result. The host sends the response
// regardless of the returned error; on failure the record stays incomplete.
func (e *Engine) ProcessResponse(ctx context.Context, req *Request, processor *Result, proxy Result) error {
	if err := req.Validate(); err != nil {
		return err
	}
	key, ok := e.protectedKey(req)
	if !ok {
		return nil
	}
	if processor == nil {
		processor = &proxy
	}

	ctx, span := e.tracer.StartResponse(ctx, key.Key, key.Method, key.URL)
	defer span.End()

	err := e.callStore(ctx, "update_full", func(sctx context.Context) error {
		return e.store.UpdateFull(sctx, key, *processor, proxy)
	})
	e.metrics.ResponsePersisted(req.Method, err == nil)
	if err != nil {
		err = storageError("persist final response", err)
		e.logger.Warn("failed to persist final response",
			zap.String("idempotency_key", key.Key),
			zap.String("method", key.Method),
			zap.String("url", key.URL),
			zap.Int("status", proxy.StatusCode),
			zap.Error(err),
		)
		e.publishEvent(ctx, event.NewEvent(event.EventFlowPersistFailed).
			WithFlow(key.Key, key.Method, key.URL).
			WithError(err).
			WithData("status_code", proxy.StatusCode))
		span.SetError(err)
		return err
	}

	e.publish(ctx, event.EventFlowCompleted, req)
	return nil
}

// RecordProcessorResult persists the processor outcome as soon as the protected
// operation finished, ahead of the response path.
func (e *Engine) RecordProcessorResult(ctx context.Context, req *Request, processor Result) error {
	if err := req.Validate(); err != nil {
		return err
	}
	key, ok := e.protectedKey(req)
	if !ok {
		return nil
	}

	ctx, span := e.tracer.StartResponse(ctx, key.Key, key.Method, key.URL)
	defer span.End()

	err := e.callStore(ctx, "update_processor", func(sctx context.Context) error {
		return e.store.UpdateProcessorResult(sctx, key, processor)
	})
	if err != nil {
		err = storageError("persist processor result", err)
		e.logger.Warn("failed to persist processor result",
			zap.String("idempotency_key", key.Key),
			zap.Error(err),
		)
		span.SetError(err)
		return err
	}
	return nil
}

// Lookup returns the live record for the request, or nil if there is none.
func (e *Engine) Lookup(ctx context.Context, req *Request) (*IdempotencyContext, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key, ok := e.protectedKey(req)
	if !ok {
		return nil, fmt.Errorf("%w: request carries no idempotency key", ErrInvalidArgument)
	}

	var ic *IdempotencyContext
	err := e.callStore(ctx, "get", func(sctx context.Context) error {
		var err error
		ic, err = e.store.Get(sctx, key)
		return err
	})
	if err != nil {
		return nil, storageError("lookup idempotency record", err)
	}
	return ic, nil
}

// ============================================================================
// Accessors
// ============================================================================

// Subscribe subscribes a handler to a specific event type.
func (e *Engine) Subscribe(eventType event.EventType, handler event.EventHandler) error {
	if e.events == nil {
		return nil
	}
	return e.events.Subscribe(eventType, handler)
}

// SubscribeAll subscribes a handler to all events.
func (e *Engine) SubscribeAll(handler event.EventHandler) error {
	if e.events == nil {
		return nil
	}
	return e.events.SubscribeAll(handler)
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.store
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) protectedKey(req *Request) (RecordKey, bool) {
	key := req.HeaderValue(e.config.HeaderKeyName)
	if key == "" || !e.config.protects(req.Method) {
		return RecordKey{}, false
	}
	return RecordKey{Key: key, Method: req.Method, URL: req.URL}, true
}

// callStore runs fn with a context detached from the caller's cancellation and
// bounded by StoreTimeout, recording a span and a metric for op.
func (e *Engine) callStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.StartStore(ctx, op)
	defer span.End()

	sctx := context.WithoutCancel(ctx)
	if e.config.StoreTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, e.config.StoreTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(sctx)
	e.metrics.StoreOperation(op, time.Since(start), err == nil)
	if err != nil {
		span.SetError(err)
	}
	return err
}

func (e *Engine) publish(ctx context.Context, t event.EventType, req *Request) {
	if e.events == nil {
		return
	}
	e.publishEvent(ctx, event.NewEvent(t).WithFlow(req.HeaderValue(e.config.HeaderKeyName), req.Method, req.URL))
}

func (e *Engine) publishEvent(ctx context.Context, evt event.Event) {
	if e.events != nil {
		e.events.Publish(ctx, evt)
	}
}

// storageError adds op context and classifies errors not already classified by the backend.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrStorageSchema),
		errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrMalformedRequest):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrStorageSchema):
		return "storage_schema"
	case errors.Is(err, ErrRecordNotFound):
		return "record_not_found"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed_request"
	default:
		return "storage_unavailable"
	}
}

func methodOf(req *Request) string {
	if req == nil {
		return ""
	}
	return req.Method
}
