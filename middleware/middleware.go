// Package middleware adapts the idempotency engine to net/http handler chains.
//
// The middleware builds the request descriptor, hands the downstream handler to
// Engine.ProcessRequest as the continuation and, on a first attempt, captures the
// response the handler wrote and persists it with Engine.ProcessResponse.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"idem"
	"idem/logger"
)

// DefaultRequestIDHeader is the header carrying the request ID in and out.
const DefaultRequestIDHeader = "X-Request-ID"

// Middleware wraps handlers with the idempotency engine.
type Middleware struct {
	engine          *idem.Engine
	logger          *zap.Logger
	requestIDHeader string
	maxBodyBytes    int64
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Middleware) {
		m.logger = l
	}
}

// WithRequestIDHeader overrides the request ID header name.
func WithRequestIDHeader(name string) Option {
	return func(m *Middleware) {
		m.requestIDHeader = name
	}
}

// WithMaxBodyBytes caps the response body kept for replay.
// Responses larger than the cap are sent but not persisted. Zero means no cap.
func WithMaxBodyBytes(n int64) Option {
	return func(m *Middleware) {
		m.maxBodyBytes = n
	}
}

// New creates a Middleware for engine.
func New(engine *idem.Engine, opts ...Option) *Middleware {
	m := &Middleware{
		engine:          engine,
		logger:          zap.NewNop(),
		requestIDHeader: DefaultRequestIDHeader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns next wrapped with idempotency handling.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(m.requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(m.requestIDHeader, requestID)

		ctx, log := logger.WithRequestID(r.Context(), m.logger, requestID)
		ctx, slot := withProcessorSlot(ctx)
		r = r.WithContext(ctx)

		req := idem.NewRequest(r)
		cw := NewCaptureWriter(w, m.maxBodyBytes)
		called := false

		outcome, err := m.engine.ProcessRequest(ctx, req, &writerSink{w: cw}, func() {
			called = true
			next.ServeHTTP(cw, r)
		})
		if err != nil {
			WriteError(cw, log, err)
			return
		}

		log.Debug("idempotency outcome", zap.String("outcome", outcome.String()))
		if outcome != idem.OutcomeFirstAttempt || (!called && !cw.Written()) {
			return
		}
		m.persist(ctx, log, req, cw, slot)
	})
}

func (m *Middleware) persist(ctx context.Context, log *zap.Logger, req *idem.Request, cw *CaptureWriter, slot *processorSlot) {
	if cw.Truncated() {
		log.Warn("response exceeds replay limit, leaving record incomplete",
			zap.Int64("max_body_bytes", m.maxBodyBytes))
		return
	}
	proxy := idem.Result{StatusCode: cw.Status(), Body: cw.Body()}
	// The response is already on the wire; a persist failure only leaves the record incomplete.
	if err := m.engine.ProcessResponse(ctx, req, slot.result, proxy); err != nil {
		log.Warn("failed to persist response", zap.Error(err))
	}
}

// StatusForError maps an engine error to the HTTP status sent to the client.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, idem.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, idem.ErrCircuitOpen), errors.Is(err, idem.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError logs err and, if nothing has been written yet, sends its status.
func WriteError(cw *CaptureWriter, log *zap.Logger, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		log.Error("idempotency check failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Warn("idempotency check rejected request", zap.Int("status", status), zap.Error(err))
	}
	if cw.Written() {
		return
	}
	http.Error(cw, http.StatusText(status), status)
}

// ============================================================================
// Processor result slot
// ============================================================================

type processorKey struct{}

type processorSlot struct {
	result *idem.Result
}

func withProcessorSlot(ctx context.Context) (context.Context, *processorSlot) {
	slot := &processorSlot{}
	return context.WithValue(ctx, processorKey{}, slot), slot
}

// WithProcessorSlot prepares ctx to receive a processor result through SetProcessorResult.
// Adapters other than Handler use it; the returned func reads the recorded result.
func WithProcessorSlot(ctx context.Context) (context.Context, func() *idem.Result) {
	ctx, slot := withProcessorSlot(ctx)
	return ctx, func() *idem.Result { return slot.result }
}

// SetProcessorResult records the processor's own outcome for the request in ctx.
// Without it the persisted processor result defaults to the response sent.
// It reports whether ctx belonged to an idempotent request.
func SetProcessorResult(ctx context.Context, result idem.Result) bool {
	slot, ok := ctx.Value(processorKey{}).(*processorSlot)
	if !ok {
		return false
	}
	slot.result = &result
	return true
}

// ============================================================================
// Response capture
// ============================================================================

// CaptureWriter passes writes through to the client and keeps a copy of the
// status and body for persistence.
type CaptureWriter struct {
	http.ResponseWriter
	status    int
	written   bool
	body      bytes.Buffer
	maxBytes  int64
	truncated bool
}

// NewCaptureWriter wraps w. A positive maxBytes caps the kept copy of the body.
func NewCaptureWriter(w http.ResponseWriter, maxBytes int64) *CaptureWriter {
	return &CaptureWriter{ResponseWriter: w, maxBytes: maxBytes}
}

// WriteHeader records the first status and forwards it.
func (w *CaptureWriter) WriteHeader(code int) {
	if w.written {
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

// Write forwards b and keeps a copy.
func (w *CaptureWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.keep(b)
	return w.ResponseWriter.Write(b)
}

func (w *CaptureWriter) keep(b []byte) {
	if w.truncated {
		return
	}
	if w.maxBytes > 0 && int64(w.body.Len()+len(b)) > w.maxBytes {
		w.truncated = true
		w.body.Reset()
		return
	}
	w.body.Write(b)
}

// Flush forwards to the underlying writer when it supports flushing.
func (w *CaptureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.written {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController.
func (w *CaptureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Status returns the status sent, http.StatusOK if none was set explicitly.
func (w *CaptureWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Written reports whether the status line has been sent.
func (w *CaptureWriter) Written() bool {
	return w.written
}

// Body returns a copy of the kept body.
func (w *CaptureWriter) Body() []byte {
	return bytes.Clone(w.body.Bytes())
}

// Truncated reports whether the body exceeded the cap.
func (w *CaptureWriter) Truncated() bool {
	return w.truncated
}

type writerSink struct {
	w http.ResponseWriter
}

func (s *writerSink) SetStatus(code int) {
	s.w.WriteHeader(code)
}

func (s *writerSink) WriteBody(body []byte) error {
	_, err := s.w.Write(body)
	return err
}
