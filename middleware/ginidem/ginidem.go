// Package ginidem adapts the idempotency engine to gin routers.
package ginidem

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"idem"
	"idem/logger"
	"idem/middleware"
)

// Context keys set on the gin context.
const (
	RequestIDKey = "request_id"
	LoggerKey    = "logger"
	OutcomeKey   = "idempotency_outcome"
)

type options struct {
	logger       *zap.Logger
	maxBodyBytes int64
}

// Option configures the Idempotency middleware.
type Option func(*options)

// WithLogger sets the fallback logger used when no request logger is on the context.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxBodyBytes caps the response body kept for replay. Zero means no cap.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		o.maxBodyBytes = n
	}
}

// Idempotency returns a gin middleware running every request through engine.
// Handlers after it run only when the engine hands the request downstream;
// otherwise the chain is aborted with the replayed, conflict or error response.
func Idempotency(engine *idem.Engine, opts ...Option) gin.HandlerFunc {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	return func(c *gin.Context) {
		log := o.logger
		if l, ok := c.Get(LoggerKey); ok {
			if zl, ok := l.(*zap.Logger); ok {
				log = zl
			}
		}

		ctx, processorResult := middleware.WithProcessorSlot(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		req := idem.NewRequest(c.Request)

		cw := &captureWriter{ResponseWriter: c.Writer, maxBytes: o.maxBodyBytes}
		c.Writer = cw
		defer func() { c.Writer = cw.ResponseWriter }()

		called := false
		outcome, err := engine.ProcessRequest(ctx, req, &ginSink{w: cw}, func() {
			called = true
			c.Next()
		})
		if err != nil {
			_ = c.Error(err)
			status := middleware.StatusForError(err)
			log.Error("idempotency check failed", zap.Int("status", status), zap.Error(err))
			if cw.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}

		c.Set(OutcomeKey, outcome.String())
		if !called {
			c.Abort()
		}
		if outcome != idem.OutcomeFirstAttempt || (!called && !cw.Written()) {
			return
		}

		if cw.truncated {
			log.Warn("response exceeds replay limit, leaving record incomplete",
				zap.Int64("max_body_bytes", o.maxBodyBytes))
			return
		}
		proxy := idem.Result{StatusCode: cw.Status(), Body: bytes.Clone(cw.body.Bytes())}
		if err := engine.ProcessResponse(ctx, req, processorResult(), proxy); err != nil {
			log.Warn("failed to persist response", zap.Error(err))
		}
	}
}

// RequestID returns a gin middleware that propagates or assigns a request ID.
// An empty header uses middleware.DefaultRequestIDHeader.
func RequestID(header string) gin.HandlerFunc {
	if header == "" {
		header = middleware.DefaultRequestIDHeader
	}
	return func(c *gin.Context) {
		requestID := c.GetHeader(header)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(header, requestID)
		c.Next()
	}
}

// RequestLogger returns a gin middleware that logs HTTP requests.
// The request-scoped logger is stored on the gin context and the request context.
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		ctx, reqLogger := logger.WithRequestID(c.Request.Context(), base, c.GetString(RequestIDKey))
		reqLogger = reqLogger.With(
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		)
		c.Request = c.Request.WithContext(logger.WithContext(ctx, reqLogger))
		c.Set(LoggerKey, reqLogger)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		if outcome := c.GetString(OutcomeKey); outcome != "" {
			fields = append(fields, zap.String("idempotency_outcome", outcome))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		msg := "HTTP Request"
		switch {
		case status >= 500:
			reqLogger.Error(msg, fields...)
		case status >= 400:
			reqLogger.Warn(msg, fields...)
		default:
			reqLogger.Info(msg, fields...)
		}
	}
}

// Recovery returns a gin middleware that recovers from panics and logs them
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("Panic recovered",
					zap.String("request_id", c.GetString(RequestIDKey)),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", err),
					zap.Stack("stacktrace"),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// Logger retrieves the request logger from the gin context
func Logger(c *gin.Context) *zap.Logger {
	if l, ok := c.Get(LoggerKey); ok {
		if zl, ok := l.(*zap.Logger); ok {
			return zl
		}
	}
	return zap.NewNop()
}

// captureWriter passes writes through and keeps a copy of the body
type captureWriter struct {
	gin.ResponseWriter
	body      bytes.Buffer
	maxBytes  int64
	truncated bool
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.keep(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.keep([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) keep(b []byte) {
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

type ginSink struct {
	w gin.ResponseWriter
}

func (s *ginSink) SetStatus(code int) {
	s.w.WriteHeader(code)
}

func (s *ginSink) WriteBody(body []byte) error {
	_, err := s.w.Write(body)
	return err
}
