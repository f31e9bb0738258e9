package ginidem

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"idem"
	"idem/middleware"
	"idem/store/memory"
)

type downStore struct{}

func (downStore) CreateIfAbsent(ctx context.Context, ic *idem.IdempotencyContext, ttl time.Duration) (idem.ClaimResult, error) {
	return idem.ClaimResult{}, idem.ErrStorageUnavailable
}

func (downStore) Get(ctx context.Context, key idem.RecordKey) (*idem.IdempotencyContext, error) {
	return nil, idem.ErrStorageUnavailable
}

func (downStore) UpdateProcessorResult(ctx context.Context, key idem.RecordKey, processor idem.Result) error {
	return idem.ErrStorageUnavailable
}

func (downStore) UpdateFull(ctx context.Context, key idem.RecordKey, processor, proxy idem.Result) error {
	return idem.ErrStorageUnavailable
}

func setupRouter(t *testing.T, s idem.Store, log *zap.Logger, calls *atomic.Int32) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine, err := idem.NewEngine(idem.WithStore(s), idem.WithOptions(idem.WithMethods(http.MethodPost)))
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestID(""), RequestLogger(log), Recovery(log), Idempotency(engine))
	router.POST("/payments", func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(http.StatusCreated, gin.H{"payment": n})
	})
	router.POST("/transfers", func(c *gin.Context) {
		calls.Add(1)
		middleware.SetProcessorResult(c.Request.Context(), idem.NewResult(http.StatusAccepted, "queued"))
		c.String(http.StatusOK, "sent")
	})
	router.POST("/panics", func(c *gin.Context) {
		panic("processor exploded")
	})
	router.GET("/payments", func(c *gin.Context) {
		calls.Add(1)
		c.Status(http.StatusNoContent)
	})
	return router
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serve(router http.Handler, method, target, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(`{"amount":100}`))
	if key != "" {
		req.Header.Set(idem.DefaultHeaderKeyName, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdempotency_Replay(t *testing.T) {
	var calls atomic.Int32
	router := setupRouter(t, newMemoryStore(t), zap.NewNop(), &calls)

	first := serve(router, http.MethodPost, "/payments", "ThisIsKey1")
	second := serve(router, http.MethodPost, "/payments", "ThisIsKey1")

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, `{"payment":1}`, second.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_Conflict(t *testing.T) {
	s := newMemoryStore(t)
	_, err := s.CreateIfAbsent(context.Background(), idem.NewIdempotencyContext("ThisIsKey1", http.MethodPost, "/payments"), time.Hour)
	require.NoError(t, err)

	var calls atomic.Int32
	router := setupRouter(t, s, zap.NewNop(), &calls)

	w := serve(router, http.MethodPost, "/payments", "ThisIsKey1")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"incomplete idempotent flow"}`, w.Body.String())
	assert.Equal(t, int32(0), calls.Load())
}

func TestIdempotency_Passthrough(t *testing.T) {
	s := newMemoryStore(t)
	var calls atomic.Int32
	router := setupRouter(t, s, zap.NewNop(), &calls)

	for i := 0; i < 2; i++ {
		w := serve(router, http.MethodGet, "/payments", "ThisIsKey1")
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
	serve(router, http.MethodPost, "/payments", "")
	serve(router, http.MethodPost, "/payments", "")

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 0, s.Size())
}

func TestIdempotency_ProcessorResult(t *testing.T) {
	s := newMemoryStore(t)
	var calls atomic.Int32
	router := setupRouter(t, s, zap.NewNop(), &calls)

	serve(router, http.MethodPost, "/transfers", "ThisIsKey1")

	rec, err := s.Get(context.Background(), idem.RecordKey{Key: "ThisIsKey1", Method: http.MethodPost, URL: "/transfers"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusAccepted, rec.ProcessorResult.StatusCode)
	assert.Equal(t, "queued", string(rec.ProcessorResult.Body))
	assert.Equal(t, http.StatusOK, rec.ProxyResult.StatusCode)
	assert.Equal(t, "sent", string(rec.ProxyResult.Body))
}

func TestIdempotency_StorageFailure(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	var calls atomic.Int32
	router := setupRouter(t, downStore{}, zap.New(core), &calls)

	w := serve(router, http.MethodPost, "/payments", "ThisIsKey1")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"Service Unavailable"}`, w.Body.String())
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 1, recorded.FilterMessage("idempotency check failed").Len())

	httpLogs := recorded.FilterMessage("HTTP Request").All()
	require.Len(t, httpLogs, 1)
	assert.Equal(t, zapcore.ErrorLevel, httpLogs[0].Level)
}

func TestIdempotency_PanicLeavesRecordIncomplete(t *testing.T) {
	s := newMemoryStore(t)
	var calls atomic.Int32
	router := setupRouter(t, s, zap.NewNop(), &calls)

	w := serve(router, http.MethodPost, "/panics", "ThisIsKey1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = serve(router, http.MethodPost, "/panics", "ThisIsKey1")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRequestLogger_RecordsOutcome(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	var calls atomic.Int32
	router := setupRouter(t, newMemoryStore(t), zap.New(core), &calls)

	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	req.Header.Set(idem.DefaultHeaderKeyName, "ThisIsKey1")
	req.Header.Set(middleware.DefaultRequestIDHeader, "test-req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "test-req-123", w.Header().Get(middleware.DefaultRequestIDHeader))

	logs := recorded.FilterMessage("HTTP Request").All()
	require.Len(t, logs, 1)
	fields := logs[0].ContextMap()
	assert.Equal(t, "test-req-123", fields["request_id"])
	assert.Equal(t, "first_attempt", fields["idempotency_outcome"])
	assert.Equal(t, int64(http.StatusCreated), fields["status"])
}

func TestLogger_Default(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.NotNil(t, Logger(c))

	l := zap.NewExample()
	c.Set(LoggerKey, l)
	assert.Same(t, l, Logger(c))
}

func TestCaptureWriter_Truncation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	cw := &captureWriter{ResponseWriter: c.Writer, maxBytes: 4}

	_, _ = cw.WriteString("abc")
	assert.False(t, cw.truncated)
	_, _ = cw.Write([]byte(fmt.Sprint(12)))

	assert.True(t, cw.truncated)
	assert.Equal(t, 0, cw.body.Len())
	assert.Equal(t, "abc12", rec.Body.String())
}
