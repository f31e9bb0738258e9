package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"idem"
	"idem/circuit"
	"idem/recovery"
	"idem/store"
)

// Server serves the admin API.
type Server struct {
	addr       string
	store      idem.Store
	breaker    circuit.CircuitBreaker
	sweeper    *recovery.Worker
	eventStore *EventStore
	logger     *zap.Logger
	mux        *http.ServeMux
	server     *http.Server

	mu      sync.Mutex
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithStore sets the store records are read from.
func WithStore(st idem.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithBreaker sets the circuit breaker guarding the store.
func WithBreaker(cb circuit.CircuitBreaker) Option {
	return func(s *Server) {
		s.breaker = cb
	}
}

// WithSweeper sets the background sweeper.
func WithSweeper(w *recovery.Worker) Option {
	return func(s *Server) {
		s.sweeper = w
	}
}

// WithEventStore sets the event log.
func WithEventStore(es *EventStore) Option {
	return func(s *Server) {
		s.eventStore = es
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates an admin server. Endpoints whose dependency is not configured answer 501.
func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:   ":8081",
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/records", s.handleGetRecord)
	s.mux.HandleFunc("GET /api/records/incomplete", s.handleListIncomplete)

	s.mux.HandleFunc("GET /api/sweeper/stats", s.handleSweeperStats)
	s.mux.HandleFunc("POST /api/sweeper/run", s.handleSweeperRun)

	s.mux.HandleFunc("GET /api/circuit-breaker", s.handleGetBreaker)
	s.mux.HandleFunc("POST /api/circuit-breaker/reset", s.handleResetBreaker)

	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
}

// Start listens on the configured address. It blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("admin server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler, for mounting or tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ============================================================================
// Responses
// ============================================================================

// APIResponse is the envelope of every admin response.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError describes a failed admin call.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "RECORD_NOT_FOUND"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeUnsupported    = "UNSUPPORTED"
	ErrCodeStorage        = "STORAGE_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{Error: &APIError{Code: code, Message: message}})
}

func writeNotConfigured(w http.ResponseWriter, what string) {
	writeError(w, http.StatusNotImplemented, ErrCodeNotConfigured, what+" not configured")
}

// RecordResponse is the JSON form of an idempotency record.
type RecordResponse struct {
	Key             string      `json:"idempotency_key"`
	Method          string      `json:"method"`
	URL             string      `json:"url"`
	State           string      `json:"state"`
	ProcessorResult *ResultBody `json:"processor_result,omitempty"`
	ProxyResult     *ResultBody `json:"proxy_result,omitempty"`
}

// ResultBody is the JSON form of an idem.Result.
type ResultBody struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

func toResultBody(r *idem.Result) *ResultBody {
	if r == nil {
		return nil
	}
	return &ResultBody{StatusCode: r.StatusCode, Body: string(r.Body)}
}

func toRecordResponse(ic *idem.IdempotencyContext) RecordResponse {
	return RecordResponse{
		Key:             ic.Key,
		Method:          ic.Method,
		URL:             ic.URL,
		State:           ic.State().String(),
		ProcessorResult: toResultBody(ic.ProcessorResult),
		ProxyResult:     toResultBody(ic.ProxyResult),
	}
}

// BreakerResponse reports the store circuit breaker.
type BreakerResponse struct {
	Service string                `json:"service"`
	State   string                `json:"state"`
	Counts  circuit.BreakerCounts `json:"counts"`
}

// EventsListResponse is a page of the event log.
type EventsListResponse struct {
	Events     []StoredEvent `json:"events"`
	Total      int           `json:"total"`
	EventTypes []string      `json:"event_types"`
}

// ============================================================================
// Handlers
// ============================================================================

// handleGetRecord GET /api/records?key=&method=&url=
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeNotConfigured(w, "store")
		return
	}
	q := r.URL.Query()
	key := idem.RecordKey{Key: q.Get("key"), Method: q.Get("method"), URL: q.Get("url")}
	if key.Key == "" || key.Method == "" || key.URL == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "key, method and url are required")
		return
	}

	ic, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.logger.Warn("admin record lookup failed", zap.String("idempotency_key", key.Key), zap.Error(err))
		writeError(w, statusForStoreError(err), ErrCodeStorage, err.Error())
		return
	}
	if ic == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no live record for "+key.Key)
		return
	}
	writeSuccess(w, toRecordResponse(ic))
}

// handleListIncomplete GET /api/records/incomplete?older_than=5m
func (s *Server) handleListIncomplete(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeNotConfigured(w, "store")
		return
	}
	lister, ok := unwrapStore(s.store).(idem.StaleLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, ErrCodeUnsupported, "store cannot list incomplete records")
		return
	}

	olderThan := time.Duration(0)
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "older_than must be a non-negative duration")
			return
		}
		olderThan = d
	}

	records, err := lister.ListIncomplete(r.Context(), olderThan)
	if err != nil {
		writeError(w, statusForStoreError(err), ErrCodeStorage, err.Error())
		return
	}
	resp := make([]RecordResponse, 0, len(records))
	for _, ic := range records {
		resp = append(resp, toRecordResponse(ic))
	}
	writeSuccess(w, resp)
}

// handleSweeperStats GET /api/sweeper/stats
func (s *Server) handleSweeperStats(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeNotConfigured(w, "sweeper")
		return
	}
	writeSuccess(w, map[string]any{
		"running": s.sweeper.IsRunning(),
		"stats":   s.sweeper.Stats(),
	})
}

// handleSweeperRun POST /api/sweeper/run
func (s *Server) handleSweeperRun(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeNotConfigured(w, "sweeper")
		return
	}
	if err := s.sweeper.SweepOnce(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeStorage, err.Error())
		return
	}
	writeSuccess(w, s.sweeper.Stats())
}

// handleGetBreaker GET /api/circuit-breaker
func (s *Server) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeNotConfigured(w, "circuit breaker")
		return
	}
	writeSuccess(w, BreakerResponse{
		Service: store.BreakerService,
		State:   s.breaker.State().String(),
		Counts:  s.breaker.Counts(),
	})
}

// handleResetBreaker POST /api/circuit-breaker/reset
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeNotConfigured(w, "circuit breaker")
		return
	}
	s.breaker.Reset()
	s.logger.Info("store circuit breaker reset by operator")
	writeSuccess(w, map[string]string{"state": s.breaker.State().String()})
}

// handleListEvents GET /api/events?type=&key=&limit=&offset=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeNotConfigured(w, "event store")
		return
	}
	filter := parseEventFilter(r)
	writeSuccess(w, EventsListResponse{
		Events:     s.eventStore.List(filter),
		Total:      s.eventStore.Count(filter),
		EventTypes: s.eventStore.EventTypes(),
	})
}

func parseEventFilter(r *http.Request) EventFilter {
	q := r.URL.Query()
	filter := EventFilter{
		Type:  q.Get("type"),
		Key:   q.Get("key"),
		Limit: 100,
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 1000 {
		filter.Limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		filter.Offset = o
	}
	return filter
}

func statusForStoreError(err error) int {
	if errors.Is(err, idem.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// unwrapStore strips decorators such as store.BreakerStore that hide optional interfaces.
func unwrapStore(s idem.Store) idem.Store {
	for {
		u, ok := s.(interface{ Unwrap() idem.Store })
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}
