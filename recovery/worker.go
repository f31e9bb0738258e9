// Package recovery provides the background sweeper for idempotency stores.
//
// On every pass the sweeper purges expired records from backends that do not expire
// them natively, then reports flows that claimed a key but never recorded a final
// response. Only one replica sweeps at a time: a pass runs under a lease from lock.Locker.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"idem"
	"idem/event"
	"idem/lock"
	"idem/metrics"
)

// Config holds the configuration for the sweeper.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// StaleThreshold is the age after which an incomplete flow is reported.
	StaleThreshold time.Duration
	// CriticalStaleCount escalates a sweep to a critical alert when this many flows are stale.
	// Zero disables escalation.
	CriticalStaleCount int
	// LockKey names the lease shared by all replicas.
	LockKey string
	// LockTTL is the lease duration. It must exceed the time a sweep takes.
	LockTTL time.Duration
}

// DefaultConfig returns the default configuration for the sweeper.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		StaleThreshold:     5 * time.Minute,
		CriticalStaleCount: 100,
		LockKey:            "sweeper",
		LockTTL:            30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", idem.ErrInvalidArgument)
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("%w: stale threshold must be positive", idem.ErrInvalidArgument)
	}
	if c.LockKey == "" || c.LockTTL <= 0 {
		return fmt.Errorf("%w: lock key and ttl are required", idem.ErrInvalidArgument)
	}
	return nil
}

// Worker is the sweeper. Create it with NewWorker and run it with Start.
type Worker struct {
	store   idem.Store
	locker  lock.Locker
	events  event.EventBus
	metrics metrics.Metrics
	config  Config
	logger  *zap.Logger

	// State
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// WorkerOption is a function that configures the Worker.
type WorkerOption func(*Worker)

// WithStore sets the store to sweep.
func WithStore(s idem.Store) WorkerOption {
	return func(w *Worker) {
		w.store = s
	}
}

// WithLocker sets the locker used to elect the sweeping replica.
func WithLocker(l lock.Locker) WorkerOption {
	return func(w *Worker) {
		w.locker = l
	}
}

// WithEventBus sets the event bus alerts are published to.
func WithEventBus(e event.EventBus) WorkerOption {
	return func(w *Worker) {
		w.events = e
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithConfig sets the configuration for the worker.
func WithConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		w.config = cfg
	}
}

// WithLogger sets the logger for the worker.
func WithLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// NewWorker creates a sweeper. A store is required; without a locker the
// worker uses an in-process lease.
func NewWorker(opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		metrics: &metrics.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.store == nil {
		return nil, fmt.Errorf("%w: sweeper requires a store", idem.ErrInvalidArgument)
	}
	if err := w.config.Validate(); err != nil {
		return nil, err
	}
	if w.locker == nil {
		w.locker = lock.NewLocalLocker()
	}
	return w, nil
}

// Start runs the sweeper in the background until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("sweeper already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("sweeper started",
		zap.Duration("interval", w.config.Interval),
		zap.Duration("stale_threshold", w.config.StaleThreshold))
	return nil
}

// Stop stops the sweeper and waits for an in-progress sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("sweeper stopped")
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce performs a single sweep synchronously.
func (w *Worker) SweepOnce(ctx context.Context) error {
	return w.sweep(ctx)
}

func (w *Worker) sweep(ctx context.Context) error {
	handle, err := w.locker.Acquire(ctx, []string{w.config.LockKey}, w.config.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		w.logger.Debug("sweep skipped, another instance holds the lease")
		w.updateStats(func(s *Stats) { s.Skipped++ })
		return nil
	}
	if err != nil {
		w.fail("lock", err)
		return err
	}
	defer handle.Release(context.WithoutCancel(ctx))

	w.publish(ctx, event.NewEvent(event.EventSweepStart))

	var sweepErr error

	deleted, err := w.deleteExpired(ctx)
	if err != nil {
		w.fail("delete_expired", err)
		sweepErr = errors.Join(sweepErr, err)
	}

	stale, err := w.reportStale(ctx)
	if err != nil {
		w.fail("list_incomplete", err)
		sweepErr = errors.Join(sweepErr, err)
	}

	w.updateStats(func(s *Stats) {
		s.Sweeps++
		s.Deleted += deleted
		s.Stale += int64(stale)
	})
	if sweepErr == nil {
		w.metrics.SweepCompleted(deleted, stale)
		w.logger.Debug("sweep completed", zap.Int64("deleted", deleted), zap.Int("stale", stale))
	}
	return sweepErr
}

func (w *Worker) deleteExpired(ctx context.Context) (int64, error) {
	sw, ok := w.store.(idem.Sweeper)
	if !ok {
		return 0, nil
	}
	n, err := sw.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("purged expired idempotency records", zap.Int64("count", n))
	}
	return n, nil
}

// reportStale publishes a warning per stale flow and a critical alert once the count
// reaches CriticalStaleCount.
func (w *Worker) reportStale(ctx context.Context) (int, error) {
	sl, ok := w.store.(idem.StaleLister)
	if !ok {
		return 0, nil
	}
	stale, err := sl.ListIncomplete(ctx, w.config.StaleThreshold)
	if err != nil {
		return 0, err
	}

	for _, ic := range stale {
		w.logger.Warn("idempotent flow never completed",
			zap.String("idempotency_key", ic.Key),
			zap.String("method", ic.Method),
			zap.String("url", ic.URL),
			zap.Stringer("state", ic.State()))
		w.publish(ctx, event.NewEvent(event.EventAlertWarning).
			WithFlow(ic.Key, ic.Method, ic.URL).
			WithData("message", "idempotent flow never completed").
			WithData("state", ic.State().String()))
	}

	if limit := w.config.CriticalStaleCount; limit > 0 && len(stale) >= limit {
		w.logger.Error("stale idempotent flows over threshold",
			zap.Int("stale", len(stale)), zap.Int("threshold", limit))
		w.publish(ctx, event.NewEvent(event.EventAlertCritical).
			WithData("message", fmt.Sprintf("%d idempotent flows never completed", len(stale))).
			WithData("stale", len(stale)).
			WithData("threshold", limit))
	}
	return len(stale), nil
}

func (w *Worker) fail(reason string, err error) {
	w.logger.Error("sweep failed", zap.String("reason", reason), zap.Error(err))
	w.metrics.SweepFailed(reason)
	w.updateStats(func(s *Stats) { s.Failed++ })
}

func (w *Worker) publish(ctx context.Context, e event.Event) {
	if w.events != nil {
		w.events.Publish(ctx, e)
	}
}

// Stats are cumulative counters since the worker was created or last reset.
type Stats struct {
	Sweeps  int64
	Skipped int64
	Failed  int64
	Deleted int64
	Stale   int64
}

func (w *Worker) updateStats(fn func(s *Stats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	fn(&w.stats)
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

// ResetStats resets the counters.
func (w *Worker) ResetStats() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats = Stats{}
}
