// Command idemproxy is a reverse proxy that makes an upstream API idempotent.
//
// Requests carrying an idempotency key are claimed in the configured store before
// they reach the upstream; retries are answered from the stored response.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"idem"
	"idem/admin"
	"idem/circuit"
	circuitmem "idem/circuit/memory"
	"idem/config"
	"idem/event"
	"idem/lock"
	redislock "idem/lock/redis"
	"idem/logger"
	"idem/metrics"
	"idem/metrics/prometheus"
	"idem/middleware/ginidem"
	"idem/recovery"
	"idem/store"
	"idem/tracing"

	_ "idem/store/cassandra"
	_ "idem/store/memory"
	_ "idem/store/mysql"
	_ "idem/store/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "idemproxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync(log) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	return app.serve(ctx)
}

// app holds the wired components of a running proxy.
// eventQueueSize bounds the events waiting for subscribers such as the admin event log.
const eventQueueSize = 1024

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    idem.Store
	engine   *idem.Engine
	sweeper  *recovery.Worker
	admin    *admin.Server
	provider *tracing.Provider
	bus      *event.MemoryEventBus
	redis    *redis.Client
	server   *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	provider, err := tracing.NewProvider(ctx, cfg.TracingProviderConfig(), log.Named("tracing"))
	if err != nil {
		return nil, err
	}
	a.provider = provider

	var tracer tracing.Tracer = &tracing.NoopTracer{}
	if provider.Enabled() {
		tracer = tracing.NewOTelTracer(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			TracerProvider: provider.TracerProvider(),
		})
	}

	var m metrics.Metrics = &metrics.NoopMetrics{}
	if cfg.Metrics.Enabled {
		m = prometheus.New(prometheus.Config{Namespace: "idem", Registry: promclient.DefaultRegisterer})
	}

	bus := event.NewMemoryEventBus(event.WithLogger(log.Named("events")), event.WithAsyncDispatch(eventQueueSize))
	a.bus = bus

	backend, err := store.ParseBackend(cfg.Store.Backend)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, backend, cfg.StoreParams(), log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", backend, err)
	}
	a.store = st
	log.Info("idempotency store opened", zap.String("backend", backend.String()))

	var breaker circuit.CircuitBreaker
	if cfg.Breaker.Enabled {
		bs := store.NewBreakerStore(st, circuitmem.NewMemoryBreaker(), circuit.BreakerConfig{
			Threshold:       cfg.Breaker.Threshold,
			Timeout:         cfg.Breaker.Timeout,
			HalfOpenMaxReqs: cfg.Breaker.HalfOpenMaxReqs,
			OnStateChange:   breakerListener(ctx, log, m, bus),
		})
		a.store = bs
		breaker = bs.Breaker()
	}

	engine, err := idem.NewEngine(
		idem.WithStore(a.store),
		idem.WithLogger(log.Named("engine")),
		idem.WithMetrics(m),
		idem.WithTracer(tracer),
		idem.WithEventBus(bus),
		idem.WithEngineConfig(cfg.EngineConfig()),
	)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	if cfg.Sweeper.Enabled {
		if err := a.startSweeper(ctx, bus, m); err != nil {
			return nil, err
		}
	}

	if cfg.Admin.Enabled {
		events := admin.NewEventStore(cfg.Admin.MaxEvents)
		if err := bus.SubscribeAll(events.EventHandler()); err != nil {
			return nil, err
		}
		a.admin = admin.NewServer(
			admin.WithAddr(cfg.Admin.Addr),
			admin.WithStore(a.store),
			admin.WithBreaker(breaker),
			admin.WithSweeper(a.sweeper),
			admin.WithEventStore(events),
			admin.WithLogger(log.Named("admin")),
		)
	}

	upstream, err := url.Parse(cfg.Server.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	a.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.router(upstream),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ok = true
	return a, nil
}

func (a *app) startSweeper(ctx context.Context, bus event.EventBus, m metrics.Metrics) error {
	var locker lock.Locker = lock.NewLocalLocker()
	if addr := a.cfg.Sweeper.LockRedisAddr; addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect sweeper lock redis: %w", err)
		}
		locker = redislock.NewRedisLocker(a.redis)
	}

	worker, err := recovery.NewWorker(
		recovery.WithStore(a.store),
		recovery.WithLocker(locker),
		recovery.WithEventBus(bus),
		recovery.WithMetrics(m),
		recovery.WithLogger(a.log.Named("sweeper")),
		recovery.WithConfig(recovery.Config{
			Interval:           a.cfg.Sweeper.Interval,
			StaleThreshold:     a.cfg.Sweeper.StaleThreshold,
			CriticalStaleCount: a.cfg.Sweeper.CriticalStaleCount,
			LockKey:            recovery.DefaultConfig().LockKey,
			LockTTL:            a.cfg.Sweeper.LockTTL,
		}),
	)
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	a.sweeper = worker
	return nil
}

func (a *app) router(upstream *url.URL) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginidem.RequestID(""), ginidem.RequestLogger(a.log.Named("http")), ginidem.Recovery(a.log))
	if a.provider.Enabled() {
		r.Use(otelgin.Middleware(a.cfg.Tracing.ServiceName, otelgin.WithTracerProvider(a.provider.TracerProvider())))
	}

	if a.cfg.Metrics.Enabled {
		r.GET(a.cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	r.NoRoute(
		ginidem.Idempotency(a.engine, ginidem.WithLogger(a.log), ginidem.WithMaxBodyBytes(a.cfg.Idempotency.MaxBodyBytes)),
		proxyHandler(newProxy(upstream, a.engine, a.log.Named("proxy"))),
	)
	return r
}

func (a *app) serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		a.log.Info("proxy listening", zap.String("addr", a.cfg.Server.Addr), zap.String("upstream", a.cfg.Server.Upstream))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	if a.admin != nil {
		go func() {
			a.log.Info("admin listening", zap.String("addr", a.cfg.Admin.Addr))
			if err := a.admin.Start(); err != nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case serveErr = <-errCh:
		a.log.Error("server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("proxy shutdown", zap.Error(err))
	}
	if a.admin != nil {
		if err := a.admin.Stop(shutdownCtx); err != nil {
			a.log.Warn("admin shutdown", zap.Error(err))
		}
	}
	return serveErr
}

// close releases everything newApp opened, in reverse order. Safe on a partial app.
func (a *app) close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.bus != nil {
		if dropped := a.bus.Dropped(); dropped > 0 {
			a.log.Warn("events dropped on a full queue", zap.Int64("count", dropped))
		}
		_ = a.bus.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := store.Close(a.store); err != nil {
			a.log.Warn("close store", zap.Error(err))
		}
	}
	if a.provider != nil {
		if err := a.provider.Shutdown(context.Background()); err != nil {
			a.log.Warn("shutdown tracer provider", zap.Error(err))
		}
	}
}

// breakerListener reports store circuit transitions as metrics and events.
func breakerListener(ctx context.Context, log *zap.Logger, m metrics.Metrics, bus event.EventBus) func(service string, from, to circuit.State) {
	return func(service string, from, to circuit.State) {
		log.Warn("store circuit breaker changed state",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		m.CircuitStateChanged(service, to)

		var t event.EventType
		switch to {
		case circuit.StateOpen:
			t = event.EventCircuitOpened
		case circuit.StateClosed:
			t = event.EventCircuitClosed
		default:
			return
		}
		_ = bus.Publish(ctx, event.NewEvent(t).WithData("service", service).WithData("from", from.String()))
	}
}
