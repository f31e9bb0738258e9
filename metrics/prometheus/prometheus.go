// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"idem/circuit"
	"idem/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Request path metrics
	requestsTotal       *prometheus.CounterVec
	requestFailedTotal  *prometheus.CounterVec
	responsePersisted   *prometheus.CounterVec
	storeOperationTotal *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec

	// Circuit breaker metrics
	circuitState *prometheus.GaugeVec

	// Sweeper metrics
	sweepDeletedTotal prometheus.Counter
	sweepStaleGauge   prometheus.Gauge
	sweepFailedTotal  *prometheus.CounterVec
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "idem")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "idem",
		Subsystem: "",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &PrometheusMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "requests_total",
			Help:      "Total number of requests by idempotency outcome",
		}, []string{"method", "outcome"}),

		requestFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "requests_failed_total",
			Help:      "Total number of requests the engine could not classify",
		}, []string{"method", "reason"}),

		responsePersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "responses_persisted_total",
			Help:      "Total number of final responses persisted",
		}, []string{"method", "success"}),

		storeOperationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		}, []string{"op", "success"}),

		storeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"op"}),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
		}, []string{"service"}),

		sweepDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sweep_deleted_total",
			Help:      "Total number of expired records deleted by the sweeper",
		}),

		sweepStaleGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sweep_stale_flows",
			Help:      "Number of incomplete flows older than the stale threshold at the last sweep",
		}),

		sweepFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sweep_failed_total",
			Help:      "Total number of failed sweeps",
		}, []string{"reason"}),
	}
}

// Request path metrics

func (p *PrometheusMetrics) RequestOutcome(method, outcome string) {
	p.requestsTotal.WithLabelValues(method, outcome).Inc()
}

func (p *PrometheusMetrics) RequestFailed(method, reason string) {
	p.requestFailedTotal.WithLabelValues(method, reason).Inc()
}

// Response path metrics

func (p *PrometheusMetrics) ResponsePersisted(method string, success bool) {
	p.responsePersisted.WithLabelValues(method, strconv.FormatBool(success)).Inc()
}

// Store metrics

func (p *PrometheusMetrics) StoreOperation(op string, duration time.Duration, success bool) {
	p.storeOperationTotal.WithLabelValues(op, strconv.FormatBool(success)).Inc()
	p.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Circuit breaker metrics

func (p *PrometheusMetrics) CircuitStateChanged(service string, state circuit.State) {
	p.circuitState.WithLabelValues(service).Set(float64(state))
}

// Sweeper metrics

func (p *PrometheusMetrics) SweepCompleted(deleted int64, stale int) {
	p.sweepDeletedTotal.Add(float64(deleted))
	p.sweepStaleGauge.Set(float64(stale))
}

func (p *PrometheusMetrics) SweepFailed(reason string) {
	p.sweepFailedTotal.WithLabelValues(reason).Inc()
}
