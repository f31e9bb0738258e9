// Package config loads the idemproxy configuration from config.toml and IDEM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/viper"

	"idem"
	"idem/logger"
	"idem/store"
	"idem/tracing"
)

// Config holds all proxy configuration
type Config struct {
	Server      ServerConfig
	Idempotency IdempotencyConfig
	Store       StoreConfig
	Breaker     BreakerConfig
	Sweeper     SweeperConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Tracing     TracingConfig
	Admin       AdminConfig
}

// ServerConfig holds HTTP listener and upstream settings
type ServerConfig struct {
	Addr            string
	Upstream        string // processor base URL requests are forwarded to
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// IdempotencyConfig mirrors idem.Config
type IdempotencyConfig struct {
	HeaderKeyName  string
	TTL            time.Duration
	Methods        []string
	StoreTimeout   time.Duration
	ConflictStatus int
	ConflictBody   string
	MaxBodyBytes   int64 // replay cap on captured responses, 0 for none
}

// StoreConfig selects the backend and carries its parameters
type StoreConfig struct {
	Backend string
	Params  map[string]string
}

// BreakerConfig configures the circuit breaker around the store
type BreakerConfig struct {
	Enabled         bool
	Threshold       int
	Timeout         time.Duration
	HalfOpenMaxReqs int
}

// SweeperConfig configures the background sweeper
type SweeperConfig struct {
	Enabled            bool
	Interval           time.Duration
	StaleThreshold     time.Duration
	CriticalStaleCount int
	LockTTL            time.Duration
	// LockRedisAddr elects a single sweeper across replicas. Empty uses an in-process lease.
	LockRedisAddr string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled           bool
	ServiceName       string
	CollectorEndpoint string
	SamplingRatio     float64
	Insecure          bool
}

// AdminConfig holds the operator API settings
type AdminConfig struct {
	Enabled   bool
	Addr      string
	MaxEvents int
}

// Load reads configuration with priority, highest first:
// 1. environment variables with IDEM_ prefix (e.g. IDEM_STORE_BACKEND)
// 2. config.toml in the working directory or /etc/idem
// 3. built-in defaults
func Load() (*Config, error) {
	return LoadFrom(viper.New(), ".", "/etc/idem")
}

// LoadFrom loads configuration using v, searching the given paths for config.toml.
func LoadFrom(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("toml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("IDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			Upstream:        v.GetString("server.upstream"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Idempotency: IdempotencyConfig{
			HeaderKeyName:  v.GetString("idempotency.header_key_name"),
			TTL:            v.GetDuration("idempotency.ttl"),
			Methods:        splitMethods(v.GetStringSlice("idempotency.methods")),
			StoreTimeout:   v.GetDuration("idempotency.store_timeout"),
			ConflictStatus: v.GetInt("idempotency.conflict_status"),
			ConflictBody:   v.GetString("idempotency.conflict_body"),
			MaxBodyBytes:   v.GetInt64("idempotency.max_body_bytes"),
		},
		Store: StoreConfig{
			Backend: v.GetString("store.backend"),
			Params:  v.GetStringMapString("store.params"),
		},
		Breaker: BreakerConfig{
			Enabled:         v.GetBool("breaker.enabled"),
			Threshold:       v.GetInt("breaker.threshold"),
			Timeout:         v.GetDuration("breaker.timeout"),
			HalfOpenMaxReqs: v.GetInt("breaker.half_open_max_reqs"),
		},
		Sweeper: SweeperConfig{
			Enabled:            v.GetBool("sweeper.enabled"),
			Interval:           v.GetDuration("sweeper.interval"),
			StaleThreshold:     v.GetDuration("sweeper.stale_threshold"),
			CriticalStaleCount: v.GetInt("sweeper.critical_stale_count"),
			LockTTL:            v.GetDuration("sweeper.lock_ttl"),
			LockRedisAddr:      v.GetString("sweeper.lock_redis_addr"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Path:    v.GetString("metrics.path"),
		},
		Tracing: TracingConfig{
			Enabled:           v.GetBool("tracing.enabled"),
			ServiceName:       v.GetString("tracing.service_name"),
			CollectorEndpoint: v.GetString("tracing.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("tracing.sampling_ratio"),
			Insecure:          v.GetBool("tracing.insecure"),
		},
		Admin: AdminConfig{
			Enabled:   v.GetBool("admin.enabled"),
			Addr:      v.GetString("admin.addr"),
			MaxEvents: v.GetInt("admin.max_events"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	engine := idem.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.upstream", "http://localhost:9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("idempotency.header_key_name", engine.HeaderKeyName)
	v.SetDefault("idempotency.ttl", engine.IdempotencyTTL)
	v.SetDefault("idempotency.methods", []string{"POST", "PUT", "PATCH", "DELETE"})
	v.SetDefault("idempotency.store_timeout", 2*time.Second)
	v.SetDefault("idempotency.conflict_status", engine.ConflictStatusCode)
	v.SetDefault("idempotency.conflict_body", string(engine.ConflictBody))
	v.SetDefault("idempotency.max_body_bytes", 1<<20)

	v.SetDefault("store.backend", string(store.BackendMemory))

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_max_reqs", 3)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.stale_threshold", 5*time.Minute)
	v.SetDefault("sweeper.critical_stale_count", 100)
	v.SetDefault("sweeper.lock_ttl", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "idemproxy")
	v.SetDefault("tracing.collector_endpoint", "localhost:4317")
	v.SetDefault("tracing.sampling_ratio", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.addr", ":8081")
	v.SetDefault("admin.max_events", 1000)
}

// Validate checks values the engine and backends cannot recover from at runtime.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	u, err := url.Parse(c.Server.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.upstream must be an absolute URL, got %q", c.Server.Upstream)
	}
	if _, err := store.ParseBackend(c.Store.Backend); err != nil {
		return fmt.Errorf("store.backend: %w", err)
	}
	engine := c.EngineConfig()
	if err := engine.Validate(); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	if c.Breaker.Enabled && (c.Breaker.Threshold <= 0 || c.Breaker.Timeout <= 0) {
		return fmt.Errorf("breaker.threshold and breaker.timeout must be positive")
	}
	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.StaleThreshold <= 0) {
		return fmt.Errorf("sweeper.interval and sweeper.stale_threshold must be positive")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}
	if c.Idempotency.MaxBodyBytes < 0 {
		return fmt.Errorf("idempotency.max_body_bytes must not be negative")
	}
	if c.Tracing.Enabled && (c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1) {
		return fmt.Errorf("tracing.sampling_ratio must be within [0, 1], got %v", c.Tracing.SamplingRatio)
	}
	if c.Admin.Enabled && (c.Admin.Addr == "" || c.Admin.Addr == c.Server.Addr) {
		return fmt.Errorf("admin.addr must be set and differ from server.addr")
	}
	return nil
}

// splitMethods flattens method lists. Environment values arrive as one string, so
// "POST,PUT" and "POST PUT" both yield [POST PUT].
func splitMethods(values []string) []string {
	var out []string
	for _, v := range values {
		for _, m := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || unicode.IsSpace(r) }) {
			out = append(out, strings.ToUpper(m))
		}
	}
	return out
}

// EngineConfig converts the idempotency section into an idem.Config.
func (c *Config) EngineConfig() idem.Config {
	return idem.Config{
		HeaderKeyName:      c.Idempotency.HeaderKeyName,
		Methods:            c.Idempotency.Methods,
		IdempotencyTTL:     c.Idempotency.TTL,
		ConflictStatusCode: c.Idempotency.ConflictStatus,
		ConflictBody:       []byte(c.Idempotency.ConflictBody),
		StoreTimeout:       c.Idempotency.StoreTimeout,
	}
}

// LoggerConfig converts the log section into a logger.Config.
func (c *Config) LoggerConfig() *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = c.Log.Format
	cfg.Output = c.Log.Output
	return cfg
}

// TracingProviderConfig converts the tracing section into a tracing.ProviderConfig.
func (c *Config) TracingProviderConfig() tracing.ProviderConfig {
	return tracing.ProviderConfig{
		Enabled:           c.Tracing.Enabled,
		CollectorEndpoint: c.Tracing.CollectorEndpoint,
		SamplingRatio:     c.Tracing.SamplingRatio,
		ServiceName:       c.Tracing.ServiceName,
		Insecure:          c.Tracing.Insecure,
	}
}

// StoreParams returns the backend parameters as store.Params.
func (c *Config) StoreParams() store.Params {
	params := make(store.Params, len(c.Store.Params))
	for k, v := range c.Store.Params {
		params[k] = v
	}
	return params
}
