package idem

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// DefaultHeaderKeyName is the header carrying the idempotency key unless configured otherwise.
const DefaultHeaderKeyName = "Idempotency-Key"

// Config holds the configuration for the idempotency engine.
type Config struct {
	// Key extraction
	HeaderKeyName string   // Header carrying the idempotency key, default Idempotency-Key
	Methods       []string // Protected methods, empty means every method

	// Record lifetime
	IdempotencyTTL time.Duration // Record TTL from first claim, default 24h

	// Conflict response for in-flight or incomplete flows
	ConflictStatusCode int    // default 409
	ConflictBody       []byte // default {"error":"incomplete idempotent flow"}

	// Store call deadline, zero means no deadline
	StoreTimeout time.Duration
}

// DefaultConfig returns the default configuration for the engine.
func DefaultConfig() Config {
	return Config{
		HeaderKeyName:      DefaultHeaderKeyName,
		IdempotencyTTL:     24 * time.Hour,
		ConflictStatusCode: http.StatusConflict,
		ConflictBody:       []byte(`{"error":"incomplete idempotent flow"}`),
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithHeaderKeyName sets the header carrying the idempotency key.
func WithHeaderKeyName(name string) Option {
	return func(c *Config) {
		c.HeaderKeyName = name
	}
}

// WithIdempotencyTTL sets the idempotency record TTL.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.IdempotencyTTL = ttl
	}
}

// WithMethods restricts protection to the given HTTP methods.
func WithMethods(methods ...string) Option {
	return func(c *Config) {
		c.Methods = methods
	}
}

// WithConflictResponse sets the status and body returned for incomplete flows.
func WithConflictResponse(statusCode int, body []byte) Option {
	return func(c *Config) {
		c.ConflictStatusCode = statusCode
		c.ConflictBody = body
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.StoreTimeout = timeout
	}
}

// WithConfig applies a complete Config, overriding all values.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies the given options to a default config and returns the result.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HeaderKeyName) == "" {
		return fmt.Errorf("%w: header key name is required", ErrInvalidArgument)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("%w: idempotency ttl must be positive", ErrInvalidArgument)
	}
	if c.ConflictStatusCode < 400 || c.ConflictStatusCode > 599 {
		return fmt.Errorf("%w: conflict status %d is not an error status", ErrInvalidArgument, c.ConflictStatusCode)
	}
	if c.StoreTimeout < 0 {
		return fmt.Errorf("%w: store timeout cannot be negative", ErrInvalidArgument)
	}
	for _, m := range c.Methods {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: empty method in allow-list", ErrInvalidArgument)
		}
		// a method is an HTTP token; "POST,PUT" would silently match nothing
		if !httpguts.ValidHeaderFieldName(m) {
			return fmt.Errorf("%w: method %q is not a valid HTTP token", ErrInvalidArgument, m)
		}
	}
	return nil
}

// protects reports whether requests with the given method are idempotency-protected.
func (c *Config) protects(method string) bool {
	if len(c.Methods) == 0 {
		return true
	}
	for _, m := range c.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
