// Package store provides the backend registry and shared record model for idempotency stores.
//
// Backends register a Constructor from their init function, the same way database/sql
// drivers do, and hosts select one by name at startup:
//
//	import _ "idem/store/redis"
//
//	s, err := store.Open(ctx, store.BackendRedis, store.Params{"addr": "localhost:6379"}, logger)
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"idem"
)

// Backend names a storage backend.
type Backend string

const (
	BackendMemory    Backend = "memory"
	BackendMySQL     Backend = "mysql"
	BackendRedis     Backend = "redis"
	BackendCassandra Backend = "cassandra"
)

// String returns the backend name.
func (b Backend) String() string {
	return string(b)
}

// ParseBackend returns the Backend for a case-insensitive name.
func ParseBackend(name string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(name)))
	switch b {
	case BackendMemory, BackendMySQL, BackendRedis, BackendCassandra:
		return b, nil
	default:
		return "", fmt.Errorf("%w: unknown store backend %q", idem.ErrInvalidArgument, name)
	}
}

// Params carries backend-specific connection parameters.
type Params map[string]string

// String returns the named parameter or def if unset.
func (p Params) String(name, def string) string {
	if v, ok := p[name]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the named parameter parsed as an int, or def if unset.
func (p Params) Int(name string, def int) (int, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: parameter %s: %v", idem.ErrInvalidArgument, name, err)
	}
	return n, nil
}

// Duration returns the named parameter parsed as a time.Duration, or def if unset.
func (p Params) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: parameter %s: %v", idem.ErrInvalidArgument, name, err)
	}
	return d, nil
}

// List returns the named parameter split on commas, or nil if unset.
func (p Params) List(name string) []string {
	v := p[name]
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Constructor opens a store from params.
type Constructor func(ctx context.Context, params Params, logger *zap.Logger) (idem.Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Backend]Constructor)
)

// Register makes a backend available to Open.
// It panics if called twice for the same backend or with a nil constructor.
func Register(backend Backend, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if ctor == nil {
		panic("store: Register constructor is nil")
	}
	if _, dup := registry[backend]; dup {
		panic("store: Register called twice for backend " + string(backend))
	}
	registry[backend] = ctor
}

// Backends returns the sorted names of the registered backends.
func Backends() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Backend, 0, len(registry))
	for b := range registry {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open opens a store using the registered constructor for backend.
func Open(ctx context.Context, backend Backend, params Params, logger *zap.Logger) (idem.Store, error) {
	registryMu.RLock()
	ctor, ok := registry[backend]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: store backend %q is not registered", idem.ErrInvalidArgument, backend)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if params == nil {
		params = Params{}
	}

	s, err := ctor(ctx, params, logger.With(zap.String("store", backend.String())))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", backend, err)
	}
	return s, nil
}

// Close closes s if it holds resources.
func Close(s idem.Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
