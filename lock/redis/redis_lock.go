// Package redis implements lock.Locker on Redis so replicas sharing a Redis store
// elect a single sweeper.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"idem/lock"
)

// DefaultPrefix namespaces lock keys away from idempotency records.
const DefaultPrefix = "idem:lock:"

var (
	_ lock.Locker     = (*RedisLocker)(nil)
	_ lock.LockHandle = (*redisLockHandle)(nil)
)

// KEYS[1] lock key, ARGV[1] token, ARGV[2] ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// KEYS[1] lock key, ARGV[1] token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements distributed locking using Redis
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// Option is a functional option for configuring RedisLocker
type Option func(*RedisLocker)

// WithPrefix sets the key prefix for locks
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// NewRedisLocker creates a new Redis-based distributed locker
func NewRedisLocker(client redis.Cmdable, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire acquires locks on the given keys in sorted order.
// On any failure the keys already taken are released before returning.
func (l *RedisLocker) Acquire(ctx context.Context, keys []string, ttl time.Duration) (lock.LockHandle, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}

	sortedKeys := lock.SortedKeys(keys)
	handle := &redisLockHandle{
		client:   l.client,
		prefix:   l.prefix,
		token:    uuid.NewString(),
		acquired: make([]string, 0, len(sortedKeys)),
	}

	for _, key := range sortedKeys {
		ok, err := l.client.SetNX(ctx, l.prefix+key, handle.token, ttl).Result()
		if err != nil {
			handle.Release(ctx)
			return nil, fmt.Errorf("lock acquisition failed for key %s: %w", key, err)
		}
		if !ok {
			handle.Release(ctx)
			return nil, fmt.Errorf("lock acquisition failed for key %s: %w", key, lock.ErrLockHeld)
		}
		handle.acquired = append(handle.acquired, key)
	}

	return handle, nil
}

// redisLockHandle represents a handle to acquired Redis locks
type redisLockHandle struct {
	client   redis.Cmdable
	prefix   string
	token    string   // identifies this holder
	acquired []string // keys successfully taken
	mu       sync.Mutex
}

// Extend extends the TTL of all held locks
func (h *redisLockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acquired) == 0 {
		return lock.ErrLockNotHeld
	}

	var extendErr error
	for _, key := range h.acquired {
		n, err := extendScript.Run(ctx, h.client, []string{h.prefix + key}, h.token, ttl.Milliseconds()).Int()
		if err == nil && n == 0 {
			err = lock.ErrLockNotHeld
		}
		if err != nil {
			extendErr = errors.Join(extendErr, fmt.Errorf("failed to extend lock %s: %w", key, err))
		}
	}
	return extendErr
}

// Release releases all held locks, only deleting keys this handle still owns.
func (h *redisLockHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acquired) == 0 {
		return nil
	}

	var releaseErr error
	for i := len(h.acquired) - 1; i >= 0; i-- {
		key := h.acquired[i]
		if err := releaseScript.Run(ctx, h.client, []string{h.prefix + key}, h.token).Err(); err != nil {
			releaseErr = errors.Join(releaseErr, fmt.Errorf("failed to release lock %s: %w", key, err))
		}
	}

	// cleared regardless of errors; unreleased keys expire on their own
	h.acquired = nil
	return releaseErr
}

// Keys returns the keys that are locked
func (h *redisLockHandle) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.acquired == nil {
		return nil
	}

	keys := make([]string, len(h.acquired))
	copy(keys, h.acquired)
	return keys
}
