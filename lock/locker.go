// Package lock provides the lease interface the background sweeper uses so that only one
// replica purges or reports stale records at a time.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrLockHeld indicates another holder owns at least one of the requested keys
	ErrLockHeld = errors.New("lock is held by another process")

	// ErrLockNotHeld indicates an extend on a lease that has expired or been released
	ErrLockNotHeld = errors.New("lock not held or expired")
)

// Locker is the distributed lock interface
// It provides methods to acquire locks on multiple keys atomically
type Locker interface {
	// Acquire acquires locks on the given keys
	// Keys are sorted alphabetically before acquisition to prevent deadlocks
	// Returns a LockHandle for extending and releasing the locks
	// Returns an error wrapping ErrLockHeld if any lock is owned by someone else
	Acquire(ctx context.Context, keys []string, ttl time.Duration) (LockHandle, error)
}

// LockHandle represents a handle to acquired locks
type LockHandle interface {
	// Extend extends the TTL of all held locks
	Extend(ctx context.Context, ttl time.Duration) error

	// Release releases all held locks, attempting every key even if some fail
	Release(ctx context.Context) error

	// Keys returns the keys that are locked
	Keys() []string
}

// SortedKeys returns a sorted copy of keys.
func SortedKeys(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}

// ============================================================================
// Local locker
// ============================================================================

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
	seq    uint64
}

type localLease struct {
	owner     uint64
	expiresAt time.Time
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]localLease),
		now:    time.Now,
	}
}

// Acquire takes every key or none.
func (l *LocalLocker) Acquire(ctx context.Context, keys []string, ttl time.Duration) (LockHandle, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	sorted := SortedKeys(keys)
	for _, key := range sorted {
		if lease, ok := l.leases[key]; ok && now.Before(lease.expiresAt) {
			return nil, ErrLockHeld
		}
	}

	l.seq++
	for _, key := range sorted {
		l.leases[key] = localLease{owner: l.seq, expiresAt: now.Add(ttl)}
	}
	return &localHandle{locker: l, owner: l.seq, keys: sorted}, nil
}

type localHandle struct {
	locker *LocalLocker
	owner  uint64
	keys   []string
}

func (h *localHandle) Extend(ctx context.Context, ttl time.Duration) error {
	l := h.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, key := range h.keys {
		lease, ok := l.leases[key]
		if !ok || lease.owner != h.owner || !now.Before(lease.expiresAt) {
			return ErrLockNotHeld
		}
	}
	for _, key := range h.keys {
		l.leases[key] = localLease{owner: h.owner, expiresAt: now.Add(ttl)}
	}
	return nil
}

func (h *localHandle) Release(ctx context.Context) error {
	l := h.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range h.keys {
		if lease, ok := l.leases[key]; ok && lease.owner == h.owner {
			delete(l.leases, key)
		}
	}
	return nil
}

func (h *localHandle) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}
