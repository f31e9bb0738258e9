package idem

import (
	"context"
	"time"
)

// Store defines the storage port for idempotency records.
// A record is keyed by (key, method, url) and lives for a fixed TTL from creation.
// This interface is implemented by store/memory, store/mysql, store/redis and store/cassandra.
//
// Implementations wrap backend failures in ErrStorageUnavailable and structural
// failures in ErrStorageSchema. They never retry internally.
type Store interface {
	// CreateIfAbsent atomically inserts a bare record if none is live for the key.
	// It must use the backend's atomic conditional write; read-then-write is not acceptable.
	// The record expires ttl after creation and the expiry is never refreshed.
	CreateIfAbsent(ctx context.Context, ic *IdempotencyContext, ttl time.Duration) (ClaimResult, error)

	// Get returns the live record for the key, or nil if absent or expired.
	Get(ctx context.Context, key RecordKey) (*IdempotencyContext, error)

	// UpdateProcessorResult attaches the processor outcome to a live record.
	// Returns ErrRecordNotFound if the record does not exist.
	UpdateProcessorResult(ctx context.Context, key RecordKey, processor Result) error

	// UpdateFull attaches both outcomes to a live record.
	// Returns ErrRecordNotFound if the record does not exist.
	UpdateFull(ctx context.Context, key RecordKey, processor, proxy Result) error
}

// Sweeper is implemented by stores whose backend does not expire records on its own.
type Sweeper interface {
	// DeleteExpired removes expired records and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}

// StaleLister is implemented by stores able to enumerate flows that never completed.
type StaleLister interface {
	// ListIncomplete returns live records without a proxy result created more than olderThan ago.
	ListIncomplete(ctx context.Context, olderThan time.Duration) ([]*IdempotencyContext, error)
}
