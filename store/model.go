package store

import (
	"fmt"
	"strconv"
	"time"

	"idem"
)

// Column and hash field names shared by the backends.
const (
	FieldKey             = "idempotency_key"
	FieldMethod          = "method"
	FieldURL             = "url"
	FieldProcessorStatus = "processor_status"
	FieldProcessorBody   = "processor_body"
	FieldProxyStatus     = "proxy_status"
	FieldProxyBody       = "proxy_body"
	FieldCreatedAt       = "created_at"
	FieldExpiresAt       = "expires_at"
)

// Record is the persisted form of an idempotency context.
// A nil status means the corresponding result has not been written.
type Record struct {
	Key    string `db:"idempotency_key" json:"idempotency_key"`
	Method string `db:"method" json:"method"`
	URL    string `db:"url" json:"url"`

	ProcessorStatus *int   `db:"processor_status" json:"processor_status,omitempty"`
	ProcessorBody   []byte `db:"processor_body" json:"processor_body,omitempty"`
	ProxyStatus     *int   `db:"proxy_status" json:"proxy_status,omitempty"`
	ProxyBody       []byte `db:"proxy_body" json:"proxy_body,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// NewRecord creates a bare record that expires ttl after createdAt.
func NewRecord(key idem.RecordKey, createdAt time.Time, ttl time.Duration) *Record {
	return &Record{
		Key:       key.Key,
		Method:    key.Method,
		URL:       key.URL,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
}

// RecordKey returns the primary key of the record.
func (r *Record) RecordKey() idem.RecordKey {
	return idem.RecordKey{Key: r.Key, Method: r.Method, URL: r.URL}
}

// SetProcessor stores the processor result.
func (r *Record) SetProcessor(res idem.Result) {
	status := res.StatusCode
	r.ProcessorStatus = &status
	r.ProcessorBody = cloneBytes(res.Body)
}

// SetProxy stores the proxy result.
func (r *Record) SetProxy(res idem.Result) {
	status := res.StatusCode
	r.ProxyStatus = &status
	r.ProxyBody = cloneBytes(res.Body)
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// RemainingTTL returns the time left before expiry, never less than zero.
func (r *Record) RemainingTTL(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Context converts the record into an idempotency context.
// Out-of-range status codes mean the stored record is corrupt and yield ErrStorageSchema.
func (r *Record) Context() (*idem.IdempotencyContext, error) {
	ic := idem.NewIdempotencyContext(r.Key, r.Method, r.URL)
	if r.ProcessorStatus != nil {
		if err := checkStatus(FieldProcessorStatus, *r.ProcessorStatus); err != nil {
			return nil, err
		}
		ic.WithProcessorResult(idem.Result{StatusCode: *r.ProcessorStatus, Body: cloneBytes(r.ProcessorBody)})
	}
	if r.ProxyStatus != nil {
		if err := checkStatus(FieldProxyStatus, *r.ProxyStatus); err != nil {
			return nil, err
		}
		ic.WithProxyResult(idem.Result{StatusCode: *r.ProxyStatus, Body: cloneBytes(r.ProxyBody)})
	}
	return ic, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.ProcessorStatus != nil {
		s := *r.ProcessorStatus
		out.ProcessorStatus = &s
	}
	if r.ProxyStatus != nil {
		s := *r.ProxyStatus
		out.ProxyStatus = &s
	}
	out.ProcessorBody = cloneBytes(r.ProcessorBody)
	out.ProxyBody = cloneBytes(r.ProxyBody)
	return &out
}

// ============================================================================
// Hash encoding
// ============================================================================

// ProcessorFields returns the hash fields holding a processor result.
func ProcessorFields(res idem.Result) []any {
	return []any{
		FieldProcessorStatus, strconv.Itoa(res.StatusCode),
		FieldProcessorBody, string(res.Body),
	}
}

// ProxyFields returns the hash fields holding a proxy result.
func ProxyFields(res idem.Result) []any {
	return []any{
		FieldProxyStatus, strconv.Itoa(res.StatusCode),
		FieldProxyBody, string(res.Body),
	}
}

// RecordFromHash decodes a record stored as a flat hash of string fields.
// Only created_at is required; expires_at is left zero when the backend expires keys itself.
func RecordFromHash(key idem.RecordKey, fields map[string]string) (*Record, error) {
	createdRaw, ok := fields[FieldCreatedAt]
	if !ok {
		return nil, fmt.Errorf("%w: record %s has no %s", idem.ErrStorageSchema, key, FieldCreatedAt)
	}
	createdMs, err := strconv.ParseInt(createdRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s: bad %s: %v", idem.ErrStorageSchema, key, FieldCreatedAt, err)
	}

	r := &Record{
		Key:       key.Key,
		Method:    key.Method,
		URL:       key.URL,
		CreatedAt: time.UnixMilli(createdMs),
	}
	if r.ProcessorStatus, err = hashStatus(key, fields, FieldProcessorStatus); err != nil {
		return nil, err
	}
	if r.ProxyStatus, err = hashStatus(key, fields, FieldProxyStatus); err != nil {
		return nil, err
	}
	if r.ProcessorStatus != nil {
		r.ProcessorBody = []byte(fields[FieldProcessorBody])
	}
	if r.ProxyStatus != nil {
		r.ProxyBody = []byte(fields[FieldProxyBody])
	}
	return r, nil
}

func hashStatus(key idem.RecordKey, fields map[string]string, name string) (*int, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	status, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s: bad %s: %v", idem.ErrStorageSchema, key, name, err)
	}
	return &status, nil
}

func checkStatus(field string, status int) error {
	if status < 100 || status > 599 {
		return fmt.Errorf("%w: %s %d out of range", idem.ErrStorageSchema, field, status)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
