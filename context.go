package idem

import (
	"bytes"
	"fmt"
)

// Result is the outcome of one stage of a flow: a status code and a response body.
type Result struct {
	StatusCode int
	Body       []byte
}

// NewResult creates a Result from a status code and a string body.
func NewResult(statusCode int, body string) Result {
	return Result{StatusCode: statusCode, Body: []byte(body)}
}

// Equal reports whether two results carry the same status and body.
func (r Result) Equal(other Result) bool {
	return r.StatusCode == other.StatusCode && bytes.Equal(r.Body, other.Body)
}

// RecordKey identifies a single idempotency record.
// Key, Method and URL together form the storage primary key.
type RecordKey struct {
	Key    string
	Method string
	URL    string
}

// String returns a compact representation used in logs and store keys.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Key, k.Method, k.URL)
}

// Validate returns ErrInvalidArgument if any component of the key is empty.
func (k RecordKey) Validate() error {
	if k.Key == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrInvalidArgument)
	}
	if k.Method == "" {
		return fmt.Errorf("%w: empty method", ErrInvalidArgument)
	}
	if k.URL == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidArgument)
	}
	return nil
}

// State is the lifecycle state of an idempotency record.
type State int

const (
	// StatePending means the key was claimed but no result has been persisted.
	StatePending State = iota
	// StateProcessorComplete means the protected operation ran but the response was never finalized.
	StateProcessorComplete
	// StateComplete means the final response was persisted.
	StateComplete
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateProcessorComplete:
		return "PROCESSOR_COMPLETE"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// IdempotencyContext is the unit of work tracked for one (key, method, url).
type IdempotencyContext struct {
	RecordKey

	// ProcessorResult is set once the protected operation actually executed.
	ProcessorResult *Result

	// ProxyResult is the outcome returned to the client, set once the response path completed.
	ProxyResult *Result
}

// NewIdempotencyContext creates a context with no results.
func NewIdempotencyContext(key, method, url string) *IdempotencyContext {
	return &IdempotencyContext{
		RecordKey: RecordKey{Key: key, Method: method, URL: url},
	}
}

// WithProcessorResult sets the processor result and returns the context.
func (c *IdempotencyContext) WithProcessorResult(r Result) *IdempotencyContext {
	c.ProcessorResult = &r
	return c
}

// WithProxyResult sets the proxy result and returns the context.
func (c *IdempotencyContext) WithProxyResult(r Result) *IdempotencyContext {
	c.ProxyResult = &r
	return c
}

// State derives the lifecycle state from the persisted results.
// A stored proxy result always means the flow completed.
func (c *IdempotencyContext) State() State {
	switch {
	case c.ProxyResult != nil:
		return StateComplete
	case c.ProcessorResult != nil:
		return StateProcessorComplete
	default:
		return StatePending
	}
}

// Clone returns a deep copy of the context.
func (c *IdempotencyContext) Clone() *IdempotencyContext {
	if c == nil {
		return nil
	}
	out := &IdempotencyContext{RecordKey: c.RecordKey}
	if c.ProcessorResult != nil {
		out.ProcessorResult = cloneResult(c.ProcessorResult)
	}
	if c.ProxyResult != nil {
		out.ProxyResult = cloneResult(c.ProxyResult)
	}
	return out
}

func cloneResult(r *Result) *Result {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Result{StatusCode: r.StatusCode, Body: body}
}

// ClaimResult is returned by Store.CreateIfAbsent.
// Existing is set if and only if Claimed is false.
type ClaimResult struct {
	Claimed  bool
	Existing *IdempotencyContext
}

// Claimed returns a ClaimResult for the first caller to observe the key.
func Claimed() ClaimResult {
	return ClaimResult{Claimed: true}
}

// AlreadyClaimed returns a ClaimResult carrying the record persisted so far.
func AlreadyClaimed(existing *IdempotencyContext) ClaimResult {
	return ClaimResult{Claimed: false, Existing: existing}
}
