package idem

import "errors"

// Argument errors
var (
	// ErrInvalidArgument indicates malformed configuration or an invalid hook registration
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMalformedRequest indicates the request descriptor is missing method, url or headers
	ErrMalformedRequest = errors.New("malformed request")

	// ErrRegistrySealed indicates a hook registration after the engine started serving requests
	ErrRegistrySealed = errors.New("hook registry sealed")
)

// Flow errors
var (
	// ErrIncompleteFlow indicates a duplicate request arrived before the original attempt produced a final response
	ErrIncompleteFlow = errors.New("incomplete idempotent flow")
)

// Store errors
var (
	// ErrStorageUnavailable indicates a transient backend or network failure
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStorageSchema indicates the (key, method, url) record contract cannot be satisfied by the backend
	ErrStorageSchema = errors.New("storage schema error")

	// ErrRecordNotFound indicates an update targeted a record that does not exist or has expired
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// Circuit breaker errors
var (
	// ErrCircuitOpen indicates the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
