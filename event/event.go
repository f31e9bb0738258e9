// Package event provides event definitions and event bus for the idempotency engine.
package event

import (
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// Request path events
	EventFlowClaimed    EventType = "flow.claimed"
	EventFlowReplayed   EventType = "flow.replayed"
	EventFlowRecovering EventType = "flow.recovering"
	EventFlowConflict   EventType = "flow.conflict"

	// Response path events
	EventFlowCompleted     EventType = "flow.completed"
	EventFlowPersistFailed EventType = "flow.persist_failed"

	// Circuit breaker events
	EventCircuitOpened EventType = "circuit.opened"
	EventCircuitClosed EventType = "circuit.closed"

	// Sweeper events
	EventSweepStart EventType = "sweep.start"

	// Alert events
	EventAlertWarning  EventType = "alert.warning"
	EventAlertCritical EventType = "alert.critical"
)

// Event describes something that happened to an idempotent flow.
type Event struct {
	Type      EventType      // Event type
	Key       string         // Idempotency key
	Method    string         // Request method
	URL       string         // Request url
	Timestamp time.Time      // When the event was created
	Data      map[string]any // Additional data
	Error     error          // Failure cause, failure events only
}

// NewEvent creates a new event with the given type and automatically sets the timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithFlow sets the (key, method, url) identifying the flow.
func (e Event) WithFlow(key, method, url string) Event {
	e.Key = key
	e.Method = method
	e.URL = url
	return e
}

// WithError sets the error on the event.
func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData sets a key-value pair in the event data.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// IsAlert reports whether the event is an alert.
func (e Event) IsAlert() bool {
	return e.Type == EventAlertWarning || e.Type == EventAlertCritical
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}
