// Package admin exposes an operator API over the idempotency engine: recent
// lifecycle events, record lookup, stale flows, sweeper and circuit breaker state.
package admin

import (
	"context"
	"sort"
	"sync"
	"time"

	"idem/event"
)

// DefaultMaxEvents bounds the event log when no size is given.
const DefaultMaxEvents = 1000

// EventStore keeps the most recent lifecycle events in memory.
// When full the oldest events are dropped.
type EventStore struct {
	events    []StoredEvent
	maxEvents int
	mu        sync.RWMutex
	nextID    int64
}

// StoredEvent is the JSON form of an event.Event.
type StoredEvent struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Key       string         `json:"idempotency_key,omitempty"`
	Method    string         `json:"method,omitempty"`
	URL       string         `json:"url,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EventFilter selects events from the store
type EventFilter struct {
	Type   string
	Key    string
	Limit  int
	Offset int
}

func (f EventFilter) matches(e StoredEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Key != "" && e.Key != f.Key {
		return false
	}
	return true
}

// NewEventStore creates an event store holding at most maxEvents events.
func NewEventStore(maxEvents int) *EventStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &EventStore{
		events:    make([]StoredEvent, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Store appends e to the log.
func (s *EventStore) Store(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := StoredEvent{
		ID:        s.nextID,
		Type:      string(e.Type),
		Key:       e.Key,
		Method:    e.Method,
		URL:       e.URL,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	}
	if e.Error != nil {
		stored.Error = e.Error.Error()
	}

	s.events = append(s.events, stored)
	if excess := len(s.events) - s.maxEvents; excess > 0 {
		s.events = s.events[excess:]
	}
}

// List returns the events matching filter, newest first.
func (s *EventStore) List(filter EventFilter) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var filtered []StoredEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if filter.matches(s.events[i]) {
			filtered = append(filtered, s.events[i])
		}
	}

	if filter.Offset >= len(filtered) {
		return []StoredEvent{}
	}
	end := min(filter.Offset+filter.Limit, len(filtered))
	return filtered[filter.Offset:end]
}

// Count returns the number of events matching filter, ignoring pagination.
func (s *EventStore) Count(filter EventFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.events {
		if filter.matches(e) {
			count++
		}
	}
	return count
}

// EventHandler returns a handler that can be passed to EventBus.SubscribeAll.
func (s *EventStore) EventHandler() event.EventHandler {
	return func(ctx context.Context, e event.Event) error {
		s.Store(e)
		return nil
	}
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// EventTypes returns the distinct stored event types, sorted.
func (s *EventStore) EventTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.events {
		seen[e.Type] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
