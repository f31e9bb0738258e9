package testinfra

import (
	"context"
	"testing"
	"time"

	"idem"
	mysqlstore "idem/store/mysql"
	"idem/store/storetest"
)

func TestMySQLStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		clock := NewClock()
		s := NewMySQLStore(t, mysqlstore.WithClock(clock.Now))
		return storetest.Harness{Store: s, Advance: clock.Advance}
	})
}

func TestMySQLStore_ListIncompleteAndDeleteExpired(t *testing.T) {
	clock := NewClock()
	s := NewMySQLStore(t, mysqlstore.WithClock(clock.Now))
	ctx := context.Background()

	stale := idem.NewIdempotencyContext("stale", "POST", "/payments")
	done := idem.NewIdempotencyContext("done", "POST", "/payments")
	short := idem.NewIdempotencyContext("short", "POST", "/payments")
	for _, ic := range []*idem.IdempotencyContext{stale, done} {
		if _, err := s.CreateIfAbsent(ctx, ic, time.Hour); err != nil {
			t.Fatalf("CreateIfAbsent(%s): %v", ic.Key, err)
		}
	}
	if _, err := s.CreateIfAbsent(ctx, short, time.Minute); err != nil {
		t.Fatalf("CreateIfAbsent(short): %v", err)
	}
	err := s.UpdateFull(ctx, done.RecordKey, idem.Result{StatusCode: 201}, idem.Result{StatusCode: 201})
	if err != nil {
		t.Fatalf("UpdateFull: %v", err)
	}

	clock.Advance(10 * time.Minute)

	incomplete, err := s.ListIncomplete(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ListIncomplete: %v", err)
	}
	if len(incomplete) != 1 || incomplete[0].Key != "stale" {
		t.Fatalf("expected only the stale record, got %v", incomplete)
	}

	n, err := s.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired row removed, got %d", n)
	}
}
