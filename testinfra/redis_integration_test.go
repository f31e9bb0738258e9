package testinfra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idem"
	"idem/lock"
	redislock "idem/lock/redis"
	redisstore "idem/store/redis"
)

var paymentKey = idem.RecordKey{Key: "ThisIsKey1", Method: "POST", URL: "/payments/123"}

func newRedisStore(t *testing.T) (*redisstore.RedisStore, *Clock) {
	t.Helper()
	client, prefix := NewRedisClient(t)
	clock := NewClock()
	return redisstore.New(client, redisstore.WithPrefix(prefix), redisstore.WithClock(clock.Now)), clock
}

func TestRedisStore_ClaimAndReplay(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	res, err := s.CreateIfAbsent(ctx, idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Claimed)

	require.NoError(t, s.UpdateFull(ctx, paymentKey, idem.NewResult(201, `{"id":1}`), idem.NewResult(201, `{"id":1}`)))

	res, err = s.CreateIfAbsent(ctx, idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), time.Hour)
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	require.NotNil(t, res.Existing)
	assert.Equal(t, idem.StateComplete, res.Existing.State())
	assert.Equal(t, `{"id":1}`, string(res.Existing.ProxyResult.Body))

	other := paymentKey
	other.Method = "PUT"
	got, err := s.Get(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_UpdateMissingRecord(t *testing.T) {
	s, _ := newRedisStore(t)

	err := s.UpdateProcessorResult(context.Background(), paymentKey, idem.NewResult(200, "ok"))
	assert.True(t, errors.Is(err, idem.ErrRecordNotFound), "got %v", err)
}

func TestRedisStore_ServerSideExpiry(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	_, err := s.CreateIfAbsent(ctx, idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ic, err := s.Get(ctx, paymentKey)
		return err == nil && ic == nil
	}, 2*time.Second, 50*time.Millisecond)

	res, err := s.CreateIfAbsent(ctx, idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Claimed)
}

func TestRedisStore_ConcurrentCreateClaimsOnce(t *testing.T) {
	s, _ := newRedisStore(t)

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CreateIfAbsent(context.Background(), idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), time.Hour)
			if err != nil {
				t.Errorf("CreateIfAbsent: %v", err)
				return
			}
			if res.Claimed {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
}

func TestRedisStore_ListIncomplete(t *testing.T) {
	s, clock := newRedisStore(t)
	ctx := context.Background()

	old := idem.NewIdempotencyContext("old", "POST", "/payments")
	_, err := s.CreateIfAbsent(ctx, old, time.Hour)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = s.CreateIfAbsent(ctx, idem.NewIdempotencyContext("fresh", "POST", "/payments"), time.Hour)
	require.NoError(t, err)

	incomplete, err := s.ListIncomplete(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "old", incomplete[0].Key)
}

func TestRedisStore_ListIncompleteWhileSweeperLeaseHeld(t *testing.T) {
	client, prefix := NewRedisClient(t)
	clock := NewClock()
	s := redisstore.New(client, redisstore.WithPrefix(prefix), redisstore.WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.CreateIfAbsent(ctx, idem.NewIdempotencyContext(paymentKey.Key, paymentKey.Method, paymentKey.URL), time.Hour)
	require.NoError(t, err)

	// the proxy's lease lives under the store prefix followed by "lock:"
	h, err := redislock.NewRedisLocker(client, redislock.WithPrefix(prefix+"lock:")).Acquire(ctx, []string{"sweeper"}, time.Minute)
	require.NoError(t, err)
	defer h.Release(ctx)

	clock.Advance(time.Minute)
	incomplete, err := s.ListIncomplete(ctx, 0)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, paymentKey, incomplete[0].RecordKey)
}

func TestRedisLocker_Integration(t *testing.T) {
	client, prefix := NewRedisClient(t)
	ctx := context.Background()

	t.Run("Release_Frees_Lock", func(t *testing.T) {
		locker := redislock.NewRedisLocker(client, redislock.WithPrefix(prefix+"release:"))
		h, err := locker.Acquire(ctx, []string{"sweeper"}, time.Minute)
		require.NoError(t, err)
		require.NoError(t, h.Release(ctx))

		h, err = locker.Acquire(ctx, []string{"sweeper"}, time.Minute)
		require.NoError(t, err)
		require.NoError(t, h.Release(ctx))
	})

	t.Run("Acquire_Already_Locked", func(t *testing.T) {
		locker := redislock.NewRedisLocker(client, redislock.WithPrefix(prefix+"held:"))
		h, err := locker.Acquire(ctx, []string{"sweeper"}, time.Minute)
		require.NoError(t, err)
		defer h.Release(ctx)

		_, err = locker.Acquire(ctx, []string{"sweeper"}, time.Minute)
		assert.True(t, errors.Is(err, lock.ErrLockHeld), "got %v", err)
	})

	t.Run("Extend_Lock_TTL", func(t *testing.T) {
		locker := redislock.NewRedisLocker(client, redislock.WithPrefix(prefix+"extend:"))
		h, err := locker.Acquire(ctx, []string{"sweeper"}, time.Second)
		require.NoError(t, err)
		defer h.Release(ctx)

		require.NoError(t, h.Extend(ctx, time.Minute))
		ttl, err := client.PTTL(ctx, prefix+"extend:sweeper").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 30*time.Second)
	})

	t.Run("Extend_After_Expiry", func(t *testing.T) {
		locker := redislock.NewRedisLocker(client, redislock.WithPrefix(prefix+"expired:"))
		h, err := locker.Acquire(ctx, []string{"sweeper"}, 50*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)
		assert.True(t, errors.Is(h.Extend(ctx, time.Minute), lock.ErrLockNotHeld))
	})
}
