// Package redis provides a Redis-backed idempotency store.
//
// Each record is a hash stored under a key derived from (key, method, url).
// Claims and updates run as Lua scripts so the existence check and the write are atomic,
// and Redis expires the hash itself via PEXPIRE set once at creation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"idem"
	"idem/store"
)

func init() {
	store.Register(store.BackendRedis, func(ctx context.Context, params store.Params, logger *zap.Logger) (idem.Store, error) {
		db, err := params.Int("db", 0)
		if err != nil {
			return nil, err
		}
		addrs := params.List("addrs")
		if len(addrs) == 0 {
			addrs = []string{params.String("addr", "localhost:6379")}
		}

		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      addrs,
			Username:   params.String("username", ""),
			Password:   params.String("password", ""),
			DB:         db,
			MasterName: params.String("master_name", ""),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: ping redis: %v", idem.ErrStorageUnavailable, err)
		}

		s := New(client, WithPrefix(params.String("prefix", DefaultPrefix)), WithLogger(logger))
		s.closer = client
		return s, nil
	})
}

// DefaultPrefix namespaces record keys.
const DefaultPrefix = "idem:"

// recordSegment follows the prefix on every record key, keeping records apart from other
// keys sharing the prefix, such as the sweeper lease under "idem:lock:".
const recordSegment = "rec:"

// scanCount is the COUNT hint used when scanning for stale records.
const scanCount = 200

// KEYS[1] record key
// ARGV[1..3] idempotency key, method, url
// ARGV[4] created_at in unix milliseconds
// ARGV[5] ttl in milliseconds
const createSrc = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HGETALL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'idempotency_key', ARGV[1], 'method', ARGV[2], 'url', ARGV[3], 'created_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`

// KEYS[1] record key
// ARGV field/value pairs
const updateSrc = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`

var (
	createScript = redis.NewScript(createSrc)
	updateScript = redis.NewScript(updateSrc)
)

// RedisStore implements idem.Store on top of Redis hashes.
type RedisStore struct {
	client redis.Cmdable
	closer interface{ Close() error }
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

var (
	_ idem.Store       = (*RedisStore)(nil)
	_ idem.StaleLister = (*RedisStore)(nil)
)

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *RedisStore) {
		s.logger = l
	}
}

// New creates a store using an existing client. The caller keeps ownership of the client.
func New(client redis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// recordKey builds the Redis key for a record. Components are escaped so ':' only ever separates them.
func (s *RedisStore) recordKey(key idem.RecordKey) string {
	return s.prefix + recordSegment + key.Method + ":" + url.QueryEscape(key.URL) + ":" + url.QueryEscape(key.Key)
}

func (s *RedisStore) CreateIfAbsent(ctx context.Context, ic *idem.IdempotencyContext, ttl time.Duration) (idem.ClaimResult, error) {
	if err := ic.Validate(); err != nil {
		return idem.ClaimResult{}, err
	}
	if ttl < time.Millisecond {
		return idem.ClaimResult{}, fmt.Errorf("%w: ttl %s below redis resolution", idem.ErrInvalidArgument, ttl)
	}

	key := ic.RecordKey
	res, err := createScript.Run(ctx, s.client, []string{s.recordKey(key)},
		key.Key, key.Method, key.URL,
		strconv.FormatInt(s.now().UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Result()
	if err != nil {
		return idem.ClaimResult{}, classify("create", err)
	}

	switch v := res.(type) {
	case int64:
		if v != 1 {
			return idem.ClaimResult{}, fmt.Errorf("%w: create script returned %d", idem.ErrStorageSchema, v)
		}
		return idem.Claimed(), nil
	case []interface{}:
		fields, err := pairsToMap(v)
		if err != nil {
			return idem.ClaimResult{}, err
		}
		existing, err := decode(key, fields)
		if err != nil {
			return idem.ClaimResult{}, err
		}
		return idem.AlreadyClaimed(existing), nil
	default:
		return idem.ClaimResult{}, fmt.Errorf("%w: create script returned %T", idem.ErrStorageSchema, res)
	}
}

func (s *RedisStore) Get(ctx context.Context, key idem.RecordKey) (*idem.IdempotencyContext, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, classify("get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decode(key, fields)
}

func (s *RedisStore) UpdateProcessorResult(ctx context.Context, key idem.RecordKey, processor idem.Result) error {
	return s.update(ctx, key, store.ProcessorFields(processor))
}

func (s *RedisStore) UpdateFull(ctx context.Context, key idem.RecordKey, processor, proxy idem.Result) error {
	return s.update(ctx, key, append(store.ProcessorFields(processor), store.ProxyFields(proxy)...))
}

func (s *RedisStore) update(ctx context.Context, key idem.RecordKey, fields []any) error {
	n, err := updateScript.Run(ctx, s.client, []string{s.recordKey(key)}, fields...).Int64()
	if err != nil {
		return classify("update", err)
	}
	if n == 0 {
		return idem.ErrRecordNotFound
	}
	return nil
}

// ListIncomplete scans the prefix for records without a proxy result created more than
// olderThan ago, oldest first.
func (s *RedisStore) ListIncomplete(ctx context.Context, olderThan time.Duration) ([]*idem.IdempotencyContext, error) {
	cutoff := s.now().Add(-olderThan)

	var (
		stale  []*store.Record
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+recordSegment+"*", scanCount).Result()
		if err != nil {
			return nil, classify("scan", err)
		}
		for _, k := range keys {
			fields, err := s.client.HGetAll(ctx, k).Result()
			if isWrongType(err) {
				s.logger.Debug("skipping non-hash key", zap.String("redis_key", k))
				continue
			}
			if err != nil {
				return nil, classify("get", err)
			}
			if len(fields) == 0 {
				continue
			}
			if _, done := fields[store.FieldProxyStatus]; done {
				continue
			}
			rec, err := store.RecordFromHash(idem.RecordKey{
				Key:    fields[store.FieldKey],
				Method: fields[store.FieldMethod],
				URL:    fields[store.FieldURL],
			}, fields)
			if err != nil {
				s.logger.Warn("skipping undecodable record", zap.String("redis_key", k), zap.Error(err))
				continue
			}
			if rec.CreatedAt.Before(cutoff) {
				stale = append(stale, rec)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	out := make([]*idem.IdempotencyContext, 0, len(stale))
	for _, rec := range stale {
		ic, err := rec.Context()
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, nil
}

// Close closes the client if the store opened it.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func decode(key idem.RecordKey, fields map[string]string) (*idem.IdempotencyContext, error) {
	rec, err := store.RecordFromHash(key, fields)
	if err != nil {
		return nil, err
	}
	return rec.Context()
}

func pairsToMap(vals []interface{}) (map[string]string, error) {
	if len(vals)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of hash elements", idem.ErrStorageSchema)
	}
	out := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		k, ok1 := vals[i].(string)
		v, ok2 := vals[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: non-string hash element", idem.ErrStorageSchema)
		}
		out[k] = v
	}
	return out, nil
}

// classify maps a Redis error onto the store error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, idem.ErrStorageUnavailable) || errors.Is(err, idem.ErrStorageSchema) {
		return err
	}
	if isWrongType(err) {
		return fmt.Errorf("%w: %s: %v", idem.ErrStorageSchema, op, err)
	}
	return fmt.Errorf("%w: %s: %v", idem.ErrStorageUnavailable, op, err)
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}
