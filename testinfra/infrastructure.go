// Package testinfra connects integration tests to real MySQL and Redis instances.
//
// Tests skip when the servers are unreachable. Each test gets its own table and key
// prefix, dropped again on cleanup.
package testinfra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	mysqlstore "idem/store/mysql"
)

// TestConfig holds configuration for test infrastructure
type TestConfig struct {
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns the default test configuration, overridable from the environment.
func DefaultConfig() TestConfig {
	return TestConfig{
		MySQLDSN:  getEnv("IDEM_TEST_MYSQL_DSN", "root:123456@tcp(localhost:3306)/idem_test"),
		RedisAddr: getEnv("IDEM_TEST_REDIS_ADDR", "localhost:6379"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// TestID returns an identifier unique to this test run, usable in table names and key prefixes.
func TestID() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Clock is a settable time source for stores that take WithClock.
type Clock struct {
	now time.Time
}

// NewClock starts a clock at the current wall time.
func NewClock() *Clock {
	return &Clock{now: time.Now().UTC().Truncate(time.Microsecond)}
}

// Now returns the clock's time.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// NewMySQLStore opens a MySQL store on a fresh table, skipping the test if MySQL is down.
// The table is dropped when the test ends.
func NewMySQLStore(t *testing.T, opts ...mysqlstore.Option) *mysqlstore.MySQLStore {
	t.Helper()
	db := openMySQL(t)
	table := "idem_" + TestID()

	s, err := mysqlstore.New(db, append([]mysqlstore.Option{mysqlstore.WithTable(table)}, opts...)...)
	if err != nil {
		t.Fatalf("create mysql store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
			t.Logf("Warning: failed to drop %s: %v", table, err)
		}
	})
	return s
}

func openMySQL(t *testing.T) *sql.DB {
	t.Helper()
	cfg, err := mysql.ParseDSN(DefaultConfig().MySQLDSN)
	if err != nil {
		t.Fatalf("parse mysql dsn: %v", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		t.Fatalf("mysql connector: %v", err)
	}
	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("Skipping test: MySQL not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewRedisClient connects to Redis, skipping the test if it is down.
// The returned prefix namespaces this test's keys; they are deleted when the test ends.
func NewRedisClient(t *testing.T) (client *redis.Client, prefix string) {
	t.Helper()
	cfg := DefaultConfig()

	client = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping test: Redis not available: %v", err)
	}

	prefix = "idemtest:" + TestID() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return client, prefix
}
