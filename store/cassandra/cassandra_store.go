// Package cassandra provides a Cassandra-backed idempotency store.
//
// Claims use a lightweight transaction (INSERT ... IF NOT EXISTS USING TTL) and the
// cluster expires rows itself. Updates carry the row's remaining TTL forward so a
// completed flow never outlives the window set at creation.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"idem"
	"idem/store"
)

func init() {
	store.Register(store.BackendCassandra, func(ctx context.Context, params store.Params, logger *zap.Logger) (idem.Store, error) {
		cfg, err := ConfigFromParams(params)
		if err != nil {
			return nil, err
		}
		return Open(ctx, cfg, WithLogger(logger))
	})
}

// Defaults applied by DefaultConfig.
const (
	DefaultKeyspace          = "idempotency"
	DefaultTable             = "records"
	DefaultReplicationClass  = "SimpleStrategy"
	DefaultReplicationFactor = 3
	DefaultConsistency       = "QUORUM"
	DefaultTimeout           = 2 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultReconnectRetries  = 10
)

// Server error codes from the native protocol that mean the schema is wrong.
const (
	codeSyntax       = 0x2000
	codeInvalid      = 0x2200
	codeUnconfigured = 0x2300
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// Config configures the cluster connection and schema.
type Config struct {
	Hosts    []string
	Port     int
	Keyspace string
	Table    string
	Username string
	Password string

	Consistency       string
	ReplicationClass  string
	ReplicationFactor int

	Timeout             time.Duration
	ConnectTimeout      time.Duration
	ReconnectInterval   time.Duration
	ReconnectMaxRetries int

	// EnsureSchema creates the keyspace and table on Open.
	EnsureSchema bool
}

// DefaultConfig returns a config for a local single-datacenter cluster.
func DefaultConfig() Config {
	return Config{
		Hosts:               []string{"127.0.0.1"},
		Port:                9042,
		Keyspace:            DefaultKeyspace,
		Table:               DefaultTable,
		Consistency:         DefaultConsistency,
		ReplicationClass:    DefaultReplicationClass,
		ReplicationFactor:   DefaultReplicationFactor,
		Timeout:             DefaultTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		ReconnectInterval:   DefaultReconnectInterval,
		ReconnectMaxRetries: DefaultReconnectRetries,
		EnsureSchema:        true,
	}
}

// ConfigFromParams builds a Config from registry parameters on top of DefaultConfig.
func ConfigFromParams(params store.Params) (Config, error) {
	cfg := DefaultConfig()
	if hosts := params.List("hosts"); len(hosts) > 0 {
		cfg.Hosts = hosts
	}
	cfg.Keyspace = params.String("keyspace", cfg.Keyspace)
	cfg.Table = params.String("table", cfg.Table)
	cfg.Username = params.String("username", "")
	cfg.Password = params.String("password", "")
	cfg.Consistency = params.String("consistency", cfg.Consistency)
	cfg.ReplicationClass = params.String("replication_class", cfg.ReplicationClass)
	cfg.EnsureSchema = params.String("ensure_schema", "true") == "true"

	var err error
	if cfg.Port, err = params.Int("port", cfg.Port); err != nil {
		return Config{}, err
	}
	if cfg.ReplicationFactor, err = params.Int("replication_factor", cfg.ReplicationFactor); err != nil {
		return Config{}, err
	}
	if cfg.Timeout, err = params.Duration("timeout", cfg.Timeout); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the config for values the cluster would reject.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("%w: at least one host is required", idem.ErrInvalidArgument)
	}
	if !identifierPattern.MatchString(c.Keyspace) {
		return fmt.Errorf("%w: invalid keyspace %q", idem.ErrInvalidArgument, c.Keyspace)
	}
	if !identifierPattern.MatchString(c.Table) {
		return fmt.Errorf("%w: invalid table %q", idem.ErrInvalidArgument, c.Table)
	}
	if c.ReplicationClass != "SimpleStrategy" && c.ReplicationClass != "NetworkTopologyStrategy" {
		return fmt.Errorf("%w: unsupported replication class %q", idem.ErrInvalidArgument, c.ReplicationClass)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("%w: replication factor must be at least 1", idem.ErrInvalidArgument)
	}
	if _, err := gocql.ParseConsistencyWrapper(c.Consistency); err != nil {
		return fmt.Errorf("%w: %v", idem.ErrInvalidArgument, err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", idem.ErrInvalidArgument)
	}
	return nil
}

// ClusterConfig translates the config into a gocql cluster config.
func (c *Config) ClusterConfig() *gocql.ClusterConfig {
	cluster := gocql.NewCluster(c.Hosts...)
	if c.Port > 0 {
		cluster.Port = c.Port
	}
	cluster.Consistency, _ = gocql.ParseConsistencyWrapper(c.Consistency)
	cluster.SerialConsistency = gocql.Serial
	cluster.Timeout = c.Timeout
	cluster.ConnectTimeout = c.ConnectTimeout
	cluster.ReconnectionPolicy = &gocql.ConstantReconnectionPolicy{
		MaxRetries: c.ReconnectMaxRetries,
		Interval:   c.ReconnectInterval,
	}
	if c.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: c.Username,
			Password: c.Password,
		}
	}
	return cluster
}

// session is the subset of a gocql session the store needs.
type session interface {
	cas(ctx context.Context, stmt string, dest map[string]interface{}, values ...interface{}) (bool, error)
	scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error
	exec(ctx context.Context, stmt string, values ...interface{}) error
	close()
}

type gocqlSession struct {
	s *gocql.Session
}

func (g gocqlSession) cas(ctx context.Context, stmt string, dest map[string]interface{}, values ...interface{}) (bool, error) {
	return g.s.Query(stmt, values...).WithContext(ctx).MapScanCAS(dest)
}

func (g gocqlSession) scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error {
	return g.s.Query(stmt, values...).WithContext(ctx).Scan(dest...)
}

func (g gocqlSession) exec(ctx context.Context, stmt string, values ...interface{}) error {
	return g.s.Query(stmt, values...).WithContext(ctx).Exec()
}

func (g gocqlSession) close() {
	g.s.Close()
}

// CassandraStore implements idem.Store with lightweight transactions.
type CassandraStore struct {
	session session
	cfg     Config
	table   string
	logger  *zap.Logger
}

var _ idem.Store = (*CassandraStore)(nil)

// Option configures a CassandraStore.
type Option func(*CassandraStore)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *CassandraStore) {
		s.logger = l
	}
}

// Open connects to the cluster and, if configured, creates the keyspace and table.
func Open(ctx context.Context, cfg Config, opts ...Option) (*CassandraStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := cfg.ClusterConfig().CreateSession()
	if err != nil {
		return nil, fmt.Errorf("%w: connect to cassandra: %v", idem.ErrStorageUnavailable, err)
	}

	s := newStore(gocqlSession{s: sess}, cfg, opts...)
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			sess.Close()
			return nil, err
		}
	}
	s.logger.Info("connected to cassandra",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("table", s.table),
		zap.String("consistency", cfg.Consistency))
	return s, nil
}

func newStore(sess session, cfg Config, opts ...Option) *CassandraStore {
	s := &CassandraStore{
		session: sess,
		cfg:     cfg,
		table:   cfg.Keyspace + "." + cfg.Table,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the keyspace and the record table if missing.
func (s *CassandraStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.exec(ctx, s.keyspaceDDL()); err != nil {
		return classify("create keyspace", err)
	}
	if err := s.session.exec(ctx, s.tableDDL()); err != nil {
		return classify("create table", err)
	}
	return nil
}

func (s *CassandraStore) keyspaceDDL() string {
	return fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': '%s', 'replication_factor': %d}",
		s.cfg.Keyspace, s.cfg.ReplicationClass, s.cfg.ReplicationFactor)
}

func (s *CassandraStore) tableDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	idempotency_key text,
	method text,
	url text,
	processor_status int,
	processor_body blob,
	proxy_status int,
	proxy_body blob,
	created_at timestamp,
	PRIMARY KEY ((idempotency_key, method, url))
)`, s.table)
}

func (s *CassandraStore) CreateIfAbsent(ctx context.Context, ic *idem.IdempotencyContext, ttl time.Duration) (idem.ClaimResult, error) {
	if err := ic.Validate(); err != nil {
		return idem.ClaimResult{}, err
	}
	seconds, err := ttlSeconds(ttl)
	if err != nil {
		return idem.ClaimResult{}, err
	}

	key := ic.RecordKey
	existing := make(map[string]interface{})
	applied, err := s.session.cas(ctx,
		"INSERT INTO "+s.table+" (idempotency_key, method, url, created_at) VALUES (?, ?, ?, ?) IF NOT EXISTS USING TTL ?",
		existing, key.Key, key.Method, key.URL, time.Now(), seconds)
	if err != nil {
		return idem.ClaimResult{}, classify("create", err)
	}
	if applied {
		return idem.Claimed(), nil
	}

	prior, err := recordFromRow(key, existing).Context()
	if err != nil {
		return idem.ClaimResult{}, err
	}
	return idem.AlreadyClaimed(prior), nil
}

func (s *CassandraStore) Get(ctx context.Context, key idem.RecordKey) (*idem.IdempotencyContext, error) {
	var (
		processorStatus, proxyStatus int
		processorBody, proxyBody     []byte
		createdAt                    time.Time
	)
	err := s.session.scan(ctx,
		"SELECT processor_status, processor_body, proxy_status, proxy_body, created_at FROM "+s.table+" WHERE idempotency_key = ? AND method = ? AND url = ?",
		[]interface{}{key.Key, key.Method, key.URL},
		&processorStatus, &processorBody, &proxyStatus, &proxyBody, &createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", err)
	}

	return recordFromRow(key, map[string]interface{}{
		store.FieldProcessorStatus: processorStatus,
		store.FieldProcessorBody:   processorBody,
		store.FieldProxyStatus:     proxyStatus,
		store.FieldProxyBody:       proxyBody,
		store.FieldCreatedAt:       createdAt,
	}).Context()
}

func (s *CassandraStore) UpdateProcessorResult(ctx context.Context, key idem.RecordKey, processor idem.Result) error {
	return s.update(ctx, key,
		"processor_status = ?, processor_body = ?",
		processor.StatusCode, processor.Body)
}

func (s *CassandraStore) UpdateFull(ctx context.Context, key idem.RecordKey, processor, proxy idem.Result) error {
	return s.update(ctx, key,
		"processor_status = ?, processor_body = ?, proxy_status = ?, proxy_body = ?",
		processor.StatusCode, processor.Body, proxy.StatusCode, proxy.Body)
}

// update rewrites columns with the row's remaining TTL so the expiry set at creation holds.
func (s *CassandraStore) update(ctx context.Context, key idem.RecordKey, assignments string, values ...interface{}) error {
	remaining, err := s.remainingTTL(ctx, key)
	if err != nil {
		return err
	}

	args := append([]interface{}{remaining}, values...)
	args = append(args, key.Key, key.Method, key.URL)
	applied, err := s.session.cas(ctx,
		"UPDATE "+s.table+" USING TTL ? SET "+assignments+" WHERE idempotency_key = ? AND method = ? AND url = ? IF EXISTS",
		make(map[string]interface{}), args...)
	if err != nil {
		return classify("update", err)
	}
	if !applied {
		return idem.ErrRecordNotFound
	}
	return nil
}

func (s *CassandraStore) remainingTTL(ctx context.Context, key idem.RecordKey) (int, error) {
	var remaining int
	err := s.session.scan(ctx,
		"SELECT TTL(created_at) FROM "+s.table+" WHERE idempotency_key = ? AND method = ? AND url = ?",
		[]interface{}{key.Key, key.Method, key.URL},
		&remaining)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, idem.ErrRecordNotFound
	}
	if err != nil {
		return 0, classify("read ttl", err)
	}
	if remaining <= 0 {
		return 0, idem.ErrRecordNotFound
	}
	return remaining, nil
}

// Close closes the session.
func (s *CassandraStore) Close() error {
	s.session.close()
	return nil
}

// ttlSeconds converts ttl to whole seconds, rounding up so short windows are not lost.
func ttlSeconds(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: ttl must be positive", idem.ErrInvalidArgument)
	}
	seconds := int((ttl + time.Second - 1) / time.Second)
	return seconds, nil
}

// recordFromRow decodes a row map. Unset int columns come back as 0, which is never a valid status.
func recordFromRow(key idem.RecordKey, row map[string]interface{}) *store.Record {
	rec := &store.Record{Key: key.Key, Method: key.Method, URL: key.URL}
	if t, ok := row[store.FieldCreatedAt].(time.Time); ok {
		rec.CreatedAt = t
	}
	if status, ok := row[store.FieldProcessorStatus].(int); ok && status != 0 {
		body, _ := row[store.FieldProcessorBody].([]byte)
		rec.SetProcessor(idem.Result{StatusCode: status, Body: body})
	}
	if status, ok := row[store.FieldProxyStatus].(int); ok && status != 0 {
		body, _ := row[store.FieldProxyBody].([]byte)
		rec.SetProxy(idem.Result{StatusCode: status, Body: body})
	}
	return rec
}

// classify maps a driver error onto the store error taxonomy.
func classify(op string, err error) error {
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case codeSyntax, codeInvalid, codeUnconfigured:
			return fmt.Errorf("%w: %s: %v", idem.ErrStorageSchema, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", idem.ErrStorageUnavailable, op, err)
}
