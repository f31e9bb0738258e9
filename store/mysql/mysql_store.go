// Package mysql provides a MySQL implementation of the idem.Store interface.
//
// The composite primary key (idempotency_key, method, url) makes INSERT the atomic
// conditional write: exactly one concurrent INSERT succeeds, the others fail with
// duplicate-entry error 1062 and read the winner's record instead.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"idem"
	"idem/store"
)

// MySQL server error numbers the store distinguishes.
const (
	errDuplicateEntry = 1062
	errNoSuchTable    = 1146
	errBadField       = 1054
	errDataTooLong    = 1406
)

// Column widths of the key columns, in characters. Longer components are rejected
// before they reach the server, which would otherwise fail or truncate them.
const (
	maxKeyLen    = 191
	maxMethodLen = 16
	maxURLLen    = 500
)

// DefaultTable is the table used unless WithTable is given.
const DefaultTable = "idem_records"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// MySQLStore implements idem.Store using MySQL.
type MySQLStore struct {
	db     *sql.DB
	ownsDB bool
	table  string
	now    func() time.Time
	logger *zap.Logger
}

var (
	_ idem.Store       = (*MySQLStore)(nil)
	_ idem.Sweeper     = (*MySQLStore)(nil)
	_ idem.StaleLister = (*MySQLStore)(nil)
)

// Option configures a MySQLStore.
type Option func(*MySQLStore)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(s *MySQLStore) {
		s.table = name
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MySQLStore) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *MySQLStore) {
		s.logger = l
	}
}

// New creates a new MySQLStore with the given database connection.
// The caller keeps ownership of db.
func New(db *sql.DB, opts ...Option) (*MySQLStore, error) {
	s := &MySQLStore{
		db:     db,
		table:  DefaultTable,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", idem.ErrInvalidArgument)
	}
	if !tableNamePattern.MatchString(s.table) {
		return nil, fmt.Errorf("%w: invalid table name %q", idem.ErrInvalidArgument, s.table)
	}
	return s, nil
}

// Open connects using a go-sql-driver DSN. parseTime and clientFoundRows are forced on.
func Open(ctx context.Context, dsn string, opts ...Option) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", idem.ErrInvalidArgument, err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql connector: %v", idem.ErrInvalidArgument, err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping mysql: %v", idem.ErrStorageUnavailable, err)
	}

	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

func init() {
	store.Register(store.BackendMySQL, func(ctx context.Context, params store.Params, logger *zap.Logger) (idem.Store, error) {
		dsn := params.String("dsn", "")
		if dsn == "" {
			return nil, fmt.Errorf("%w: mysql dsn is required", idem.ErrInvalidArgument)
		}
		s, err := Open(ctx, dsn,
			WithTable(params.String("table", DefaultTable)),
			WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		if params.String("ensure_schema", "true") == "true" {
			if err := s.EnsureSchema(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	})
}

// ============================================================================
// Schema
// ============================================================================

// EnsureSchema creates the records table if it does not exist.
// Key columns are sized so the utf8mb4 primary key stays under InnoDB's 3072-byte limit.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			idempotency_key VARCHAR(%d) NOT NULL,
			method VARCHAR(%d) NOT NULL,
			url VARCHAR(%d) NOT NULL,
			processor_status SMALLINT NULL,
			processor_body MEDIUMBLOB NULL,
			proxy_status SMALLINT NULL,
			proxy_body MEDIUMBLOB NULL,
			created_at DATETIME(6) NOT NULL,
			expires_at DATETIME(6) NOT NULL,
			PRIMARY KEY (idempotency_key, method, url),
			KEY idx_expires_at (expires_at),
			KEY idx_incomplete (proxy_status, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`, s.table, maxKeyLen, maxMethodLen, maxURLLen)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return classify("ensure schema", err)
	}
	s.logger.Info("idempotency table ready", zap.String("table", s.table))
	return nil
}

// ============================================================================
// Record Operations
// ============================================================================

// CreateIfAbsent claims the key by inserting a bare record.
// An expired record for the same key is removed first so it cannot block the insert.
func (s *MySQLStore) CreateIfAbsent(ctx context.Context, ic *idem.IdempotencyContext, ttl time.Duration) (idem.ClaimResult, error) {
	if err := ic.Validate(); err != nil {
		return idem.ClaimResult{}, err
	}
	key := ic.RecordKey
	if err := checkKeySize(key); err != nil {
		return idem.ClaimResult{}, err
	}

	// A record can expire between a failed insert and the read; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		now := s.now()

		deleteQuery := fmt.Sprintf(`
			DELETE FROM %s
			WHERE idempotency_key = ? AND method = ? AND url = ? AND expires_at <= ?
		`, s.table)
		if _, err := s.db.ExecContext(ctx, deleteQuery, key.Key, key.Method, key.URL, now); err != nil {
			return idem.ClaimResult{}, classify("clear expired record", err)
		}

		rec := store.NewRecord(key, now, ttl)
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (idempotency_key, method, url, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, s.table)
		_, err := s.db.ExecContext(ctx, insertQuery, rec.Key, rec.Method, rec.URL, rec.CreatedAt, rec.ExpiresAt)
		if err == nil {
			return idem.Claimed(), nil
		}
		if !isDuplicateKeyError(err) {
			return idem.ClaimResult{}, classify("insert record", err)
		}

		existing, err := s.Get(ctx, key)
		if err != nil {
			return idem.ClaimResult{}, err
		}
		if existing != nil {
			return idem.AlreadyClaimed(existing), nil
		}
		s.logger.Debug("claimed record expired before it could be read, retrying", zap.String("key", key.String()))
	}

	return idem.ClaimResult{}, fmt.Errorf("%w: claim %s: record kept expiring under contention", idem.ErrStorageUnavailable, key)
}

// Get returns the live record for key, or nil.
func (s *MySQLStore) Get(ctx context.Context, key idem.RecordKey) (*idem.IdempotencyContext, error) {
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT idempotency_key, method, url, processor_status, processor_body,
			proxy_status, proxy_body, created_at, expires_at
		FROM %s
		WHERE idempotency_key = ? AND method = ? AND url = ? AND expires_at > ?
	`, s.table)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key.Key, key.Method, key.URL, s.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("get record", err)
	}
	return rec.Context()
}

// UpdateProcessorResult attaches the processor result to a live record.
func (s *MySQLStore) UpdateProcessorResult(ctx context.Context, key idem.RecordKey, processor idem.Result) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processor_status = ?, processor_body = ?
		WHERE idempotency_key = ? AND method = ? AND url = ? AND expires_at > ?
	`, s.table)

	return s.update(ctx, "update processor result", key, query,
		processor.StatusCode, processor.Body,
		key.Key, key.Method, key.URL, s.now(),
	)
}

// UpdateFull attaches both results to a live record.
func (s *MySQLStore) UpdateFull(ctx context.Context, key idem.RecordKey, processor, proxy idem.Result) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processor_status = ?, processor_body = ?, proxy_status = ?, proxy_body = ?
		WHERE idempotency_key = ? AND method = ? AND url = ? AND expires_at > ?
	`, s.table)

	return s.update(ctx, "update full result", key, query,
		processor.StatusCode, processor.Body, proxy.StatusCode, proxy.Body,
		key.Key, key.Method, key.URL, s.now(),
	)
}

func (s *MySQLStore) update(ctx context.Context, op string, key idem.RecordKey, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Without clientFoundRows an update that changes nothing reports 0 rows.
	exists, err := s.recordExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return idem.ErrRecordNotFound
	}
	return nil
}

func (s *MySQLStore) recordExists(ctx context.Context, key idem.RecordKey) (bool, error) {
	query := fmt.Sprintf(`
		SELECT 1 FROM %s
		WHERE idempotency_key = ? AND method = ? AND url = ? AND expires_at > ?
	`, s.table)

	var one int
	err := s.db.QueryRowContext(ctx, query, key.Key, key.Method, key.URL, s.now()).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, classify("check record", err)
	}
	return true, nil
}

// ============================================================================
// Maintenance Operations
// ============================================================================

// DeleteExpired removes expired records.
func (s *MySQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.table)

	result, err := s.db.ExecContext(ctx, query, s.now())
	if err != nil {
		return 0, classify("delete expired records", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, classify("delete expired records", err)
	}
	return count, nil
}

// ListIncomplete returns live records without a proxy result older than olderThan, oldest first.
func (s *MySQLStore) ListIncomplete(ctx context.Context, olderThan time.Duration) ([]*idem.IdempotencyContext, error) {
	query := fmt.Sprintf(`
		SELECT idempotency_key, method, url, processor_status, processor_body,
			proxy_status, proxy_body, created_at, expires_at
		FROM %s
		WHERE proxy_status IS NULL AND expires_at > ? AND created_at < ?
		ORDER BY created_at
		LIMIT 1000
	`, s.table)

	now := s.now()
	rows, err := s.db.QueryContext(ctx, query, now, now.Add(-olderThan))
	if err != nil {
		return nil, classify("list incomplete records", err)
	}
	defer rows.Close()

	var out []*idem.IdempotencyContext
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan record", err)
		}
		ic, err := rec.Context()
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate records", err)
	}
	return out, nil
}

// Close closes the database handle if the store opened it.
func (s *MySQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// Helper Functions
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*store.Record, error) {
	var (
		rec                          store.Record
		processorStatus, proxyStatus sql.NullInt32
	)
	err := row.Scan(
		&rec.Key, &rec.Method, &rec.URL,
		&processorStatus, &rec.ProcessorBody,
		&proxyStatus, &rec.ProxyBody,
		&rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if processorStatus.Valid {
		v := int(processorStatus.Int32)
		rec.ProcessorStatus = &v
	}
	if proxyStatus.Valid {
		v := int(proxyStatus.Int32)
		rec.ProxyStatus = &v
	}
	return &rec, nil
}

// classify wraps err as a schema error when the table contract is broken and as
// unavailable otherwise.
func classify(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == errNoSuchTable || myErr.Number == errBadField || myErr.Number == errDataTooLong) {
		return fmt.Errorf("%w: %s: %v", idem.ErrStorageSchema, op, err)
	}
	return fmt.Errorf("%w: %s: %v", idem.ErrStorageUnavailable, op, err)
}

// checkKeySize rejects key components wider than their columns.
func checkKeySize(key idem.RecordKey) error {
	switch {
	case utf8.RuneCountInString(key.Key) > maxKeyLen:
		return fmt.Errorf("%w: idempotency key longer than %d characters", idem.ErrMalformedRequest, maxKeyLen)
	case utf8.RuneCountInString(key.Method) > maxMethodLen:
		return fmt.Errorf("%w: method longer than %d characters", idem.ErrMalformedRequest, maxMethodLen)
	case utf8.RuneCountInString(key.URL) > maxURLLen:
		return fmt.Errorf("%w: url longer than %d characters", idem.ErrMalformedRequest, maxURLLen)
	}
	return nil
}

// isDuplicateKeyError checks if the error is a MySQL duplicate key error.
func isDuplicateKeyError(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}
