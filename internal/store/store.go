// Package store provides pooled access to the target MySQL server. Pools are
// keyed by physical database name; creation is lazy and idempotent under
// concurrent first use, and a pool whose liveness probe fails is evicted and
// rebuilt once before the failure is reported.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
)

var (
	// ErrInvalidDatabaseName is returned for database names that cannot be
	// safely interpolated into backtick-quoted identifiers.
	ErrInvalidDatabaseName = errors.New("invalid database name")

	// ErrTableNotFound is returned by introspection helpers when the table
	// does not exist in the target database.
	ErrTableNotFound = errors.New("table not found")
)

// mysqlDuplicateEntry is the server error code for duplicate-key violations.
const mysqlDuplicateEntry = 1062

var databaseNameRe = regexp.MustCompile(`^[A-Za-z0-9_$-]+$`)

// ValidateDatabaseName rejects names that could escape backtick quoting.
func ValidateDatabaseName(name string) error {
	if name == "" || len(name) > 64 || !databaseNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}
	return nil
}

// IsDuplicateKey reports whether err is a MySQL duplicate-key violation.
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// Manager owns one connection pool per physical database.
type Manager struct {
	cfg config.DB
	log *logrus.Entry

	mu    sync.Mutex
	pools map[string]*poolEntry
}

type poolEntry struct {
	once sync.Once
	db   *sql.DB
	err  error
}

// NewManager creates a pool manager for the configured target server.
func NewManager(cfg config.DB, log *logrus.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		log:   log.WithField("component", "store"),
		pools: map[string]*poolEntry{},
	}
}

// DSN builds the driver connection string for one database. An empty database
// name connects without selecting one, which is what the ensure-exists probe
// needs.
func (m *Manager) DSN(database string) string {
	var userPart string
	if m.cfg.Password != "" {
		userPart = fmt.Sprintf("%s:%s", m.cfg.User, m.cfg.Password)
	} else {
		userPart = m.cfg.User
	}

	dbPart := "/"
	if database != "" {
		dbPart += database
	}

	return fmt.Sprintf("%s@tcp(%s:%d)%s?parseTime=true", userPart, m.cfg.Host, m.cfg.Port, dbPart)
}

// Get returns the pool for database, creating it on first use. A pool that
// fails its liveness probe is evicted and rebuilt once.
func (m *Manager) Get(ctx context.Context, database string) (*sql.DB, error) {
	if err := ValidateDatabaseName(database); err != nil {
		return nil, err
	}

	e := m.entry(database)
	e.once.Do(func() { e.db, e.err = m.open(ctx, database) })
	if e.err != nil {
		m.evict(database, e)
		return nil, e.err
	}

	if err := e.db.PingContext(ctx); err != nil {
		m.log.WithFields(logrus.Fields{"database": database, "error": err}).
			Warn("pool liveness probe failed, rebuilding")
		m.evict(database, e)
		_ = e.db.Close()

		e = m.entry(database)
		e.once.Do(func() { e.db, e.err = m.open(ctx, database) })
		if e.err != nil {
			m.evict(database, e)
			return nil, fmt.Errorf("rebuilding pool for %s: %w", database, e.err)
		}
	}
	return e.db, nil
}

func (m *Manager) entry(database string) *poolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[database]
	if !ok {
		e = &poolEntry{}
		m.pools[database] = e
	}
	return e
}

// evict removes the entry only if it is still the one we resolved, so a
// concurrent rebuild is not discarded.
func (m *Manager) evict(database string, e *poolEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools[database] == e {
		delete(m.pools, database)
	}
}

// open dials the server, makes sure the database exists, and configures the
// pool. The name has already been validated by Get.
func (m *Manager) open(ctx context.Context, database string) (*sql.DB, error) {
	initDB, err := sql.Open("mysql", m.DSN(""))
	if err != nil {
		return nil, fmt.Errorf("opening init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)) //nolint:gosec // validated identifier
	if err != nil {
		return nil, fmt.Errorf("ensuring database %s exists: %w", database, err)
	}

	db, err := sql.Open("mysql", m.DSN(database))
	if err != nil {
		return nil, fmt.Errorf("opening pool for %s: %w", database, err)
	}
	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("probing pool for %s: %w", database, err)
	}

	m.log.WithField("database", database).Debug("connection pool created")
	return db, nil
}

// Close closes every pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, e := range m.pools {
		if e.db != nil {
			if err := e.db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(m.pools, name)
	}
	return firstErr
}

// Retry configuration for transient server errors. The driver has no built-in
// retry, so stale pool connections and brief network blips surface directly.
const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError returns true for transient connection errors worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "driver: bad connection") {
		return true
	}
	if strings.Contains(errStr, "invalid connection") {
		return true
	}
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	// Server restart: may come back within the backoff window.
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	// MySQL error 2013: mid-query disconnect
	if strings.Contains(errStr, "lost connection") {
		return true
	}
	// MySQL error 2006: idle connection timeout
	if strings.Contains(errStr, "gone away") {
		return true
	}
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	return false
}

func withRetry(ctx context.Context, op func() error) error {
	bo := newRetryBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// Exec runs a statement against database with transient-error retry.
func (m *Manager) Exec(ctx context.Context, database, query string, args ...any) (sql.Result, error) {
	db, err := m.Get(ctx, database)
	if err != nil {
		return nil, err
	}
	var result sql.Result
	err = withRetry(ctx, func() error {
		var execErr error
		result, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// Query runs a query against database with transient-error retry.
func (m *Manager) Query(ctx context.Context, database, query string, args ...any) (*sql.Rows, error) {
	db, err := m.Get(ctx, database)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	err = withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = db.QueryContext(ctx, query, args...) //nolint:sqlclosecheck // caller closes
		return queryErr
	})
	return rows, err
}

// QueryRow runs a single-row query against database.
func (m *Manager) QueryRow(ctx context.Context, database, query string, args ...any) (*sql.Row, error) {
	db, err := m.Get(ctx, database)
	if err != nil {
		return nil, err
	}
	return db.QueryRowContext(ctx, query, args...), nil
}
