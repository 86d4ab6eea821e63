// Package sqlite implements the provenance storage interface over a
// single SQLite database file. Every mutating operation runs in one
// BEGIN IMMEDIATE transaction, which serializes writers and guarantees
// that commits, nodes, commit_order rows, and ref tips move together.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// defaultLockTimeout bounds how long a write waits behind a ref row
// lock before failing with ErrRefLocked.
const defaultLockTimeout = 3 * time.Second

// SQLiteStorage implements storage.Storage backed by SQLite.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at dbPath, applies the schema and
// runs pending migrations.
func New(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	// _txlock=immediate makes BeginTx take the write lock up front,
	// which prevents deadlocks between concurrent writers.
	dsn := "file:" + dbPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(3000)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, path: dbPath}

	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// UnderlyingDB returns the underlying *sql.DB connection.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB {
	return s.db
}

// isBusyError checks if error is a SQLITE_BUSY / locked condition.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// isUniqueConstraintError checks if error is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// withTx runs fn inside a single transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, including on
// panic. Busy errors surface as ErrRefLocked.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTxTimeout(ctx, defaultLockTimeout, fn)
}

// withTxTimeout is withTx with an explicit bound on how long the write
// may wait for the database write lock.
func (s *SQLiteStorage) withTxTimeout(ctx context.Context, lockTimeout time.Duration, fn func(tx *sql.Tx) error) error {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusyError(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: begin transaction: %v", types.ErrRefLocked, err)
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", types.ErrRefLocked, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: commit: %v", types.ErrRefLocked, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// txStorage adapts a live *sql.Tx to the storage.Transaction interface.
type txStorage struct {
	s  *SQLiteStorage
	tx *sql.Tx
}

// RunInTransaction executes fn within a database transaction.
func (s *SQLiteStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStorage{s: s, tx: tx})
	})
}

func (t *txStorage) GetRef(ctx context.Context, projectID, refID string) (*types.Ref, error) {
	return getRef(ctx, t.tx, projectID, refID)
}

func (t *txStorage) GetNode(ctx context.Context, projectID, nodeID string) (*types.Node, error) {
	return getNode(ctx, t.tx, projectID, nodeID, true)
}

func (t *txStorage) SaveDraft(ctx context.Context, projectID, refID, userID, content string) (*types.Draft, error) {
	return saveDraft(ctx, t.tx, projectID, refID, userID, content)
}

func (t *txStorage) SetCurrentRef(ctx context.Context, projectID, userID, refID string) error {
	return setCurrentRef(ctx, t.tx, projectID, userID, refID)
}

func (t *txStorage) SetConfig(ctx context.Context, key, value string) error {
	return setKV(ctx, t.tx, "config", key, value)
}

func (t *txStorage) GetConfig(ctx context.Context, key string) (string, error) {
	return getKV(ctx, t.tx, "config", key)
}

func (t *txStorage) SetMetadata(ctx context.Context, key, value string) error {
	return setKV(ctx, t.tx, "metadata", key, value)
}

func (t *txStorage) GetMetadata(ctx context.Context, key string) (string, error) {
	return getKV(ctx, t.tx, "metadata", key)
}

// execer is the common surface of *sql.Tx and *sql.DB used by the
// query helpers below.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func setKV(ctx context.Context, q execer, table, key, value string) error {
	// #nosec G201 - table name is a compile-time constant
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, table)
	if _, err := q.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set %s %q: %w", table, key, err)
	}
	return nil
}

func getKV(ctx context.Context, q execer, table, key string) (string, error) {
	// #nosec G201 - table name is a compile-time constant
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table)
	var value string
	err := q.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s %q: %w", table, key, err)
	}
	return value, nil
}

// SetConfig stores a config key.
func (s *SQLiteStorage) SetConfig(ctx context.Context, key, value string) error {
	return setKV(ctx, s.db, "config", key, value)
}

// GetConfig reads a config key; missing keys return "".
func (s *SQLiteStorage) GetConfig(ctx context.Context, key string) (string, error) {
	return getKV(ctx, s.db, "config", key)
}

// SetMetadata stores an internal metadata key.
func (s *SQLiteStorage) SetMetadata(ctx context.Context, key, value string) error {
	return setKV(ctx, s.db, "metadata", key, value)
}

// GetMetadata reads an internal metadata key; missing keys return "".
func (s *SQLiteStorage) GetMetadata(ctx context.Context, key string) (string, error) {
	return getKV(ctx, s.db, "metadata", key)
}
