// Package store owns the embedded SQLite database: schema bootstrap,
// the append-only turn log with full-text search, per-chat bans, prompt
// overrides, the rate-limit ledger and image-generation quota counters.
// All durable state of the bot lives behind this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"gryag/pkg/logging"

	"go.uber.org/zap"
)

// DB wraps the SQLite handle with the query timeout and busy-retry policy
// shared by every repository built on top of it.
type DB struct {
	sql     *sql.DB
	timeout time.Duration
}

// Open opens (creating if needed) the database file, applies WAL journaling
// and bootstraps the schema idempotently.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Single writer; serialize through one connection to avoid SQLITE_BUSY storms.
	conn.SetMaxOpenConns(1)

	db := &DB{sql: conn, timeout: 10 * time.Second}
	if err := db.bootstrap(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a private in-memory database. Used by tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	db := &DB{sql: conn, timeout: 10 * time.Second}
	if err := db.bootstrap(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close flushes and closes the underlying handle.
func (d *DB) Close() error { return d.sql.Close() }

// bootstrap creates all tables and indexes if missing and applies
// forward-compatible alters. Safe to run on every startup.
func (d *DB) bootstrap() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: bootstrap schema: %w", err)
		}
	}

	// Columns added after the first release. ALTER fails if the column
	// exists, which is the expected steady state.
	alters := []struct{ table, column, decl string }{
		{"turns", "embedding", "TEXT"},
		{"turns", "retention_days", "INTEGER NOT NULL DEFAULT 90"},
		{"facts", "embedding", "TEXT"},
		{"facts", "evidence_count", "INTEGER NOT NULL DEFAULT 1"},
		{"user_profiles", "pronouns", "TEXT"},
	}
	for _, a := range alters {
		d.addColumnIfMissing(ctx, a.table, a.column, a.decl)
	}
	return nil
}

func (d *DB) addColumnIfMissing(ctx context.Context, table, column, decl string) {
	var count int
	q := `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
	if err := d.sql.QueryRowContext(ctx, q, table, column).Scan(&count); err != nil || count > 0 {
		return
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := d.sql.ExecContext(ctx, alter); err != nil {
		logging.Warn("schema alter skipped", zap.String("table", table), zap.String("column", column), zap.Error(err))
	}
}

// withCtx derives the per-query timeout context.
func (d *DB) withCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// Exec runs a write statement with bounded busy-retry.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	qctx, cancel := d.withCtx(ctx)
	defer cancel()

	var res sql.Result
	op := func() error {
		var err error
		res, err = d.sql.ExecContext(qctx, query, args...)
		if err != nil && isBusy(err) {
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), qctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("storage_error: %w", err)
	}
	return res, nil
}

// Query runs a read statement under the shared timeout. The caller owns
// the returned rows; cancellation of the derived context happens when the
// rows are closed, so the cancel func is returned alongside.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	qctx, cancel := d.withCtx(ctx)
	rows, err := d.sql.QueryContext(qctx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("storage_error: %w", err)
	}
	return rows, cancel, nil
}

// QueryRow runs a single-row read under the shared timeout.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	qctx, cancel := d.withCtx(ctx)
	defer cancel()
	return d.sql.QueryRowContext(qctx, query, args...)
}

// Tx runs fn inside a transaction, retrying the whole unit on lock
// contention.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	qctx, cancel := d.withCtx(ctx)
	defer cancel()

	op := func() error {
		tx, err := d.sql.BeginTx(qctx, nil)
		if err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), qctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("storage_error: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
