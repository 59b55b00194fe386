// Package storage is the embedded transactional state store: jobs, events,
// approvals, schema contracts, scan tables, and high-failure records all
// live in one SQLite database file, written under a single-writer,
// BEGIN IMMEDIATE discipline that serializes every multi-row mutation
// through the database's own write lock.
//
// SQLite (via modernc.org/sqlite, a pure-Go driver with no cgo) is the
// concrete backend; callers depend only on the db.Database/db.Tx
// interfaces so an alternative embedded engine could be swapped in without
// touching the contract, approval, or sentinel packages.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sl224/casparianflow/internal/db"
)

// Store is the SQLite-backed implementation of db.Database.
type Store struct {
	sqlDB *sql.DB
	path  string
}

// Open opens (creating if absent) the SQLite database at path and applies
// the pragmas needed for the single-writer discipline: WAL journaling so
// readers don't block the writer, and a busy_timeout so transient lock
// contention is retried by the driver before bubbling up as SQLITE_BUSY.
func Open(ctx context.Context, path string, busyTimeoutMs int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path, busyTimeoutMs)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection funnels every writer through the same SQLite
	// connection-level lock, which is what makes BEGIN IMMEDIATE a real
	// mutual-exclusion point rather than racing across pooled connections.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	return &Store{sqlDB: sqlDB, path: path}, nil
}

func (s *Store) DriverName() string { return "sqlite" }

func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

func (s *Store) Close() error { return s.sqlDB.Close() }

func (s *Store) Exec(ctx context.Context, query string, args ...any) (db.Result, error) {
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlResult{res}, nil
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) db.Row {
	return s.sqlDB.QueryRowContext(ctx, query, args...)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (db.Rows, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

// BeginTx starts a transaction. ReadOnly transactions use a plain BEGIN;
// anything else goes through BeginImmediate so the write lock is acquired
// up front, preventing writer starvation under contention.
func (s *Store) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Tx, error) {
	if opts != nil && opts.ReadOnly {
		tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, err
		}
		return &sqlTx{tx: tx}, nil
	}
	return s.BeginImmediate(ctx)
}

// BeginImmediate opens a transaction with SQLite's BEGIN IMMEDIATE, which
// acquires the write lock immediately rather than on first write
// (deferred, the database/sql default). database/sql's Tx has no verb for
// this, so the transaction is driven over a single checked-out connection
// instead: BEGIN IMMEDIATE / COMMIT / ROLLBACK are issued as statements on
// that connection and the connection is returned to the pool on either.
func (s *Store) BeginImmediate(ctx context.Context) (db.Tx, error) {
	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, err
	}
	return &sqlTx{conn: conn}, nil
}

type sqlTx struct {
	// Exactly one of tx/conn is set: tx for plain BeginTx transactions,
	// conn for BEGIN IMMEDIATE transactions driven by raw statements.
	tx   *sql.Tx
	conn *sql.Conn
	done bool
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (db.Result, error) {
	var res sql.Result
	var err error
	if t.tx != nil {
		res, err = t.tx.ExecContext(ctx, query, args...)
	} else {
		res, err = t.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return sqlResult{res}, nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) db.Row {
	if t.tx != nil {
		return t.tx.QueryRowContext(ctx, query, args...)
	}
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (db.Rows, error) {
	var rows *sql.Rows
	var err error
	if t.tx != nil {
		rows, err = t.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = t.conn.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.tx != nil {
		return t.tx.Commit()
	}
	defer t.conn.Close()
	_, err := t.conn.ExecContext(ctx, "COMMIT")
	return err
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.tx != nil {
		return t.tx.Rollback()
	}
	defer t.conn.Close()
	_, err := t.conn.ExecContext(ctx, "ROLLBACK")
	return err
}

type sqlResult struct {
	res sql.Result
}

func (r sqlResult) RowsAffected() int64 {
	n, _ := r.res.RowsAffected()
	return n
}

type sqlRows struct {
	rows *sql.Rows
}

func (r sqlRows) Next() bool                 { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error     { return r.rows.Scan(dest...) }
func (r sqlRows) Err() error                 { return r.rows.Err() }
func (r sqlRows) Close()                     { r.rows.Close() }
func (r sqlRows) Columns() ([]string, error) { return r.rows.Columns() }

// IsBusyOrLocked reports whether err is SQLite's SQLITE_BUSY or
// SQLITE_LOCKED, the two transient-contention errors WithImmediate in
// retry.go backs off and retries rather than surfacing to the caller.
func IsBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

var ErrNotFound = errors.New("storage: not found")
