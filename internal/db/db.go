// Package db defines the minimal SQL surface the storage layer exposes
// to the rest of the core. Packages above it (apistore, contract,
// backtest, scanner) write their queries against these interfaces, never
// against a driver, so the embedded engine stays an implementation
// detail of internal/storage.
package db

import "context"

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. Callers must Close it; Err reports
// any error the iteration swallowed.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
	// Columns names the result set's columns, in select order, for
	// callers relaying arbitrary read-only queries (query_outputs).
	Columns() ([]string, error)
}

// Result is the outcome of a statement that returns no rows. The claim
// and terminal-state paths depend on RowsAffected to detect a lost
// conditional UPDATE race.
type Result interface {
	RowsAffected() int64
}

// Executor runs statements and queries. Both the store handle and an
// open transaction satisfy it, so query code is written once and runs in
// either position.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Tx is an open transaction. Exactly one of Commit or Rollback must be
// called; the storage layer's WithImmediate helper owns that discipline
// for most callers.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxOptions configures BeginTx. Immediate is the write-serializing mode
// every multi-row mutation in the core uses: the write lock is taken up
// front, so a transaction never upgrades (and deadlocks) mid-flight.
type TxOptions struct {
	ReadOnly  bool
	Immediate bool
}

// Database is a connected store handle.
type Database interface {
	Executor

	BeginTx(ctx context.Context, opts *TxOptions) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
	// DriverName identifies the backing engine, for logs.
	DriverName() string
}
