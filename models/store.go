package models

import "context"

// Row is a single result row from a Store query, modeled on
// database/sql.Rows' Scan method so storage/sqlstore's implementation is
// a thin pass-through rather than a translation layer.
type Row interface {
	Scan(dest ...interface{}) error
}

// RowFunc is invoked once per row yielded by a SELECT. Returning an error
// aborts iteration and is propagated to the caller of Query.
type RowFunc func(Row) error

// Store is the Metadata Store contract of spec.md §4.A: a parameterized
// query/exec surface plus transactional scope and last-insert-id lookup.
// storage/sqlstore is the only implementation; resolver, mutate and dedup
// depend on this interface, not on database/sql, so they can be tested
// against an in-memory fake.
type Store interface {
	// Query runs a SELECT, invoking fn once per row. args are bound
	// positionally; the implementation is responsible for driver-correct
	// quoting/escaping.
	Query(ctx context.Context, query string, fn RowFunc, args ...interface{}) error

	// Exec runs a statement with no result rows and returns the number of
	// rows affected.
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)

	// Begin opens a transactional scope tied to the caller's logical
	// request. The returned Tx must be Commit-ed or Rollback-ed exactly
	// once.
	Begin(ctx context.Context) (Tx, error)

	// Close releases the store's connection pool. Called once at
	// shutdown.
	Close() error
}

// Tx is a transactional scope obtained from Store.Begin. All spec.md §4.E
// mutation-path and §4.F merge-policy writes happen inside one Tx so they
// commit atomically (spec.md §5 "Ordering").
type Tx interface {
	Query(ctx context.Context, query string, fn RowFunc, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)

	// LastInsertID returns the rowid assigned by the most recent INSERT
	// executed on this Tx.
	LastInsertID() (int64, error)

	Commit() error
	Rollback() error
}
