// Package sqlstore is Tagsistant's Metadata Store (spec.md §4.A),
// implemented over database/sql and the mattn/go-sqlite3 driver.
//
// Connection leasing follows the shape of entitydb's ReaderPool
// (entitydb/storage/binary/reader_pool.go): a bounded channel-based
// semaphore gates how many logical requests may hold a transaction at
// once, with borrowed/returned counters exposed to adminapi, rather than
// the coarse single "in_use" boolean spec.md describes as the source's
// original discipline.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"tagsistant/logger"
	"tagsistant/models"
)

// Store is the sqlite3-backed implementation of models.Store.
type Store struct {
	db *sql.DB

	// leases bounds concurrent transactional scopes (spec.md §5's
	// per-request exclusive connection leasing); it is independent of
	// database/sql's own internal pool, which continues to serve
	// non-transactional Query/Exec calls concurrently.
	leases chan struct{}

	borrowed int64
	returned int64
}

// Schema is the DDL applied by Open if the database is empty. Column
// names and types are the abstract schema of spec.md §6; any relational
// store that can express them would do, but sqlite3 is what the teacher
// codebase ships, so that is what this repository uses.
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
	inode      INTEGER PRIMARY KEY AUTOINCREMENT,
	objectname TEXT NOT NULL,
	checksum   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_objects_checksum ON objects(checksum);
CREATE INDEX IF NOT EXISTS idx_objects_objectname ON objects(objectname);

CREATE TABLE IF NOT EXISTS tags (
	tag_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	tagname TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tagging (
	inode  INTEGER NOT NULL,
	tag_id INTEGER NOT NULL,
	UNIQUE(inode, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_tagging_inode ON tagging(inode);
CREATE INDEX IF NOT EXISTS idx_tagging_tag_id ON tagging(tag_id);

CREATE TABLE IF NOT EXISTS relations (
	tag1_id  INTEGER NOT NULL,
	relation TEXT NOT NULL,
	tag2_id  INTEGER NOT NULL,
	UNIQUE(tag1_id, relation, tag2_id)
);
`

// Open connects to a sqlite3 database at dataSourceName, applies Schema,
// and sizes the transactional-lease semaphore to poolSize (a poolSize
// below 1 selects 8).
func Open(dataSourceName string, poolSize int) (*Store, error) {
	if poolSize < 1 {
		poolSize = 8
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", models.ErrStore, dataSourceName, err)
	}
	// database/sql's own pool is capped at the same size as the lease
	// semaphore.
	db.SetMaxOpenConns(poolSize)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: applying schema: %v", models.ErrStore, err)
	}

	logger.Info("sqlstore: opened %s (pool size %d)", dataSourceName, poolSize)

	return &Store{
		db:     db,
		leases: make(chan struct{}, poolSize),
	}, nil
}

// Query implements models.Store.
func (s *Store) Query(ctx context.Context, query string, fn models.RowFunc, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: query: %v", models.ErrStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: row iteration: %v", models.ErrStore, err)
	}
	return nil
}

// Exec implements models.Store.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: exec: %v", models.ErrStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", models.ErrStore, err)
	}
	return n, nil
}

// Begin implements models.Store. It blocks until a lease slot is free,
// providing the "exclusive use by one logical task" discipline spec.md
// §5 requires of the connection pool.
func (s *Store) Begin(ctx context.Context) (models.Tx, error) {
	select {
	case s.leases <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	atomic.AddInt64(&s.borrowed, 1)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("%w: begin: %v", models.ErrStore, err)
	}
	return &txScope{tx: tx, store: s}, nil
}

// Close implements models.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// LeaseStats reports the pool's lifetime borrow/return counts, surfaced
// by adminapi's /stats.json.
func (s *Store) LeaseStats() (borrowed, returned int64) {
	return atomic.LoadInt64(&s.borrowed), atomic.LoadInt64(&s.returned)
}

func (s *Store) release() {
	<-s.leases
	atomic.AddInt64(&s.returned, 1)
}

// txScope is the Tx returned from Store.Begin; it guarantees release of
// its lease slot on Commit or Rollback, whichever happens first, on
// every exit path.
type txScope struct {
	tx          *sql.Tx
	store       *Store
	lastID      int64
	haveLastID  bool
	released    bool
}

func (t *txScope) Query(ctx context.Context, query string, fn models.RowFunc, args ...interface{}) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: tx query: %v", models.ErrStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: tx row iteration: %v", models.ErrStore, err)
	}
	return nil
}

func (t *txScope) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: tx exec: %v", models.ErrStore, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.lastID = id
		t.haveLastID = true
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: tx rows affected: %v", models.ErrStore, err)
	}
	return n, nil
}

func (t *txScope) LastInsertID() (int64, error) {
	if !t.haveLastID {
		return 0, fmt.Errorf("%w: no insert executed on this transaction", models.ErrInvariant)
	}
	return t.lastID, nil
}

func (t *txScope) Commit() error {
	defer t.releaseOnce()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrStore, err)
	}
	return nil
}

func (t *txScope) Rollback() error {
	defer t.releaseOnce()
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %v", models.ErrStore, err)
	}
	return nil
}

func (t *txScope) releaseOnce() {
	if t.released {
		return
	}
	t.released = true
	t.store.release()
}
