package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Store is the data access layer for the ledger, queue and caches.
// All writes go through the single serialized write connection; the store
// holds no state of its own beyond configuration, so a cached view can
// never outlive one call.
type Store struct {
	db  *DB
	now func() time.Time

	// GraphGiveUp is the consecutive-refresh-failure threshold after which
	// the graph cache stops auto-refreshing an entry.
	GraphGiveUp int
}

// NewStore creates a Store over an open DB.
func NewStore(db *DB) *Store {
	return &Store{
		db:          db,
		now:         time.Now,
		GraphGiveUp: 3,
	}
}

// SetNow replaces the store's clock. Tests use this to drive lease expiry
// and staleness windows deterministically.
func (s *Store) SetNow(fn func() time.Time) {
	s.now = fn
}

// Now reads the store's clock. Callers computing time-based cutoffs should
// use this rather than time.Now so the whole system shares one clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// ReadDB returns the read connection pool for queries.
func (s *Store) ReadDB() *sql.DB {
	return s.db.Read
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) execTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Write.Begin()
	if err != nil {
		return NewTransientError("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewTransientError("commit tx", err)
	}
	return nil
}

func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	res, err := s.db.Write.Exec(query, args...)
	if err != nil {
		return nil, NewTransientError(fmt.Sprintf("exec %.40q", query), err)
	}
	return res, nil
}
