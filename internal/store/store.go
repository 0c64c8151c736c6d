// Package store provides database operations for the nurture engine.
//
// All SQL lives here. The store returns domain types and never leaks
// database/sql details to callers, with two exceptions: sentinel errors
// below, and the convention that lookups return (nil, nil) when the row
// does not exist.
package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// Store provides database operations for leads, jobs, and projections.
type Store struct {
	db *sql.DB
}

// New creates a store around an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for components that need advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

// ErrDuplicate is returned when an insert violates a uniqueness constraint:
// a second active job for a (lead, type), a reused idempotency key, or a
// conditional rule firing twice for the same lead.
var ErrDuplicate = errors.New("store: duplicate")

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
