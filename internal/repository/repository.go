package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// Postgres implements the persistence layer. Consumers declare the
// subset of its methods they need.
type Postgres struct {
	db *sql.DB
}

// New creates a Postgres repository over an open connection pool.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying pool for health checks.
func (r *Postgres) DB() *sql.DB {
	return r.db
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate is returned when an insert collides with an existing row:
// an idempotency key already recorded, or an attempt number already
// claimed by another worker.
var ErrDuplicate = errors.New("repository: duplicate")

// ErrMissingTenant is returned when a tenant-scoped operation is called
// without a tenant.
var ErrMissingTenant = errors.New("repository: tenant id is required")

// ErrStaleTransition is returned when a delivery state update would move
// an attempt backwards or out of a terminal state.
var ErrStaleTransition = errors.New("repository: stale state transition")

// isUniqueViolation checks for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
