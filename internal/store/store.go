// Package store is the Postgres data access layer. It implements the
// queue.Store contract on pgx (the atomic claim uses FOR UPDATE SKIP
// LOCKED) plus the minimal feed/content/analysis persistence the shipped
// handlers need. Dynamic filters are built with squirrel.
package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// psql builds queries with Postgres $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object, constructed once at startup and
// passed by reference into the queue service and handlers.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (health checks, tests).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
