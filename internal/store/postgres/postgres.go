// Package postgres is the production implementation of every store
// interface of the engine, on database/sql with the lib/pq driver.
//
// All balance-changing writes go through InUserTx, which takes a
// transaction-scoped advisory lock on the user before running the caller's
// function, so spends of the same user serialize across replicas even
// without the Redis lock.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements that run the same way on the pool and
// inside a transaction.
type queries struct {
	q querier
}

// Store is the Postgres store.
type Store struct {
	queries
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used when a caller leaves a timestamp empty.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an open pool.
func New(db *sql.DB, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		queries: queries{q: db},
		db:      db,
		log:     logger.With().Str("component", "postgres").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to url, tunes the pool and verifies connectivity.
func Open(ctx context.Context, url string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := New(db, logger, opts...)
	s.log.Info().Msg("postgres connection established")
	return s, nil
}

// Ping checks the connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// isUniqueViolation reports a unique_violation (23505) from the server.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// noLimit stands in for a non-positive limit argument.
const noLimit = 1 << 30

func limitOrAll(limit int) int {
	if limit <= 0 {
		return noLimit
	}
	return limit
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func float64Ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time.UTC()
	return &v
}
