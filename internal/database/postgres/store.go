package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL implementation of database.Store.
type Store struct {
	pool *Pool
	q    querier
	inTx bool
}

var _ database.Store = (*Store)(nil)

// New creates a store on top of the pool.
func New(pool *Pool) *Store {
	return &Store{pool: pool, q: pool.db}
}

// WithTx runs fn inside a transaction. Calls on a store that is already
// transactional run fn inline.
func (s *Store) WithTx(ctx context.Context, fn func(tx database.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&Store{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// safeIntToInt32 converts int to int32 with clamping to prevent overflow.
func safeIntToInt32(v int) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt32(v int) sql.NullInt32 {
	return sql.NullInt32{Int32: safeIntToInt32(v), Valid: v > 0}
}
