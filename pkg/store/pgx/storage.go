package pgx

import (
	"context"
	"fmt"

	"github.com/fernwood-labs/lorekeeper/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Storage implements store.GraphStore, store.VectorIndex, and
// store.NoteStore on PostgreSQL with pgvector for similarity search.
//
// Entity rows and embedding rows live in separate tables; callers (the
// deduplication coordinator) are responsible for keeping them in step.
type Storage struct {
	conn pgxIConn
}

// NewStorage creates a Storage using an existing database connection or
// pool. The pgvector codec must be registered on the connection.
func NewStorage(conn pgxIConn) *Storage {
	return &Storage{conn: conn}
}

// RunTransaction runs fn inside a single database transaction, committing
// if fn returns nil and rolling back otherwise.
func (s *Storage) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.GraphTx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &graphTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type graphTx struct {
	tx pgxv5.Tx
}
