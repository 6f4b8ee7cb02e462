package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Querier is the subset of pgx satisfied by both the pool and a
// transaction. Repositories run against whichever the context carries.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// Querier returns the transaction bound to ctx by UnitOfWork, or the
// bare pool when no transaction is open.
func (db *DB) Querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.pool
}

// UnitOfWork brackets a function in one database transaction. The
// transaction is carried in the context so every repository call inside
// fn joins it; commit and rollback are guaranteed on all exit paths.
type UnitOfWork struct {
	db     *DB
	logger *zap.Logger
}

// NewUnitOfWork creates a unit of work over the given pool.
func NewUnitOfWork(db *DB, logger *zap.Logger) *UnitOfWork {
	return &UnitOfWork{db: db, logger: logger}
}

// Transactional runs fn inside a transaction. A nested call joins the
// ambient transaction instead of opening a new one.
func (u *UnitOfWork) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := u.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
