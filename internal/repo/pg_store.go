package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier — общее подмножество pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgOps реализует Ops поверх пула или транзакции.
type pgOps struct {
	q querier
}

// PGStore — хранилище на Postgres.
type PGStore struct {
	pgOps
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore создаёт хранилище поверх пула.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pgOps: pgOps{q: pool}, pool: pool}
}

// Pool возвращает пул (для LISTEN/NOTIFY и advisory lock).
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// InTx выполняет fn в транзакции READ COMMITTED.
func (s *PGStore) InTx(ctx context.Context, fn func(ops Ops) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(pgOps{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close закрывает пул.
func (s *PGStore) Close() {
	s.pool.Close()
}

// pgDialect — плейсхолдеры для построителя фильтров.
var pgDialect = Dialect{Placeholder: Dollar}

// isUniqueViolation проверяет код ошибки 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// notFound переводит pgx.ErrNoRows в ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
