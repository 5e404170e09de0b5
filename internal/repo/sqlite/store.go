// Package sqlite — реализация repo.Store на modernc.org/sqlite.
//
// Подходит для одного узла и для тестов. Время хранится как INTEGER
// (unix nanoseconds), UUID как TEXT, JSON как TEXT. Транзакции открываются
// как BEGIN IMMEDIATE, поэтому все пишущие транзакции сериализуются
// и блокировки строк не нужны.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/shaiso/flowq/internal/repo"
)

// querier — общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops реализует repo.Ops поверх соединения или транзакции.
type ops struct {
	q querier
}

// Store — хранилище на SQLite.
type Store struct {
	ops
	db *sql.DB
}

var _ repo.Store = (*Store)(nil)

// Open открывает файл базы и создаёт схему.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return New(db)
}

// OpenMemory открывает базу в памяти. Соединение одно: у каждого
// соединения :memory: своя база.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db)
}

// New создаёт схему в db и возвращает Store.
func New(db *sql.DB) (*Store, error) {
	s := &Store{ops: ops{q: db}, db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB возвращает соединение.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx выполняет fn в транзакции.
func (s *Store) InTx(ctx context.Context, fn func(ops repo.Ops) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ops{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close закрывает базу.
func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// dialect — плейсхолдеры и приведение аргументов для построителя фильтров.
var dialect = repo.Dialect{Placeholder: repo.Question, Value: value}

// value приводит аргумент к виду, в котором он хранится.
func value(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UnixNano()
	case *time.Time:
		return nullNanos(x)
	case uuid.UUID:
		return x.String()
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// timeCol сканирует INTEGER в time.Time.
type timeCol struct {
	dst *time.Time
}

func (c timeCol) Scan(src any) error {
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("scan time: unexpected %T", src)
	}
	*c.dst = time.Unix(0, n).UTC()
	return nil
}

// nullTimeCol сканирует nullable INTEGER в *time.Time.
type nullTimeCol struct {
	dst **time.Time
}

func (c nullTimeCol) Scan(src any) error {
	if src == nil {
		*c.dst = nil
		return nil
	}
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("scan time: unexpected %T", src)
	}
	t := time.Unix(0, n).UTC()
	*c.dst = &t
	return nil
}

// isUniqueViolation проверяет нарушение UNIQUE или PRIMARY KEY.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// notFound переводит sql.ErrNoRows в repo.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

// execOne выполняет UPDATE/DELETE, который должен затронуть ровно одну строку.
func (r ops) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// rowScanner — общее для *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
