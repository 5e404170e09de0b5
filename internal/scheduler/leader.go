package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderLockID — ключ advisory lock, за который соревнуются экземпляры scheduler.
const LeaderLockID int64 = 0x666c6f7771 // "flowq"

// Leader решает, какой экземпляр scheduler тикает в данный момент.
type Leader interface {
	// TryLead возвращает true, пока экземпляр удерживает лидерство.
	TryLead(ctx context.Context) (bool, error)
	Release()
}

// AlwaysLeader — лидерство без выборов (один экземпляр, SQLite).
type AlwaysLeader struct{}

func (AlwaysLeader) TryLead(context.Context) (bool, error) { return true, nil }
func (AlwaysLeader) Release()                              {}

// PGLeader удерживает session-level advisory lock на выделенном соединении.
// Потеря соединения снимает lock на стороне Postgres, и лидерство
// переходит к другому экземпляру.
type PGLeader struct {
	pool   *pgxpool.Pool
	lockID int64

	mu      sync.Mutex
	conn    *pgxpool.Conn
	holding bool
}

// NewPGLeader создаёт PGLeader.
func NewPGLeader(pool *pgxpool.Pool, lockID int64) *PGLeader {
	return &PGLeader{pool: pool, lockID: lockID}
}

func (l *PGLeader) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquire leader connection: %w", err)
		}
		l.conn = conn
		l.holding = false
	}

	if l.holding {
		// Проверяем, что соединение живо: иначе lock уже снят сервером.
		if err := l.conn.Ping(ctx); err != nil {
			l.dropLocked()
			return false, fmt.Errorf("leader connection lost: %w", err)
		}
		return true, nil
	}

	var ok bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.lockID).Scan(&ok); err != nil {
		l.dropLocked()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	l.holding = ok
	return ok, nil
}

// Release снимает lock и возвращает соединение в пул.
func (l *PGLeader) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	if l.holding {
		_, _ = l.conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.lockID)
	}
	l.conn.Release()
	l.conn = nil
	l.holding = false
}

// dropLocked закрывает сломанное соединение, не возвращая его в пул.
func (l *PGLeader) dropLocked() {
	if l.conn == nil {
		return
	}
	_ = l.conn.Conn().Close(context.Background())
	l.conn.Release()
	l.conn = nil
	l.holding = false
}
