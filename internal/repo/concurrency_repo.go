package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LockConcurrencyKey создаёт строку ключа и блокирует её.
func (r pgOps) LockConcurrencyKey(ctx context.Context, key string) error {
	if _, err := r.q.Exec(ctx, `INSERT INTO concurrency_key (key) VALUES ($1) ON CONFLICT DO NOTHING`, key); err != nil {
		return fmt.Errorf("insert concurrency key: %w", err)
	}
	var locked string
	if err := r.q.QueryRow(ctx, `SELECT key FROM concurrency_key WHERE key = $1 FOR UPDATE`, key).Scan(&locked); err != nil {
		return fmt.Errorf("lock concurrency key: %w", err)
	}
	return nil
}

// ConcurrencyUsage считает слоты ключа в окне.
func (r pgOps) ConcurrencyUsage(ctx context.Context, key string, since time.Time) (int, time.Time, error) {
	var (
		n      int
		oldest *time.Time
	)
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*), MIN(started_at)
		FROM concurrency_slot
		WHERE key = $1 AND started_at >= $2`, key, since).Scan(&n, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("concurrency usage: %w", err)
	}
	if oldest == nil {
		return n, time.Time{}, nil
	}
	return n, *oldest, nil
}

// InsertConcurrencySlot занимает слот.
func (r pgOps) InsertConcurrencySlot(ctx context.Context, key string, jobID uuid.UUID, startedAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO concurrency_slot (job_id, key, started_at) VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET key = EXCLUDED.key, started_at = EXCLUDED.started_at`,
		jobID, key, startedAt)
	if err != nil {
		return fmt.Errorf("insert concurrency slot: %w", err)
	}
	return nil
}

// DeleteConcurrencySlot освобождает слот. Отсутствие слота не ошибка.
func (r pgOps) DeleteConcurrencySlot(ctx context.Context, jobID uuid.UUID) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM concurrency_slot WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete concurrency slot: %w", err)
	}
	return nil
}
