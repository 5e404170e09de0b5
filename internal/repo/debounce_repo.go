package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/flowq/internal/domain"
)

const bucketColumns = `
	id, workspace_id, key, created_at, seal_at, sealed_at, seed_args,
	accumulate_fields, accumulated, trigger_ids, max_debounces, job, job_id`

// LockDebounceKey создаёт строку ключа и блокирует её.
func (r pgOps) LockDebounceKey(ctx context.Context, key string) error {
	if _, err := r.q.Exec(ctx, `INSERT INTO debounce_key (key) VALUES ($1) ON CONFLICT DO NOTHING`, key); err != nil {
		return fmt.Errorf("insert debounce key: %w", err)
	}
	var locked string
	if err := r.q.QueryRow(ctx, `SELECT key FROM debounce_key WHERE key = $1 FOR UPDATE`, key).Scan(&locked); err != nil {
		return fmt.Errorf("lock debounce key: %w", err)
	}
	return nil
}

// GetLiveBucket возвращает незапечатанный bucket ключа.
func (r pgOps) GetLiveBucket(ctx context.Context, key string) (*domain.DebounceBucket, error) {
	return scanBucket(r.q.QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM debounce_bucket WHERE key = $1 AND sealed_at IS NULL`, key))
}

// GetBucket возвращает bucket по ID.
func (r pgOps) GetBucket(ctx context.Context, id uuid.UUID) (*domain.DebounceBucket, error) {
	return scanBucket(r.q.QueryRow(ctx, `SELECT `+bucketColumns+` FROM debounce_bucket WHERE id = $1`, id))
}

// InsertBucket создаёт bucket.
func (r pgOps) InsertBucket(ctx context.Context, b *domain.DebounceBucket) error {
	bj, err := EncodeBucketJSON(b)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO debounce_bucket (`+bucketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.WorkspaceID, b.Key, b.CreatedAt, b.SealAt, b.SealedAt, bj.SeedArgs,
		bj.AccumulateFields, bj.Accumulated, bj.TriggerIDs, b.MaxDebounces, bj.Job, b.JobID,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert bucket: %w", err)
	}
	return nil
}

// UpdateBucket сохраняет накопленное состояние живого bucket.
func (r pgOps) UpdateBucket(ctx context.Context, b *domain.DebounceBucket) error {
	bj, err := EncodeBucketJSON(b)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update bucket", `
		UPDATE debounce_bucket
		SET accumulated = $2, trigger_ids = $3
		WHERE id = $1 AND sealed_at IS NULL`, b.ID, bj.Accumulated, bj.TriggerIDs)
}

// ListDueBuckets возвращает bucket'ы, дедлайн которых наступил.
func (r pgOps) ListDueBuckets(ctx context.Context, now time.Time, limit int) ([]domain.DebounceBucket, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+bucketColumns+`
		FROM debounce_bucket
		WHERE sealed_at IS NULL AND seal_at <= $1
		ORDER BY seal_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due buckets: %w", err)
	}
	defer rows.Close()

	var buckets []domain.DebounceBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, *b)
	}
	return buckets, rows.Err()
}

// SealBucket запечатывает bucket. ErrInvalidState, если он уже запечатан.
func (r pgOps) SealBucket(ctx context.Context, id, jobID uuid.UUID, now time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE debounce_bucket SET sealed_at = $2, job_id = $3
		WHERE id = $1 AND sealed_at IS NULL`, id, now, jobID)
	if err != nil {
		return fmt.Errorf("seal bucket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func scanBucket(row pgx.Row) (*domain.DebounceBucket, error) {
	var b domain.DebounceBucket
	var bj BucketJSON
	err := row.Scan(
		&b.ID, &b.WorkspaceID, &b.Key, &b.CreatedAt, &b.SealAt, &b.SealedAt, &bj.SeedArgs,
		&bj.AccumulateFields, &bj.Accumulated, &bj.TriggerIDs, &b.MaxDebounces, &bj.Job, &b.JobID,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan bucket: %w", err)
	}
	if err := bj.Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}
