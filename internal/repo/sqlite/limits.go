package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/repo"
)

// --- Concurrency ---

// LockConcurrencyKey только создаёт строку: транзакция IMMEDIATE
// уже исключает параллельных писателей.
func (r ops) LockConcurrencyKey(ctx context.Context, key string) error {
	if _, err := r.q.ExecContext(ctx, `INSERT INTO concurrency_key (key) VALUES (?) ON CONFLICT DO NOTHING`, key); err != nil {
		return fmt.Errorf("lock concurrency key: %w", err)
	}
	return nil
}

func (r ops) ConcurrencyUsage(ctx context.Context, key string, since time.Time) (int, time.Time, error) {
	var (
		n      int
		oldest sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(started_at)
		FROM concurrency_slot
		WHERE key = ? AND started_at >= ?`, key, nanos(since)).Scan(&n, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("concurrency usage: %w", err)
	}
	if !oldest.Valid {
		return n, time.Time{}, nil
	}
	return n, time.Unix(0, oldest.Int64).UTC(), nil
}

func (r ops) InsertConcurrencySlot(ctx context.Context, key string, jobID uuid.UUID, startedAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO concurrency_slot (job_id, key, started_at) VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET key = excluded.key, started_at = excluded.started_at`,
		jobID, key, nanos(startedAt))
	if err != nil {
		return fmt.Errorf("insert concurrency slot: %w", err)
	}
	return nil
}

func (r ops) DeleteConcurrencySlot(ctx context.Context, jobID uuid.UUID) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM concurrency_slot WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete concurrency slot: %w", err)
	}
	return nil
}

// --- Debounce ---

const bucketColumns = `
	id, workspace_id, key, created_at, seal_at, sealed_at, seed_args,
	accumulate_fields, accumulated, trigger_ids, max_debounces, job, job_id`

func (r ops) LockDebounceKey(ctx context.Context, key string) error {
	if _, err := r.q.ExecContext(ctx, `INSERT INTO debounce_key (key) VALUES (?) ON CONFLICT DO NOTHING`, key); err != nil {
		return fmt.Errorf("lock debounce key: %w", err)
	}
	return nil
}

func (r ops) GetLiveBucket(ctx context.Context, key string) (*domain.DebounceBucket, error) {
	return scanBucket(r.q.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM debounce_bucket WHERE key = ? AND sealed_at IS NULL`, key))
}

func (r ops) GetBucket(ctx context.Context, id uuid.UUID) (*domain.DebounceBucket, error) {
	return scanBucket(r.q.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM debounce_bucket WHERE id = ?`, id))
}

func (r ops) InsertBucket(ctx context.Context, b *domain.DebounceBucket) error {
	bj, err := repo.EncodeBucketJSON(b)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO debounce_bucket (`+bucketColumns+`) VALUES (`+marks(13)+`)`,
		b.ID, b.WorkspaceID, b.Key, nanos(b.CreatedAt), nanos(b.SealAt), nullNanos(b.SealedAt), bj.SeedArgs,
		bj.AccumulateFields, bj.Accumulated, bj.TriggerIDs, b.MaxDebounces, bj.Job, b.JobID,
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert bucket: %w", err)
	}
	return nil
}

func (r ops) UpdateBucket(ctx context.Context, b *domain.DebounceBucket) error {
	bj, err := repo.EncodeBucketJSON(b)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update bucket", `
		UPDATE debounce_bucket
		SET accumulated = ?, trigger_ids = ?
		WHERE id = ? AND sealed_at IS NULL`, bj.Accumulated, bj.TriggerIDs, b.ID)
}

func (r ops) ListDueBuckets(ctx context.Context, now time.Time, limit int) ([]domain.DebounceBucket, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+bucketColumns+`
		FROM debounce_bucket
		WHERE sealed_at IS NULL AND seal_at <= ?
		ORDER BY seal_at
		LIMIT ?`, nanos(now), limit)
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

func (r ops) SealBucket(ctx context.Context, id, jobID uuid.UUID, now time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE debounce_bucket SET sealed_at = ?, job_id = ?
		WHERE id = ? AND sealed_at IS NULL`, nanos(now), jobID, id)
	if err != nil {
		return fmt.Errorf("seal bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("seal bucket: %w", err)
	}
	if n == 0 {
		return repo.ErrInvalidState
	}
	return nil
}

func scanBucket(row rowScanner) (*domain.DebounceBucket, error) {
	var b domain.DebounceBucket
	var bj repo.BucketJSON
	err := row.Scan(
		&b.ID, &b.WorkspaceID, &b.Key, timeCol{&b.CreatedAt}, timeCol{&b.SealAt}, nullTimeCol{&b.SealedAt}, &bj.SeedArgs,
		&bj.AccumulateFields, &bj.Accumulated, &bj.TriggerIDs, &b.MaxDebounces, &bj.Job, &b.JobID,
	)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan bucket: %w", err)
	}
	if err := bj.Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// --- Cache ---

func (r ops) GetCachedResult(ctx context.Context, key string, now time.Time) (json.RawMessage, error) {
	var value []byte
	err := r.q.QueryRowContext(ctx, `SELECT value FROM job_cache WHERE key = ? AND expires_at > ?`, key, nanos(now)).Scan(&value)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get cached result: %w", err)
	}
	return value, nil
}

func (r ops) PutCachedResult(ctx context.Context, key string, value json.RawMessage, expiresAt time.Time) error {
	data, err := repo.EncodeJSON(value)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO job_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, data, nanos(expiresAt))
	if err != nil {
		return fmt.Errorf("put cached result: %w", err)
	}
	return nil
}

// --- Resume ---

func (r ops) InsertResume(ctx context.Context, s *domain.ResumeSignal) error {
	payload, err := repo.EncodeJSON(s.Payload)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO resume_job (id, job_id, module_id, approver, approved, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.JobID, s.ModuleID, s.Approver, s.Approved, payload, nanos(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert resume: %w", err)
	}
	return nil
}

func (r ops) ListResumes(ctx context.Context, jobID uuid.UUID, moduleID string) ([]domain.ResumeSignal, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, job_id, module_id, approver, approved, payload, created_at
		FROM resume_job
		WHERE job_id = ? AND module_id = ?
		ORDER BY created_at, id`, jobID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list resumes: %w", err)
	}
	defer rows.Close()

	var out []domain.ResumeSignal
	for rows.Next() {
		var s domain.ResumeSignal
		var payload []byte
		if err := rows.Scan(&s.ID, &s.JobID, &s.ModuleID, &s.Approver, &s.Approved, &payload, timeCol{&s.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan resume: %w", err)
		}
		if err := repo.DecodeJSON(payload, &s.Payload); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
