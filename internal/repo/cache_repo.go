package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowq/internal/domain"
)

// GetCachedResult возвращает неистёкший результат по ключу.
func (r pgOps) GetCachedResult(ctx context.Context, key string, now time.Time) (json.RawMessage, error) {
	var value []byte
	err := r.q.QueryRow(ctx, `SELECT value FROM job_cache WHERE key = $1 AND expires_at > $2`, key, now).Scan(&value)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get cached result: %w", err)
	}
	return value, nil
}

// PutCachedResult сохраняет результат. Повторная запись продлевает срок.
func (r pgOps) PutCachedResult(ctx context.Context, key string, value json.RawMessage, expiresAt time.Time) error {
	data, err := EncodeJSON(value)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO job_cache (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, data, expiresAt)
	if err != nil {
		return fmt.Errorf("put cached result: %w", err)
	}
	return nil
}

// InsertResume сохраняет сигнал resume.
func (r pgOps) InsertResume(ctx context.Context, s *domain.ResumeSignal) error {
	payload, err := EncodeJSON(s.Payload)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO resume_job (id, job_id, module_id, approver, approved, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.JobID, s.ModuleID, s.Approver, s.Approved, payload, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert resume: %w", err)
	}
	return nil
}

// ListResumes возвращает сигналы модуля в порядке прихода.
func (r pgOps) ListResumes(ctx context.Context, jobID uuid.UUID, moduleID string) ([]domain.ResumeSignal, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, job_id, module_id, approver, approved, payload, created_at
		FROM resume_job
		WHERE job_id = $1 AND module_id = $2
		ORDER BY created_at, id`, jobID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list resumes: %w", err)
	}
	defer rows.Close()

	var out []domain.ResumeSignal
	for rows.Next() {
		var s domain.ResumeSignal
		var payload []byte
		if err := rows.Scan(&s.ID, &s.JobID, &s.ModuleID, &s.Approver, &s.Approved, &payload, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resume: %w", err)
		}
		if err := DecodeJSON(payload, &s.Payload); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
