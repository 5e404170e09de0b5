package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/repo"
)

// JobView — задание в очереди или завершённое. Заполнено ровно одно поле.
type JobView struct {
	Queued    *domain.Job          `json:"queued,omitempty"`
	Completed *domain.CompletedJob `json:"completed,omitempty"`
}

// Status возвращает наблюдаемый статус.
func (v *JobView) Status() domain.JobStatus {
	if v.Completed != nil {
		return v.Completed.Status()
	}
	return v.Queued.Status()
}

// Get ищет задание сначала в completed, затем в очереди.
// Порядок важен: между двумя чтениями задание могло завершиться.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*JobView, error) {
	c, err := s.store.GetCompleted(ctx, id)
	if err == nil {
		return &JobView{Completed: c}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	q, err := s.store.GetQueued(ctx, id)
	if err == nil {
		return &JobView{Queued: q}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	// Завершилось между чтениями.
	c, err = s.store.GetCompleted(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{Completed: c}, nil
}

// WaitResult ждёт завершения задания не дольше ctx.
func (s *Service) WaitResult(ctx context.Context, id uuid.UUID, poll time.Duration) (*domain.CompletedJob, error) {
	var done *domain.CompletedJob
	err := notify.WaitFor(ctx, s.notifier, notify.JobCompleted, id, poll, func(ctx context.Context) (bool, error) {
		v, err := s.Get(ctx, id)
		if err != nil {
			return false, err
		}
		done = v.Completed
		return done != nil, nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// ListQueue возвращает задания в очереди по фильтру.
func (s *Service) ListQueue(ctx context.Context, f repo.JobFilter) ([]domain.Job, error) {
	if f.Now.IsZero() {
		f.Now = s.now()
	}
	return s.store.ListQueue(ctx, f)
}

// ListCompleted возвращает завершённые задания по фильтру.
func (s *Service) ListCompleted(ctx context.Context, f repo.CompletedFilter) ([]domain.CompletedJob, error) {
	if f.Now.IsZero() {
		f.Now = s.now()
	}
	return s.store.ListCompleted(ctx, f)
}

// AppendLogs дописывает строки лога задания.
func (s *Service) AppendLogs(ctx context.Context, jobID uuid.UUID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return s.store.AppendLogs(ctx, jobID, lines, s.now())
}

// Logs возвращает строки лога после afterSeq.
func (s *Service) Logs(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]domain.LogLine, error) {
	return s.store.GetLogs(ctx, jobID, afterSeq)
}

// CachedResult возвращает неистёкший результат для задания с кешированием.
func (s *Service) CachedResult(ctx context.Context, job *domain.Job) (json.RawMessage, bool, error) {
	if job.Cache == nil || job.Cache.TTLSec <= 0 {
		return nil, false, nil
	}
	v, err := s.store.GetCachedResult(ctx, job.Cache.Key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
