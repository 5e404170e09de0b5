package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/limiter"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
)

// Cancel ставит флаг отмены на задание и всех его потомков.
//
// Строки не удаляются: воркер-владелец увидит флаг на ближайшем heartbeat
// и завершит задание как отменённое. Невзятые задания становятся доступны
// для claim немедленно. Возвращает идентификаторы помеченных заданий.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID, by, reason string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.store.InTx(ctx, func(ops repo.Ops) error {
		var err error
		ids, err = ops.SetCanceled(ctx, jobID, by, reason, s.now())
		if err != nil || len(ids) > 0 {
			return err
		}

		if _, err := ops.GetQueued(ctx, jobID); err == nil {
			// Уже отменено раньше.
			return nil
		}
		if _, err := ops.GetCompleted(ctx, jobID); err == nil {
			return fmt.Errorf("%w: job %s already completed", repo.ErrInvalidState, jobID)
		}
		return repo.ErrNotFound
	})
	if err != nil {
		return nil, err
	}

	s.Announce(ctx, notify.JobQueued, ids...)
	if len(ids) > 0 {
		s.logger.Info("job canceled", "job_id", jobID, "by", by, "affected", len(ids))
	}
	return ids, nil
}

// CancelResult — итог отмены одного задания в пакетной отмене.
type CancelResult struct {
	JobID    uuid.UUID   `json:"job_id"`
	Canceled []uuid.UUID `json:"canceled,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// CancelMany отменяет несколько заданий. Ошибка одного не мешает остальным.
func (s *Service) CancelMany(ctx context.Context, jobIDs []uuid.UUID, by, reason string) []CancelResult {
	out := make([]CancelResult, 0, len(jobIDs))
	for _, id := range jobIDs {
		r := CancelResult{JobID: id}
		ids, err := s.Cancel(ctx, id, by, reason)
		if err != nil {
			r.Error = err.Error()
		}
		r.Canceled = ids
		out = append(out, r)
	}
	return out
}

// ReclaimStale возвращает в очередь выполнения, у которых нет heartbeat
// дольше staleAfter. Задание, исчерпавшее MaxReclaims, завершается ошибкой
// MaxRetriesExceeded. Возвращает число обработанных заданий.
func (s *Service) ReclaimStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	now := s.now()
	var (
		reset     []uuid.UUID
		completed []Completion
	)

	err := s.store.InTx(ctx, func(ops repo.Ops) error {
		stale, err := ops.ListStale(ctx, now.Add(-staleAfter), limit)
		if err != nil {
			return err
		}

		for i := range stale {
			job := &stale[i]
			if job.Reclaims >= s.MaxReclaims {
				res := domain.Failed(domain.JobError{
					Name:    "MaxRetriesExceeded",
					Message: fmt.Sprintf("%v: worker %q lost, job reclaimed %d times", engine.ErrMaxRetriesExceeded, job.Worker, job.Reclaims),
				})
				c, err := CompleteTx(ctx, ops, job.ID, "", res, now)
				if err != nil {
					return err
				}
				completed = append(completed, c)
				continue
			}

			if err := ops.ResetForRetry(ctx, job.ID, now); err != nil {
				return err
			}
			if err := limiter.Release(ctx, ops, job.ID); err != nil {
				return err
			}
			reset = append(reset, job.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range reset {
		telemetry.Reclaims.WithLabelValues("requeued").Inc()
		s.logger.Warn("reclaimed job from lost worker", "job_id", id, "error", engine.ErrWorkerLost)
	}
	s.Announce(ctx, notify.JobQueued, reset...)

	for _, c := range completed {
		telemetry.Reclaims.WithLabelValues("exhausted").Inc()
		s.logger.Error("job failed after repeated worker loss", "job_id", c.Job.ID, "error", engine.ErrMaxRetriesExceeded)
		s.AnnounceCompletion(ctx, c)
	}
	return len(reset) + len(completed), nil
}
