package queue

import (
	"context"
	"errors"
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

func errNotOwner(jobID uuid.UUID, workerID string) error {
	return fmt.Errorf("%w: job %s, worker %q", engine.ErrNotOwner, jobID, workerID)
}

// Completion — итог CompleteTx: что нужно объявить после фиксации.
type Completion struct {
	Job *domain.CompletedJob

	// Duplicate — повторный вызов с тем же результатом, ничего не изменено.
	Duplicate bool

	// WokeParent — родительский flow, который нужно продвинуть.
	WokeParent *uuid.UUID
}

// Complete переносит задание в completed.
//
// workerID пустой — системное завершение (отмена, переотбор). Повтор с тем же
// результатом ничего не делает; с другим — ErrAlreadyCompleted.
func (s *Service) Complete(ctx context.Context, jobID uuid.UUID, workerID string, result domain.JobResult) error {
	var c Completion
	err := s.store.InTx(ctx, func(ops repo.Ops) error {
		var err error
		c, err = CompleteTx(ctx, ops, jobID, workerID, result, s.now())
		return err
	})
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyCompleted) {
			s.logger.Error("divergent second completion rejected", "job_id", jobID, "worker_id", workerID)
		}
		return err
	}
	if c.Duplicate {
		return nil
	}

	s.AnnounceCompletion(ctx, c)
	return nil
}

// AnnounceCompletion рассылает уведомления и метрики завершения после фиксации.
func (s *Service) AnnounceCompletion(ctx context.Context, c Completion) {
	s.Announce(ctx, notify.JobCompleted, c.Job.ID)
	if c.WokeParent != nil {
		s.Announce(ctx, notify.FlowUpdated, *c.WokeParent)
	}

	telemetry.JobsCompleted.WithLabelValues(string(c.Job.Status())).Inc()
	if c.Job.StartedAt != nil {
		telemetry.JobDuration.WithLabelValues(string(c.Job.Kind)).Observe(float64(c.Job.DurationMs) / 1000)
	}
	s.logger.Debug("job completed", "job_id", c.Job.ID, "status", c.Job.Status(), "duration_ms", c.Job.DurationMs)
}

// CompleteTx — Complete внутри транзакции вызывающего.
func CompleteTx(ctx context.Context, ops repo.Ops, jobID uuid.UUID, workerID string, result domain.JobResult, now time.Time) (Completion, error) {
	job, err := ops.LockJob(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return duplicateCompletion(ctx, ops, jobID, result)
	}
	if err != nil {
		return Completion{}, err
	}

	if workerID != "" && job.Worker != workerID {
		return Completion{}, errNotOwner(jobID, workerID)
	}

	// Отменённое задание не может завершиться ничем, кроме отмены.
	if job.Canceled && !result.Canceled {
		result = domain.CanceledResult(cancelReason(job))
	}

	done := job.Complete(result, now)

	if err := ops.DeleteQueued(ctx, jobID); err != nil {
		return Completion{}, err
	}
	if err := ops.InsertCompleted(ctx, done); err != nil {
		return Completion{}, err
	}
	if err := limiter.Release(ctx, ops, jobID); err != nil {
		return Completion{}, err
	}

	if done.Success && job.Cache != nil && job.Cache.TTLSec > 0 {
		expires := now.Add(time.Duration(job.Cache.TTLSec) * time.Second)
		if err := ops.PutCachedResult(ctx, job.Cache.Key, done.Result, expires); err != nil {
			return Completion{}, err
		}
	}

	c := Completion{Job: done}
	if job.ParentJob != nil {
		woke, err := wakeParent(ctx, ops, *job.ParentJob, done.Success, now)
		if err != nil {
			return Completion{}, err
		}
		if woke {
			c.WokeParent = job.ParentJob
		}
	}
	return c, nil
}

// duplicateCompletion обрабатывает повторный complete уже завершённого задания.
func duplicateCompletion(ctx context.Context, ops repo.Ops, jobID uuid.UUID, result domain.JobResult) (Completion, error) {
	prev, err := ops.GetCompleted(ctx, jobID)
	if err != nil {
		return Completion{}, err
	}
	if result.SameAs(prev) {
		return Completion{Job: prev, Duplicate: true}, nil
	}
	return Completion{}, fmt.Errorf("%w: %s", engine.ErrAlreadyCompleted, jobID)
}

// wakeParent будит flow, когда у него не осталось дочерних заданий в очереди,
// дочернее задание упало (flow сам решит, ждать ли остальных) или
// for-цикл может отправить следующую итерацию на освободившееся место.
func wakeParent(ctx context.Context, ops repo.Ops, parentID uuid.UUID, childOK bool, now time.Time) (bool, error) {
	parent, err := ops.LockJob(ctx, parentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if childOK && (parent.FlowStatus == nil || !parent.FlowStatus.CanDispatchMore()) {
		n, err := ops.CountChildren(ctx, parentID)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}

	if err := ops.WakeJob(ctx, parentID, now); err != nil {
		return false, err
	}
	return true, nil
}

func cancelReason(job *domain.Job) string {
	if job.CanceledReason != "" {
		return job.CanceledReason
	}
	if job.CanceledBy != "" {
		return "canceled by " + job.CanceledBy
	}
	return "canceled"
}
