package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/limiter"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
)

// Enqueue ставит задание в очередь напрямую, минуя debounce.
func (s *Service) Enqueue(ctx context.Context, spec *JobSpec) (uuid.UUID, error) {
	var job *domain.Job
	err := s.store.InTx(ctx, func(ops repo.Ops) error {
		var err error
		job, err = EnqueueTx(ctx, ops, spec, s.now())
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.Announce(ctx, notify.JobQueued, job.ID)
	s.logger.Debug("job enqueued", "job_id", job.ID, "kind", job.Kind, "path", job.RunnablePath, "tag", job.Tag)
	return job.ID, nil
}

// EnqueueTx готовит и вставляет задание внутри транзакции вызывающего.
// Уведомление вызывающий отправляет сам после фиксации.
func EnqueueTx(ctx context.Context, ops repo.Ops, spec *JobSpec, now time.Time) (*domain.Job, error) {
	job, _, err := Prepare(ctx, ops, spec, now)
	if err != nil {
		return nil, err
	}
	if err := InsertTx(ctx, ops, job); err != nil {
		return nil, err
	}
	return job, nil
}

// InsertTx вставляет подготовленное задание.
func InsertTx(ctx context.Context, ops repo.JobOps, job *domain.Job) error {
	if err := ops.InsertJob(ctx, job); err != nil {
		return err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// Claim атомарно берёт одно подходящее задание для воркера.
// Nil, nil — брать нечего.
//
// Кандидаты с concurrency-ключом при первом старте проходят через Limiter
// в той же транзакции; отказ переносит задание на retry_after вперёд.
func (s *Service) Claim(ctx context.Context, workerID string, tags []string) (*domain.Job, error) {
	now := s.now()
	var claimed *domain.Job

	err := s.store.InTx(ctx, func(ops repo.Ops) error {
		candidates, err := ops.ListClaimCandidates(ctx, repo.ClaimQuery{
			WorkerID: workerID,
			Tags:     tags,
			Now:      now,
			Limit:    claimBatch,
		})
		if err != nil {
			return err
		}

		for i := range candidates {
			job := &candidates[i]

			// Отменённое задание берётся без допуска: воркер сразу завершит его.
			if job.StartedAt == nil && !job.Canceled && job.Concurrency.Enabled() {
				d, err := limiter.Admit(ctx, ops, job.Concurrency, job.ID, now)
				if err != nil {
					return err
				}
				if !d.Admitted {
					if err := ops.Reschedule(ctx, job.ID, now.Add(d.RetryAfter)); err != nil {
						return err
					}
					s.logger.Debug("job admission deferred",
						"job_id", job.ID, "key", job.Concurrency.Key, "retry_after", d.RetryAfter)
					continue
				}
			}

			if err := ops.MarkRunning(ctx, job.ID, workerID, now); err != nil {
				return err
			}
			job.Running = true
			job.Worker = workerID
			job.LastPing = &now
			job.Suspended = false
			job.SuspendUntil = nil
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		telemetry.JobsClaimed.Inc()
	}
	return claimed, nil
}

// Heartbeat продлевает liveness выполнения и сообщает флаг отмены.
// ErrNotOwner — задание больше не принадлежит воркеру (переотобрано или завершено).
func (s *Service) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, memPeak int) (bool, error) {
	canceled, err := s.store.UpdatePing(ctx, jobID, workerID, memPeak, s.now())
	if err == nil {
		return canceled, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}

	if _, qerr := s.store.GetQueued(ctx, jobID); qerr == nil {
		return false, errNotOwner(jobID, workerID)
	}
	if _, cerr := s.store.GetCompleted(ctx, jobID); cerr == nil {
		return false, errNotOwner(jobID, workerID)
	}
	return false, repo.ErrNotFound
}
