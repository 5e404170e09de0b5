package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
)

// DefaultMaxIterations — предохранитель while-цикла без max_iterations.
const DefaultMaxIterations = 1000

// Driver продвигает flow-задания.
type Driver struct {
	queue  *queue.Service
	store  repo.Store
	logger *slog.Logger

	Now func() time.Time

	// MaxIterations — предел while-цикла по умолчанию.
	MaxIterations int
}

// New создаёт Driver поверх сервиса очереди.
func New(q *queue.Service, logger *slog.Logger) *Driver {
	return &Driver{
		queue:         q,
		store:         q.Store(),
		logger:        logger.With("component", "flow"),
		Now:           time.Now,
		MaxIterations: DefaultMaxIterations,
	}
}

// Progress — итог одного вызова Advance.
type Progress struct {
	JobID uuid.UUID

	// Dispatched — дочерние задания, поставленные в очередь.
	Dispatched []uuid.UUID

	// Canceled — задания, отменённые из-за падения flow.
	Canceled []uuid.UUID

	// Parked — flow ждёт; Until — до какого момента (nil — до пробуждения дочерним).
	Parked bool
	Until  *time.Time

	// Completion — flow завершён.
	Completion *queue.Completion
}

// Outcome возвращает метку для метрик.
func (p Progress) Outcome() string {
	switch {
	case p.Completion != nil && p.Completion.Job.Success:
		return "completed"
	case p.Completion != nil:
		return "failed"
	case len(p.Dispatched) > 0:
		return "dispatched"
	default:
		return "parked"
	}
}

// Advance продвигает flow, которым владеет workerID, насколько это возможно
// без ожидания.
func (d *Driver) Advance(ctx context.Context, jobID uuid.UUID, workerID string) (Progress, error) {
	now := d.Now().UTC()

	var p Progress
	err := d.store.InTx(ctx, func(ops repo.Ops) error {
		job, err := ops.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.IsFlow() {
			return fmt.Errorf("%w: job %s is %s, not a flow", engine.ErrInvalidSpec, jobID, job.Kind)
		}
		if !job.Running || job.Worker != workerID {
			return fmt.Errorf("%w: flow %s, worker %q", engine.ErrNotOwner, jobID, workerID)
		}

		r := &run{
			ops:     ops,
			job:     job,
			worker:  workerID,
			now:     now,
			maxIter: d.MaxIterations,
			logger:  d.logger.With("job_id", jobID),
		}
		p, err = r.advance(ctx)
		return err
	})
	if err != nil {
		return Progress{}, err
	}

	d.announce(ctx, p)
	return p, nil
}

func (d *Driver) announce(ctx context.Context, p Progress) {
	d.queue.Announce(ctx, notify.JobQueued, p.Dispatched...)
	d.queue.Announce(ctx, notify.JobQueued, p.Canceled...)
	if p.Completion != nil {
		d.queue.AnnounceCompletion(ctx, *p.Completion)
	} else {
		d.queue.Announce(ctx, notify.FlowUpdated, p.JobID)
	}
	telemetry.FlowAdvances.WithLabelValues(p.Outcome()).Inc()
}

// Resume доставляет внешний сигнал приостановленному модулю.
//
// moduleID пустой — модуль, который flow ждёт сейчас. Сигнал сохраняется
// даже если flow ещё не дошёл до модуля: он будет учтён по прибытии.
func (d *Driver) Resume(ctx context.Context, jobID uuid.UUID, moduleID string, payload any, approved bool, approver string) (uuid.UUID, error) {
	now := d.Now().UTC()
	sig := &domain.ResumeSignal{
		ID:        uuid.Must(uuid.NewV7()),
		JobID:     jobID,
		ModuleID:  moduleID,
		Approver:  approver,
		Approved:  approved,
		Payload:   payload,
		CreatedAt: now,
	}

	err := d.store.InTx(ctx, func(ops repo.Ops) error {
		job, err := ops.LockJob(ctx, jobID)
		if errors.Is(err, repo.ErrNotFound) {
			if _, cerr := ops.GetCompleted(ctx, jobID); cerr == nil {
				return fmt.Errorf("%w: job %s is already completed", repo.ErrInvalidState, jobID)
			}
			return err
		}
		if err != nil {
			return err
		}
		if !job.IsFlow() {
			return fmt.Errorf("%w: job %s is not a flow", repo.ErrInvalidState, jobID)
		}

		fs := job.FlowStatus
		if sig.ModuleID == "" {
			if fs == nil || fs.Suspend == nil {
				return fmt.Errorf("%w: flow %s is not waiting for a resume", repo.ErrInvalidState, jobID)
			}
			sig.ModuleID = fs.Suspend.ModuleID
		} else if findModule(job.RawFlow, sig.ModuleID) == nil {
			return fmt.Errorf("%w: flow %s has no module %q", repo.ErrInvalidState, jobID, sig.ModuleID)
		}

		if err := ops.InsertResume(ctx, sig); err != nil {
			return err
		}
		if fs != nil && fs.Suspend != nil && fs.Suspend.ModuleID == sig.ModuleID {
			return ops.WakeJob(ctx, jobID, now)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	d.queue.Announce(ctx, notify.FlowUpdated, jobID)
	d.logger.Info("resume delivered",
		"job_id", jobID, "module_id", sig.ModuleID, "approved", approved, "approver", approver)
	return sig.ID, nil
}

func findModule(value *domain.FlowValue, id string) *domain.FlowModule {
	if value == nil {
		return nil
	}
	for i := range value.Modules {
		if value.Modules[i].ID == id {
			return &value.Modules[i]
		}
	}
	if value.FailureModule != nil && value.FailureModule.ID == id {
		return value.FailureModule
	}
	return nil
}
