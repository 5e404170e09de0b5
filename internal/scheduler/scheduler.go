package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
	"github.com/shaiso/flowq/internal/trigger"
)

const defaultBatchSize = 100

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	store     repo.Store
	router    *trigger.Router
	logger    *slog.Logger
	batchSize int

	// Now — источник времени.
	Now func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Store     repo.Store
	Router    *trigger.Router
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:     cfg.Store,
		router:    cfg.Router,
		logger:    logger.With("component", "scheduler"),
		batchSize: batchSize,
		Now:       time.Now,
	}
}

// fired — итог обработки одного schedule.
type fired struct {
	sched  domain.Schedule
	result *debounce.Result
}

// Tick выполняет один тик планировщика. Возвращает число сработавших расписаний.
//
// Каждое due-расписание обрабатывается в своей транзакции:
//  1. Берёт одно due-расписание (FOR UPDATE SKIP LOCKED на Postgres)
//  2. Порождает триггер через trigger.SubmitTx (напрямую или в debounce bucket)
//  3. Сдвигает next_due_at
//
// Уведомления рассылаются после фиксации. Цель, которой больше нет,
// не блокирует расписание: запуск пропускается, next_due_at сдвигается.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.Now().UTC()

	var count int
	for count < s.batchSize {
		f, err := s.fireNext(ctx, now)
		if err != nil {
			return count, err
		}
		if f == nil {
			break
		}
		count++

		if f.result != nil {
			s.router.Announce(ctx, *f.result)
			telemetry.SchedulesFired.Inc()
		}
	}

	if count > 0 {
		s.logger.Info("scheduler tick completed", "processed", count)
	}
	return count, nil
}

// fireNext обрабатывает одно due-расписание. Nil — due-расписаний нет.
func (s *Scheduler) fireNext(ctx context.Context, now time.Time) (*fired, error) {
	var f *fired
	err := s.store.InTx(ctx, func(ops repo.Ops) error {
		due, err := ops.ListDueSchedules(ctx, now, 1)
		if err != nil {
			return fmt.Errorf("list due schedules: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		f = &fired{sched: due[0]}
		return s.process(ctx, ops, f, now)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// process порождает триггер и сдвигает расписание внутри транзакции.
func (s *Scheduler) process(ctx context.Context, ops repo.Ops, f *fired, now time.Time) error {
	sched := &f.sched
	logger := s.logger.With("schedule_id", sched.ID, "schedule_path", sched.Path)

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// Некорректное расписание выключается, иначе оно срабатывало бы каждый тик.
		logger.Error("failed to calculate next due, disabling schedule", "error", err)
		sched.Enabled = false
		sched.UpdatedAt = now
		return ops.UpdateSchedule(ctx, sched)
	}

	res, err := trigger.SubmitTx(ctx, ops, s.spec(sched), now)
	switch {
	case errors.Is(err, engine.ErrInvalidSpec):
		logger.Warn("schedule target rejected, skipping run", "target", sched.TargetPath, "error", err)
		sched.RecordRun(nil, nextDue, now)
		return ops.UpdateSchedule(ctx, sched)
	case err != nil:
		return fmt.Errorf("submit schedule %s: %w", sched.ID, err)
	}

	var jobID = &res.TriggerID
	if res.Outcome != debounce.OutcomeDirect {
		jobID = nil
	}
	sched.RecordRun(jobID, nextDue, now)
	if err := ops.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	logger.Info("schedule fired",
		"target", sched.TargetPath,
		"trigger_id", res.TriggerID,
		"outcome", res.Outcome,
		"next_due_at", nextDue,
	)
	f.result = &res
	return nil
}

// spec строит намерение запуска для расписания.
func (s *Scheduler) spec(sched *domain.Schedule) *queue.JobSpec {
	kind := domain.JobKindScript
	if sched.IsFlow {
		kind = domain.JobKindFlow
	}
	return &queue.JobSpec{
		WorkspaceID: sched.WorkspaceID,
		Kind:        kind,
		Path:        sched.TargetPath,
		Args:        cloneArgs(sched.Args),
		Tag:         sched.Tag,
		CreatedBy:   sched.CreatedBy,
		TriggerKind: domain.TriggerKindSchedule,
		Trigger:     sched.Path,
		Debounce:    sched.Debounce,
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Run выполняет Tick каждые interval, пока leader подтверждает лидерство.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, leader Leader) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer leader.Release()

	s.logger.Info("scheduler started", "interval", interval, "batch_size", s.batchSize)
	var leading bool
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		ok, err := leader.TryLead(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("leader election failed", "error", err)
			}
			continue
		}
		if ok != leading {
			leading = ok
			s.logger.Info("scheduler leadership changed", "leading", leading)
		}
		if !leading {
			continue
		}

		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}
