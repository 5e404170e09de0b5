package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/telemetry"
)

// process обрабатывает взятое задание. Ошибки только логируются:
// задание, которое не удалось завершить, переотберёт reaper.
func (w *Worker) process(ctx context.Context, job *domain.Job) {
	logger := telemetry.WithJobID(w.logger, job.ID.String())
	ctx = telemetry.WithLogger(ctx, logger)

	ctx, span := telemetry.Tracer().Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.path", job.RunnablePath),
		attribute.String("worker.id", w.id),
	))
	defer span.End()

	if !isLeaf(job) {
		p, err := w.flows.Advance(ctx, job.ID, w.id)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			logger.Error("failed to advance flow", "error", err)
			return
		}
		span.SetAttributes(attribute.String("flow.outcome", p.Outcome()))
		logger.Debug("flow advanced", "outcome", p.Outcome(), "dispatched", len(p.Dispatched))
		return
	}

	result, ok := w.runLeaf(ctx, logger, job)
	if !ok {
		return
	}
	if !result.Success {
		span.SetStatus(codes.Error, string(result.Value))
	}
	w.complete(ctx, logger, job, result)
}

// runLeaf выполняет листовое задание. ok=false — задание больше не наше.
func (w *Worker) runLeaf(ctx context.Context, logger *slog.Logger, job *domain.Job) (result domain.JobResult, ok bool) {
	if job.Canceled {
		logger.Info("job canceled before start")
		return domain.CanceledResult(job.CanceledReason), true
	}

	if v, hit, err := w.queue.CachedResult(ctx, job); err != nil {
		logger.Warn("failed to read cached result", "error", err)
	} else if hit {
		logger.Info("job result served from cache")
		return domain.Succeeded(v), true
	}

	if err := w.loadCode(ctx, job); err != nil {
		return domain.Failed(domain.JobError{Name: "ScriptNotFound", Message: err.Error()}), true
	}

	executor, err := w.registry.For(job)
	if err != nil {
		return domain.Failed(domain.JobError{Name: "UnknownExecutor", Message: err.Error()}), true
	}

	logger.Info("job started", "kind", job.Kind, "path", job.RunnablePath, "language", job.Language)
	return w.execute(ctx, logger, job, executor)
}

// loadCode подгружает код зарегистрированного скрипта.
func (w *Worker) loadCode(ctx context.Context, job *domain.Job) error {
	if job.RawCode != "" || job.RunnableHash == "" {
		return nil
	}
	s, err := w.queue.Store().GetScriptByHash(ctx, job.WorkspaceID, job.RunnableHash)
	if err != nil {
		return fmt.Errorf("load script %s: %w", job.RunnableHash, err)
	}
	job.RawCode = s.Content
	return nil
}

// execute выполняет задание, пока heartbeat-горутина продлевает владение
// и следит за флагом отмены.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, job *domain.Job, executor Executor) (domain.JobResult, bool) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if t := job.Timeout(); t > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, t, ErrExecutionTimeout)
		defer cancelTimeout()
	}

	exec := NewExecution(job)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, logger, exec, cancel)
	}()

	res, execErr := w.safeExecute(runCtx, executor, exec)
	cause := context.Cause(runCtx)
	cancel(nil)
	<-hbDone

	w.flushLogs(ctx, logger, exec)

	switch {
	case errors.Is(cause, engine.ErrNotOwner):
		logger.Warn("job ownership lost during execution, result dropped")
		return domain.JobResult{}, false
	case errors.Is(cause, engine.ErrCancelled):
		logger.Info("job canceled during execution")
		return domain.CanceledResult("canceled during execution"), true
	case errors.Is(cause, ErrExecutionTimeout):
		return domain.Failed(domain.JobError{
			Name:    "Timeout",
			Message: fmt.Sprintf("%v after %s", ErrExecutionTimeout, job.Timeout()),
		}), true
	case ctx.Err() != nil:
		// Воркер остановлен: задание вернёт reaper.
		logger.Warn("job interrupted by shutdown", "error", ErrWorkerStopped)
		return domain.JobResult{}, false
	}

	var result domain.JobResult
	switch {
	case execErr != nil:
		result = domain.Failed(domain.JobError{Name: "ExecutionError", Message: execErr.Error()})
	case res != nil && res.Error != "":
		result = domain.Failed(domain.JobError{Name: "ExecutionFailed", Message: res.Error})
	case res == nil:
		result = domain.Succeeded(domain.MustJSON(nil))
	default:
		result = domain.Succeeded(domain.MustJSON(res.Value))
	}
	result.MemPeak = exec.MemPeak()
	return result, true
}

// safeExecute превращает панику executor'а в ошибку: плохой пользовательский
// ввод не должен ронять воркер.
func (w *Worker) safeExecute(ctx context.Context, executor Executor, exec *Execution) (res *ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor.Execute(ctx, exec)
}

// heartbeat продлевает владение заданием до отмены ctx.
// Флаг отмены и потеря владения отменяют выполнение с соответствующей причиной.
func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, exec *Execution, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.flushLogs(ctx, logger, exec)
		canceled, err := w.queue.Heartbeat(ctx, exec.Job.ID, w.id, exec.MemPeak())
		switch {
		case errors.Is(err, engine.ErrNotOwner):
			cancel(engine.ErrNotOwner)
			return
		case err != nil:
			if ctx.Err() == nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		case canceled:
			cancel(engine.ErrCancelled)
			return
		}
	}
}

func (w *Worker) flushLogs(ctx context.Context, logger *slog.Logger, exec *Execution) {
	lines := exec.drainLogs()
	if len(lines) == 0 {
		return
	}
	if err := w.queue.AppendLogs(ctx, exec.Job.ID, lines); err != nil {
		logger.Warn("failed to append job logs", "lines", len(lines), "error", err)
	}
}

// complete записывает терминальный результат.
func (w *Worker) complete(ctx context.Context, logger *slog.Logger, job *domain.Job, result domain.JobResult) {
	err := w.queue.Complete(ctx, job.ID, w.id, result)
	switch {
	case errors.Is(err, engine.ErrNotOwner):
		logger.Warn("job reclaimed before completion, result dropped")
	case err != nil:
		logger.Error("failed to complete job", "error", err)
	case result.Canceled:
		logger.Info("job canceled")
	case result.Success:
		logger.Info("job succeeded")
	default:
		logger.Warn("job failed", "error", string(result.Value))
	}
}
