package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
)

// skippedResult — результат пропущенного модуля.
var skippedResult = json.RawMessage(`{"skipped":true}`)

// run — один шаг flow внутри транзакции.
type run struct {
	ops     repo.Ops
	job     *domain.Job
	value   *domain.FlowValue
	fs      *domain.FlowStatus
	worker  string
	now     time.Time
	maxIter int
	logger  *slog.Logger

	p Progress
}

// wait — модуль не может продолжить сейчас. until == nil — ждём дочерние задания.
type wait struct {
	until *time.Time
}

func (r *run) advance(ctx context.Context) (Progress, error) {
	r.p.JobID = r.job.ID
	r.value = r.job.RawFlow
	if r.value == nil || len(r.value.Modules) == 0 {
		return r.complete(ctx, domain.Failed(domain.JobError{Name: "InvalidFlow", Message: "flow has no modules"}))
	}

	r.fs = r.job.FlowStatus
	if r.fs == nil {
		r.fs = domain.NewFlowStatus(r.value)
	}
	if r.value.SameWorker && r.fs.SameWorker == "" {
		r.fs.SameWorker = r.worker
		if r.job.SameWorkerID != "" {
			r.fs.SameWorker = r.job.SameWorkerID
		}
	}

	if r.job.Canceled {
		if err := r.cancelLeaves(ctx, "flow canceled"); err != nil {
			return Progress{}, err
		}
		return r.complete(ctx, domain.CanceledResult(r.job.CanceledReason))
	}

	for {
		m, ms := r.current()
		if m == nil {
			return r.complete(ctx, r.outcome())
		}

		w, err := r.step(ctx, m, ms)
		if err != nil {
			return Progress{}, err
		}
		if w != nil {
			return r.park(ctx, w.until)
		}
	}
}

// current возвращает модуль, который нужно продвигать, или nil, если flow закончен.
func (r *run) current() (*domain.FlowModule, *domain.ModuleStatus) {
	if r.fs.Error != nil {
		if r.value.FailureModule == nil || r.fs.FailureModule == nil || r.fs.FailureModule.Type.IsTerminal() {
			return nil, nil
		}
		return r.value.FailureModule, r.fs.FailureModule
	}
	if r.fs.Step >= len(r.value.Modules) {
		return nil, nil
	}
	r.fs.Pointer = r.pointer(r.value.Modules[r.fs.Step].ID)
	return &r.value.Modules[r.fs.Step], &r.fs.Modules[r.fs.Step]
}

// outcome — терминальный результат законченного flow.
func (r *run) outcome() domain.JobResult {
	if r.fs.Error != nil {
		return domain.Failed(*r.fs.Error)
	}
	last := r.fs.LastResult()
	if len(last) == 0 {
		last = json.RawMessage("null")
	}
	if r.fs.StoppedEarly && r.fs.SkipIfStopped {
		return domain.JobResult{Success: true, Skipped: true, Value: last}
	}
	return domain.Succeeded(last)
}

func (r *run) step(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus) (*wait, error) {
	switch ms.Type {
	case domain.ModuleWaitingForPriorSteps:
		return r.start(ctx, m, ms)
	case domain.ModuleInProgress:
		return r.collect(ctx, m, ms)
	case domain.ModuleWaitingForEvents:
		return r.awaitResume(ctx, m, ms)
	default:
		r.next(ms)
		return nil, nil
	}
}

// start проверяет модификаторы и отправляет модуль.
// Порядок: mock → skip_if → cache → sleep → dispatch.
func (r *run) start(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus) (*wait, error) {
	if ms.StartedAt == nil {
		ms.StartedAt = &r.now
	}
	ec := r.evalContext()

	if m.Mock != nil && m.Mock.Enabled {
		return r.succeed(ctx, m, ms, domain.MustJSON(m.Mock.ReturnValue))
	}

	if m.SkipIf != nil {
		skip, err := engine.RenderCondition(m.SkipIf.Expr, ec)
		if err != nil {
			return r.moduleFailed(ctx, m, ms, exprError(m, "skip_if", err))
		}
		if skip {
			ms.Result = skippedResult
			r.finish(ms, domain.ModuleSkipped)
			r.next(ms)
			return nil, nil
		}
	}

	args, err := leafArgs(m, ec)
	if err != nil {
		return r.moduleFailed(ctx, m, ms, exprError(m, "input_transforms", err))
	}

	if m.CacheTTL > 0 {
		key := r.cacheKey(m, args, ec)
		ms.CacheKey = key
		v, err := r.ops.GetCachedResult(ctx, key, r.now)
		switch {
		case err == nil:
			ms.Cached = true
			r.logger.Debug("module result served from cache", "module_id", m.ID)
			return r.succeed(ctx, m, ms, v)
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}

	if m.Sleep > 0 {
		wake := ms.StartedAt.Add(time.Duration(m.Sleep) * time.Second)
		if r.now.Before(wake) {
			return &wait{until: &wake}, nil
		}
	}

	return r.dispatch(ctx, m, ms, args, ec)
}

// dispatch запускает модуль по его виду.
func (r *run) dispatch(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, args map[string]any, ec *engine.Context) (*wait, error) {
	switch v := m.Value.(type) {
	case *domain.IdentityModule:
		return r.succeed(ctx, m, ms, domain.MustJSON(args))

	case *domain.ScriptModule, *domain.RawScriptModule, *domain.SubFlowModule, *domain.AIAgentModule:
		return r.dispatchLeaf(ctx, m, ms, r.leafSpec(m, args))

	case *domain.ForLoopModule:
		items, err := engine.EvalTransform(v.Iterator, ec)
		if err != nil {
			return r.moduleFailed(ctx, m, ms, exprError(m, "iterator", err))
		}
		list, ok := items.([]any)
		if !ok && items != nil {
			return r.moduleFailed(ctx, m, ms, domain.JobError{
				Name:     "InvalidIterator",
				Message:  fmt.Sprintf("iterator evaluated to %T, expected a list", items),
				ModuleID: m.ID,
			})
		}
		if len(list) == 0 {
			return r.succeed(ctx, m, ms, json.RawMessage("[]"))
		}
		ms.Iterator = &domain.IteratorState{
			Items:   list,
			Results: make([]json.RawMessage, len(list)),
			Done:    make([]bool, len(list)),
		}
		ms.Type = domain.ModuleInProgress
		return r.fillForLoop(ctx, m, ms, v, ec)

	case *domain.WhileLoopModule:
		ms.Iterator = &domain.IteratorState{}
		ms.Type = domain.ModuleInProgress
		return r.nextWhile(ctx, m, ms, v, ec)

	case *domain.BranchAllModule:
		for i, b := range v.Branches {
			id, err := r.dispatchNode(ctx, m, b.Modules, ec.Inputs, fmt.Sprintf("branch-%d", i))
			if err != nil {
				return r.childFailed(ctx, m, ms, err)
			}
			ms.Branches = append(ms.Branches, id)
			ms.Jobs = append(ms.Jobs, id)
		}
		ms.Type = domain.ModuleInProgress
		return &wait{}, nil

	case *domain.BranchOneModule:
		idx, body := -1, v.Default
		for i, b := range v.Branches {
			ok, err := engine.RenderCondition(b.Expr, ec)
			if err != nil {
				return r.moduleFailed(ctx, m, ms, exprError(m, fmt.Sprintf("branches[%d].expr", i), err))
			}
			if ok {
				idx, body = i, b.Modules
				break
			}
		}
		ms.Branch = &idx
		if len(body) == 0 {
			ms.Result = skippedResult
			r.finish(ms, domain.ModuleSkipped)
			r.next(ms)
			return nil, nil
		}
		id, err := r.dispatchNode(ctx, m, body, ec.Inputs, fmt.Sprintf("branch-%d", idx))
		if err != nil {
			return r.childFailed(ctx, m, ms, err)
		}
		ms.Job = &id
		ms.Jobs = append(ms.Jobs, id)
		ms.Type = domain.ModuleInProgress
		return &wait{}, nil

	default:
		return r.moduleFailed(ctx, m, ms, domain.JobError{
			Name:     "UnsupportedModule",
			Message:  fmt.Sprintf("module kind %q cannot be dispatched", m.Kind()),
			ModuleID: m.ID,
		})
	}
}

// collect проверяет дочерние задания модуля.
func (r *run) collect(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus) (*wait, error) {
	switch v := m.Value.(type) {
	case *domain.ForLoopModule:
		return r.collectForLoop(ctx, m, ms, v)
	case *domain.WhileLoopModule:
		return r.collectWhile(ctx, m, ms, v)
	case *domain.BranchAllModule:
		return r.collectBranchAll(ctx, m, ms, v)
	default:
		return r.collectLeaf(ctx, m, ms)
	}
}

// collectLeaf — лист, branch-one и вложенный flow: одно дочернее задание.
func (r *run) collectLeaf(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus) (*wait, error) {
	if ms.Job == nil {
		return r.moduleFailed(ctx, m, ms, domain.JobError{Name: "LostChild", Message: "module has no child job", ModuleID: m.ID})
	}
	c, err := r.completed(ctx, *ms.Job)
	if err != nil || c == nil {
		return &wait{}, err
	}

	if c.Success || c.IsSkipped {
		return r.succeed(ctx, m, ms, c.Result)
	}

	if _, isBranch := m.Value.(*domain.BranchOneModule); !isBranch && !c.Canceled && engine.ShouldRetry(ms.Attempts, m.Retry) {
		delay := engine.Backoff(ms.Attempts, m.Retry)
		args, err := leafArgs(m, r.evalContext())
		if err != nil {
			return r.moduleFailed(ctx, m, ms, exprError(m, "input_transforms", err))
		}
		spec := r.leafSpec(m, args)
		at := r.now.Add(delay)
		spec.ScheduledFor = &at
		telemetry.WithFlowStep(r.logger, m.ID).Info("retrying module", "attempt", ms.Attempts+1, "delay", delay)
		return r.dispatchLeaf(ctx, m, ms, spec)
	}

	return r.moduleFailed(ctx, m, ms, childError(m, c))
}

// completed возвращает терминальную запись дочернего задания
// или nil, если оно ещё в очереди.
func (r *run) completed(ctx context.Context, id uuid.UUID) (*domain.CompletedJob, error) {
	c, err := r.ops.GetCompleted(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.fs.DropLeaf(id)
	return c, nil
}

// succeed записывает результат модуля и применяет stop_after_if и suspend.
func (r *run) succeed(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, result json.RawMessage) (*wait, error) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	ms.Result = result

	if ms.CacheKey != "" && !ms.Cached {
		expires := r.now.Add(time.Duration(m.CacheTTL) * time.Second)
		if err := r.ops.PutCachedResult(ctx, ms.CacheKey, result, expires); err != nil {
			return nil, err
		}
	}

	if m.StopAfterIf != nil {
		stop, err := engine.RenderCondition(m.StopAfterIf.Expr, r.evalContext().WithResult(result))
		if err != nil {
			return r.moduleFailed(ctx, m, ms, exprError(m, "stop_after_if", err))
		}
		if stop {
			ms.StoppedEarly = true
			r.finish(ms, domain.ModuleSuccess)
			if msg := m.StopAfterIf.ErrorMessage; msg != "" {
				return r.failFlow(ctx, domain.JobError{Name: "StoppedEarly", Message: msg, ModuleID: m.ID})
			}
			r.fs.StoppedEarly = true
			r.fs.SkipIfStopped = m.StopAfterIf.SkipIfStopped
			r.fs.Step = len(r.value.Modules)
			r.logger.Debug("flow stopped early", "module_id", m.ID)
			return nil, nil
		}
	}

	if m.Suspend != nil && !r.isFailureModule(ms) {
		required := max(m.Suspend.RequiredEvents, 1)
		ms.Type = domain.ModuleWaitingForEvents
		r.fs.Suspend = &domain.SuspendState{
			ModuleID:       m.ID,
			Deadline:       r.now.Add(time.Duration(m.Suspend.TimeoutSec) * time.Second),
			RequiredEvents: required,
		}
		return r.awaitResume(ctx, m, ms)
	}

	r.finish(ms, domain.ModuleSuccess)
	r.next(ms)
	return nil, nil
}

// awaitResume считает полученные сигналы resume.
func (r *run) awaitResume(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus) (*wait, error) {
	if r.fs.Suspend == nil || m.Suspend == nil {
		r.finish(ms, domain.ModuleSuccess)
		r.next(ms)
		return nil, nil
	}

	signals, err := r.ops.ListResumes(ctx, r.job.ID, m.ID)
	if err != nil {
		return nil, err
	}

	ms.Approvals = ms.Approvals[:0]
	approved := 0
	for _, s := range signals {
		ms.Approvals = append(ms.Approvals, domain.Approval{ResumeID: s.ID, Approver: s.Approver, Approved: s.Approved})
		if !s.Approved {
			r.fs.Suspend = nil
			return r.failModule(ctx, m, ms, domain.JobError{
				Name:     "ResumeDenied",
				Message:  fmt.Sprintf("resume denied by %q", s.Approver),
				ModuleID: m.ID,
			})
		}
		approved++
		ms.ResumePayload = s.Payload
	}

	required := r.fs.Suspend.RequiredEvents
	if approved >= required {
		r.fs.Suspend = nil
		r.finish(ms, domain.ModuleSuccess)
		r.next(ms)
		return nil, nil
	}

	deadline := r.fs.Suspend.Deadline
	if r.now.Before(deadline) {
		return &wait{until: &deadline}, nil
	}

	r.fs.Suspend = nil
	if m.Suspend.ContinueOnTimeout {
		r.finish(ms, domain.ModuleSuccess)
		r.next(ms)
		return nil, nil
	}
	return r.failModule(ctx, m, ms, domain.JobError{
		Name:     "SuspendTimeout",
		Message:  fmt.Sprintf("got %d of %d approvals before the deadline", approved, required),
		ModuleID: m.ID,
	})
}

// moduleFailed обрабатывает ошибку модуля с учётом continue_on_error.
func (r *run) moduleFailed(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, e domain.JobError) (*wait, error) {
	if m.ContinueOnError {
		if err := r.cancelLeaves(ctx, "module failed"); err != nil {
			return nil, err
		}
		ms.Result = e.Value()
		r.finish(ms, domain.ModuleSuccess)
		r.next(ms)
		return nil, nil
	}
	return r.failModule(ctx, m, ms, e)
}

func (r *run) failModule(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, e domain.JobError) (*wait, error) {
	ms.Result = e.Value()
	r.finish(ms, domain.ModuleFailure)
	return r.failFlow(ctx, e)
}

// failFlow переводит flow в ветку ошибки: отменяет идущие дочерние
// задания и запускает failure_module, если он есть.
func (r *run) failFlow(ctx context.Context, e domain.JobError) (*wait, error) {
	if r.fs.Error == nil {
		r.fs.Error = &e
	}
	if err := r.cancelLeaves(ctx, "flow failed"); err != nil {
		return nil, err
	}
	if fm := r.value.FailureModule; fm != nil && r.fs.FailureModule == nil {
		r.fs.FailureModule = &domain.ModuleStatus{ID: fm.ID, Type: domain.ModuleWaitingForPriorSteps}
	}
	telemetry.WithFlowStep(r.logger, e.ModuleID).Info("flow module failed", "error", e.Message)
	return nil, nil
}

func (r *run) cancelLeaves(ctx context.Context, reason string) error {
	for _, id := range r.fs.LeafJobs {
		ids, err := r.ops.SetCanceled(ctx, id, r.job.ID.String(), reason, r.now)
		if err != nil {
			return err
		}
		r.p.Canceled = append(r.p.Canceled, ids...)
	}
	r.fs.LeafJobs = nil
	return nil
}

func (r *run) finish(ms *domain.ModuleStatus, state domain.ModuleState) {
	ms.Type = state
	ms.FinishedAt = &r.now
}

// next переводит указатель на следующий модуль.
func (r *run) next(ms *domain.ModuleStatus) {
	if r.isFailureModule(ms) {
		return
	}
	r.fs.Step++
}

func (r *run) isFailureModule(ms *domain.ModuleStatus) bool {
	return r.fs.FailureModule != nil && ms == r.fs.FailureModule
}

func (r *run) park(ctx context.Context, until *time.Time) (Progress, error) {
	if err := r.ops.ParkFlow(ctx, r.job.ID, r.fs, until); err != nil {
		return Progress{}, err
	}
	r.p.Parked = true
	r.p.Until = until
	return r.p, nil
}

func (r *run) complete(ctx context.Context, result domain.JobResult) (Progress, error) {
	r.fs.Pointer = ""
	result.FlowStatus = r.fs
	c, err := queue.CompleteTx(ctx, r.ops, r.job.ID, r.worker, result, r.now)
	if err != nil {
		return Progress{}, err
	}
	r.p.Completion = &c
	return r.p, nil
}

// pointer — путь модуля в дереве заданий.
func (r *run) pointer(moduleID string) string {
	if r.job.Kind == domain.JobKindFlowNode && r.job.FlowStepID != "" {
		return r.job.FlowStepID + "/" + moduleID
	}
	return moduleID
}

func exprError(m *domain.FlowModule, field string, err error) domain.JobError {
	return domain.JobError{
		Name:     "ExpressionError",
		Message:  fmt.Sprintf("%s: %v", field, err),
		ModuleID: m.ID,
	}
}

// childError — ошибка дочернего задания, поднятая на уровень модуля.
func childError(m *domain.FlowModule, c *domain.CompletedJob) domain.JobError {
	if c.Canceled {
		return domain.JobError{Name: "Canceled", Message: c.CanceledReason, ModuleID: m.ID}
	}
	e, ok := domain.ParseJobError(c.Result)
	if !ok {
		return domain.JobError{Name: "ChildFailure", Message: string(c.Result), ModuleID: m.ID}
	}
	if e.ModuleID == "" {
		e.ModuleID = m.ID
	}
	return e
}
