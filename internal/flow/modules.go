package flow

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
)

// evalContext собирает контекст выражений из аргументов flow
// и результатов уже завершённых модулей.
func (r *run) evalContext() *engine.Context {
	inputs := r.job.Args
	if r.fs.Error != nil {
		inputs = maps.Clone(inputs)
		if inputs == nil {
			inputs = map[string]any{}
		}
		inputs["error"] = decode(domain.MustJSON(*r.fs.Error))
		inputs["module_id"] = r.fs.Error.ModuleID
	}

	ec := engine.NewContext(inputs)
	ec.SetEnv("FLOWQ_WORKSPACE", r.job.WorkspaceID)
	ec.SetEnv("FLOWQ_JOB_ID", r.job.ID.String())
	ec.SetEnv("FLOWQ_ROOT_JOB_ID", r.job.Root().String())
	for i := range r.fs.Modules {
		ms := &r.fs.Modules[i]
		if !ms.Type.IsTerminal() {
			continue
		}
		ec.AddResult(ms.ID, ms.Result)
		if ms.ResumePayload != nil {
			ec.Resume = ms.ResumePayload
		}
	}
	return ec
}

// leafArgs вычисляет входы модуля. Для циклов и веток — nil.
func leafArgs(m *domain.FlowModule, ec *engine.Context) (map[string]any, error) {
	var transforms map[string]domain.InputTransform
	switch v := m.Value.(type) {
	case *domain.ScriptModule:
		transforms = v.InputTransforms
	case *domain.RawScriptModule:
		transforms = v.InputTransforms
	case *domain.SubFlowModule:
		transforms = v.InputTransforms
	case *domain.AIAgentModule:
		transforms = v.InputTransforms
	case *domain.IdentityModule:
		transforms = v.InputTransforms
	default:
		return nil, nil
	}
	return engine.EvalTransforms(transforms, ec)
}

// cacheKey — ключ кеша модуля: определение модуля плюс его входы.
func (r *run) cacheKey(m *domain.FlowModule, args map[string]any, ec *engine.Context) string {
	value, _ := domain.MarshalModuleValue(m.Value)
	var inputs any = args
	if args == nil {
		inputs = ec.Inputs
	}
	return engine.CacheKey(r.job.WorkspaceID, "module", r.job.RunnablePath, m.ID, value, inputs)
}

// leafSpec строит запрос на дочернее задание листа.
func (r *run) leafSpec(m *domain.FlowModule, args map[string]any) *queue.JobSpec {
	spec := r.childSpec(m, args, r.pointer(m.ID))
	switch v := m.Value.(type) {
	case *domain.ScriptModule:
		spec.Kind = domain.JobKindScript
		spec.Path = v.Path
		spec.Hash = v.Hash
		spec.Tag = v.TagOverride
	case *domain.RawScriptModule:
		spec.Kind = domain.JobKindPreview
		spec.Language = v.Language
		spec.RawCode = v.Content
		spec.Tag = v.Tag
	case *domain.SubFlowModule:
		spec.Kind = domain.JobKindFlow
		spec.Path = v.Path
	case *domain.AIAgentModule:
		spec.Kind = domain.JobKindAIAgent
		spec.Args = maps.Clone(args)
		if spec.Args == nil {
			spec.Args = map[string]any{}
		}
		spec.Args["tools"] = v.Tools
		if v.MaxToolCalls > 0 {
			spec.Args["max_tool_calls"] = v.MaxToolCalls
		}
	}
	return spec
}

func (r *run) childSpec(m *domain.FlowModule, args map[string]any, stepID string) *queue.JobSpec {
	root := r.job.Root()
	spec := &queue.JobSpec{
		WorkspaceID:    r.job.WorkspaceID,
		Args:           args,
		ParentJob:      &r.job.ID,
		RootJob:        &root,
		FlowStepID:     stepID,
		CreatedBy:      r.job.CreatedBy,
		PermissionedAs: r.job.PermissionedAs,
		TriggerKind:    domain.TriggerKindFlow,
		Trigger:        r.job.ID.String(),
	}
	switch {
	case r.fs.SameWorker != "":
		spec.SameWorkerID = r.fs.SameWorker
	case m.SameWorker:
		spec.SameWorkerID = r.worker
	}
	if m.Priority != 0 {
		spec.Priority = &m.Priority
	}
	if m.TimeoutSec > 0 {
		spec.TimeoutSec = &m.TimeoutSec
	}
	return spec
}

// enqueueChild ставит дочернее задание в той же транзакции.
// Debounce дочерних заданий не применяется.
func (r *run) enqueueChild(ctx context.Context, spec *queue.JobSpec) (uuid.UUID, error) {
	job, _, err := queue.Prepare(ctx, r.ops, spec, r.now)
	if err != nil {
		return uuid.Nil, err
	}
	if err := queue.InsertTx(ctx, r.ops, job); err != nil {
		return uuid.Nil, err
	}
	r.fs.LeafJobs = append(r.fs.LeafJobs, job.ID)
	r.p.Dispatched = append(r.p.Dispatched, job.ID)
	return job.ID, nil
}

func (r *run) dispatchLeaf(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, spec *queue.JobSpec) (*wait, error) {
	id, err := r.enqueueChild(ctx, spec)
	if err != nil {
		return r.childFailed(ctx, m, ms, err)
	}
	ms.Type = domain.ModuleInProgress
	ms.Job = &id
	ms.Jobs = append(ms.Jobs, id)
	ms.Attempts++
	return &wait{}, nil
}

// dispatchNode ставит тело цикла или ветку как flownode-задание.
func (r *run) dispatchNode(ctx context.Context, m *domain.FlowModule, body []domain.FlowModule, args map[string]any, suffix string) (uuid.UUID, error) {
	spec := r.childSpec(m, args, r.pointer(m.ID)+"/"+suffix)
	spec.Kind = domain.JobKindFlowNode
	spec.RawFlow = &domain.FlowValue{Modules: body, SameWorker: r.value.SameWorker}
	return r.enqueueChild(ctx, spec)
}

// childFailed: отклонённое дочернее задание — ошибка модуля,
// остальные ошибки откатывают транзакцию.
func (r *run) childFailed(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, err error) (*wait, error) {
	if errors.Is(err, engine.ErrInvalidSpec) {
		return r.moduleFailed(ctx, m, ms, domain.JobError{Name: "InvalidSpec", Message: err.Error(), ModuleID: m.ID})
	}
	return nil, err
}

func iterArgs(inputs map[string]any, value any, index int) map[string]any {
	args := maps.Clone(inputs)
	if args == nil {
		args = map[string]any{}
	}
	args["iter"] = map[string]any{"value": value, "index": index}
	return args
}

// fillForLoop отправляет итерации, пока есть место.
// Последовательный цикл держит одну итерацию, параллельный — до Parallelism.
func (r *run) fillForLoop(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, v *domain.ForLoopModule, ec *engine.Context) (*wait, error) {
	it := ms.Iterator
	limit := 1
	if v.Parallel {
		limit = v.Parallelism
		if limit <= 0 {
			limit = len(it.Items)
		}
	}

	inFlight := 0
	for i := 0; i < it.Index; i++ {
		if !it.Done[i] {
			inFlight++
		}
	}

	for it.Index < len(it.Items) && inFlight < limit {
		i := it.Index
		id, err := r.dispatchNode(ctx, m, v.Modules, iterArgs(ec.Inputs, it.Items[i], i), strconv.Itoa(i))
		if err != nil {
			return r.childFailed(ctx, m, ms, err)
		}
		ms.Jobs = append(ms.Jobs, id)
		ms.Job = &id
		it.Index++
		inFlight++
	}
	return &wait{}, nil
}

func (r *run) collectForLoop(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, v *domain.ForLoopModule) (*wait, error) {
	it := ms.Iterator
	stopped := false
	for i, id := range ms.Jobs {
		if it.Done[i] {
			continue
		}
		c, err := r.completed(ctx, id)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		it.Done[i] = true
		if !c.Success && !c.IsSkipped && !v.SkipFailures {
			return r.moduleFailed(ctx, m, ms, childError(m, c))
		}
		it.Results[i] = c.Result
		if c.FlowStatus != nil && c.FlowStatus.StoppedEarly {
			stopped = true
		}
	}

	done := 0
	for _, d := range it.Done {
		if d {
			done++
		}
	}

	if stopped {
		if err := r.cancelLeaves(ctx, "loop stopped early"); err != nil {
			return nil, err
		}
		return r.succeed(ctx, m, ms, loopResults(it))
	}
	if done == len(it.Items) {
		return r.succeed(ctx, m, ms, loopResults(it))
	}
	return r.fillForLoop(ctx, m, ms, v, r.evalContext())
}

// loopResults — результаты завершённых итераций по порядку индекса.
func loopResults(it *domain.IteratorState) json.RawMessage {
	out := make([]json.RawMessage, 0, len(it.Results))
	for i, res := range it.Results {
		if i < len(it.Done) && !it.Done[i] {
			continue
		}
		if len(res) == 0 {
			res = json.RawMessage("null")
		}
		out = append(out, res)
	}
	return domain.MustJSON(out)
}

// nextWhile проверяет условие и отправляет следующую итерацию.
func (r *run) nextWhile(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, v *domain.WhileLoopModule, ec *engine.Context) (*wait, error) {
	it := ms.Iterator
	limit := v.MaxIterations
	if limit <= 0 {
		limit = r.maxIter
	}
	if it.Index >= limit {
		return r.succeed(ctx, m, ms, loopResults(it))
	}

	lc := *ec
	lc.Iter = &engine.IterContext{Index: it.Index}
	if n := len(it.Results); n > 0 {
		lc.PreviousResult = decode(it.Results[n-1])
	}
	ok, err := engine.RenderCondition(v.Condition, &lc)
	if err != nil {
		return r.moduleFailed(ctx, m, ms, exprError(m, "condition", err))
	}
	if !ok {
		return r.succeed(ctx, m, ms, loopResults(it))
	}

	id, err := r.dispatchNode(ctx, m, v.Modules, iterArgs(ec.Inputs, nil, it.Index), strconv.Itoa(it.Index))
	if err != nil {
		return r.childFailed(ctx, m, ms, err)
	}
	ms.Jobs = append(ms.Jobs, id)
	ms.Job = &id
	it.Index++
	it.Results = append(it.Results, nil)
	it.Done = append(it.Done, false)
	return &wait{}, nil
}

func (r *run) collectWhile(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, v *domain.WhileLoopModule) (*wait, error) {
	it := ms.Iterator
	if ms.Job == nil || it.Index == 0 {
		return r.nextWhile(ctx, m, ms, v, r.evalContext())
	}
	c, err := r.completed(ctx, *ms.Job)
	if err != nil || c == nil {
		return &wait{}, err
	}

	last := it.Index - 1
	it.Done[last] = true
	if !c.Success && !c.IsSkipped && !v.SkipFailures {
		return r.moduleFailed(ctx, m, ms, childError(m, c))
	}
	it.Results[last] = c.Result
	if c.FlowStatus != nil && c.FlowStatus.StoppedEarly {
		return r.succeed(ctx, m, ms, loopResults(it))
	}
	return r.nextWhile(ctx, m, ms, v, r.evalContext())
}

// collectBranchAll ждёт все ветки. Упавшая ветка без skip_failure
// роняет модуль сразу, остальные ветки отменяются.
func (r *run) collectBranchAll(ctx context.Context, m *domain.FlowModule, ms *domain.ModuleStatus, v *domain.BranchAllModule) (*wait, error) {
	results := make([]json.RawMessage, len(ms.Branches))
	pending := false
	for i, id := range ms.Branches {
		c, err := r.ops.GetCompleted(ctx, id)
		if err != nil {
			if isNotFound(err) {
				pending = true
				continue
			}
			return nil, err
		}
		r.fs.DropLeaf(id)
		if !c.Success && !c.IsSkipped && (i >= len(v.Branches) || !v.Branches[i].SkipFailure) {
			return r.moduleFailed(ctx, m, ms, childError(m, c))
		}
		results[i] = c.Result
	}
	if pending {
		return &wait{}, nil
	}
	return r.succeed(ctx, m, ms, domain.MustJSON(results))
}

func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
