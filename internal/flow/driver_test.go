package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/repo/sqlite"
	"github.com/shaiso/flowq/internal/testutil"
)

var tags = []string{queue.DefaultTag}

type env struct {
	t     *testing.T
	ctx   context.Context
	store *sqlite.Store
	clock *testutil.Clock
	q     *queue.Service
	d     *Driver

	// exec — исполнитель листьев. По умолчанию возвращает аргументы.
	exec func(job *domain.Job) domain.JobResult

	// hold — листья по этим путям остаются running до ручного завершения.
	hold   map[string]bool
	held   []*domain.Job
	leaves []*domain.Job
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock()
	q := queue.New(store, notify.NewBroadcaster(), testutil.Logger())
	q.Now = clock.Now
	d := New(q, testutil.Logger())
	d.Now = clock.Now

	e := &env{
		t:     t,
		ctx:   context.Background(),
		store: store,
		clock: clock,
		q:     q,
		d:     d,
		hold:  map[string]bool{},
		exec: func(job *domain.Job) domain.JobResult {
			return domain.Succeeded(domain.MustJSON(job.Args))
		},
	}
	for _, path := range []string{"f/echo", "f/fast", "f/slow", "f/fail", "f/flaky"} {
		require.NoError(t, store.InsertScript(e.ctx, &domain.Script{
			WorkspaceID: "acme",
			Path:        path,
			Hash:        "h-" + path,
			Language:    "bash",
			Content:     "echo",
			CreatedAt:   testutil.Epoch,
		}))
	}
	return e
}

func (e *env) submit(value *domain.FlowValue, args map[string]any) uuid.UUID {
	e.t.Helper()
	id, err := e.q.Enqueue(e.ctx, &queue.JobSpec{
		WorkspaceID: "acme",
		Kind:        domain.JobKindFlowPreview,
		RawFlow:     value,
		Args:        args,
	})
	require.NoError(e.t, err)
	return id
}

// step берёт одно задание как воркер workerID и обрабатывает его.
func (e *env) step(workerID string) bool {
	e.t.Helper()
	job, err := e.q.Claim(e.ctx, workerID, tags)
	require.NoError(e.t, err)
	if job == nil {
		return false
	}

	if job.IsFlow() {
		_, err := e.d.Advance(e.ctx, job.ID, workerID)
		require.NoError(e.t, err)
		return true
	}

	if e.hold[job.RunnablePath] {
		e.held = append(e.held, job)
		return true
	}
	e.leaves = append(e.leaves, job)
	require.NoError(e.t, e.q.Complete(e.ctx, job.ID, workerID, e.exec(job)))
	return true
}

func (e *env) drain() {
	e.t.Helper()
	for i := 0; i < 500 && e.step("w1"); i++ {
	}
}

// runFor продвигает время по секунде, пока очередь не опустеет или не выйдет срок.
func (e *env) runFor(d time.Duration) {
	e.t.Helper()
	for elapsed := time.Duration(0); elapsed <= d; elapsed += time.Second {
		e.drain()
		e.clock.Advance(time.Second)
	}
}

func (e *env) result(id uuid.UUID) *domain.CompletedJob {
	e.t.Helper()
	c, err := e.store.GetCompleted(e.ctx, id)
	require.NoError(e.t, err, "flow %s is not completed", id)
	return c
}

func (e *env) notCompleted(id uuid.UUID) {
	e.t.Helper()
	_, err := e.store.GetCompleted(e.ctx, id)
	require.ErrorIs(e.t, err, repo.ErrNotFound)
}

func script(id, path string, inputs map[string]domain.InputTransform) domain.FlowModule {
	return domain.FlowModule{ID: id, Value: &domain.ScriptModule{Path: path, InputTransforms: inputs}}
}

func identity(id string, inputs map[string]domain.InputTransform) domain.FlowModule {
	return domain.FlowModule{ID: id, Value: &domain.IdentityModule{InputTransforms: inputs}}
}

func TestAdvance_ForLoopDispatchesInOrder(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "loop",
		Value: &domain.ForLoopModule{
			Iterator: domain.Static([]any{1, 2, 3}),
			Modules: []domain.FlowModule{
				script("body", "f/echo", map[string]domain.InputTransform{"x": domain.Expr("{{ .Iter.Value }}")}),
			},
		},
	}}}, nil)

	e.hold["f/echo"] = true
	for i := 0; i < 3; i++ {
		e.drain()
		require.Len(t, e.held, i+1, "iteration %d must be dispatched only after the previous one", i)
		e.notCompleted(id)

		job := e.held[i]
		assert.Equal(t, float64(i+1), job.Args["x"])
		require.NoError(t, e.q.Complete(e.ctx, job.ID, "w1", domain.Succeeded(domain.MustJSON(job.Args))))
	}
	e.drain()

	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `[{"x":1},{"x":2},{"x":3}]`, string(c.Result))
}

func TestAdvance_ParallelForLoopRespectsParallelism(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "loop",
		Value: &domain.ForLoopModule{
			Iterator:    domain.Expr("{{ json .Inputs.items }}"),
			Parallel:    true,
			Parallelism: 2,
			Modules: []domain.FlowModule{
				script("body", "f/echo", map[string]domain.InputTransform{"x": domain.Expr("{{ .Iter.Value }}")}),
			},
		},
	}}}, map[string]any{"items": []any{"a", "b", "c"}})

	e.hold["f/echo"] = true
	e.drain()
	require.Len(t, e.held, 2)

	for _, job := range e.held {
		require.NoError(t, e.q.Complete(e.ctx, job.ID, "w1", domain.Succeeded(domain.MustJSON(job.Args["x"]))))
	}
	e.drain()
	require.Len(t, e.held, 3)
	e.notCompleted(id)

	last := e.held[2]
	require.NoError(t, e.q.Complete(e.ctx, last.ID, "w1", domain.Succeeded(domain.MustJSON(last.Args["x"]))))
	e.drain()

	assert.JSONEq(t, `["a","b","c"]`, string(e.result(id).Result))
}

func TestAdvance_ParallelForLoopRefillsFreedSlot(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "loop",
		Value: &domain.ForLoopModule{
			Iterator:    domain.Static([]any{"a", "b", "c"}),
			Parallel:    true,
			Parallelism: 2,
			Modules: []domain.FlowModule{
				script("body", "f/echo", map[string]domain.InputTransform{"x": domain.Expr("{{ .Iter.Value }}")}),
			},
		},
	}}}, nil)

	e.hold["f/echo"] = true
	e.drain()
	require.Len(t, e.held, 2)

	// Одна из двух итераций закончилась, вторая ещё идёт.
	first := e.held[0]
	require.NoError(t, e.q.Complete(e.ctx, first.ID, "w1", domain.Succeeded(domain.MustJSON(first.Args["x"]))))
	e.drain()
	require.Len(t, e.held, 3, "freed slot must be refilled while the other iteration is running")
	assert.Equal(t, "c", e.held[2].Args["x"])
	e.notCompleted(id)

	for _, job := range e.held[1:] {
		require.NoError(t, e.q.Complete(e.ctx, job.ID, "w1", domain.Succeeded(domain.MustJSON(job.Args["x"]))))
	}
	e.drain()

	assert.JSONEq(t, `["a","b","c"]`, string(e.result(id).Result))
}

func TestAdvance_SameWorkerFlowStaysOnItsWorker(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{
		SameWorker: true,
		Modules: []domain.FlowModule{
			script("a", "f/echo", nil),
			script("b", "f/fast", nil),
		},
	}, nil)

	require.True(t, e.step("w1"), "w1 starts the flow")
	for i := 0; i < 20; i++ {
		assert.False(t, e.step("w2"), "nothing of a same_worker flow may go to w2")
		if !e.step("w1") {
			break
		}
	}

	assert.True(t, e.result(id).Success)
	require.Len(t, e.leaves, 2)
	for _, leaf := range e.leaves {
		assert.Equal(t, "w1", leaf.SameWorkerID, "leaf %s", leaf.RunnablePath)
	}
}

func TestAdvance_BranchAllJoinsAllBranches(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "fan",
		Value: &domain.BranchAllModule{Branches: []domain.BranchAllBranch{
			{Modules: []domain.FlowModule{script("fast", "f/fast", map[string]domain.InputTransform{"b": domain.Static("fast")})}},
			{Modules: []domain.FlowModule{script("slow", "f/slow", map[string]domain.InputTransform{"b": domain.Static("slow")})}},
		}},
	}}}, nil)

	e.hold["f/slow"] = true
	e.drain()
	require.Len(t, e.leaves, 1)
	require.Len(t, e.held, 1)
	e.notCompleted(id)

	e.clock.Advance(10 * time.Minute)
	e.drain()
	e.notCompleted(id)

	slow := e.held[0]
	require.NoError(t, e.q.Complete(e.ctx, slow.ID, "w1", domain.Succeeded(domain.MustJSON(slow.Args))))
	e.drain()

	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `[{"b":"fast"},{"b":"slow"}]`, string(c.Result))
}

func TestAdvance_CacheShortCircuits(t *testing.T) {
	e := newEnv(t)
	value := &domain.FlowValue{Modules: []domain.FlowModule{{
		ID:       "a",
		CacheTTL: 600,
		Value:    &domain.ScriptModule{Path: "f/echo", InputTransforms: map[string]domain.InputTransform{"v": domain.Expr("{{ .Inputs.v }}")}},
	}}}

	first := e.submit(value, map[string]any{"v": 1})
	e.drain()
	require.Len(t, e.leaves, 1)

	e.clock.Advance(5 * time.Minute)
	second := e.submit(value, map[string]any{"v": 1})
	e.drain()
	assert.Len(t, e.leaves, 1, "cached module must not dispatch")
	assert.JSONEq(t, string(e.result(first).Result), string(e.result(second).Result))

	other := e.submit(value, map[string]any{"v": 2})
	e.drain()
	assert.Len(t, e.leaves, 2, "different inputs miss the cache")
	e.result(other)

	e.clock.Advance(6 * time.Minute)
	e.submit(value, map[string]any{"v": 1})
	e.drain()
	assert.Len(t, e.leaves, 3, "expired cache dispatches again")
}

func TestAdvance_CrashResumeDoesNotRerunModules(t *testing.T) {
	e := newEnv(t)
	var modules []domain.FlowModule
	for _, m := range []string{"m1", "m2", "m3", "m4"} {
		modules = append(modules, script(m, "f/echo", map[string]domain.InputTransform{"step": domain.Static(m)}))
	}
	id := e.submit(&domain.FlowValue{Modules: modules}, nil)

	// m1 и m2 выполняются до падения воркера.
	for len(e.leaves) < 2 {
		require.True(t, e.step("w1"))
	}

	// Flow разбужен после m2; воркер берёт его и падает.
	job, err := e.q.Claim(e.ctx, "w1", tags)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)

	e.clock.Advance(2 * time.Minute)
	n, err := e.q.ReclaimStale(e.ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for i := 0; i < 100 && e.step("w2"); i++ {
	}

	var steps []any
	for _, l := range e.leaves {
		steps = append(steps, l.Args["step"])
	}
	assert.Equal(t, []any{"m1", "m2", "m3", "m4"}, steps)
	assert.True(t, e.result(id).Success)
}

func TestAdvance_RetryWithBackoff(t *testing.T) {
	e := newEnv(t)
	calls := 0
	e.exec = func(job *domain.Job) domain.JobResult {
		calls++
		if calls < 3 {
			return domain.Failed(domain.JobError{Name: "Flaky", Message: "try again"})
		}
		return domain.Succeeded(json.RawMessage(`"ok"`))
	}

	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID:    "a",
		Retry: &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", InitialDelayMs: 2000},
		Value: &domain.ScriptModule{Path: "f/flaky"},
	}}}, nil)

	e.drain()
	assert.Equal(t, 1, calls, "retry must wait for the backoff")

	e.runFor(10 * time.Second)
	assert.Equal(t, 3, calls)
	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `"ok"`, string(c.Result))
	assert.Equal(t, 3, c.FlowStatus.Modules[0].Attempts)
}

func TestAdvance_RetryExhaustedFailsFlow(t *testing.T) {
	e := newEnv(t)
	e.exec = func(*domain.Job) domain.JobResult {
		return domain.Failed(domain.JobError{Name: "Boom", Message: "boom"})
	}

	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
		{ID: "a", Retry: &domain.RetryPolicy{MaxAttempts: 2}, Value: &domain.ScriptModule{Path: "f/fail"}},
		script("b", "f/echo", nil),
	}}, nil)
	e.runFor(5 * time.Second)

	c := e.result(id)
	assert.False(t, c.Success)
	je, ok := domain.ParseJobError(c.Result)
	require.True(t, ok)
	assert.Equal(t, "Boom", je.Name)
	assert.Equal(t, "a", je.ModuleID)
	assert.Len(t, e.leaves, 2, "module b must not run")
}

func TestAdvance_Modifiers(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
		{ID: "m1", Mock: &domain.MockSettings{Enabled: true, ReturnValue: 5}, Value: &domain.ScriptModule{Path: "f/echo"}},
		{ID: "m2", SkipIf: &domain.SkipIf{Expr: "true"}, Value: &domain.ScriptModule{Path: "f/echo"}},
		identity("m3", map[string]domain.InputTransform{"x": domain.Expr("{{ .Results.m1 }}")}),
	}}, nil)
	e.drain()

	assert.Empty(t, e.leaves)
	c := e.result(id)
	assert.JSONEq(t, `{"x":5}`, string(c.Result))
	assert.Equal(t, domain.ModuleSkipped, c.FlowStatus.Modules[1].Type)
	assert.JSONEq(t, `{"skipped":true}`, string(c.FlowStatus.Modules[1].Result))
}

func TestAdvance_StopAfterIf(t *testing.T) {
	tests := []struct {
		name        string
		stop        domain.StopAfterIf
		wantSuccess bool
		wantSkipped bool
	}{
		{"success", domain.StopAfterIf{Expr: "eq (num .Result.v) 1.0"}, true, false},
		{"skipped", domain.StopAfterIf{Expr: "eq (num .Result.v) 1.0", SkipIfStopped: true}, true, true},
		{"error", domain.StopAfterIf{Expr: "eq (num .Result.v) 1.0", ErrorMessage: "nothing to do"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			stop := tt.stop
			id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
				{ID: "check", StopAfterIf: &stop, Value: &domain.IdentityModule{
					InputTransforms: map[string]domain.InputTransform{"v": domain.Static(1)},
				}},
				script("after", "f/echo", nil),
			}}, nil)
			e.drain()

			assert.Empty(t, e.leaves)
			c := e.result(id)
			assert.Equal(t, tt.wantSuccess, c.Success)
			assert.Equal(t, tt.wantSkipped, c.IsSkipped)
		})
	}
}

func TestAdvance_StopAfterIfHaltsEnclosingLoop(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "loop",
		Value: &domain.ForLoopModule{
			Iterator: domain.Static([]any{1, 2, 3, 4}),
			Modules: []domain.FlowModule{{
				ID:          "body",
				StopAfterIf: &domain.StopAfterIf{Expr: "eq (num .Result.n) 2.0"},
				Value: &domain.IdentityModule{InputTransforms: map[string]domain.InputTransform{
					"n": domain.Expr("{{ .Iter.Value }}"),
				}},
			}},
		},
	}}}, nil)
	e.drain()

	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `[{"n":1},{"n":2}]`, string(c.Result))
}

func TestAdvance_WhileLoop(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "loop",
		Value: &domain.WhileLoopModule{
			Condition: "lt .Iter.Index 3",
			Modules: []domain.FlowModule{
				identity("body", map[string]domain.InputTransform{"i": domain.Expr("{{ .Iter.Index }}")}),
			},
		},
	}}}, nil)
	e.drain()

	assert.JSONEq(t, `[{"i":0},{"i":1},{"i":2}]`, string(e.result(id).Result))
}

func TestAdvance_WhileLoopMaxIterations(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "loop",
		Value: &domain.WhileLoopModule{
			MaxIterations: 2,
			Modules:       []domain.FlowModule{identity("body", nil)},
		},
	}}}, nil)
	e.drain()

	assert.JSONEq(t, `[{},{}]`, string(e.result(id).Result))
}

func TestAdvance_BranchOne(t *testing.T) {
	value := &domain.FlowValue{Modules: []domain.FlowModule{{
		ID: "pick",
		Value: &domain.BranchOneModule{
			Branches: []domain.BranchOneBranch{
				{Expr: `eq .Inputs.kind "a"`, Modules: []domain.FlowModule{identity("a", map[string]domain.InputTransform{"branch": domain.Static("a")})}},
				{Expr: `eq .Inputs.kind "b"`, Modules: []domain.FlowModule{identity("b", map[string]domain.InputTransform{"branch": domain.Static("b")})}},
			},
			Default: []domain.FlowModule{identity("d", map[string]domain.InputTransform{"branch": domain.Static("default")})},
		},
	}}}

	tests := []struct {
		kind string
		want string
	}{
		{"a", `{"branch":"a"}`},
		{"b", `{"branch":"b"}`},
		{"zzz", `{"branch":"default"}`},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			e := newEnv(t)
			id := e.submit(value, map[string]any{"kind": tt.kind})
			e.drain()
			assert.JSONEq(t, tt.want, string(e.result(id).Result))
		})
	}
}

func TestAdvance_FailureModule(t *testing.T) {
	e := newEnv(t)
	e.exec = func(job *domain.Job) domain.JobResult {
		if job.RunnablePath == "f/fail" {
			return domain.Failed(domain.JobError{Name: "Boom", Message: "boom"})
		}
		return domain.Succeeded(domain.MustJSON(job.Args))
	}

	fm := identity("on_failure", map[string]domain.InputTransform{
		"msg":    domain.Expr("{{ .Inputs.error.message }}"),
		"module": domain.Expr("{{ .Inputs.module_id }}"),
	})
	id := e.submit(&domain.FlowValue{
		Modules:       []domain.FlowModule{script("a", "f/fail", nil), script("b", "f/echo", nil)},
		FailureModule: &fm,
	}, nil)
	e.drain()

	c := e.result(id)
	assert.False(t, c.Success)
	je, ok := domain.ParseJobError(c.Result)
	require.True(t, ok)
	assert.Equal(t, "Boom", je.Name)

	require.NotNil(t, c.FlowStatus.FailureModule)
	assert.Equal(t, domain.ModuleSuccess, c.FlowStatus.FailureModule.Type)
	assert.JSONEq(t, `{"msg":"boom","module":"a"}`, string(c.FlowStatus.FailureModule.Result))
	assert.Len(t, e.leaves, 1)
}

func TestAdvance_ContinueOnError(t *testing.T) {
	e := newEnv(t)
	e.exec = func(job *domain.Job) domain.JobResult {
		if job.RunnablePath == "f/fail" {
			return domain.Failed(domain.JobError{Name: "Boom", Message: "boom"})
		}
		return domain.Succeeded(domain.MustJSON(job.Args))
	}

	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
		{ID: "a", ContinueOnError: true, Value: &domain.ScriptModule{Path: "f/fail"}},
		identity("b", map[string]domain.InputTransform{"prev": domain.Expr("{{ .Results.a.error.name }}")}),
	}}, nil)
	e.drain()

	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `{"prev":"Boom"}`, string(c.Result))
}

func TestAdvance_ContinueOnErrorCancelsLoopSiblings(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
		{
			ID:              "loop",
			ContinueOnError: true,
			Value: &domain.ForLoopModule{
				Iterator:    domain.Static([]any{"bad", "slow"}),
				Parallel:    true,
				Parallelism: 2,
				Modules:     []domain.FlowModule{script("body", "f/echo", nil)},
			},
		},
		identity("after", map[string]domain.InputTransform{"ok": domain.Static(true)}),
	}}, nil)

	e.hold["f/echo"] = true
	e.drain()
	require.Len(t, e.held, 2)

	bad, slow := e.held[0], e.held[1]
	require.NoError(t, e.q.Complete(e.ctx, bad.ID, "w1", domain.Failed(domain.JobError{Name: "Boom", Message: "boom"})))
	e.drain()

	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `{"ok":true}`, string(c.Result))

	left, err := e.store.GetQueued(e.ctx, slow.ID)
	require.NoError(t, err)
	assert.True(t, left.Canceled, "in-flight sibling iteration must be canceled")
}

func suspendFlow() *domain.FlowValue {
	return &domain.FlowValue{Modules: []domain.FlowModule{
		{ID: "approve", Suspend: &domain.SuspendSettings{TimeoutSec: 60}, Value: &domain.IdentityModule{}},
		identity("after", map[string]domain.InputTransform{"ok": domain.Expr("{{ .Resume.ok }}")}),
	}}
}

func TestResume_Approved(t *testing.T) {
	e := newEnv(t)
	id := e.submit(suspendFlow(), nil)
	e.drain()
	e.notCompleted(id)

	job, err := e.store.GetQueued(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSuspended, job.Status())
	require.NotNil(t, job.FlowStatus.Suspend)
	assert.Equal(t, "approve", job.FlowStatus.Suspend.ModuleID)

	_, err = e.d.Resume(e.ctx, id, "", map[string]any{"ok": true}, true, "alice")
	require.NoError(t, err)
	e.drain()

	c := e.result(id)
	assert.True(t, c.Success)
	assert.JSONEq(t, `{"ok":true}`, string(c.Result))
	require.Len(t, c.FlowStatus.Modules[0].Approvals, 1)
	assert.Equal(t, "alice", c.FlowStatus.Modules[0].Approvals[0].Approver)
}

func TestResume_Denied(t *testing.T) {
	e := newEnv(t)
	id := e.submit(suspendFlow(), nil)
	e.drain()

	_, err := e.d.Resume(e.ctx, id, "approve", nil, false, "bob")
	require.NoError(t, err)
	e.drain()

	c := e.result(id)
	assert.False(t, c.Success)
	je, _ := domain.ParseJobError(c.Result)
	assert.Equal(t, "ResumeDenied", je.Name)
}

func TestResume_Timeout(t *testing.T) {
	e := newEnv(t)
	id := e.submit(suspendFlow(), nil)
	e.drain()

	e.clock.Advance(30 * time.Second)
	e.drain()
	e.notCompleted(id)

	e.clock.Advance(31 * time.Second)
	e.drain()

	je, _ := domain.ParseJobError(e.result(id).Result)
	assert.Equal(t, "SuspendTimeout", je.Name)
}

func TestResume_Errors(t *testing.T) {
	e := newEnv(t)

	_, err := e.d.Resume(e.ctx, uuid.Must(uuid.NewV7()), "", nil, true, "")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	id := e.submit(suspendFlow(), nil)
	_, err = e.d.Resume(e.ctx, id, "", nil, true, "")
	assert.ErrorIs(t, err, repo.ErrInvalidState, "flow has not reached the suspend yet")

	_, err = e.d.Resume(e.ctx, id, "missing", nil, true, "")
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	// Сигнал, пришедший заранее, учитывается по прибытии.
	_, err = e.d.Resume(e.ctx, id, "approve", map[string]any{"ok": false}, true, "early")
	require.NoError(t, err)
	e.drain()
	assert.JSONEq(t, `{"ok":false}`, string(e.result(id).Result))

	_, err = e.d.Resume(e.ctx, id, "approve", nil, true, "")
	assert.ErrorIs(t, err, repo.ErrInvalidState)
}

func TestAdvance_SleepDelaysDispatch(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
		{ID: "a", Sleep: 5, Value: &domain.ScriptModule{Path: "f/echo"}},
	}}, nil)

	e.drain()
	assert.Empty(t, e.leaves)

	e.clock.Advance(5 * time.Second)
	e.drain()
	assert.Len(t, e.leaves, 1)
	assert.True(t, e.result(id).Success)
}

func TestAdvance_SubFlowAndExpressionFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.UpsertFlow(e.ctx, &domain.FlowDef{
		WorkspaceID: "acme",
		Path:        "f/child",
		Value: domain.FlowValue{Modules: []domain.FlowModule{
			identity("inner", map[string]domain.InputTransform{"got": domain.Expr("{{ .Inputs.n }}")}),
		}},
		CreatedAt: testutil.Epoch,
	}))

	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{
		{ID: "sub", Value: &domain.SubFlowModule{Path: "f/child", InputTransforms: map[string]domain.InputTransform{
			"n": domain.Static(7),
		}}},
		identity("bad", map[string]domain.InputTransform{"x": domain.Expr("{{ index .Results.sub 1 }}")}),
	}}, nil)
	e.drain()

	c := e.result(id)
	require.False(t, c.Success)
	assert.JSONEq(t, `{"got":7}`, string(c.FlowStatus.Modules[0].Result))
	je, _ := domain.ParseJobError(c.Result)
	assert.Equal(t, "ExpressionError", je.Name)
	assert.Equal(t, "bad", je.ModuleID)
}

func TestAdvance_CanceledFlowCancelsChildren(t *testing.T) {
	e := newEnv(t)
	e.hold["f/slow"] = true
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{script("a", "f/slow", nil)}}, nil)
	e.drain()
	require.Len(t, e.held, 1)

	_, err := e.q.Cancel(e.ctx, id, "alice", "stop")
	require.NoError(t, err)

	leaf := e.held[0]
	require.NoError(t, e.q.Complete(e.ctx, leaf.ID, "w1", domain.CanceledResult("stop")))
	e.drain()

	assert.Equal(t, domain.JobStatusCanceled, e.result(id).Status())
	assert.Equal(t, domain.JobStatusCanceled, e.result(leaf.ID).Status())
}

func TestAdvance_NotOwner(t *testing.T) {
	e := newEnv(t)
	id := e.submit(&domain.FlowValue{Modules: []domain.FlowModule{identity("a", nil)}}, nil)

	_, err := e.d.Advance(e.ctx, id, "w1")
	assert.True(t, errors.Is(err, engine.ErrNotOwner))

	job, err := e.q.Claim(e.ctx, "w1", tags)
	require.NoError(t, err)
	_, err = e.d.Advance(e.ctx, job.ID, "w2")
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	p, err := e.d.Advance(e.ctx, job.ID, "w1")
	require.NoError(t, err)
	require.NotNil(t, p.Completion)
	assert.Equal(t, "completed", p.Outcome())
}
