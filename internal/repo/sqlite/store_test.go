package sqlite

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
	"github.com/shaiso/flowq/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newJob(ws, tag string) *domain.Job {
	return &domain.Job{
		ID:           domain.NewJobID(),
		WorkspaceID:  ws,
		Kind:         domain.JobKindScript,
		RunnablePath: "f/test/script",
		Args:         map[string]any{"x": float64(1)},
		Tag:          tag,
		ScheduledFor: t0,
		CreatedAt:    t0,
		Visible:      true,
	}
}

func TestStore_InsertAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := uuid.New()
	j := newJob("ws1", "default")
	j.ParentJob = &parent
	j.RootJob = &parent
	j.Concurrency = &domain.ConcurrencySettings{Key: "k", Limit: 2, WindowSec: 60}
	j.Cache = &domain.CacheSettings{Key: "c", TTLSec: 30}
	j.TriggerKind = domain.TriggerKindSchedule
	j.Trigger = "nightly"

	require.NoError(t, s.InsertJob(ctx, j))
	assert.ErrorIs(t, s.InsertJob(ctx, j), repo.ErrAlreadyExists)

	got, err := s.GetQueued(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "ws1", got.WorkspaceID)
	assert.Equal(t, domain.JobKindScript, got.Kind)
	require.NotNil(t, got.ParentJob)
	assert.Equal(t, parent, *got.ParentJob)
	assert.Equal(t, float64(1), got.Args["x"])
	assert.True(t, got.ScheduledFor.Equal(t0))
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, j.Concurrency, got.Concurrency)
	assert.Equal(t, j.Cache, got.Cache)
	assert.Equal(t, "nightly", got.Trigger)
	assert.True(t, got.Visible)

	_, err = s.GetQueued(ctx, uuid.New())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStore_ClaimCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := newJob("ws1", "default")
	high := newJob("ws1", "default")
	high.Priority = 10
	future := newJob("ws1", "default")
	future.ScheduledFor = t0.Add(time.Hour)
	otherTag := newJob("ws1", "gpu")
	pinned := newJob("ws1", "default")
	pinned.SameWorkerID = "w2"
	parked := newJob("ws1", "default")
	parked.Suspended = true

	for _, j := range []*domain.Job{low, high, future, otherTag, pinned, parked} {
		require.NoError(t, s.InsertJob(ctx, j))
	}

	got, err := s.ListClaimCandidates(ctx, repo.ClaimQuery{
		WorkerID: "w1",
		Tags:     []string{"default"},
		Now:      t0,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, high.ID, got[0].ID)
	assert.Equal(t, low.ID, got[1].ID)

	got, err = s.ListClaimCandidates(ctx, repo.ClaimQuery{WorkerID: "w2", Tags: []string{"default", "gpu"}, Now: t0, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestStore_RunningLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob("ws1", "default")
	require.NoError(t, s.InsertJob(ctx, j))
	require.NoError(t, s.MarkRunning(ctx, j.ID, "w1", t0))

	got, err := s.GetQueued(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.Equal(t, "w1", got.Worker)
	require.NotNil(t, got.StartedAt)

	canceled, err := s.UpdatePing(ctx, j.ID, "w1", 64, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, canceled)

	_, err = s.UpdatePing(ctx, j.ID, "w2", 0, t0)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	stale, err := s.ListStale(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, s.ResetForRetry(ctx, j.ID, t0.Add(time.Minute)))
	got, err = s.GetQueued(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, 1, got.Reclaims)
	assert.Equal(t, 64, got.MemPeak)
}

func TestStore_CompleteMovesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob("ws1", "default")
	require.NoError(t, s.InsertJob(ctx, j))

	err := s.InTx(ctx, func(ops repo.Ops) error {
		if err := ops.DeleteQueued(ctx, j.ID); err != nil {
			return err
		}
		return ops.InsertCompleted(ctx, j.Complete(domain.Succeeded(json.RawMessage(`{"ok":true}`)), t0))
	})
	require.NoError(t, err)

	_, err = s.GetQueued(ctx, j.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	c, err := s.GetCompleted(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, c.Success)
	assert.JSONEq(t, `{"ok":true}`, string(c.Result))
	assert.Equal(t, domain.JobStatusSuccess, c.Status())

	assert.ErrorIs(t, s.InsertCompleted(ctx, j.Complete(domain.Succeeded(nil), t0)), repo.ErrAlreadyExists)
}

func TestStore_InTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	j := newJob("ws1", "default")
	err := s.InTx(ctx, func(ops repo.Ops) error {
		if err := ops.InsertJob(ctx, j); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetQueued(ctx, j.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStore_SetCanceledCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := newJob("ws1", "default")
	root.Kind = domain.JobKindFlow
	root.Suspended = true
	root.ScheduledFor = t0.Add(time.Hour)

	child := newJob("ws1", "default")
	child.ParentJob = &root.ID
	child.RootJob = &root.ID

	grandchild := newJob("ws1", "default")
	grandchild.ParentJob = &child.ID
	grandchild.RootJob = &root.ID

	unrelated := newJob("ws1", "default")

	for _, j := range []*domain.Job{root, child, grandchild, unrelated} {
		require.NoError(t, s.InsertJob(ctx, j))
	}

	ids, err := s.SetCanceled(ctx, root.ID, "alice", "stop", t0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{root.ID, child.ID, grandchild.ID}, ids)

	got, err := s.GetQueued(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, got.Canceled)
	assert.False(t, got.Suspended)
	assert.True(t, got.ScheduledFor.Equal(t0))
	assert.Equal(t, "alice", got.CanceledBy)

	other, err := s.GetQueued(ctx, unrelated.ID)
	require.NoError(t, err)
	assert.False(t, other.Canceled)

	ids, err = s.SetCanceled(ctx, root.ID, "alice", "again", t0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_ParkAndWake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := newJob("ws1", "default")
	flow.Kind = domain.JobKindFlow
	require.NoError(t, s.InsertJob(ctx, flow))
	require.NoError(t, s.MarkRunning(ctx, flow.ID, "w1", t0))

	fs := &domain.FlowStatus{Step: 1}
	require.NoError(t, s.ParkFlow(ctx, flow.ID, fs, nil))

	got, err := s.GetQueued(ctx, flow.ID)
	require.NoError(t, err)
	assert.True(t, got.Suspended)
	assert.False(t, got.Running)
	require.NotNil(t, got.FlowStatus)
	assert.Equal(t, 1, got.FlowStatus.Step)

	cands, err := s.ListClaimCandidates(ctx, repo.ClaimQuery{WorkerID: "w1", Tags: []string{"default"}, Now: t0, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, cands)

	require.NoError(t, s.WakeJob(ctx, flow.ID, t0))
	cands, err = s.ListClaimCandidates(ctx, repo.ClaimQuery{WorkerID: "w1", Tags: []string{"default"}, Now: t0, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestStore_ParkPinsSameWorkerFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := newJob("ws1", "default")
	flow.Kind = domain.JobKindFlow
	require.NoError(t, s.InsertJob(ctx, flow))
	require.NoError(t, s.MarkRunning(ctx, flow.ID, "w1", t0))
	require.NoError(t, s.ParkFlow(ctx, flow.ID, &domain.FlowStatus{SameWorker: "w1"}, nil))
	require.NoError(t, s.WakeJob(ctx, flow.ID, t0))

	got, err := s.GetQueued(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.SameWorkerID)

	cands, err := s.ListClaimCandidates(ctx, repo.ClaimQuery{WorkerID: "w2", Tags: []string{"default"}, Now: t0, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, cands, "flow is pinned to w1")

	cands, err = s.ListClaimCandidates(ctx, repo.ClaimQuery{WorkerID: "w1", Tags: []string{"default"}, Now: t0, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, cands, 1)

	// Пустой SameWorker не снимает привязку.
	require.NoError(t, s.MarkRunning(ctx, flow.ID, "w1", t0))
	require.NoError(t, s.ParkFlow(ctx, flow.ID, &domain.FlowStatus{}, nil))
	got, err = s.GetQueued(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.SameWorkerID)
}

func TestStore_ListQueueFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newJob("ws1", "default")
	a.RunnablePath = "f/etl/load"
	b := newJob("ws1", "gpu")
	b.RunnablePath = "f/etl_x/train"
	b.Kind = domain.JobKindPreview
	c := newJob("ws2", "default")
	for _, j := range []*domain.Job{a, b, c} {
		require.NoError(t, s.InsertJob(ctx, j))
	}

	tests := []struct {
		name string
		f    repo.JobFilter
		want []uuid.UUID
	}{
		{"workspace", repo.JobFilter{WorkspaceID: "ws1"}, []uuid.UUID{a.ID, b.ID}},
		{"path prefix escapes underscore", repo.JobFilter{PathStart: "f/etl_"}, []uuid.UUID{b.ID}},
		{"negated tag", repo.JobFilter{WorkspaceID: "ws1", Tag: repo.ParseListFilter("!gpu")}, []uuid.UUID{a.ID}},
		{"kinds", repo.JobFilter{Kinds: repo.ParseListFilter("preview,flow")}, []uuid.UUID{b.ID}},
		{"per page", repo.JobFilter{PerPage: 1}, []uuid.UUID{c.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListQueue(ctx, tt.f)
			require.NoError(t, err)
			ids := make([]uuid.UUID, len(got))
			for i, j := range got {
				ids[i] = j.ID
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestStore_ConcurrencySlots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1, j2 := uuid.New(), uuid.New()
	require.NoError(t, s.LockConcurrencyKey(ctx, "k"))
	require.NoError(t, s.LockConcurrencyKey(ctx, "k"))
	require.NoError(t, s.InsertConcurrencySlot(ctx, "k", j1, t0))
	require.NoError(t, s.InsertConcurrencySlot(ctx, "k", j2, t0.Add(10*time.Second)))

	n, oldest, err := s.ConcurrencyUsage(ctx, "k", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, oldest.Equal(t0))

	n, oldest, err = s.ConcurrencyUsage(ctx, "k", t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, oldest.Equal(t0.Add(10*time.Second)))

	require.NoError(t, s.DeleteConcurrencySlot(ctx, j1))
	require.NoError(t, s.DeleteConcurrencySlot(ctx, j1))

	n, oldest, err = s.ConcurrencyUsage(ctx, "other", t0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, oldest.IsZero())
}

func TestStore_DebounceBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings := &domain.DebounceSettings{DelaySec: 5, AccumulateFields: []string{"items"}}
	seed := newJob("ws1", "default")
	seed.Args = map[string]any{"items": "a", "repo": "r"}
	b := domain.NewDebounceBucket("ws1:k", seed, settings, seed.ID, t0)

	require.NoError(t, s.LockDebounceKey(ctx, "ws1:k"))
	require.NoError(t, s.InsertBucket(ctx, b))

	second := domain.NewDebounceBucket("ws1:k", seed, settings, uuid.New(), t0)
	assert.ErrorIs(t, s.InsertBucket(ctx, second), repo.ErrAlreadyExists)

	live, err := s.GetLiveBucket(ctx, "ws1:k")
	require.NoError(t, err)
	live.Merge(map[string]any{"items": "b"}, uuid.New())
	require.NoError(t, s.UpdateBucket(ctx, live))

	due, err := s.ListDueBuckets(ctx, t0.Add(4*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueBuckets(ctx, t0.Add(5*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []any{"a", "b"}, due[0].Accumulated["items"])
	assert.Len(t, due[0].TriggerIDs, 2)
	require.NotNil(t, due[0].Job)
	assert.Equal(t, seed.ID, due[0].Job.ID)

	jobID := seed.ID
	require.NoError(t, s.SealBucket(ctx, b.ID, jobID, t0.Add(5*time.Second)))
	assert.ErrorIs(t, s.SealBucket(ctx, b.ID, jobID, t0.Add(6*time.Second)), repo.ErrInvalidState)

	_, err = s.GetLiveBucket(ctx, "ws1:k")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	sealed, err := s.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, sealed.IsSealed())
	require.NotNil(t, sealed.JobID)
	assert.Equal(t, jobID, *sealed.JobID)

	// После запечатывания по ключу снова можно открыть bucket.
	require.NoError(t, s.InsertBucket(ctx, second))
}

func TestStore_Cache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCachedResult(ctx, "k", json.RawMessage(`{"v":1}`), t0.Add(time.Minute)))

	v, err := s.GetCachedResult(ctx, "k", t0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(v))

	_, err = s.GetCachedResult(ctx, "k", t0.Add(time.Minute))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, s.PutCachedResult(ctx, "k", json.RawMessage(`{"v":2}`), t0.Add(2*time.Minute)))
	v, err = s.GetCachedResult(ctx, "k", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(v))
}

func TestStore_LogsAndResumes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID := uuid.New()
	require.NoError(t, s.AppendLogs(ctx, jobID, []string{"one", "two"}, t0))
	require.NoError(t, s.AppendLogs(ctx, jobID, nil, t0))
	require.NoError(t, s.AppendLogs(ctx, jobID, []string{"three"}, t0))

	lines, err := s.GetLogs(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "three", lines[2].Line)

	tail, err := s.GetLogs(ctx, jobID, lines[1].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)

	sig := &domain.ResumeSignal{ID: uuid.New(), JobID: jobID, ModuleID: "approve", Approved: true, Payload: map[string]any{"ok": true}, CreatedAt: t0}
	require.NoError(t, s.InsertResume(ctx, sig))

	got, err := s.ListResumes(ctx, jobID, "approve")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Approved)
	assert.Equal(t, map[string]any{"ok": true}, got[0].Payload)

	got, err = s.ListResumes(ctx, jobID, "other")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ScriptsAndFlows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := &domain.Script{WorkspaceID: "ws1", Path: "f/a", Language: "bash", Content: "echo 1", CreatedAt: t0}
	v1.Hash = domain.ScriptHash(v1.Language, v1.Content)
	v2 := &domain.Script{WorkspaceID: "ws1", Path: "f/a", Language: "bash", Content: "echo 2", CreatedAt: t0.Add(time.Second),
		Concurrency: &domain.ConcurrencySettings{Key: "a", Limit: 1, WindowSec: 10}}
	v2.Hash = domain.ScriptHash(v2.Language, v2.Content)

	require.NoError(t, s.InsertScript(ctx, v1))
	require.NoError(t, s.InsertScript(ctx, v2))
	assert.ErrorIs(t, s.InsertScript(ctx, v2), repo.ErrAlreadyExists)

	latest, err := s.GetScript(ctx, "ws1", "f/a")
	require.NoError(t, err)
	assert.Equal(t, v2.Hash, latest.Hash)
	assert.Equal(t, v2.Concurrency, latest.Concurrency)

	old, err := s.GetScriptByHash(ctx, "ws1", v1.Hash)
	require.NoError(t, err)
	assert.Equal(t, "echo 1", old.Content)

	list, err := s.ListScripts(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.GetScript(ctx, "ws2", "f/a")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	f := &domain.FlowDef{
		WorkspaceID: "ws1",
		Path:        "f/flow",
		Value: domain.FlowValue{Modules: []domain.FlowModule{
			{ID: "a", Value: &domain.IdentityModule{}},
		}},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, s.UpsertFlow(ctx, f))
	f.Summary = "updated"
	require.NoError(t, s.UpsertFlow(ctx, f))

	got, err := s.GetFlow(ctx, "ws1", "f/flow")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Summary)
	require.Len(t, got.Value.Modules, 1)
	assert.Equal(t, domain.ModuleKindIdentity, got.Value.Modules[0].Kind())

	flows, err := s.ListFlows(ctx, "ws1")
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	require.NoError(t, s.DeleteFlow(ctx, "ws1", "f/flow"))
	assert.ErrorIs(t, s.DeleteFlow(ctx, "ws1", "f/flow"), repo.ErrNotFound)
}

func TestStore_Schedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := t0.Add(-time.Minute)
	later := t0.Add(time.Hour)
	mk := func(path string, next *time.Time, enabled bool) *domain.Schedule {
		return &domain.Schedule{
			ID: uuid.New(), WorkspaceID: "ws1", Path: path, TargetPath: "f/a",
			IntervalSec: 60, Timezone: "UTC", Enabled: enabled, NextDueAt: next,
			Debounce:  &domain.DebounceSettings{DelaySec: 3},
			CreatedAt: t0, UpdatedAt: t0,
		}
	}
	a := mk("a", &due, true)
	b := mk("b", &later, true)
	c := mk("c", &due, false)
	for _, sc := range []*domain.Schedule{a, b, c} {
		require.NoError(t, s.InsertSchedule(ctx, sc))
	}
	assert.ErrorIs(t, s.InsertSchedule(ctx, mk("a", nil, true)), repo.ErrAlreadyExists)

	got, err := s.ListDueSchedules(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, 3, got[0].Debounce.DelaySec)

	jobID := uuid.New()
	a.RecordRun(&jobID, t0.Add(time.Minute), t0)
	require.NoError(t, s.UpdateSchedule(ctx, a))

	stored, err := s.GetSchedule(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastJobID)
	assert.Equal(t, jobID, *stored.LastJobID)
	assert.True(t, stored.NextDueAt.Equal(t0.Add(time.Minute)))

	enabled := true
	list, err := s.ListSchedules(ctx, repo.ScheduleFilter{WorkspaceID: "ws1", Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteSchedule(ctx, c.ID))
	assert.ErrorIs(t, s.DeleteSchedule(ctx, c.ID), repo.ErrNotFound)
}
