package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/repo/sqlite"
	"github.com/shaiso/flowq/internal/testutil"
)

const ws = "acme"

func newService(t *testing.T) (*Service, *testutil.Clock, *sqlite.Store) {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock()
	s := New(store, notify.NewBroadcaster(), testutil.Logger())
	s.Now = clock.Now
	return s, clock, store
}

func addScript(t *testing.T, store repo.Store, s *domain.Script) {
	t.Helper()
	if s.WorkspaceID == "" {
		s.WorkspaceID = ws
	}
	if s.Language == "" {
		s.Language = "bash"
	}
	if s.Content == "" {
		s.Content = "echo " + s.Path
	}
	s.Hash = domain.ScriptHash(s.Language, s.Content)
	s.CreatedAt = testutil.Epoch
	require.NoError(t, store.InsertScript(context.Background(), s))
}

func enqueue(t *testing.T, s *Service, spec *JobSpec) uuid.UUID {
	t.Helper()
	if spec.WorkspaceID == "" {
		spec.WorkspaceID = ws
	}
	if spec.Kind == "" {
		spec.Kind = domain.JobKindNoop
	}
	id, err := s.Enqueue(context.Background(), spec)
	require.NoError(t, err)
	return id
}

func claim(t *testing.T, s *Service, worker string, tags ...string) *domain.Job {
	t.Helper()
	if len(tags) == 0 {
		tags = []string{DefaultTag}
	}
	job, err := s.Claim(context.Background(), worker, tags)
	require.NoError(t, err)
	return job
}

func TestEnqueue_InvalidSpec(t *testing.T) {
	s, _, _ := newService(t)

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing workspace", JobSpec{Kind: domain.JobKindNoop}},
		{"unknown kind", JobSpec{WorkspaceID: ws, Kind: "bogus"}},
		{"script without target", JobSpec{WorkspaceID: ws, Kind: domain.JobKindScript}},
		{"unknown script", JobSpec{WorkspaceID: ws, Kind: domain.JobKindScript, Path: "f/missing"}},
		{"unknown flow", JobSpec{WorkspaceID: ws, Kind: domain.JobKindFlow, Path: "f/missing"}},
		{"empty inline flow", JobSpec{WorkspaceID: ws, Kind: domain.JobKindFlowPreview, RawFlow: &domain.FlowValue{}}},
		{"preview without code", JobSpec{WorkspaceID: ws, Kind: domain.JobKindPreview, Language: "bash"}},
		{"parent without root", JobSpec{WorkspaceID: ws, Kind: domain.JobKindNoop, ParentJob: ptr(uuid.New())}},
		{"bad concurrency template", JobSpec{WorkspaceID: ws, Kind: domain.JobKindNoop,
			Concurrency: &domain.ConcurrencySettings{Key: "k:$args[", Limit: 1, WindowSec: 60}}},
		{"concurrency limit without window", JobSpec{WorkspaceID: ws, Kind: domain.JobKindNoop,
			Concurrency: &domain.ConcurrencySettings{Key: "api", Limit: 1}}},
		{"concurrency negative window", JobSpec{WorkspaceID: ws, Kind: domain.JobKindNoop,
			Concurrency: &domain.ConcurrencySettings{Key: "api", Limit: 1, WindowSec: -5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), &tt.spec)
			if !errors.Is(err, engine.ErrInvalidSpec) {
				t.Errorf("got %v, want ErrInvalidSpec", err)
			}
		})
	}

	jobs, err := s.ListQueue(context.Background(), repo.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected specs must never be enqueued")
}

func TestEnqueue_InheritsScriptSettings(t *testing.T) {
	s, _, _ := newService(t)
	addScript(t, s.Store(), &domain.Script{
		Path:        "f/deploy",
		Tag:         "gpu",
		Concurrency: &domain.ConcurrencySettings{Key: "deploy:$args[repo]", Limit: 1, WindowSec: 60},
		CacheTTLSec: 600,
		TimeoutSec:  30,
		Priority:    5,
	})

	id := enqueue(t, s, &JobSpec{Kind: domain.JobKindScript, Path: "f/deploy", Args: map[string]any{"repo": "api"}})

	v, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	job := v.Queued
	require.NotNil(t, job)
	assert.Equal(t, "gpu", job.Tag)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 30, job.TimeoutSec)
	assert.Equal(t, "bash", job.Language)
	require.NotNil(t, job.Concurrency)
	assert.Equal(t, "acme/deploy:api", job.Concurrency.Key)
	require.NotNil(t, job.Cache)
	assert.Equal(t, 600, job.Cache.TTLSec)

	override := 0
	id = enqueue(t, s, &JobSpec{Kind: domain.JobKindScript, Path: "f/deploy", Tag: "cpu", Priority: &override})
	v, err = s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "cpu", v.Queued.Tag)
	assert.Equal(t, 0, v.Queued.Priority)
}

func TestClaim_AtMostOnce(t *testing.T) {
	s, _, _ := newService(t)
	id := enqueue(t, s, &JobSpec{})

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			job, err := s.Claim(context.Background(), worker, []string{DefaultTag})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job != nil {
				assert.Equal(t, id, job.ID)
				mu.Lock()
				wins = append(wins, worker)
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	v, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, v.Queued.Running)
	assert.Equal(t, wins[0], v.Queued.Worker)
}

func TestClaim_RespectsTagsPriorityAndSchedule(t *testing.T) {
	s, clock, _ := newService(t)
	hi := 10
	later := clock.Now().Add(time.Minute)

	low := enqueue(t, s, &JobSpec{})
	high := enqueue(t, s, &JobSpec{Priority: &hi})
	gpu := enqueue(t, s, &JobSpec{Tag: "gpu"})
	delayed := enqueue(t, s, &JobSpec{ScheduledFor: &later})

	assert.Equal(t, high, claim(t, s, "w1").ID)
	assert.Equal(t, low, claim(t, s, "w1").ID)
	assert.Nil(t, claim(t, s, "w1"), "delayed job is not yet eligible")
	assert.Equal(t, gpu, claim(t, s, "w2", "gpu").ID)

	clock.Advance(time.Minute)
	assert.Equal(t, delayed, claim(t, s, "w1").ID)
}

func TestClaim_ConcurrencyCeiling(t *testing.T) {
	s, clock, _ := newService(t)
	cs := &domain.ConcurrencySettings{Key: "api", Limit: 2, WindowSec: 60}

	for i := 0; i < 10; i++ {
		enqueue(t, s, &JobSpec{Concurrency: cs})
	}

	first := claim(t, s, "w1")
	second := claim(t, s, "w2")
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Nil(t, claim(t, s, "w3"), "third admission must wait")

	require.NoError(t, s.Complete(context.Background(), first.ID, "w1", domain.Succeeded(nil)))

	// Отложенные задания перенесены на retry_after вперёд.
	assert.Nil(t, claim(t, s, "w3"))
	clock.Advance(10 * time.Second)

	third := claim(t, s, "w3")
	require.NotNil(t, third, "released slot admits a third job")
	assert.Nil(t, claim(t, s, "w4"))
}

func TestComplete_TerminalImmutability(t *testing.T) {
	s, _, store := newService(t)
	id := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")

	first := domain.Succeeded(json.RawMessage(`{"a": 1, "b": 2}`))
	require.NoError(t, s.Complete(context.Background(), id, "w1", first))

	same := domain.Succeeded(json.RawMessage(`{"b":2,"a":1}`))
	assert.NoError(t, s.Complete(context.Background(), id, "w1", same), "identical second completion is a no-op")

	err := s.Complete(context.Background(), id, "w1", domain.Succeeded(json.RawMessage(`{"a": 3}`)))
	assert.ErrorIs(t, err, engine.ErrAlreadyCompleted)

	c, err := store.GetCompleted(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(c.Result))
	assert.Equal(t, domain.JobStatusSuccess, c.Status())

	_, err = store.GetQueued(context.Background(), id)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestComplete_NotOwner(t *testing.T) {
	s, _, _ := newService(t)
	id := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")

	err := s.Complete(context.Background(), id, "w2", domain.Succeeded(nil))
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	_, err = s.Heartbeat(context.Background(), id, "w2", 0)
	assert.ErrorIs(t, err, engine.ErrNotOwner)
}

func TestComplete_CanceledJobCompletesAsCanceled(t *testing.T) {
	s, _, _ := newService(t)
	id := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")

	_, err := s.Cancel(context.Background(), id, "alice", "no longer needed")
	require.NoError(t, err)

	canceled, err := s.Heartbeat(context.Background(), id, "w1", 1024)
	require.NoError(t, err)
	assert.True(t, canceled)

	require.NoError(t, s.Complete(context.Background(), id, "w1", domain.Succeeded(json.RawMessage(`1`))))

	v, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, v.Status())
	assert.Equal(t, "alice", v.Completed.CanceledBy)
	assert.Equal(t, 1024, v.Completed.MemPeak)
}

func TestComplete_WakesParentAfterLastChild(t *testing.T) {
	s, clock, store := newService(t)
	ctx := context.Background()

	parent := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")
	until := clock.Now().Add(time.Hour)
	require.NoError(t, store.ParkFlow(ctx, parent, &domain.FlowStatus{}, &until))

	child := func() uuid.UUID {
		return enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent, FlowStepID: "a"})
	}
	c1, c2 := child(), child()

	sub := s.Notifier().Subscribe(notify.FlowUpdated)
	defer sub.Close()

	for _, id := range []uuid.UUID{c1, c2} {
		job := claim(t, s, "w2")
		require.Equal(t, id, job.ID)
	}

	require.NoError(t, s.Complete(ctx, c1, "w2", domain.Succeeded(nil)))
	p, err := store.GetQueued(ctx, parent)
	require.NoError(t, err)
	assert.True(t, p.Suspended, "parent waits for the remaining child")

	require.NoError(t, s.Complete(ctx, c2, "w2", domain.Succeeded(nil)))
	p, err = store.GetQueued(ctx, parent)
	require.NoError(t, err)
	assert.False(t, p.Suspended)

	select {
	case ev := <-sub.C:
		assert.Equal(t, parent, ev.JobID)
	default:
		t.Error("expected flow.updated notification for the parent")
	}
}

func TestComplete_WakesLoopWithFreeSlot(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()

	parent := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")
	fs := &domain.FlowStatus{Modules: []domain.ModuleStatus{{
		ID:       "loop",
		Type:     domain.ModuleInProgress,
		Iterator: &domain.IteratorState{Index: 2, Items: []any{"a", "b", "c"}},
	}}}
	require.NoError(t, store.ParkFlow(ctx, parent, fs, nil))

	c1 := enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent})
	enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent})
	require.Equal(t, c1, claim(t, s, "w2").ID)

	require.NoError(t, s.Complete(ctx, c1, "w2", domain.Succeeded(nil)))

	p, err := store.GetQueued(ctx, parent)
	require.NoError(t, err)
	assert.False(t, p.Suspended, "loop has items left and a free slot")
}

func TestComplete_CanceledSiblingDoesNotHoldParent(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()

	parent := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")
	require.NoError(t, store.ParkFlow(ctx, parent, &domain.FlowStatus{}, nil))

	c1 := enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent})
	c2 := enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent})
	require.Equal(t, c1, claim(t, s, "w2").ID)
	_, err := store.SetCanceled(ctx, c2, "flow", "module failed", time.Now())
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, c1, "w2", domain.Succeeded(nil)))

	p, err := store.GetQueued(ctx, parent)
	require.NoError(t, err)
	assert.False(t, p.Suspended)
}

func TestComplete_FailedChildWakesParentEarly(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()

	parent := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")
	require.NoError(t, store.ParkFlow(ctx, parent, &domain.FlowStatus{}, nil))

	c1 := enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent})
	enqueue(t, s, &JobSpec{ParentJob: &parent, RootJob: &parent})
	claim(t, s, "w2")

	require.NoError(t, s.Complete(ctx, c1, "w2", domain.Failed(domain.JobError{Name: "Boom", Message: "x"})))

	p, err := store.GetQueued(ctx, parent)
	require.NoError(t, err)
	assert.False(t, p.Suspended)
}

func TestCancel(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()

	root := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")
	require.NoError(t, store.ParkFlow(ctx, root, &domain.FlowStatus{}, nil))
	child := enqueue(t, s, &JobSpec{ParentJob: &root, RootJob: &root})
	grandchild := enqueue(t, s, &JobSpec{ParentJob: &child, RootJob: &root})
	other := enqueue(t, s, &JobSpec{})

	ids, err := s.Cancel(ctx, root, "bob", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{root, child, grandchild}, ids)

	again, err := s.Cancel(ctx, root, "bob", "")
	require.NoError(t, err)
	assert.Empty(t, again)

	o, err := store.GetQueued(ctx, other)
	require.NoError(t, err)
	assert.False(t, o.Canceled)

	r, err := store.GetQueued(ctx, root)
	require.NoError(t, err)
	assert.True(t, r.Canceled)
	assert.False(t, r.Suspended, "suspended flow is woken so a worker can finish it")

	require.NoError(t, s.Complete(ctx, other, "", domain.Succeeded(nil)))
	_, err = s.Cancel(ctx, other, "bob", "")
	assert.ErrorIs(t, err, repo.ErrInvalidState)

	_, err = s.Cancel(ctx, uuid.New(), "bob", "")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCancelMany(t *testing.T) {
	s, _, _ := newService(t)
	a := enqueue(t, s, &JobSpec{})
	missing := uuid.New()

	res := s.CancelMany(context.Background(), []uuid.UUID{a, missing}, "ops", "cleanup")
	require.Len(t, res, 2)
	assert.Equal(t, []uuid.UUID{a}, res[0].Canceled)
	assert.Empty(t, res[0].Error)
	assert.NotEmpty(t, res[1].Error)
}

func TestReclaimStale(t *testing.T) {
	s, clock, store := newService(t)
	ctx := context.Background()
	s.MaxReclaims = 1

	id := enqueue(t, s, &JobSpec{Concurrency: &domain.ConcurrencySettings{Key: "k", Limit: 1, WindowSec: 3600}})
	require.NotNil(t, claim(t, s, "w1"))

	clock.Advance(30 * time.Second)
	n, err := s.ReclaimStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh heartbeat is not stale")

	clock.Advance(time.Minute)
	n, err = s.ReclaimStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := store.GetQueued(ctx, id)
	require.NoError(t, err)
	assert.False(t, j.Running)
	assert.Equal(t, 1, j.Reclaims)

	// Слот потерянного воркера освобождён: задание снова проходит допуск.
	require.NotNil(t, claim(t, s, "w2"))

	_, err = s.Heartbeat(ctx, id, "w1", 0)
	assert.ErrorIs(t, err, engine.ErrNotOwner, "lost worker no longer owns the job")

	clock.Advance(2 * time.Minute)
	n, err = s.ReclaimStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := store.GetCompleted(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.Success)
	jerr, ok := domain.ParseJobError(c.Result)
	require.True(t, ok)
	assert.Equal(t, "MaxRetriesExceeded", jerr.Name)
}

func TestCachedResult(t *testing.T) {
	s, clock, _ := newService(t)
	ctx := context.Background()
	ttl := 600

	enqueue(t, s, &JobSpec{CacheTTLSec: &ttl, Args: map[string]any{"x": 1}})
	job := claim(t, s, "w1")
	require.NoError(t, s.Complete(ctx, job.ID, "w1", domain.Succeeded(json.RawMessage(`"cached"`))))

	enqueue(t, s, &JobSpec{CacheTTLSec: &ttl, Args: map[string]any{"x": 1}})
	again := claim(t, s, "w1")
	require.Equal(t, job.Cache.Key, again.Cache.Key)

	v, ok, err := s.CachedResult(ctx, again)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"cached"`, string(v))

	clock.Advance(601 * time.Second)
	_, ok, err = s.CachedResult(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok, "expired cache entry must not be reused")
}

func TestWaitResult(t *testing.T) {
	s, _, _ := newService(t)
	id := enqueue(t, s, &JobSpec{})
	claim(t, s, "w1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Complete(context.Background(), id, "w1", domain.Succeeded(json.RawMessage(`42`)))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := s.WaitResult(ctx, id, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(c.Result))
}

func TestLogs(t *testing.T) {
	s, _, _ := newService(t)
	id := enqueue(t, s, &JobSpec{})

	require.NoError(t, s.AppendLogs(context.Background(), id, []string{"one", "two"}))
	require.NoError(t, s.AppendLogs(context.Background(), id, nil))

	lines, err := s.Logs(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "one", lines[0].Line)

	tail, err := s.Logs(context.Background(), id, lines[0].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "two", tail[0].Line)
}

func ptr[T any](v T) *T { return &v }
