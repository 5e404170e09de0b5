package deploy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/repo/sqlite"
	"github.com/shaiso/flowq/internal/testutil"
	"github.com/shaiso/flowq/internal/trigger"
)

type env struct {
	store *sqlite.Store
	clock *testutil.Clock
	c     *debounce.Coordinator
	agg   *Aggregator
}

func newEnv(t *testing.T, rules ...Rule) *env {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock()
	q := queue.New(store, notify.NewBroadcaster(), testutil.Logger())
	q.Now = clock.Now
	c := debounce.New(store, q, testutil.Logger())
	c.Now = clock.Now
	r := trigger.New(store, c, testutil.Logger())
	r.Now = clock.Now

	require.NoError(t, store.InsertScript(context.Background(), &domain.Script{
		WorkspaceID: "acme",
		Path:        "f/notify_deploys",
		Hash:        "cb1",
		Language:    "bash",
		Content:     "echo deployed",
		CreatedAt:   testutil.Epoch,
	}))

	agg, err := New(r, rules, testutil.Logger())
	require.NoError(t, err)
	return &env{store: store, clock: clock, c: c, agg: agg}
}

func event(path, kind string) domain.DeployEvent {
	return domain.DeployEvent{
		WorkspaceID: "acme",
		Path:        path,
		ItemKind:    kind,
		DeployedBy:  "alice",
		DeployedAt:  testutil.Epoch,
	}
}

func TestRule_Matches(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		ev   domain.DeployEvent
		want bool
	}{
		{"any", Rule{}, event("f/a", "script"), true},
		{"prefix hit", Rule{PathPrefix: "f/etl/"}, event("f/etl/load", "script"), true},
		{"prefix miss", Rule{PathPrefix: "f/etl/"}, event("f/web/load", "script"), false},
		{"glob hit", Rule{PathGlob: "f/*/load"}, event("f/etl/load", "flow"), true},
		{"glob miss", Rule{PathGlob: "f/*/load"}, event("f/etl/sub/load", "flow"), false},
		{"kind hit", Rule{ItemKinds: []string{"flow", "app"}}, event("f/a", "app"), true},
		{"kind miss", Rule{ItemKinds: []string{"flow"}}, event("f/a", "script"), false},
		{"workspace miss", Rule{WorkspaceID: "other"}, event("f/a", "script"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"ok", Rule{Name: "r", TargetPath: "f/cb", DelaySec: 5}, false},
		{"no name", Rule{TargetPath: "f/cb"}, true},
		{"no target", Rule{Name: "r"}, true},
		{"bad glob", Rule{Name: "r", TargetPath: "f/cb", PathGlob: "f/["}, true},
		{"negative delay", Rule{Name: "r", TargetPath: "f/cb", DelaySec: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOnDeployed_AggregatesIntoOneCallback(t *testing.T) {
	e := newEnv(t, Rule{
		Name:       "all",
		PathPrefix: "f/",
		TargetPath: "f/notify_deploys",
		DelaySec:   5,
	})
	ctx := context.Background()

	paths := []string{"f/a", "f/b", "f/c"}
	for i, p := range paths {
		res, err := e.agg.OnDeployed(ctx, event(p, "script"))
		require.NoError(t, err)
		require.Len(t, res, 1)
		if i == 0 {
			assert.Equal(t, debounce.OutcomeCreated, res[0].Outcome)
		} else {
			assert.Equal(t, debounce.OutcomeMerged, res[0].Outcome)
		}
		e.clock.Advance(time.Second)
	}

	e.clock.Set(testutil.Epoch.Add(5 * time.Second))
	n, err := e.c.SealDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := e.store.ListQueue(ctx, repo.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, domain.JobKindDeploymentCallback, job.Kind)
	assert.Equal(t, "f/notify_deploys", job.RunnablePath)
	assert.Equal(t, domain.TriggerKindDeployment, job.TriggerKind)

	items, ok := job.Args[ItemsField].([]any)
	require.True(t, ok, "items must be a list, got %T", job.Args[ItemsField])
	require.Len(t, items, 3)
	for i, it := range items {
		m := it.(map[string]any)
		assert.Equal(t, paths[i], m["path"])
		assert.Equal(t, "script", m["kind"])
	}
}

func TestOnDeployed_NoMatchingRule(t *testing.T) {
	e := newEnv(t, Rule{
		Name:       "flows",
		ItemKinds:  []string{"flow"},
		TargetPath: "f/notify_deploys",
		DelaySec:   5,
	})

	res, err := e.agg.OnDeployed(context.Background(), event("f/a", "script"))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestOnDeployed_ZeroDelayStillSendsList(t *testing.T) {
	e := newEnv(t, Rule{Name: "now", TargetPath: "f/notify_deploys"})
	ctx := context.Background()

	res, err := e.agg.OnDeployed(ctx, event("f/a", "flow"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, debounce.OutcomeDirect, res[0].Outcome)

	jobs, err := e.store.ListQueue(ctx, repo.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	items, ok := jobs[0].Args[ItemsField].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestOnDeployed_MissingTargetFails(t *testing.T) {
	e := newEnv(t, Rule{Name: "broken", TargetPath: "f/missing", DelaySec: 5})

	_, err := e.agg.OnDeployed(context.Background(), event("f/a", "script"))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidSpec)
}

func TestHandleMessage(t *testing.T) {
	e := newEnv(t, Rule{Name: "all", TargetPath: "f/notify_deploys", DelaySec: 5})

	ev := event("f/a", "script")
	ev.DeployedAt = time.Time{}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	msg := &mq.Message{Type: mq.MessageTypeDeployEvent, Payload: payload, Timestamp: testutil.Epoch}
	require.NoError(t, e.agg.HandleMessage(context.Background(), msg))

	bad := &mq.Message{Type: mq.MessageTypeDeployEvent, Payload: []byte("{")}
	assert.ErrorIs(t, e.agg.HandleMessage(context.Background(), bad), mq.ErrPermanent)
}
