package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/repo/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func admitTx(t *testing.T, s *sqlite.Store, cs *domain.ConcurrencySettings, id uuid.UUID, now time.Time) Decision {
	t.Helper()
	var d Decision
	err := s.InTx(context.Background(), func(ops repo.Ops) error {
		var err error
		d, err = Admit(context.Background(), ops, cs, id, now)
		return err
	})
	require.NoError(t, err)
	return d
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		oldest time.Time
		window time.Duration
		want   time.Duration
	}{
		{"no slots", time.Time{}, time.Minute, MinRetryAfter},
		{"leaves window soon", t0.Add(-58 * time.Second), time.Minute, 2 * time.Second},
		{"floored", t0.Add(-time.Minute), time.Minute, MinRetryAfter},
		{"capped", t0, time.Hour, MaxRetryAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryAfter(tt.oldest, tt.window, t0); got != tt.want {
				t.Errorf("RetryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdmit_Disabled(t *testing.T) {
	s := newStore(t)
	assert.True(t, admitTx(t, s, nil, uuid.New(), t0).Admitted)
	assert.True(t, admitTx(t, s, &domain.ConcurrencySettings{Key: "k"}, uuid.New(), t0).Admitted)
}

func TestAdmit_Ceiling(t *testing.T) {
	s := newStore(t)
	cs := &domain.ConcurrencySettings{Key: "ws/api", Limit: 2, WindowSec: 60}

	var admitted []uuid.UUID
	for i := 0; i < 10; i++ {
		id := uuid.New()
		if d := admitTx(t, s, cs, id, t0.Add(time.Duration(i)*time.Millisecond)); d.Admitted {
			admitted = append(admitted, id)
		} else {
			assert.GreaterOrEqual(t, d.RetryAfter, MinRetryAfter)
		}
	}
	require.Len(t, admitted, 2)

	require.NoError(t, s.InTx(context.Background(), func(ops repo.Ops) error {
		return Release(context.Background(), ops, admitted[0])
	}))

	assert.True(t, admitTx(t, s, cs, uuid.New(), t0.Add(time.Second)).Admitted, "released slot admits a third job")
	assert.False(t, admitTx(t, s, cs, uuid.New(), t0.Add(time.Second)).Admitted)
}

func TestAdmit_WindowExpiry(t *testing.T) {
	s := newStore(t)
	cs := &domain.ConcurrencySettings{Key: "ws/k", Limit: 1, WindowSec: 10}

	require.True(t, admitTx(t, s, cs, uuid.New(), t0).Admitted)

	d := admitTx(t, s, cs, uuid.New(), t0.Add(4*time.Second))
	require.False(t, d.Admitted)
	assert.Equal(t, 6*time.Second, d.RetryAfter)

	assert.True(t, admitTx(t, s, cs, uuid.New(), t0.Add(10*time.Second+time.Millisecond)).Admitted, "start outside the window no longer counts")
}

func TestAdmit_KeysIndependent(t *testing.T) {
	s := newStore(t)
	a := &domain.ConcurrencySettings{Key: "a", Limit: 1, WindowSec: 60}
	b := &domain.ConcurrencySettings{Key: "b", Limit: 1, WindowSec: 60}

	assert.True(t, admitTx(t, s, a, uuid.New(), t0).Admitted)
	assert.True(t, admitTx(t, s, b, uuid.New(), t0).Admitted)
	assert.False(t, admitTx(t, s, a, uuid.New(), t0).Admitted)
}
