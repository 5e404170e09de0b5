package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBroadcaster_FiltersByChannel(t *testing.T) {
	b := NewBroadcaster()
	queued := b.Subscribe(JobQueued)
	defer queued.Close()
	all := b.Subscribe()
	defer all.Close()

	id := uuid.New()
	b.Notify(context.Background(), JobCompleted, id)

	select {
	case ev := <-queued.C:
		t.Errorf("JobQueued subscriber got %v", ev)
	default:
	}

	select {
	case ev := <-all.C:
		if ev.Channel != JobCompleted || ev.JobID != id {
			t.Errorf("got %+v", ev)
		}
	default:
		t.Error("subscriber to all channels got nothing")
	}
}

func TestBroadcaster_CloseStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(JobQueued)
	sub.Close()
	sub.Close()

	b.Notify(context.Background(), JobQueued, uuid.New())

	select {
	case ev := <-sub.C:
		t.Errorf("closed subscription got %v", ev)
	default:
	}
}

func TestBroadcaster_NeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriptionBuffer*2; i++ {
		b.Notify(context.Background(), JobQueued, uuid.New())
	}
	if got := len(sub.C); got != subscriptionBuffer {
		t.Errorf("buffered = %d, want %d", got, subscriptionBuffer)
	}
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(context.Context, Channel, uuid.UUID) error {
	c.n.Add(1)
	return nil
}

func (c *countingNotifier) Subscribe(...Channel) *Subscription { return nil }

func TestFanout(t *testing.T) {
	local := NewBroadcaster()
	a, b := &countingNotifier{}, &countingNotifier{}
	f := NewFanout(local, local, a, b)

	sub := f.Subscribe(FlowUpdated)
	defer sub.Close()

	if err := f.Notify(context.Background(), FlowUpdated, uuid.New()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if a.n.Load() != 1 || b.n.Load() != 1 {
		t.Errorf("sources notified %d/%d times, want 1/1", a.n.Load(), b.n.Load())
	}
	if len(sub.C) != 1 {
		t.Errorf("local subscriber got %d events, want 1", len(sub.C))
	}
}

func TestWaitFor_WakesOnNotification(t *testing.T) {
	b := NewBroadcaster()
	id := uuid.New()
	var done atomic.Bool

	go func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		b.Notify(context.Background(), JobCompleted, id)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Длинный poll: проснуться можно только по уведомлению.
	err := WaitFor(ctx, b, JobCompleted, id, time.Hour, func(context.Context) (bool, error) {
		return done.Load(), nil
	})
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestWaitFor_ContextDeadline(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := WaitFor(ctx, b, JobCompleted, uuid.New(), 10*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if err != context.DeadlineExceeded {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}
