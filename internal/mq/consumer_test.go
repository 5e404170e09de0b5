package mq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func testDelivery(t *testing.T, redelivered bool) (amqp.Delivery, *ackRecorder) {
	t.Helper()
	msg, err := NewMessage(MessageTypeJobQueued, JobEventPayload{JobID: uuid.New()}, time.Now())
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := &ackRecorder{}
	return amqp.Delivery{Acknowledger: rec, Body: body, Redelivered: redelivered}, rec
}

func TestConsumerHandle(t *testing.T) {
	tests := []struct {
		name        string
		handlerErr  error
		redelivered bool
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success acks", wantAck: true},
		{name: "transient error requeues once", handlerErr: errors.New("db down"), wantRequeue: true},
		{name: "redelivered failure dead-letters", handlerErr: errors.New("db down"), redelivered: true},
		{name: "permanent error dead-letters", handlerErr: ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Consumer{
				logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
				cfg: ConsumerConfig{Handler: func(context.Context, *Message) error {
					return tt.handlerErr
				}},
			}
			d, rec := testDelivery(t, tt.redelivered)

			c.handle(context.Background(), "q", d)

			if rec.acked != tt.wantAck {
				t.Errorf("acked = %v, want %v", rec.acked, tt.wantAck)
			}
			if !tt.wantAck && !rec.nacked {
				t.Error("expected nack")
			}
			if rec.requeue != tt.wantRequeue {
				t.Errorf("requeue = %v, want %v", rec.requeue, tt.wantRequeue)
			}
		})
	}
}

func TestConsumerHandle_MalformedBody(t *testing.T) {
	called := false
	c := &Consumer{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg: ConsumerConfig{Handler: func(context.Context, *Message) error {
			called = true
			return nil
		}},
	}
	rec := &ackRecorder{}

	c.handle(context.Background(), "q", amqp.Delivery{Acknowledger: rec, Body: []byte("{not json")})

	if called {
		t.Error("handler must not run for malformed body")
	}
	if !rec.nacked || rec.requeue {
		t.Errorf("want nack without requeue, got nacked=%v requeue=%v", rec.nacked, rec.requeue)
	}
}

func TestParsePayload(t *testing.T) {
	id := uuid.New()
	msg, err := NewMessage(MessageTypeJobCompleted, JobEventPayload{JobID: id}, time.Now())
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	got, err := ParsePayload[JobEventPayload](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got.JobID != id {
		t.Errorf("JobID = %s, want %s", got.JobID, id)
	}

	bad := &Message{Type: MessageTypeTrigger, Payload: []byte(`"text"`)}
	if _, err := ParsePayload[TriggerPayload](bad); !errors.Is(err, ErrPermanent) {
		t.Errorf("got %v, want ErrPermanent", err)
	}
}
