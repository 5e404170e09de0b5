package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/flowq/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

const (
	MessageTypeJobQueued    MessageType = "job.queued"
	MessageTypeJobCompleted MessageType = "job.completed"
	MessageTypeFlowUpdated  MessageType = "flow.updated"
	MessageTypeTrigger      MessageType = "trigger.submit"
	MessageTypeDeployEvent  MessageType = "deploy.event"
)

// Message — конверт всех сообщений flowq.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage сериализует payload в конверт с новым идентификатором.
func NewMessage(t MessageType, payload any, now time.Time) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   body,
		Timestamp: now,
	}, nil
}

// JobEventPayload — событие по заданию.
type JobEventPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// TriggerPayload — внешний запрос на запуск скрипта или flow.
type TriggerPayload struct {
	WorkspaceID string                   `json:"workspace_id"`
	Path        string                   `json:"path"`
	IsFlow      bool                     `json:"is_flow,omitempty"`
	Args        map[string]any           `json:"args,omitempty"`
	Tag         string                   `json:"tag,omitempty"`
	Source      string                   `json:"source,omitempty"`
	CreatedBy   string                   `json:"created_by,omitempty"`
	Debounce    *domain.DebounceSettings `json:"debounce,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, persistent bool) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			MessageId:    msg.ID,
			Type:         string(msg.Type),
			Timestamp:    msg.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJobEvent публикует событие задания в flowq.events.
// События не персистентны: подписчик, пропустивший событие, догонит опросом.
func (p *Publisher) PublishJobEvent(ctx context.Context, t MessageType, jobID uuid.UUID) error {
	msg, err := NewMessage(t, JobEventPayload{JobID: jobID}, time.Now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeEvents, RoutingKey(t), msg, false)
}

// PublishTrigger отправляет внешний триггер в очередь flowq.triggers.
func (p *Publisher) PublishTrigger(ctx context.Context, payload TriggerPayload) error {
	msg, err := NewMessage(MessageTypeTrigger, payload, time.Now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTriggers, RoutingKeyTrigger, msg, true)
}

// PublishDeployEvent отправляет событие деплоя в очередь flowq.deployments.
func (p *Publisher) PublishDeployEvent(ctx context.Context, ev domain.DeployEvent) error {
	msg, err := NewMessage(MessageTypeDeployEvent, ev, time.Now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTriggers, RoutingKeyDeployment, msg, true)
}
