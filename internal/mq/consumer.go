package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPermanent помечает ошибку обработчика, повтор которой бесполезен.
// Такое сообщение сразу уходит в DLQ.
var ErrPermanent = errors.New("permanent message failure")

// Handler обрабатывает сообщение. Ошибка — nack.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя постоянной очереди. Игнорируется, если задан Declare.
	Queue Queue

	// Declare объявляет очередь на новом канале и возвращает её имя.
	Declare func(ch *amqp.Channel) (string, error)

	Handler Handler

	// Prefetch — сколько неподтверждённых сообщений держать. По умолчанию 1.
	Prefetch int
}

// Consumer потребляет сообщения из очереди и переживает переподключения.
type Consumer struct {
	conn      *Connection
	logger    *slog.Logger
	cfg       ConsumerConfig
	reconnect <-chan struct{}
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:      conn,
		logger:    logger,
		cfg:       cfg,
		reconnect: conn.ReconnectNotify(),
	}
}

// Run потребляет сообщения до отмены ctx.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		queue, deliveries, err := c.setup()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.cfg.Queue, "error", err)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", queue)

		if err := c.process(ctx, queue, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect", "queue", queue)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.reconnect:
		return nil
	}
}

func (c *Consumer) setup() (string, <-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return "", nil, ErrNoChannel
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return "", nil, fmt.Errorf("set qos: %w", err)
	}

	queue := string(c.cfg.Queue)
	if c.cfg.Declare != nil {
		name, err := c.cfg.Declare(ch)
		if err != nil {
			return "", nil, err
		}
		queue = name
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return queue, deliveries, nil
}

func (c *Consumer) process(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, queue, raw)
		}
	}
}

// handle решает судьбу сообщения: ack при успехе, DLQ при ErrPermanent
// или повторной неудаче, иначе одна попытка переотправки.
func (c *Consumer) handle(ctx context.Context, queue string, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "queue", queue, "error", err)
		raw.Nack(false, false)
		return
	}

	logger := c.logger.With("queue", queue, "message_id", msg.ID, "type", msg.Type)
	logger.Debug("received message")

	err := c.cfg.Handler(ctx, &msg)
	switch {
	case err == nil:
		raw.Ack(false)
	case errors.Is(err, ErrPermanent) || raw.Redelivered:
		logger.Error("handler failed, dead-lettering", "error", err, "redelivered", raw.Redelivered)
		raw.Nack(false, false)
	default:
		logger.Warn("handler failed, requeueing", "error", err)
		raw.Nack(false, true)
	}
}

// ParsePayload разбирает payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: unmarshal %s payload: %v", ErrPermanent, msg.Type, err)
	}
	return out, nil
}
