package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeEvents   Exchange = "flowq.events"
	ExchangeTriggers Exchange = "flowq.triggers"
	ExchangeDLQ      Exchange = "flowq.dlq"
)

const (
	QueueTriggers    Queue = "flowq.triggers"
	QueueDeployments Queue = "flowq.deployments"
	QueueDLQ         Queue = "flowq.dlq.triggers"
)

const (
	RoutingKeyTrigger    RoutingKey = "trigger"
	RoutingKeyDeployment RoutingKey = "deployment"
	RoutingKeyDLQ        RoutingKey = "triggers"

	// RoutingKeyAllEvents — подписка на все события заданий.
	RoutingKeyAllEvents RoutingKey = "#"
)

// SetupTopology объявляет постоянные exchanges, очереди и привязки.
// Операция идемпотентна и выполняется каждым процессом при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeTriggers, amqp.ExchangeDirect},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name),
			ex.kind,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQ),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueTriggers, dlqArgs},
		{QueueDeployments, dlqArgs},
		{QueueDLQ, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name),
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			q.args,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueTriggers, RoutingKeyTrigger, ExchangeTriggers},
		{QueueDeployments, RoutingKeyDeployment, ExchangeTriggers},
		{QueueDLQ, RoutingKeyDLQ, ExchangeDLQ},
	}

	for _, b := range bindings {
		if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// DeclareEventQueue объявляет эксклюзивную очередь подписчика на flowq.events
// и привязывает её к переданным ключам. Имя очереди выдаёт брокер.
//
// Используется как ConsumerConfig.Declare: очередь пересоздаётся после
// каждого переподключения.
func DeclareEventQueue(keys ...RoutingKey) func(ch *amqp.Channel) (string, error) {
	if len(keys) == 0 {
		keys = []RoutingKey{RoutingKeyAllEvents}
	}
	return func(ch *amqp.Channel) (string, error) {
		q, err := ch.QueueDeclare(
			"",
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false,
			nil,
		)
		if err != nil {
			return "", fmt.Errorf("declare event queue: %w", err)
		}
		for _, k := range keys {
			if err := ch.QueueBind(q.Name, string(k), string(ExchangeEvents), false, nil); err != nil {
				return "", fmt.Errorf("bind event queue to %s: %w", k, err)
			}
		}
		return q.Name, nil
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  flowq RabbitMQ topology:

    flowq.events (topic)
    └── <exclusive per subscriber> [routing: job.queued | job.completed | flow.updated]

    flowq.triggers (direct)
    ├── flowq.triggers [routing: trigger]       consumer: dispatcher, DLQ: flowq.dlq.triggers
    └── flowq.deployments [routing: deployment] consumer: dispatcher, DLQ: flowq.dlq.triggers

    flowq.dlq (direct)
    └── flowq.dlq.triggers [routing: triggers]  manual processing
  `
}
