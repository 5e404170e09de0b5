package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/mq"
)

var channelTypes = map[Channel]mq.MessageType{
	JobQueued:    mq.MessageTypeJobQueued,
	JobCompleted: mq.MessageTypeJobCompleted,
	FlowUpdated:  mq.MessageTypeFlowUpdated,
}

// AMQPNotifier — мост уведомлений через exchange flowq.events.
//
// Нужен процессам, у которых нет LISTEN на общем Postgres (SQLite-узлы,
// внешние наблюдатели).
type AMQPNotifier struct {
	conn   *mq.Connection
	pub    *mq.Publisher
	local  *Broadcaster
	logger *slog.Logger
}

// NewAMQPNotifier создаёт мост, доставляющий полученные события в local.
func NewAMQPNotifier(conn *mq.Connection, local *Broadcaster, logger *slog.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		conn:   conn,
		pub:    mq.NewPublisher(conn, logger),
		local:  local,
		logger: logger.With("component", "amqp_notifier"),
	}
}

func (n *AMQPNotifier) Notify(ctx context.Context, ch Channel, jobID uuid.UUID) error {
	t, ok := channelTypes[ch]
	if !ok {
		return fmt.Errorf("unknown channel %q", ch)
	}
	return n.pub.PublishJobEvent(ctx, t, jobID)
}

func (n *AMQPNotifier) Subscribe(chs ...Channel) *Subscription {
	return n.local.Subscribe(chs...)
}

// Run потребляет события из эксклюзивной очереди до отмены ctx.
func (n *AMQPNotifier) Run(ctx context.Context) error {
	consumer := mq.NewConsumer(n.conn, n.logger, mq.ConsumerConfig{
		Declare:  mq.DeclareEventQueue(mq.RoutingKeyAllEvents),
		Handler:  n.handle,
		Prefetch: 64,
	})
	return consumer.Run(ctx)
}

func (n *AMQPNotifier) handle(_ context.Context, msg *mq.Message) error {
	p, err := mq.ParsePayload[mq.JobEventPayload](msg)
	if err != nil {
		return err
	}
	for ch, t := range channelTypes {
		if t == msg.Type {
			n.local.Publish(Event{Channel: ch, JobID: p.JobID})
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected event type %q", mq.ErrPermanent, msg.Type)
}
