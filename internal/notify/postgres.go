package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGNotifier — уведомления через Postgres LISTEN/NOTIFY.
//
// Notify выполняет pg_notify на пуле. Run держит отдельное соединение
// с LISTEN на все каналы и раздаёт полученное через Broadcaster.
type PGNotifier struct {
	pool   *pgxpool.Pool
	local  *Broadcaster
	logger *slog.Logger
}

// NewPGNotifier создаёт PGNotifier, доставляющий события в local.
func NewPGNotifier(pool *pgxpool.Pool, local *Broadcaster, logger *slog.Logger) *PGNotifier {
	return &PGNotifier{pool: pool, local: local, logger: logger.With("component", "pg_notifier")}
}

func (n *PGNotifier) Notify(ctx context.Context, ch Channel, jobID uuid.UUID) error {
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, string(ch), jobID.String()); err != nil {
		return fmt.Errorf("pg_notify %s: %w", ch, err)
	}
	return nil
}

func (n *PGNotifier) Subscribe(chs ...Channel) *Subscription {
	return n.local.Subscribe(chs...)
}

// Run слушает каналы до отмены ctx, переподключаясь после ошибок.
func (n *PGNotifier) Run(ctx context.Context) error {
	delay := time.Second
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.Warn("listen connection lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
}

func (n *PGNotifier) listen(ctx context.Context) error {
	pc, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// Соединение с LISTEN не возвращается в пул.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	for _, ch := range Channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{string(ch)}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	n.logger.Info("listening for notifications", "channels", len(Channels))

	for {
		msg, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		id, err := uuid.Parse(msg.Payload)
		if err != nil {
			n.logger.Warn("ignoring malformed notification", "channel", msg.Channel, "payload", msg.Payload)
			continue
		}
		n.local.Publish(Event{Channel: Channel(msg.Channel), JobID: id})
	}
}
