// Package notify — Change Notifier: асинхронные подсказки о том, что в
// хранилище появилось что-то интересное.
//
// Уведомления — только подсказки. Потерянное уведомление задерживает
// реакцию до следующего опроса, но никогда не нарушает корректность:
// все решения принимаются по строкам хранилища.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel — канал уведомлений.
type Channel string

const (
	// JobQueued — появилось задание, которое можно взять.
	JobQueued Channel = "flowq_job_queued"

	// JobCompleted — задание перешло в completed.
	JobCompleted Channel = "flowq_job_completed"

	// FlowUpdated — у flow изменилось состояние (завершился дочерний шаг, пришёл resume).
	FlowUpdated Channel = "flowq_flow_updated"
)

// Channels — все известные каналы.
var Channels = []Channel{JobQueued, JobCompleted, FlowUpdated}

// Event — одно уведомление.
type Event struct {
	Channel Channel
	JobID   uuid.UUID
}

// Notifier публикует уведомления и раздаёт их подписчикам.
//
// Notify вызывается после фиксации транзакции.
type Notifier interface {
	Notify(ctx context.Context, ch Channel, jobID uuid.UUID) error
	Subscribe(chs ...Channel) *Subscription
}

// Subscription — подписка на каналы. Закрывается через Close.
type Subscription struct {
	C <-chan Event

	c        chan Event
	channels map[Channel]struct{}
	once     sync.Once
	cancel   func()
}

// Close отписывается. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

func (s *Subscription) wants(ch Channel) bool {
	if len(s.channels) == 0 {
		return true
	}
	_, ok := s.channels[ch]
	return ok
}

// subscriptionBuffer — ёмкость буфера подписки. Медленный подписчик теряет
// уведомления сверх буфера.
const subscriptionBuffer = 64

// Broadcaster — внутрипроцессная рассылка уведомлений.
//
// Используется напрямую в однопроцессном режиме (SQLite) и как локальная
// раздача для PG и AMQP источников.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBroadcaster создаёт пустой Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Notify раздаёт событие подписчикам. Никогда не блокируется.
func (b *Broadcaster) Notify(_ context.Context, ch Channel, jobID uuid.UUID) error {
	b.Publish(Event{Channel: ch, JobID: jobID})
	return nil
}

// Publish раздаёт событие подписчикам канала.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(ev.Channel) {
			continue
		}
		select {
		case s.c <- ev:
		default:
		}
	}
}

// Subscribe подписывается на каналы. Без аргументов — на все.
func (b *Broadcaster) Subscribe(chs ...Channel) *Subscription {
	c := make(chan Event, subscriptionBuffer)
	s := &Subscription{C: c, c: c, channels: make(map[Channel]struct{}, len(chs))}
	for _, ch := range chs {
		s.channels[ch] = struct{}{}
	}
	s.cancel = func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Fanout отправляет уведомление во все источники, а подписку выдаёт
// из общего Broadcaster, в который эти источники доставляют события.
type Fanout struct {
	local   *Broadcaster
	sources []Notifier
}

// NewFanout объединяет источники поверх общего Broadcaster.
func NewFanout(local *Broadcaster, sources ...Notifier) *Fanout {
	return &Fanout{local: local, sources: sources}
}

func (f *Fanout) Notify(ctx context.Context, ch Channel, jobID uuid.UUID) error {
	var errs []error
	for _, s := range f.sources {
		if err := s.Notify(ctx, ch, jobID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Subscribe(chs ...Channel) *Subscription {
	return f.local.Subscribe(chs...)
}

// WaitFor ждёт, пока check вернёт true. check вызывается сразу, затем после
// каждого уведомления о jobID на канале ch и по таймеру poll на случай
// потерянного уведомления.
func WaitFor(ctx context.Context, n Notifier, ch Channel, jobID uuid.UUID, poll time.Duration, check func(ctx context.Context) (bool, error)) error {
	sub := n.Subscribe(ch)
	defer sub.Close()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil || done {
			return err
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				break wait
			case ev := <-sub.C:
				if ev.JobID == jobID {
					break wait
				}
			}
		}
	}
}
