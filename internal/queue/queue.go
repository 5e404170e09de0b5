// Package queue — Job Store: постановка, claim, heartbeat, завершение,
// отмена и переотбор заданий поверх repo.Store.
//
// Каждая операция — одна транзакция хранилища. Уведомления отправляются
// после фиксации и служат только подсказкой для опрашивающих процессов.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/repo"
)

// DefaultTag — тег заданий, для которых тег не задан ни в запросе, ни в скрипте.
const DefaultTag = "default"

// DefaultMaxReclaims — сколько раз задание может быть отобрано у потерянного воркера.
const DefaultMaxReclaims = 3

// claimBatch — сколько кандидатов рассматривает один claim.
const claimBatch = 16

// Service — операции над очередью.
type Service struct {
	store    repo.Store
	notifier notify.Notifier
	logger   *slog.Logger

	// Now — источник времени. Все временные метки очереди берутся отсюда.
	Now func() time.Time

	// MaxReclaims — после стольких переотборов задание завершается с MaxRetriesExceeded.
	MaxReclaims int
}

// New создаёт Service.
func New(store repo.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		notifier:    notifier,
		logger:      logger.With("component", "queue"),
		Now:         time.Now,
		MaxReclaims: DefaultMaxReclaims,
	}
}

// Store возвращает хранилище сервиса.
func (s *Service) Store() repo.Store {
	return s.store
}

// Notifier возвращает источник уведомлений сервиса.
func (s *Service) Notifier() notify.Notifier {
	return s.notifier
}

func (s *Service) now() time.Time {
	return s.Now().UTC()
}

// Announce рассылает уведомления после фиксации транзакции.
// Ошибка доставки только логируется: уведомления — подсказки.
func (s *Service) Announce(ctx context.Context, ch notify.Channel, ids ...uuid.UUID) {
	for _, id := range ids {
		if err := s.notifier.Notify(ctx, ch, id); err != nil {
			s.logger.Warn("failed to send notification", "channel", ch, "job_id", id, "error", err)
		}
	}
}
