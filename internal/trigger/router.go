// Package trigger маршрутизирует намерения запуска (API, расписание,
// внешнее событие, деплой) в очередь: напрямую или через Debounce Coordinator.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
)

// Router — единая точка входа для всех источников триггеров.
type Router struct {
	store    repo.Store
	debounce *debounce.Coordinator
	logger   *slog.Logger

	Now func() time.Time
}

// New создаёт Router.
func New(store repo.Store, c *debounce.Coordinator, logger *slog.Logger) *Router {
	return &Router{
		store:    store,
		debounce: c,
		logger:   logger.With("component", "trigger"),
		Now:      time.Now,
	}
}

// Submit проверяет намерение и ставит задание в очередь. Если у цели
// (или в самом запросе) включён debounce, триггер уходит в bucket.
func (r *Router) Submit(ctx context.Context, spec *queue.JobSpec) (debounce.Result, error) {
	now := r.Now().UTC()

	var res debounce.Result
	err := r.store.InTx(ctx, func(ops repo.Ops) error {
		var err error
		res, err = SubmitTx(ctx, ops, spec, now)
		return err
	})
	if err != nil {
		return debounce.Result{}, err
	}

	r.Announce(ctx, res)
	r.logger.Debug("trigger submitted",
		"trigger_id", res.TriggerID,
		"outcome", res.Outcome,
		"path", spec.Path,
		"trigger_kind", spec.TriggerKind,
	)
	return res, nil
}

// SubmitTx — Submit внутри транзакции вызывающего. После фиксации
// вызывающий передаёт результат в Announce.
func SubmitTx(ctx context.Context, ops repo.Ops, spec *queue.JobSpec, now time.Time) (debounce.Result, error) {
	job, deb, err := queue.Prepare(ctx, ops, spec, now)
	if err != nil {
		return debounce.Result{}, err
	}
	return debounce.TriggerTx(ctx, ops, job, deb, now)
}

// Announce рассылает уведомления о заданиях, созданных SubmitTx.
func (r *Router) Announce(ctx context.Context, res debounce.Result) {
	r.debounce.Announce(ctx, res)
}

// HandleMessage — обработчик очереди flowq.triggers.
//
// InvalidSpec не исправится повтором, поэтому сообщение уходит в DLQ.
func (r *Router) HandleMessage(ctx context.Context, msg *mq.Message) error {
	p, err := mq.ParsePayload[mq.TriggerPayload](msg)
	if err != nil {
		return err
	}

	kind := domain.JobKindScript
	if p.IsFlow {
		kind = domain.JobKindFlow
	}

	_, err = r.Submit(ctx, &queue.JobSpec{
		WorkspaceID: p.WorkspaceID,
		Kind:        kind,
		Path:        p.Path,
		Args:        p.Args,
		Tag:         p.Tag,
		CreatedBy:   p.CreatedBy,
		TriggerKind: domain.TriggerKindEvent,
		Trigger:     p.Source,
		Debounce:    p.Debounce,
	})
	if isInvalid(err) {
		return errPermanent(err)
	}
	return err
}
