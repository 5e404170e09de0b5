// Package debounce — Debounce Coordinator: схлопывает всплеск триггеров
// по одному ключу в одно задание.
//
// Bucket живёт в хранилище. Триггеры и запечатывание одного ключа
// сериализуются на строке ключа (LockDebounceKey), поэтому ни один триггер
// не теряется: он либо попадает в аргументы запечатанного задания, либо
// начинает следующий bucket.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
)

// Outcome — что произошло с триггером.
type Outcome string

const (
	// OutcomeDirect — debounce выключен, задание поставлено сразу.
	OutcomeDirect Outcome = "direct"

	// OutcomeCreated — триггер открыл новый bucket.
	OutcomeCreated Outcome = "created"

	// OutcomeMerged — триггер влился в живой bucket.
	OutcomeMerged Outcome = "merged"
)

// Result — итог Trigger.
type Result struct {
	// TriggerID — идентификатор триггера. Для seed совпадает с id задания,
	// для остальных — с id skipped-записи в completed.
	TriggerID uuid.UUID `json:"id"`

	Outcome  Outcome    `json:"outcome"`
	BucketID *uuid.UUID `json:"bucket_id,omitempty"`

	// Sealed — задания, созданные этим вызовом (direct или запечатывание).
	Sealed []Sealed `json:"-"`
}

// Sealed — результат запечатывания одного bucket.
type Sealed struct {
	BucketID uuid.UUID
	JobID    uuid.UUID
	Skipped  []uuid.UUID
}

// ResultKey — имя поля результата skipped-триггера.
const ResultKey = "debounced_by"

// DefaultBatch — сколько bucket'ов запечатывает один проход.
const DefaultBatch = 100

// Coordinator — Debounce Coordinator.
type Coordinator struct {
	store  repo.Store
	queue  *queue.Service
	logger *slog.Logger

	Now   func() time.Time
	Batch int
}

// New создаёт Coordinator. queue используется для рассылки уведомлений.
func New(store repo.Store, q *queue.Service, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		queue:  q,
		logger: logger.With("component", "debounce"),
		Now:    time.Now,
		Batch:  DefaultBatch,
	}
}

func (c *Coordinator) now() time.Time {
	return c.Now().UTC()
}

// Key вычисляет ключ bucket'а: шаблон или ключ по умолчанию, всегда с префиксом workspace.
func Key(job *domain.Job, s *domain.DebounceSettings) (string, error) {
	path := job.RunnablePath
	if path == "" {
		path = string(job.Kind)
	}
	if s.KeyTemplate == "" {
		return engine.ScopedKey(job.WorkspaceID, engine.DefaultKey(job.WorkspaceID, path, job.Args, s.AccumulateFields)), nil
	}
	key, err := engine.ResolveKey(s.KeyTemplate, job.WorkspaceID, path, job.Args)
	if err != nil {
		return "", err
	}
	return engine.ScopedKey(job.WorkspaceID, key), nil
}

// Trigger принимает подготовленное задание-прототип. job.ID становится
// идентификатором триггера.
func (c *Coordinator) Trigger(ctx context.Context, job *domain.Job, s *domain.DebounceSettings) (Result, error) {
	var res Result
	err := c.store.InTx(ctx, func(ops repo.Ops) error {
		var err error
		res, err = TriggerTx(ctx, ops, job, s, c.now())
		return err
	})
	if err != nil {
		return Result{}, err
	}
	c.Announce(ctx, res)
	return res, nil
}

// TriggerTx — Trigger внутри транзакции вызывающего. После фиксации
// вызывающий передаёт результат в Announce.
func TriggerTx(ctx context.Context, ops repo.Ops, job *domain.Job, s *domain.DebounceSettings, now time.Time) (Result, error) {
	if !s.Enabled() {
		if err := queue.InsertTx(ctx, ops, job); err != nil {
			return Result{}, err
		}
		return Result{
			TriggerID: job.ID,
			Outcome:   OutcomeDirect,
			Sealed:    []Sealed{{JobID: job.ID}},
		}, nil
	}

	key, err := Key(job, s)
	if err != nil {
		return Result{}, err
	}
	if err := ops.LockDebounceKey(ctx, key); err != nil {
		return Result{}, err
	}

	res := Result{TriggerID: job.ID}

	live, err := ops.GetLiveBucket(ctx, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		live = nil
	case err != nil:
		return Result{}, err
	}

	var bucket *domain.DebounceBucket
	if live != nil && live.AcceptsAt(now) {
		live.Merge(job.Args, job.ID)
		if err := ops.UpdateBucket(ctx, live); err != nil {
			return Result{}, err
		}
		bucket = live
		res.Outcome = OutcomeMerged
	} else {
		if live != nil {
			// Просроченный или заполненный bucket запечатывается до открытия нового.
			sealed, err := sealTx(ctx, ops, live, now)
			if err != nil {
				return Result{}, err
			}
			res.Sealed = append(res.Sealed, sealed)
		}
		bucket = domain.NewDebounceBucket(key, job, s, job.ID, now)
		if err := ops.InsertBucket(ctx, bucket); err != nil {
			return Result{}, err
		}
		res.Outcome = OutcomeCreated
	}
	res.BucketID = &bucket.ID

	if bucket.MaxDebounces > 0 && len(bucket.TriggerIDs) >= bucket.MaxDebounces {
		sealed, err := sealTx(ctx, ops, bucket, now)
		if err != nil {
			return Result{}, err
		}
		res.Sealed = append(res.Sealed, sealed)
	}

	telemetry.DebounceTriggers.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// sealTx превращает bucket в задание. Вызывается под блокировкой ключа.
//
// Задание получает id seed-триггера и накопленные аргументы. Каждый
// остальной триггер записывается в completed как skipped со ссылкой на задание.
func sealTx(ctx context.Context, ops repo.Ops, b *domain.DebounceBucket, now time.Time) (Sealed, error) {
	if b.IsSealed() || len(b.TriggerIDs) == 0 || b.Job == nil {
		return Sealed{}, fmt.Errorf("%w: bucket %s cannot be sealed", repo.ErrInvalidState, b.ID)
	}

	job := *b.Job
	job.ID = b.TriggerIDs[0]
	job.Args = b.ProducedArgs()
	job.DebounceBatch = &b.ID
	job.ScheduledFor = now
	job.CreatedAt = b.CreatedAt

	if err := queue.InsertTx(ctx, ops, &job); err != nil {
		return Sealed{}, err
	}

	sealed := Sealed{BucketID: b.ID, JobID: job.ID}
	marker := domain.MustJSON(map[string]uuid.UUID{ResultKey: job.ID})

	for _, tid := range b.TriggerIDs[1:] {
		skipped := *b.Job
		skipped.ID = tid
		skipped.DebounceBatch = &b.ID
		skipped.TriggerKind = domain.TriggerKindDebounce
		skipped.Trigger = job.ID.String()

		done := skipped.Complete(domain.JobResult{Success: true, Skipped: true, Value: marker}, now)
		if err := ops.InsertCompleted(ctx, done); err != nil {
			return Sealed{}, fmt.Errorf("record debounced trigger %s: %w", tid, err)
		}
		sealed.Skipped = append(sealed.Skipped, tid)
	}

	if err := ops.SealBucket(ctx, b.ID, job.ID, now); err != nil {
		return Sealed{}, err
	}
	b.SealedAt = &now
	b.JobID = &job.ID

	telemetry.BucketsSealed.Inc()
	return sealed, nil
}

// Announce рассылает уведомления о заданиях, созданных TriggerTx или SealDue.
func (c *Coordinator) Announce(ctx context.Context, res Result) {
	for _, s := range res.Sealed {
		c.queue.Announce(ctx, notify.JobQueued, s.JobID)
		c.queue.Announce(ctx, notify.JobCompleted, s.Skipped...)
		if s.BucketID != uuid.Nil {
			c.logger.Info("debounce bucket sealed",
				"bucket_id", s.BucketID, "job_id", s.JobID, "triggers", len(s.Skipped)+1)
		}
	}
}

// SealDue запечатывает bucket'ы, чей дедлайн наступил. Каждый bucket —
// отдельная транзакция. Возвращает число запечатанных.
func (c *Coordinator) SealDue(ctx context.Context) (int, error) {
	now := c.now()
	due, err := c.store.ListDueBuckets(ctx, now, c.Batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range due {
		var sealed *Sealed
		err := c.store.InTx(ctx, func(ops repo.Ops) error {
			if err := ops.LockDebounceKey(ctx, due[i].Key); err != nil {
				return err
			}
			b, err := ops.GetBucket(ctx, due[i].ID)
			if err != nil {
				return err
			}
			// Триггер успел запечатать bucket сам.
			if b.IsSealed() {
				return nil
			}
			s, err := sealTx(ctx, ops, b, now)
			if err != nil {
				return err
			}
			sealed = &s
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("seal bucket %s: %w", due[i].ID, err)
		}
		if sealed != nil {
			c.Announce(ctx, Result{Sealed: []Sealed{*sealed}})
			n++
		}
	}
	return n, nil
}

// Run запускает запечатывание каждые interval до отмены ctx.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("debounce sealer started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("debounce sealer stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.SealDue(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to seal due buckets", "error", err)
			}
		}
	}
}

// GetBucket возвращает bucket по id.
func (c *Coordinator) GetBucket(ctx context.Context, id uuid.UUID) (*domain.DebounceBucket, error) {
	return c.store.GetBucket(ctx, id)
}
