// Package limiter — Concurrency Limiter: не более Limit стартов на ключ
// в скользящем окне.
//
// Limiter не владеет транзакцией: Admit вызывается внутри транзакции
// claim, поэтому проверка и захват слота атомарны с переводом задания
// в running.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/telemetry"
)

// Границы задержки отложенного задания. Слот может освободиться раньше
// выхода старта из окна (по завершению), поэтому задержка ограничена сверху.
const (
	MinRetryAfter = time.Second
	MaxRetryAfter = 10 * time.Second
)

// Decision — результат Admit.
type Decision struct {
	Admitted bool

	// RetryAfter — через сколько имеет смысл повторить (только при !Admitted).
	RetryAfter time.Duration
}

// Admitted — допуск.
func Admitted() Decision { return Decision{Admitted: true} }

// MustWait — отказ с задержкой.
func MustWait(d time.Duration) Decision { return Decision{RetryAfter: d} }

// Admit проверяет ключ и при наличии места занимает слот за jobID.
//
// Строка ключа блокируется до конца транзакции, так что два параллельных
// claim по одному ключу видят слоты друг друга.
func Admit(ctx context.Context, ops repo.ConcurrencyOps, s *domain.ConcurrencySettings, jobID uuid.UUID, now time.Time) (Decision, error) {
	if !s.Enabled() {
		return Admitted(), nil
	}

	if err := ops.LockConcurrencyKey(ctx, s.Key); err != nil {
		return Decision{}, err
	}

	window := s.Window()
	used, oldest, err := ops.ConcurrencyUsage(ctx, s.Key, now.Add(-window))
	if err != nil {
		return Decision{}, err
	}

	if used >= s.Limit {
		d := RetryAfter(oldest, window, now)
		telemetry.Admissions.WithLabelValues("deferred").Inc()
		return MustWait(d), nil
	}

	if err := ops.InsertConcurrencySlot(ctx, s.Key, jobID, now); err != nil {
		return Decision{}, fmt.Errorf("take slot for %s: %w", s.Key, err)
	}
	telemetry.Admissions.WithLabelValues("admitted").Inc()
	return Admitted(), nil
}

// RetryAfter — время до выхода самого старого старта из окна,
// в пределах [MinRetryAfter, MaxRetryAfter].
func RetryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	if oldest.IsZero() {
		return MinRetryAfter
	}
	return min(max(oldest.Add(window).Sub(now), MinRetryAfter), MaxRetryAfter)
}

// Release освобождает слот задания. Вызывается при завершении в той же
// транзакции, что и перенос строки в completed.
func Release(ctx context.Context, ops repo.ConcurrencyOps, jobID uuid.UUID) error {
	return ops.DeleteConcurrencySlot(ctx, jobID)
}
