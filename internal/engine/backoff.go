package engine

import (
	"time"

	"github.com/shaiso/flowq/internal/domain"
)

// Backoff вычисляет задержку перед попыткой attempt (начиная с 1) по политике.
func Backoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		// "fixed" или неизвестный — используем initialDelay
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// ShouldRetry возвращает true, если после attempt неудачных попыток политика разрешает ещё одну.
func ShouldRetry(attempt int, policy *domain.RetryPolicy) bool {
	if policy == nil || policy.MaxAttempts <= 1 {
		return false
	}
	return attempt < policy.MaxAttempts
}
