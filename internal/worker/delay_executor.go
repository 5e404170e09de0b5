package worker

import (
	"context"
	"time"
)

// DelayExecutor — executor для скриптов на языке "delay".
//
// Ожидает duration_s секунд (аргумент задания). Поддерживает отмену через context.
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error) {
	durationSec := 1.0
	switch v := exec.Job.Args["duration_s"].(type) {
	case float64:
		durationSec = v
	case int:
		durationSec = float64(v)
	}
	if durationSec <= 0 {
		durationSec = 1
	}

	timer := time.NewTimer(time.Duration(durationSec * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return &ExecutionResult{Value: map[string]any{"delayed_s": durationSec}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
