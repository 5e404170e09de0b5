package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownExecutor — нет executor'а для вида задания или языка.
	ErrUnknownExecutor = errors.New("unknown executor")

	// ErrExecutionTimeout — выполнение превысило таймаут задания.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrWorkerStopped — воркер остановлен во время выполнения.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrScriptRun — процесс скрипта не удалось запустить.
	ErrScriptRun = errors.New("script run failed")
)
