// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (очередь, router, flow driver, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (recovery, tracing, logging, rate limit)
//   - response.go         — унифицированные JSON-ответы и HandleError
//   - dto.go              — Data Transfer Objects (request/response)
//   - job_handler.go      — запуск, чтение, отмена и resume заданий
//   - list_handler.go     — списки очереди и завершённых с фильтрами
//   - trigger_handler.go  — внешние триггеры, события деплоя, debounce buckets
//   - script_handler.go   — скрипты и flow
//   - schedule_handler.go — расписания
//
// Все маршруты живут под /api/v1/w/{workspace}: задание чужого workspace
// неотличимо от несуществующего.
package api
