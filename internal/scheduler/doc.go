// Package scheduler запускает задания по расписанию.
//
// Scheduler периодически выбирает включённые schedules с истекшим
// next_due_at и порождает для каждого триггер через trigger.SubmitTx:
// задание напрямую или триггер в debounce bucket, если у расписания
// задан debounce. Триггер и сдвиг next_due_at фиксируются в одной
// транзакции, поэтому одно срабатывание не порождает два задания даже
// при нескольких экземплярах.
//
// Структура:
//   - scheduler.go — Tick и Run
//   - cron.go      — cron-выражения, интервалы, проверка расписания
//   - leader.go    — выбор лидера (advisory lock на Postgres)
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:  store,
//	    Router: router,
//	    Logger: logger,
//	})
//
//	leader := scheduler.NewPGLeader(pool, scheduler.LeaderLockID)
//	err := sched.Run(ctx, time.Second, leader)
package scheduler
