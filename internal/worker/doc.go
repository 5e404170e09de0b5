// Package worker — пул воркеров: опрос очереди, heartbeat, переотбор и
// runtime-адаптеры.
//
// # Обзор
//
// Worker — stateless процесс. Единственный примитив взаимного исключения
// между воркерами — атомарный queue.Claim; никаких блокировок в памяти
// между процессами нет. Worker отвечает за:
//
//   - Опрос очереди по тикеру и по уведомлениям JobQueued / FlowUpdated
//   - Продвижение flow-заданий через flow.Driver
//   - Выполнение листовых заданий executor'ами из Registry
//   - Heartbeat во время выполнения: продление владения, флаг отмены, пик памяти, логи
//   - Переотбор заданий потерянных воркеров (reaper, опционально)
//   - Запечатывание debounce-bucket'ов (sealer, опционально)
//
// # Ключевые компоненты
//
// ## Worker
//
//	w := worker.New(worker.Config{
//	    Queue:     q,
//	    Flows:     flow.New(q, logger),
//	    Tags:      []string{"default"},
//	    RunReaper: true,
//	    Logger:    logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ## Executor
//
//	type Executor interface {
//	    Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error)
//	}
//
// Реестр выбирает executor по языку (script, preview, deploymentcallback)
// или по виду задания. По умолчанию зарегистрированы: identity, noop,
// dependencies, aiagent и языки bash, http, delay, transform.
//
// # Обработка листового задания
//
//  1. Claim (limiter уже допустил задание)
//  2. Отменено до старта → завершение с результатом отмены
//  3. Неистёкший кеш → завершение с кешированным результатом
//  4. Загрузка кода скрипта по hash
//  5. Выполнение; heartbeat каждые HeartbeatInterval
//  6. Complete с результатом, отменой или ошибкой
//
// # Ошибки
//
// Инфраструктурные ошибки (error от Execute) и логические
// (ExecutionResult.Error) завершают задание ошибкой ExecutionError и
// ExecutionFailed соответственно; повторы листьев внутри flow решает
// модификатор retry модуля. Потеря владения (NotOwner на heartbeat) отбрасывает
// результат: задание уже у другого воркера.
package worker
