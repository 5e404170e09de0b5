// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// RabbitMQ в flowq не является источником истины: все гарантии очереди
// держит реляционное хранилище. Брокер используется для двух вещей:
//
//   - рассылка событий об изменениях (job.queued, job.completed, flow.updated)
//     между процессами, у которых нет общего Postgres LISTEN;
//   - приём внешних триггеров и событий деплоя от других систем.
//
// Структура:
//   - connection.go — соединение с автоматическим reconnect
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Exchanges:
//   - flowq.events   (topic)  — события заданий, по очереди на подписчика
//   - flowq.triggers (direct) — внешние триггеры и события деплоя
//   - flowq.dlq      (direct) — dead letter queue
package mq
