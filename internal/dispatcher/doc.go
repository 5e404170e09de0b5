// Package dispatcher — фоновый процесс flowq-dispatcher.
//
// Dispatcher не выполняет заданий. Он двигает то, что без него застрянет:
//
//   - Debounce sealer: buckets с наступившим дедлайном превращаются в задания.
//   - Reaper: задания, чей воркер перестал слать heartbeat, возвращаются
//     в очередь или завершаются MaxRetriesExceeded.
//   - Consumers flowq.triggers и flowq.deployments: асинхронные триггеры
//     и события деплоя, опубликованные API с ?async=true.
//
// Пример:
//
//	d := dispatcher.New(dispatcher.Config{
//		Queue:    q,
//		Debounce: coord,
//		Router:   router,
//		Deploy:   agg,
//		Conn:     conn, // nil — без RabbitMQ
//	})
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	defer d.Stop()
package dispatcher
