// Package cli реализует инструмент командной строки flowq.
//
// # Обзор
//
// CLI — клиентская утилита для flowq API. Работает через HTTP и не
// импортирует внутренние пакеты системы. Все запросы идут в один
// workspace (--workspace), пользователь передаётся заголовком X-Flowq-User.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080", "acme", "alice")
//	res, err := client.RunScript("f/etl/load", cli.RunRequest{})
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные идут в stdout, сообщения в stderr:
//
//	flowq job list --json | jq .
//
// ## Commands
//
//   - job: run, preview, list, show, result, cancel, logs
//   - flow: list, push, show, delete, resume
//   - script: list, push
//   - schedule: list, create, show, delete, enable, disable
//   - trigger
//
// Аргументы заданий задаются парами -a KEY=VALUE (VALUE разбирается как
// JSON, если это возможно) или файлом -f в JSON либо YAML.
package cli
