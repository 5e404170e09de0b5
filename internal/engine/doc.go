// Package engine содержит "язык" flow: то, что не зависит от хранилища.
//
// Включает:
//   - parser.go      — разбор и валидация FlowValue (ошибки → ErrInvalidSpec)
//   - template.go    — вычисление выражений на Go templates ({{ .Inputs.x }})
//   - keytemplate.go — ключи debounce/concurrency ($args[field])
//   - backoff.go     — задержки retry
//   - errors.go      — таксономия ошибок ядра
//
// Всё, что может сломаться на пользовательском вводе, проверяется
// при постановке в очередь, а не во время продвижения flow.
package engine
