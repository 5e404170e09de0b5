package repo

import "errors"

// Ошибки хранилища. Обе реализации Store возвращают их обёрнутыми,
// проверять через errors.Is.
var (
	// ErrNotFound — нет задания, скрипта, flow, расписания или bucket.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — повторная вставка: completed-строка, версия скрипта, слот.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — переход недопустим: задание уже завершено, flow не ждёт resume.
	ErrInvalidState = errors.New("invalid state")
)
