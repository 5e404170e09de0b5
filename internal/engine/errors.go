package engine

import "errors"

// Таксономия ошибок ядра очереди.
var (
	// ErrInvalidSpec — задание или flow отклонены при постановке; не повторяется.
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrAdmissionDeferred — concurrency или debounce говорят "не сейчас". Не ошибка.
	ErrAdmissionDeferred = errors.New("admission deferred")

	// ErrChildFailure — дочернее задание flow завершилось с ошибкой.
	ErrChildFailure = errors.New("child job failed")

	// ErrWorkerLost — воркер перестал слать heartbeat.
	ErrWorkerLost = errors.New("worker lost")

	// ErrAlreadyCompleted — повторная терминальная запись с другим результатом.
	ErrAlreadyCompleted = errors.New("job already completed with a different result")

	// ErrCancelled — задание отменено.
	ErrCancelled = errors.New("job cancelled")

	// ErrNotOwner — задание принадлежит другому воркеру.
	ErrNotOwner = errors.New("job is owned by another worker")

	// ErrMaxRetriesExceeded — исчерпан лимит переотборов после потери воркера.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Ошибки валидации flow. Все возвращаются внутри ValidationError,
// который также удовлетворяет errors.Is(err, ErrInvalidSpec).
var (
	ErrEmptyModules      = errors.New("flow has no modules")
	ErrEmptyModuleID     = errors.New("module has empty ID")
	ErrDuplicateModuleID = errors.New("duplicate module ID")
	ErrMissingValue      = errors.New("module has no value")
	ErrMissingTarget     = errors.New("module has no target")
	ErrEmptyBody         = errors.New("loop or branch has no modules")
	ErrBadExpression     = errors.New("malformed expression")
	ErrBadModifier       = errors.New("invalid module modifier")
	ErrBadKeyTemplate    = errors.New("malformed key template")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	ModuleID string // ID модуля, где произошла ошибка
	Field    string // поле, вызвавшее ошибку
	Message  string // описание ошибки
	Err      error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.ModuleID != "" {
		return "module " + e.ModuleID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку и ErrInvalidSpec.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidSpec}
	}
	return []error{e.Err, ErrInvalidSpec}
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(moduleID, field, message string, err error) *ValidationError {
	return &ValidationError{
		ModuleID: moduleID,
		Field:    field,
		Message:  message,
		Err:      err,
	}
}
