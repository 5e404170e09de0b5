package domain

import (
	"time"

	"github.com/google/uuid"
)

// DebounceSettings — настройки схлопывания триггеров.
type DebounceSettings struct {
	// KeyTemplate — шаблон ключа, например "deploy:$args[repo]".
	// Пустой — ключ по умолчанию (workspace + path + хеш аргументов).
	KeyTemplate string `json:"key,omitempty"`

	// DelaySec — окно схлопывания. <= 0 — debounce выключен.
	DelaySec int `json:"delay_s"`

	// AccumulateFields — поля аргументов, значения которых собираются в список.
	AccumulateFields []string `json:"accumulate_fields,omitempty"`

	// MaxDebounces — сколько триггеров принимает bucket до принудительного запечатывания.
	// 0 — без ограничения.
	MaxDebounces int `json:"max_debounces,omitempty"`
}

// Enabled возвращает true, если debounce включён.
func (d *DebounceSettings) Enabled() bool {
	return d != nil && d.DelaySec > 0
}

// Delay возвращает окно как time.Duration.
func (d *DebounceSettings) Delay() time.Duration {
	return time.Duration(d.DelaySec) * time.Second
}

// DebounceBucket — набор схлопнутых триггеров по одному ключу.
//
// Жизненный цикл: создаётся первым триггером, принимает триггеры до SealAt,
// запечатывается ровно в одно задание. После запечатывания не меняется.
type DebounceBucket struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID string    `json:"workspace_id"`

	// Key — ключ после подстановки шаблона (всегда с префиксом workspace).
	Key string `json:"key"`

	CreatedAt time.Time `json:"created_at"`

	// SealAt — дедлайн. Слияние его не сдвигает.
	SealAt time.Time `json:"seal_at"`

	// SealedAt — момент запечатывания. Nil — bucket живой.
	SealedAt *time.Time `json:"sealed_at,omitempty"`

	// SeedArgs — аргументы первого триггера.
	SeedArgs map[string]any `json:"seed_args"`

	AccumulateFields []string `json:"accumulate_fields,omitempty"`

	// Accumulated — для каждого поля из AccumulateFields список значений всех триггеров.
	Accumulated map[string][]any `json:"accumulated,omitempty"`

	// TriggerIDs — идентификаторы триггеров по порядку прихода. Первый — seed.
	TriggerIDs []uuid.UUID `json:"trigger_ids"`

	MaxDebounces int `json:"max_debounces,omitempty"`

	// Job — прототип задания, которое будет создано при запечатывании.
	Job *Job `json:"job"`

	// JobID — созданное задание (после запечатывания).
	JobID *uuid.UUID `json:"job_id,omitempty"`
}

// NewDebounceBucket создаёт bucket из первого триггера.
func NewDebounceBucket(key string, job *Job, settings *DebounceSettings, triggerID uuid.UUID, now time.Time) *DebounceBucket {
	b := &DebounceBucket{
		ID:               uuid.Must(uuid.NewV7()),
		WorkspaceID:      job.WorkspaceID,
		Key:              key,
		CreatedAt:        now,
		SealAt:           now.Add(settings.Delay()),
		SeedArgs:         job.Args,
		AccumulateFields: settings.AccumulateFields,
		Accumulated:      make(map[string][]any, len(settings.AccumulateFields)),
		MaxDebounces:     settings.MaxDebounces,
		Job:              job,
	}
	b.Merge(job.Args, triggerID)
	return b
}

// IsSealed возвращает true, если bucket уже превращён в задание.
func (b *DebounceBucket) IsSealed() bool {
	return b.SealedAt != nil
}

// AcceptsAt возвращает true, если триггер в момент now может влиться в bucket.
// Триггер в момент дедлайна или позже уже не сливается.
func (b *DebounceBucket) AcceptsAt(now time.Time) bool {
	if b.IsSealed() || !now.Before(b.SealAt) {
		return false
	}
	return b.MaxDebounces <= 0 || len(b.TriggerIDs) < b.MaxDebounces
}

// Merge добавляет триггер: значения AccumulateFields дописываются в списки.
func (b *DebounceBucket) Merge(args map[string]any, triggerID uuid.UUID) {
	if b.Accumulated == nil {
		b.Accumulated = make(map[string][]any, len(b.AccumulateFields))
	}
	for _, f := range b.AccumulateFields {
		if v, ok := args[f]; ok {
			b.Accumulated[f] = append(b.Accumulated[f], v)
		}
	}
	b.TriggerIDs = append(b.TriggerIDs, triggerID)
}

// ProducedArgs возвращает аргументы задания: seed, поверх — накопленные списки.
func (b *DebounceBucket) ProducedArgs() map[string]any {
	out := make(map[string]any, len(b.SeedArgs)+len(b.AccumulateFields))
	for k, v := range b.SeedArgs {
		out[k] = v
	}
	for _, f := range b.AccumulateFields {
		list := b.Accumulated[f]
		if list == nil {
			list = []any{}
		}
		out[f] = list
	}
	return out
}
