package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobKind — вид задания.
//
// Вид определяет, кто исполняет задание: flow-виды продвигает
// Flow State Machine внутри воркера, остальные отдаются runtime-адаптеру.
type JobKind string

const (
	// JobKindScript — запуск зарегистрированного скрипта (по path или hash).
	JobKindScript JobKind = "script"

	// JobKindPreview — запуск inline-кода без регистрации скрипта.
	JobKindPreview JobKind = "preview"

	// JobKindFlow — запуск зарегистрированного flow.
	JobKindFlow JobKind = "flow"

	// JobKindFlowPreview — запуск inline-определения flow.
	JobKindFlowPreview JobKind = "flowpreview"

	// JobKindFlowNode — вложенный flow (итерация цикла или ветка branch).
	JobKindFlowNode JobKind = "flownode"

	// JobKindDependencies — разрешение зависимостей скрипта.
	JobKindDependencies JobKind = "dependencies"

	// JobKindDeploymentCallback — агрегированный callback на деплой.
	JobKindDeploymentCallback JobKind = "deploymentcallback"

	// JobKindAIAgent — агент с инструментами (лист для оркестратора).
	JobKindAIAgent JobKind = "aiagent"

	// JobKindIdentity — возвращает свои аргументы как результат.
	JobKindIdentity JobKind = "identity"

	// JobKindNoop — ничего не делает.
	JobKindNoop JobKind = "noop"
)

var jobKinds = map[JobKind]struct{}{
	JobKindScript:             {},
	JobKindPreview:            {},
	JobKindFlow:               {},
	JobKindFlowPreview:        {},
	JobKindFlowNode:           {},
	JobKindDependencies:       {},
	JobKindDeploymentCallback: {},
	JobKindAIAgent:            {},
	JobKindIdentity:           {},
	JobKindNoop:               {},
}

// Valid возвращает true для известных видов.
func (k JobKind) Valid() bool {
	_, ok := jobKinds[k]
	return ok
}

// IsFlow возвращает true, если задание продвигается Flow State Machine.
func (k JobKind) IsFlow() bool {
	switch k {
	case JobKindFlow, JobKindFlowPreview, JobKindFlowNode:
		return true
	default:
		return false
	}
}

// TriggerKind — источник, породивший задание.
type TriggerKind string

const (
	TriggerKindAPI        TriggerKind = "api"
	TriggerKindSchedule   TriggerKind = "schedule"
	TriggerKindEvent      TriggerKind = "event"
	TriggerKindDebounce   TriggerKind = "debounce"
	TriggerKindDeployment TriggerKind = "deployment"
	TriggerKindFlow       TriggerKind = "flow"
)

// ConcurrencySettings — ограничение одновременных запусков по ключу.
type ConcurrencySettings struct {
	// Key — ключ (после подстановки шаблона).
	Key string `json:"key"`

	// Limit — максимум одновременно стартовавших заданий в окне.
	Limit int `json:"limit"`

	// WindowSec — размер скользящего окна в секундах.
	WindowSec int `json:"window_s"`
}

// Enabled возвращает true, если ограничение действует.
func (c *ConcurrencySettings) Enabled() bool {
	return c != nil && c.Key != "" && c.Limit > 0
}

// Window возвращает окно как time.Duration.
func (c *ConcurrencySettings) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// CacheSettings — кеширование успешного результата.
type CacheSettings struct {
	Key    string `json:"key"`
	TTLSec int    `json:"ttl_s"`
}

// Job — задание в очереди (таблица pending/running).
//
// Задание находится либо здесь, либо в CompletedJob — никогда в обоих.
// "Завершено ли" определяется принадлежностью к таблице, а не статусом.
type Job struct {
	// ID — глобально уникальный, сортируемый по времени идентификатор (UUIDv7).
	ID uuid.UUID `json:"id"`

	// WorkspaceID — тенант.
	WorkspaceID string `json:"workspace_id"`

	// ParentJob — flow, которому принадлежит шаг. Nil для корневых заданий.
	ParentJob *uuid.UUID `json:"parent_job,omitempty"`

	// RootJob — корень дерева заданий. Nil для корневых заданий.
	RootJob *uuid.UUID `json:"root_job,omitempty"`

	Kind JobKind `json:"kind"`

	// RunnablePath / RunnableHash — ссылка на скрипт или flow.
	RunnablePath string `json:"runnable_path,omitempty"`
	RunnableHash string `json:"runnable_hash,omitempty"`

	// Language и RawCode — для preview и rawscript-модулей.
	Language string `json:"language,omitempty"`
	RawCode  string `json:"raw_code,omitempty"`

	// RawFlow — определение flow, зафиксированное при постановке в очередь.
	RawFlow *FlowValue `json:"raw_flow,omitempty"`

	// FlowStepID — указатель на модуль родительского flow, породивший задание.
	FlowStepID string `json:"flow_step_id,omitempty"`

	// Args — входные аргументы (непрозрачны для оркестратора).
	Args map[string]any `json:"args,omitempty"`

	// PermissionedAs — от чьего имени выполняется задание.
	PermissionedAs string `json:"permissioned_as,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`

	// Tag — группа воркеров, которая может взять задание.
	Tag string `json:"tag"`

	Priority int `json:"priority,omitempty"`

	// ScheduledFor — не раньше этого момента задание может быть взято.
	ScheduledFor time.Time  `json:"scheduled_for"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`

	// Running и Worker — задание взято воркером.
	Running bool   `json:"running"`
	Worker  string `json:"worker,omitempty"`

	// SameWorkerID — задание может взять только этот воркер.
	SameWorkerID string `json:"same_worker_id,omitempty"`

	// Suspended — flow ждёт дочерние задания или внешний сигнал.
	// SuspendUntil — после этого момента flow снова может быть взят.
	Suspended    bool       `json:"suspended,omitempty"`
	SuspendUntil *time.Time `json:"suspend_until,omitempty"`

	TimeoutSec int `json:"timeout_s,omitempty"`

	Concurrency *ConcurrencySettings `json:"concurrency,omitempty"`
	Cache       *CacheSettings       `json:"cache,omitempty"`

	// FlowStatus — состояние flow (только для flow-видов).
	FlowStatus *FlowStatus `json:"flow_status,omitempty"`

	// Canceled — флаг кооперативной отмены.
	Canceled       bool   `json:"canceled,omitempty"`
	CanceledBy     string `json:"canceled_by,omitempty"`
	CanceledReason string `json:"canceled_reason,omitempty"`

	LastPing *time.Time `json:"last_ping,omitempty"`

	// Reclaims — сколько раз задание отбиралось у потерянного воркера.
	Reclaims int `json:"reclaims,omitempty"`

	MemPeak int  `json:"mem_peak,omitempty"`
	Visible bool `json:"visible_to_owner"`

	TriggerKind TriggerKind `json:"trigger_kind,omitempty"`
	Trigger     string      `json:"trigger,omitempty"`

	// DebounceBatch — bucket, из которого родилось задание.
	DebounceBatch *uuid.UUID `json:"debounce_batch,omitempty"`

	// DependencyLock — ссылка на зафиксированные зависимости.
	DependencyLock string `json:"dependency_lock,omitempty"`
}

// IsFlow возвращает true для flow-заданий.
func (j *Job) IsFlow() bool {
	return j.Kind.IsFlow()
}

// Root возвращает корень дерева заданий.
func (j *Job) Root() uuid.UUID {
	if j.RootJob != nil {
		return *j.RootJob
	}
	return j.ID
}

// Status возвращает наблюдаемый статус задания в очереди.
func (j *Job) Status() JobStatus {
	switch {
	case j.Running:
		return JobStatusRunning
	case j.Suspended:
		return JobStatusSuspended
	default:
		return JobStatusQueued
	}
}

// Timeout возвращает таймаут выполнения. 0 — без ограничения.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSec) * time.Second
}

// NewJobID генерирует сортируемый по времени идентификатор.
func NewJobID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
