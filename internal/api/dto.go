package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/queue"
)

// Job DTOs

// RunRequest — общие поля запросов на запуск.
type RunRequest struct {
	Args         map[string]any              `json:"args,omitempty"`
	Tag          string                      `json:"tag,omitempty"`
	Priority     *int                        `json:"priority,omitempty"`
	ScheduledFor *time.Time                  `json:"scheduled_for,omitempty"`
	TimeoutSec   *int                        `json:"timeout_s,omitempty"`
	CacheTTLSec  *int                        `json:"cache_ttl_s,omitempty"`
	Concurrency  *domain.ConcurrencySettings `json:"concurrency,omitempty"`
	Debounce     *domain.DebounceSettings    `json:"debounce,omitempty"`
}

// spec заполняет переопределения запуска.
func (r *RunRequest) spec(workspace string, kind domain.JobKind, createdBy string) *queue.JobSpec {
	return &queue.JobSpec{
		WorkspaceID:  workspace,
		Kind:         kind,
		Args:         r.Args,
		Tag:          r.Tag,
		Priority:     r.Priority,
		ScheduledFor: r.ScheduledFor,
		TimeoutSec:   r.TimeoutSec,
		CacheTTLSec:  r.CacheTTLSec,
		Concurrency:  r.Concurrency,
		Debounce:     r.Debounce,
		CreatedBy:    createdBy,
		TriggerKind:  domain.TriggerKindAPI,
	}
}

// PreviewRequest — запуск кода, не зарегистрированного как скрипт.
type PreviewRequest struct {
	RunRequest
	Language string `json:"language"`
	Content  string `json:"content"`
}

// FlowPreviewRequest — запуск flow, не зарегистрированного по пути.
type FlowPreviewRequest struct {
	RunRequest
	Value *domain.FlowValue `json:"value"`
}

// SubmitResponse — ответ на постановку задания или триггера.
type SubmitResponse struct {
	ID       uuid.UUID        `json:"id"`
	Outcome  debounce.Outcome `json:"outcome"`
	BucketID *uuid.UUID       `json:"bucket_id,omitempty"`
}

// SubmitFromResult конвертирует debounce.Result в SubmitResponse.
func SubmitFromResult(res debounce.Result) SubmitResponse {
	return SubmitResponse{ID: res.TriggerID, Outcome: res.Outcome, BucketID: res.BucketID}
}

// JobResponse — задание в очереди или завершённое.
type JobResponse struct {
	ID        uuid.UUID            `json:"id"`
	Status    domain.JobStatus     `json:"status"`
	Queued    *domain.Job          `json:"queued,omitempty"`
	Completed *domain.CompletedJob `json:"completed,omitempty"`
}

// JobFromView конвертирует queue.JobView в JobResponse.
func JobFromView(v *queue.JobView) JobResponse {
	resp := JobResponse{Status: v.Status(), Queued: v.Queued, Completed: v.Completed}
	if v.Completed != nil {
		resp.ID = v.Completed.ID
	} else {
		resp.ID = v.Queued.ID
	}
	return resp
}

// ResultResponse — результат завершённого задания.
type ResultResponse struct {
	ID        uuid.UUID        `json:"id"`
	Status    domain.JobStatus `json:"status"`
	Completed bool             `json:"completed"`
	Success   bool             `json:"success"`
	Result    json.RawMessage  `json:"result,omitempty"`
}

// CancelRequest — запрос на отмену.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelResponse — отменённые задания (само задание и потомки).
type CancelResponse struct {
	Canceled []uuid.UUID `json:"canceled"`
}

// CancelBatchRequest — пакетная отмена.
type CancelBatchRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Reason string      `json:"reason,omitempty"`
}

// ResumeRequest — сигнал приостановленному модулю.
type ResumeRequest struct {
	ModuleID string `json:"module_id,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	Approved *bool  `json:"approved,omitempty"` // по умолчанию true
	Approver string `json:"approver,omitempty"`
}

// ResumeResponse — принятый сигнал.
type ResumeResponse struct {
	ID uuid.UUID `json:"id"`
}

// Trigger DTOs

// TriggerRequest — внешнее событие, запускающее скрипт или flow.
type TriggerRequest struct {
	Path     string                   `json:"path"`
	IsFlow   bool                     `json:"is_flow,omitempty"`
	Source   string                   `json:"source,omitempty"`
	Args     map[string]any           `json:"args,omitempty"`
	Tag      string                   `json:"tag,omitempty"`
	Debounce *domain.DebounceSettings `json:"debounce,omitempty"`
}

// Script DTOs

// CreateScriptRequest — новая версия скрипта.
type CreateScriptRequest struct {
	Path        string                      `json:"path"`
	Language    string                      `json:"language"`
	Content     string                      `json:"content"`
	Tag         string                      `json:"tag,omitempty"`
	Concurrency *domain.ConcurrencySettings `json:"concurrency,omitempty"`
	Debounce    *domain.DebounceSettings    `json:"debounce,omitempty"`
	CacheTTLSec int                         `json:"cache_ttl_s,omitempty"`
	TimeoutSec  int                         `json:"timeout_s,omitempty"`
	Priority    int                         `json:"priority,omitempty"`
}

// toDomain строит domain.Script. Hash вычисляется из языка и кода.
func (r *CreateScriptRequest) toDomain(workspace, createdBy string, now time.Time) *domain.Script {
	return &domain.Script{
		WorkspaceID: workspace,
		Path:        r.Path,
		Hash:        domain.ScriptHash(r.Language, r.Content),
		Language:    r.Language,
		Content:     r.Content,
		Tag:         r.Tag,
		Concurrency: r.Concurrency,
		Debounce:    r.Debounce,
		CacheTTLSec: r.CacheTTLSec,
		TimeoutSec:  r.TimeoutSec,
		Priority:    r.Priority,
		CreatedBy:   createdBy,
		CreatedAt:   now,
	}
}

// Flow DTOs

// PutFlowRequest — создание или замена flow по пути.
type PutFlowRequest struct {
	Path        string                      `json:"path"`
	Summary     string                      `json:"summary,omitempty"`
	Value       domain.FlowValue            `json:"value"`
	Tag         string                      `json:"tag,omitempty"`
	Concurrency *domain.ConcurrencySettings `json:"concurrency,omitempty"`
	Debounce    *domain.DebounceSettings    `json:"debounce,omitempty"`
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Path        string                   `json:"path"`
	TargetPath  string                   `json:"target_path"`
	IsFlow      bool                     `json:"is_flow,omitempty"`
	CronExpr    string                   `json:"cron_expr,omitempty"`
	IntervalSec int                      `json:"interval_sec,omitempty"`
	Timezone    string                   `json:"timezone,omitempty"`
	Enabled     *bool                    `json:"enabled,omitempty"` // по умолчанию true
	Args        map[string]any           `json:"args,omitempty"`
	Tag         string                   `json:"tag,omitempty"`
	Debounce    *domain.DebounceSettings `json:"debounce,omitempty"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	TargetPath  *string                  `json:"target_path,omitempty"`
	IsFlow      *bool                    `json:"is_flow,omitempty"`
	CronExpr    *string                  `json:"cron_expr,omitempty"`
	IntervalSec *int                     `json:"interval_sec,omitempty"`
	Timezone    *string                  `json:"timezone,omitempty"`
	Args        *map[string]any          `json:"args,omitempty"`
	Tag         *string                  `json:"tag,omitempty"`
	Debounce    *domain.DebounceSettings `json:"debounce,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// AsyncResponse — событие передано брокеру; результат появится после
// обработки в flowq-dispatcher.
type AsyncResponse struct {
	Published bool `json:"published"`
}
