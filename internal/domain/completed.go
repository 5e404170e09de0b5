package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// CompletedJob — завершённое задание (таблица completed).
//
// Строка появляется в той же транзакции, в которой исчезает строка Job,
// и после этого не меняется.
type CompletedJob struct {
	ID             uuid.UUID      `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	ParentJob      *uuid.UUID     `json:"parent_job,omitempty"`
	RootJob        *uuid.UUID     `json:"root_job,omitempty"`
	Kind           JobKind        `json:"kind"`
	RunnablePath   string         `json:"runnable_path,omitempty"`
	RunnableHash   string         `json:"runnable_hash,omitempty"`
	Language       string         `json:"language,omitempty"`
	RawFlow        *FlowValue     `json:"raw_flow,omitempty"`
	FlowStepID     string         `json:"flow_step_id,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	PermissionedAs string         `json:"permissioned_as,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	Tag            string         `json:"tag"`
	Priority       int            `json:"priority,omitempty"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`

	// DurationMs — от старта до завершения; 0, если задание не стартовало.
	DurationMs int64 `json:"duration_ms"`

	Success        bool   `json:"success"`
	Canceled       bool   `json:"canceled,omitempty"`
	CanceledBy     string `json:"canceled_by,omitempty"`
	CanceledReason string `json:"canceled_reason,omitempty"`

	// IsSkipped — задание не исполнялось (debounce, skip-модуль).
	IsSkipped bool `json:"is_skipped,omitempty"`

	// Result — полезная нагрузка результата; при ошибке {"error": {...}}.
	Result json.RawMessage `json:"result,omitempty"`

	FlowStatus *FlowStatus `json:"flow_status,omitempty"`

	Worker  string `json:"worker,omitempty"`
	MemPeak int    `json:"mem_peak,omitempty"`
	Visible bool   `json:"visible_to_owner"`

	TriggerKind   TriggerKind `json:"trigger_kind,omitempty"`
	Trigger       string      `json:"trigger,omitempty"`
	DebounceBatch *uuid.UUID  `json:"debounce_batch,omitempty"`

	// LogsRef — ссылка на логи (id задания в job_logs).
	LogsRef string `json:"logs_ref,omitempty"`
}

// Status возвращает терминальный статус.
func (c *CompletedJob) Status() JobStatus {
	switch {
	case c.Canceled:
		return JobStatusCanceled
	case c.IsSkipped:
		return JobStatusSkipped
	case c.Success:
		return JobStatusSuccess
	default:
		return JobStatusFailure
	}
}

// JobResult — терминальный результат, передаваемый в complete.
type JobResult struct {
	Success  bool            `json:"success"`
	Value    json.RawMessage `json:"value,omitempty"`
	Canceled bool            `json:"canceled,omitempty"`
	Skipped  bool            `json:"skipped,omitempty"`

	// FlowStatus — финальный снимок состояния (для flow).
	FlowStatus *FlowStatus `json:"-"`

	MemPeak int `json:"-"`
}

// Succeeded создаёт успешный результат.
func Succeeded(v json.RawMessage) JobResult {
	return JobResult{Success: true, Value: v}
}

// Failed создаёт результат с ошибкой.
func Failed(e JobError) JobResult {
	return JobResult{Value: e.Value()}
}

// CanceledResult создаёт результат отмены.
func CanceledResult(reason string) JobResult {
	return JobResult{
		Canceled: true,
		Value:    JobError{Name: "Canceled", Message: reason}.Value(),
	}
}

// SameAs сравнивает результат с уже записанным.
// JSON сравнивается семантически: порядок ключей не важен.
func (r JobResult) SameAs(c *CompletedJob) bool {
	if r.Success != c.Success || r.Canceled != c.Canceled || r.Skipped != c.IsSkipped {
		return false
	}
	return JSONEqual(r.Value, c.Result)
}

// JobError — ошибка выполнения задания.
type JobError struct {
	Name     string `json:"name"`
	Message  string `json:"message"`
	ModuleID string `json:"module_id,omitempty"`
}

// Value сериализует ошибку как {"error": {...}}.
func (e JobError) Value() json.RawMessage {
	b, _ := json.Marshal(map[string]JobError{"error": e})
	return b
}

// ParseJobError извлекает ошибку из результата. ok=false, если это не ошибка.
func ParseJobError(v json.RawMessage) (JobError, bool) {
	var wrapper struct {
		Error *JobError `json:"error"`
	}
	if err := json.Unmarshal(v, &wrapper); err != nil || wrapper.Error == nil {
		return JobError{}, false
	}
	return *wrapper.Error, true
}

// JSONEqual сравнивает два JSON-документа семантически.
// Пустое значение эквивалентно null.
func JSONEqual(a, b json.RawMessage) bool {
	a, b = bytes.TrimSpace(a), bytes.TrimSpace(b)
	if len(a) == 0 {
		a = json.RawMessage("null")
	}
	if len(b) == 0 {
		b = json.RawMessage("null")
	}
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// MustJSON сериализует значение; ошибка превращается в null.
func MustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// Complete строит терминальную запись задания.
func (j *Job) Complete(r JobResult, now time.Time) *CompletedJob {
	c := &CompletedJob{
		ID:             j.ID,
		WorkspaceID:    j.WorkspaceID,
		ParentJob:      j.ParentJob,
		RootJob:        j.RootJob,
		Kind:           j.Kind,
		RunnablePath:   j.RunnablePath,
		RunnableHash:   j.RunnableHash,
		Language:       j.Language,
		RawFlow:        j.RawFlow,
		FlowStepID:     j.FlowStepID,
		Args:           j.Args,
		PermissionedAs: j.PermissionedAs,
		CreatedBy:      j.CreatedBy,
		Tag:            j.Tag,
		Priority:       j.Priority,
		ScheduledFor:   j.ScheduledFor,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    now,
		Success:        r.Success && !r.Canceled,
		Canceled:       r.Canceled,
		CanceledBy:     j.CanceledBy,
		CanceledReason: j.CanceledReason,
		IsSkipped:      r.Skipped,
		Result:         r.Value,
		FlowStatus:     j.FlowStatus,
		Worker:         j.Worker,
		MemPeak:        j.MemPeak,
		Visible:        j.Visible,
		TriggerKind:    j.TriggerKind,
		Trigger:        j.Trigger,
		DebounceBatch:  j.DebounceBatch,
		LogsRef:        j.ID.String(),
	}
	if r.FlowStatus != nil {
		c.FlowStatus = r.FlowStatus
	}
	if r.MemPeak > c.MemPeak {
		c.MemPeak = r.MemPeak
	}
	if j.StartedAt != nil {
		c.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
	return c
}
