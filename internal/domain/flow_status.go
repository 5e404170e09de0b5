package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FlowStatus — состояние выполнения flow (JSON-колонка задания).
//
// Создаётся вместе с flow-заданием, меняется только воркером, который
// в данный момент держит flow, и замораживается при завершении.
// Хранит достаточно, чтобы любой процесс продолжил flow после падения.
type FlowStatus struct {
	// Step — индекс текущего модуля в FlowValue.Modules.
	Step int `json:"step"`

	// Pointer — путь текущего модуля в дереве (например "loop/2/inner").
	Pointer string `json:"pointer,omitempty"`

	// Modules — состояние каждого модуля верхнего уровня.
	Modules []ModuleStatus `json:"modules"`

	// FailureModule — состояние failure_module, если он запущен.
	FailureModule *ModuleStatus `json:"failure_module,omitempty"`

	// LeafJobs — дочерние задания, которые сейчас выполняются.
	LeafJobs []uuid.UUID `json:"leaf_jobs,omitempty"`

	// Suspend — ожидание сигнала resume.
	Suspend *SuspendState `json:"suspend,omitempty"`

	// SameWorker — воркер, к которому привязан flow.
	SameWorker string `json:"same_worker,omitempty"`

	// StoppedEarly — flow остановлен stop_after_if.
	StoppedEarly  bool `json:"stopped_early,omitempty"`
	SkipIfStopped bool `json:"skip_if_stopped,omitempty"`

	// Error — ошибка, приведшая к падению (для failure_module).
	Error *JobError `json:"error,omitempty"`
}

// ModuleStatus — состояние одного модуля.
type ModuleStatus struct {
	ID   string      `json:"id"`
	Type ModuleState `json:"type"`

	// Job — текущее дочернее задание листа.
	Job *uuid.UUID `json:"job,omitempty"`

	// Jobs — все дочерние задания модуля (итерации, ветки, попытки) по порядку.
	Jobs []uuid.UUID `json:"jobs,omitempty"`

	// Iterator — состояние цикла.
	Iterator *IteratorState `json:"iterator,omitempty"`

	// Branch — выбранная ветка branch-one (-1 — default).
	Branch *int `json:"branch,omitempty"`

	// Branches — дочернее задание для каждой ветки branch-all.
	Branches []uuid.UUID `json:"branches,omitempty"`

	// Attempts — сколько раз лист был отправлен (для retry).
	Attempts int `json:"attempts,omitempty"`

	// CacheKey — ключ кеша результата; Cached — результат взят из кеша.
	CacheKey string `json:"cache_key,omitempty"`
	Cached   bool   `json:"cached,omitempty"`

	// Result — результат модуля (после завершения).
	Result json.RawMessage `json:"result,omitempty"`

	// Approvals — полученные сигналы resume.
	Approvals []Approval `json:"approvals,omitempty"`

	// ResumePayload — payload одобрения, продолжившего flow (.Resume в выражениях).
	ResumePayload any `json:"resume_payload,omitempty"`

	StoppedEarly bool `json:"stopped_early,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IteratorState — состояние for/while-цикла.
type IteratorState struct {
	// Index — сколько итераций отправлено.
	Index int `json:"index"`

	// Items — элементы for-цикла (nil для while).
	Items []any `json:"items,omitempty"`

	// Results — результаты завершённых итераций, по порядку индекса.
	Results []json.RawMessage `json:"results,omitempty"`

	// Done — какие из отправленных итераций уже завершились.
	Done []bool `json:"done,omitempty"`
}

// Approval — полученный сигнал resume.
type Approval struct {
	ResumeID uuid.UUID `json:"resume_id"`
	Approver string    `json:"approver,omitempty"`
	Approved bool      `json:"approved"`
}

// SuspendState — flow ждёт сигнал.
type SuspendState struct {
	ModuleID       string    `json:"module_id"`
	Deadline       time.Time `json:"deadline"`
	RequiredEvents int       `json:"required_events"`
}

// NewFlowStatus создаёт начальное состояние для flow.
func NewFlowStatus(value *FlowValue) *FlowStatus {
	fs := &FlowStatus{
		Modules: make([]ModuleStatus, len(value.Modules)),
	}
	for i, m := range value.Modules {
		fs.Modules[i] = ModuleStatus{ID: m.ID, Type: ModuleWaitingForPriorSteps}
	}
	return fs
}

// Current возвращает состояние текущего модуля или nil, если модули закончились.
func (fs *FlowStatus) Current() *ModuleStatus {
	if fs.Step < 0 || fs.Step >= len(fs.Modules) {
		return nil
	}
	return &fs.Modules[fs.Step]
}

// CanDispatchMore — текущий модуль — for-цикл, у которого остались
// неотправленные итерации. Такой flow будят на каждое завершение итерации.
func (fs *FlowStatus) CanDispatchMore() bool {
	if fs.Error != nil {
		return false
	}
	ms := fs.Current()
	if ms == nil || ms.Type != ModuleInProgress || ms.Iterator == nil {
		return false
	}
	return ms.Iterator.Index < len(ms.Iterator.Items)
}

// Module ищет состояние модуля по ID.
func (fs *FlowStatus) Module(id string) *ModuleStatus {
	for i := range fs.Modules {
		if fs.Modules[i].ID == id {
			return &fs.Modules[i]
		}
	}
	if fs.FailureModule != nil && fs.FailureModule.ID == id {
		return fs.FailureModule
	}
	return nil
}

// LastResult возвращает результат последнего завершённого модуля.
func (fs *FlowStatus) LastResult() json.RawMessage {
	for i := len(fs.Modules) - 1; i >= 0; i-- {
		if fs.Modules[i].Type.IsTerminal() {
			return fs.Modules[i].Result
		}
	}
	return nil
}

// DropLeaf убирает завершившееся дочернее задание из LeafJobs.
func (fs *FlowStatus) DropLeaf(id uuid.UUID) {
	for i, l := range fs.LeafJobs {
		if l == id {
			fs.LeafJobs = append(fs.LeafJobs[:i], fs.LeafJobs[i+1:]...)
			return
		}
	}
}

// HasLeaf возвращает true, если id среди выполняющихся дочерних заданий.
func (fs *FlowStatus) HasLeaf(id uuid.UUID) bool {
	for _, l := range fs.LeafJobs {
		if l == id {
			return true
		}
	}
	return false
}
