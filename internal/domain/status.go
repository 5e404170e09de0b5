package domain

// JobStatus — наблюдаемый статус задания.
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → SUCCESS
//	       ↘ SUSPENDED ↗      ↘ FAILURE
//	(любой нетерминальный) → CANCELED
//	(debounce) → SKIPPED
//
// Первые три — строка в очереди, остальные — строка в completed.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSuspended JobStatus = "SUSPENDED"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailure   JobStatus = "FAILURE"
	JobStatusCanceled  JobStatus = "CANCELED"
	JobStatusSkipped   JobStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailure, JobStatusCanceled, JobStatusSkipped:
		return true
	default:
		return false
	}
}

// ModuleState — состояние модуля внутри FlowStatus.
//
// Жизненный цикл:
//
//	WAITING_FOR_PRIOR_STEPS → IN_PROGRESS → SUCCESS
//	                        ↘ WAITING_FOR_EVENTS ↗  ↘ FAILURE
//	                        ↘ SKIPPED
type ModuleState string

const (
	// ModuleWaitingForPriorSteps — модуль ещё не начат.
	ModuleWaitingForPriorSteps ModuleState = "WAITING_FOR_PRIOR_STEPS"

	// ModuleInProgress — дочерние задания отправлены.
	ModuleInProgress ModuleState = "IN_PROGRESS"

	// ModuleWaitingForEvents — ждём сигнал resume.
	ModuleWaitingForEvents ModuleState = "WAITING_FOR_EVENTS"

	ModuleSuccess ModuleState = "SUCCESS"
	ModuleFailure ModuleState = "FAILURE"
	ModuleSkipped ModuleState = "SKIPPED"
)

// IsTerminal возвращает true, если модуль завершён.
func (s ModuleState) IsTerminal() bool {
	switch s {
	case ModuleSuccess, ModuleFailure, ModuleSkipped:
		return true
	default:
		return false
	}
}
