package domain

import (
	"encoding/json"
	"fmt"
)

// FlowValue — определение flow: дерево модулей.
//
// Это "программа", которую продвигает Flow State Machine.
// Определение копируется в задание при постановке в очередь,
// поэтому изменение зарегистрированного flow не влияет на идущие запуски.
type FlowValue struct {
	// Modules — модули, выполняемые последовательно.
	Modules []FlowModule `json:"modules"`

	// FailureModule — выполняется при падении flow с входом {error, module_id}.
	// Flow всё равно завершается с ошибкой.
	FailureModule *FlowModule `json:"failure_module,omitempty"`

	// SameWorker — все дочерние задания берёт воркер, продвигающий flow.
	SameWorker bool `json:"same_worker,omitempty"`
}

// FlowModule — модуль flow с модификаторами.
//
// Модификаторы проверяются перед отправкой дочернего задания:
// mock → skip_if → cache_ttl → sleep → dispatch → (retry) → stop_after_if → suspend.
type FlowModule struct {
	// ID — уникальный в пределах flow идентификатор модуля.
	ID string `json:"id"`

	Summary string `json:"summary,omitempty"`

	// Value — вид модуля (закрытый набор вариантов, см. ModuleValue).
	Value ModuleValue `json:"-"`

	// CacheTTL — время жизни кеша результата в секундах. 0 — без кеша.
	CacheTTL int `json:"cache_ttl,omitempty"`

	// Mock — подменить выполнение фиксированным значением.
	Mock *MockSettings `json:"mock,omitempty"`

	// SkipIf — пропустить модуль, если выражение истинно.
	SkipIf *SkipIf `json:"skip_if,omitempty"`

	// Retry — повтор дочернего задания при ошибке.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// StopAfterIf — остановить flow (или охватывающий цикл) после модуля.
	StopAfterIf *StopAfterIf `json:"stop_after_if,omitempty"`

	// Sleep — задержка перед отправкой, в секундах.
	Sleep int `json:"sleep,omitempty"`

	// Suspend — после выполнения ждать внешний сигнал resume.
	Suspend *SuspendSettings `json:"suspend,omitempty"`

	// SameWorker — дочернее задание берёт тот же воркер, что продвигает flow.
	SameWorker bool `json:"same_worker,omitempty"`

	// ContinueOnError — ошибка становится результатом модуля, flow продолжается.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	TimeoutSec int `json:"timeout_s,omitempty"`
	Priority   int `json:"priority,omitempty"`
}

// Kind возвращает вид модуля ("" если Value не задан).
func (m *FlowModule) Kind() ModuleKind {
	if m.Value == nil {
		return ""
	}
	return m.Value.Kind()
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`
}

// MockSettings — подмена результата модуля.
type MockSettings struct {
	Enabled     bool `json:"enabled"`
	ReturnValue any  `json:"return_value,omitempty"`
}

// SkipIf — условие пропуска модуля.
type SkipIf struct {
	Expr string `json:"expr"`
}

// StopAfterIf — условие ранней остановки.
type StopAfterIf struct {
	// Expr — предикат над результатом модуля (.Result).
	Expr string `json:"expr"`

	// SkipIfStopped — пометить flow как пропущенный, а не успешный.
	SkipIfStopped bool `json:"skip_if_stopped,omitempty"`

	// ErrorMessage — если задано, остановка считается ошибкой с этим текстом.
	ErrorMessage string `json:"error_message,omitempty"`
}

// SuspendSettings — ожидание внешнего сигнала.
type SuspendSettings struct {
	// RequiredEvents — сколько одобрений нужно для продолжения. По умолчанию 1.
	RequiredEvents int `json:"required_events,omitempty"`

	// TimeoutSec — дедлайн ожидания.
	TimeoutSec int `json:"timeout_s"`

	// ContinueOnTimeout — по таймауту продолжить, а не упасть.
	ContinueOnTimeout bool `json:"continue_on_timeout,omitempty"`
}

// InputTransformType — способ вычисления входного аргумента.
type InputTransformType string

const (
	// InputStatic — значение как есть.
	InputStatic InputTransformType = "static"

	// InputExpr — Go template над контекстом flow.
	InputExpr InputTransformType = "expr"
)

// InputTransform — вычисление одного аргумента дочернего задания.
type InputTransform struct {
	Type  InputTransformType `json:"type"`
	Value any                `json:"value,omitempty"`
	Expr  string             `json:"expr,omitempty"`
}

// Static создаёт статический InputTransform.
func Static(v any) InputTransform {
	return InputTransform{Type: InputStatic, Value: v}
}

// Expr создаёт InputTransform-выражение.
func Expr(e string) InputTransform {
	return InputTransform{Type: InputExpr, Expr: e}
}

// ModuleKind — дискриминатор варианта модуля в JSON ("type").
type ModuleKind string

const (
	ModuleKindScript    ModuleKind = "script"
	ModuleKindRawScript ModuleKind = "rawscript"
	ModuleKindFlow      ModuleKind = "flow"
	ModuleKindForLoop   ModuleKind = "forloopflow"
	ModuleKindWhileLoop ModuleKind = "whileloopflow"
	ModuleKindBranchAll ModuleKind = "branchall"
	ModuleKindBranchOne ModuleKind = "branchone"
	ModuleKindAIAgent   ModuleKind = "aiagent"
	ModuleKindIdentity  ModuleKind = "identity"
)

// ModuleValue — закрытый набор вариантов модуля.
//
// Реализуется только типами этого пакета; Flow State Machine
// перебирает их исчерпывающим type switch.
type ModuleValue interface {
	Kind() ModuleKind
	isModuleValue()
}

// ScriptModule — лист: зарегистрированный скрипт.
type ScriptModule struct {
	Path            string                    `json:"path,omitempty"`
	Hash            string                    `json:"hash,omitempty"`
	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`
	TagOverride     string                    `json:"tag_override,omitempty"`
}

// RawScriptModule — лист: inline-код.
type RawScriptModule struct {
	Language        string                    `json:"language"`
	Content         string                    `json:"content"`
	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`
	Tag             string                    `json:"tag,omitempty"`
}

// SubFlowModule — лист: вложенный зарегистрированный flow.
type SubFlowModule struct {
	Path            string                    `json:"path"`
	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`
}

// ForLoopModule — цикл по элементам итератора.
// Каждая итерация — дочернее flownode-задание с аргументом iter {value, index}.
type ForLoopModule struct {
	Iterator     InputTransform `json:"iterator"`
	Modules      []FlowModule   `json:"modules"`
	SkipFailures bool           `json:"skip_failures,omitempty"`

	// Parallel — отправлять итерации сразу, не дожидаясь предыдущих.
	// Parallelism ограничивает число одновременно идущих итераций (0 — без ограничения).
	Parallel    bool `json:"parallel,omitempty"`
	Parallelism int  `json:"parallelism,omitempty"`
}

// WhileLoopModule — цикл до ложного условия, ранней остановки или MaxIterations.
type WhileLoopModule struct {
	Modules []FlowModule `json:"modules"`

	// Condition — предикат, проверяемый перед каждой итерацией. Пустой — true.
	Condition string `json:"condition,omitempty"`

	// MaxIterations — предохранитель. 0 — значение по умолчанию.
	MaxIterations int  `json:"max_iterations,omitempty"`
	SkipFailures  bool `json:"skip_failures,omitempty"`
}

// BranchAllModule — все ветки параллельно, ждём все.
type BranchAllModule struct {
	Branches []BranchAllBranch `json:"branches"`
}

// BranchAllBranch — ветка branch-all.
type BranchAllBranch struct {
	Summary     string       `json:"summary,omitempty"`
	Modules     []FlowModule `json:"modules"`
	SkipFailure bool         `json:"skip_failure,omitempty"`
}

// BranchOneModule — первая ветка с истинным предикатом или default.
type BranchOneModule struct {
	Branches []BranchOneBranch `json:"branches"`
	Default  []FlowModule      `json:"default"`
}

// BranchOneBranch — ветка branch-one.
type BranchOneBranch struct {
	Summary string       `json:"summary,omitempty"`
	Expr    string       `json:"expr"`
	Modules []FlowModule `json:"modules"`
}

// AIAgentModule — лист: агент, который сам вызывает объявленные инструменты.
type AIAgentModule struct {
	Tools           []AgentTool               `json:"tools,omitempty"`
	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`

	// MaxToolCalls — ограничение для адаптера.
	MaxToolCalls int `json:"max_tool_calls,omitempty"`
}

// AgentTool — инструмент агента.
type AgentTool struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`              // script | flow | http
	Path    string `json:"path,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// IdentityModule — результат равен входу.
type IdentityModule struct {
	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`
}

func (*ScriptModule) Kind() ModuleKind    { return ModuleKindScript }
func (*RawScriptModule) Kind() ModuleKind { return ModuleKindRawScript }
func (*SubFlowModule) Kind() ModuleKind   { return ModuleKindFlow }
func (*ForLoopModule) Kind() ModuleKind   { return ModuleKindForLoop }
func (*WhileLoopModule) Kind() ModuleKind { return ModuleKindWhileLoop }
func (*BranchAllModule) Kind() ModuleKind { return ModuleKindBranchAll }
func (*BranchOneModule) Kind() ModuleKind { return ModuleKindBranchOne }
func (*AIAgentModule) Kind() ModuleKind   { return ModuleKindAIAgent }
func (*IdentityModule) Kind() ModuleKind  { return ModuleKindIdentity }

func (*ScriptModule) isModuleValue()    {}
func (*RawScriptModule) isModuleValue() {}
func (*SubFlowModule) isModuleValue()   {}
func (*ForLoopModule) isModuleValue()   {}
func (*WhileLoopModule) isModuleValue() {}
func (*BranchAllModule) isModuleValue() {}
func (*BranchOneModule) isModuleValue() {}
func (*AIAgentModule) isModuleValue()   {}
func (*IdentityModule) isModuleValue()  {}

// flowModuleJSON — FlowModule без методов (для (Un)MarshalJSON).
type flowModuleJSON FlowModule

// MarshalJSON сериализует модуль, добавляя "type" в value.
func (m FlowModule) MarshalJSON() ([]byte, error) {
	value, err := MarshalModuleValue(m.Value)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", m.ID, err)
	}
	return json.Marshal(struct {
		flowModuleJSON
		Value json.RawMessage `json:"value"`
	}{flowModuleJSON(m), value})
}

// UnmarshalJSON разбирает модуль по дискриминатору value.type.
func (m *FlowModule) UnmarshalJSON(data []byte) error {
	aux := struct {
		*flowModuleJSON
		Value json.RawMessage `json:"value"`
	}{flowModuleJSON: (*flowModuleJSON)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	value, err := UnmarshalModuleValue(aux.Value)
	if err != nil {
		return fmt.Errorf("module %s: %w", m.ID, err)
	}
	m.Value = value
	return nil
}

// MarshalModuleValue сериализует вариант вместе с полем "type".
func MarshalModuleValue(v ModuleValue) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	kind, _ := json.Marshal(v.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// UnmarshalModuleValue восстанавливает вариант по полю "type".
// Пустое значение или null даёт nil (проверяется валидацией flow).
func UnmarshalModuleValue(data json.RawMessage) (ModuleValue, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var head struct {
		Type ModuleKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var v ModuleValue
	switch head.Type {
	case ModuleKindScript:
		v = &ScriptModule{}
	case ModuleKindRawScript:
		v = &RawScriptModule{}
	case ModuleKindFlow:
		v = &SubFlowModule{}
	case ModuleKindForLoop:
		v = &ForLoopModule{}
	case ModuleKindWhileLoop:
		v = &WhileLoopModule{}
	case ModuleKindBranchAll:
		v = &BranchAllModule{}
	case ModuleKindBranchOne:
		v = &BranchOneModule{}
	case ModuleKindAIAgent:
		v = &AIAgentModule{}
	case ModuleKindIdentity:
		v = &IdentityModule{}
	default:
		return nil, fmt.Errorf("unknown module type %q", head.Type)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s module: %w", head.Type, err)
	}
	return v, nil
}
