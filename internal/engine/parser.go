package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaiso/flowq/internal/domain"
)

// validToolKinds — допустимые виды инструментов агента.
var validToolKinds = map[string]bool{
	"script": true,
	"flow":   true,
	"http":   true,
}

// ParseFlow разбирает FlowValue из JSON и валидирует его.
func ParseFlow(data []byte) (*domain.FlowValue, error) {
	var value domain.FlowValue
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, NewValidationError("", "", fmt.Sprintf("decode flow: %v", err), nil)
	}
	if err := Validate(&value); err != nil {
		return nil, err
	}
	return &value, nil
}

// Validate выполняет полную валидацию FlowValue.
//
// Все ошибки, которые могли бы всплыть при продвижении flow, ловятся здесь:
// - Наличие модулей
// - Уникальность ID модулей во всём дереве (включая вложенные)
// - Наличие value и цели у листьев
// - Синтаксис всех выражений (input transforms, предикаты, итераторы)
// - Корректность модификаторов
func Validate(value *domain.FlowValue) error {
	if value == nil || len(value.Modules) == 0 {
		return NewValidationError("", "modules", "flow has no modules", ErrEmptyModules)
	}

	ids := make(map[string]bool)
	if err := validateModules(value.Modules, ids); err != nil {
		return err
	}

	if value.FailureModule != nil {
		if err := ValidateModule(value.FailureModule, ids); err != nil {
			return err
		}
	}

	return nil
}

func validateModules(modules []domain.FlowModule, ids map[string]bool) error {
	for i := range modules {
		if err := ValidateModule(&modules[i], ids); err != nil {
			return err
		}
	}
	return nil
}

func validateBody(moduleID, field string, modules []domain.FlowModule, ids map[string]bool) error {
	if len(modules) == 0 {
		return NewValidationError(moduleID, field, field+" has no modules", ErrEmptyBody)
	}
	return validateModules(modules, ids)
}

// ValidateModule валидирует один модуль и его вложенные модули.
// ids — уже встреченные ID (для проверки уникальности).
func ValidateModule(m *domain.FlowModule, ids map[string]bool) error {
	if m.ID == "" {
		return NewValidationError("", "id", "module has empty ID", ErrEmptyModuleID)
	}
	if strings.Contains(m.ID, "/") {
		return NewValidationError(m.ID, "id", "module ID must not contain '/'", ErrEmptyModuleID)
	}
	if ids[m.ID] {
		return NewValidationError(m.ID, "id",
			fmt.Sprintf("duplicate module ID: %s", m.ID), ErrDuplicateModuleID)
	}
	ids[m.ID] = true

	if err := validateModifiers(m); err != nil {
		return err
	}

	switch v := m.Value.(type) {
	case nil:
		return NewValidationError(m.ID, "value", "module has no value", ErrMissingValue)

	case *domain.ScriptModule:
		if v.Path == "" && v.Hash == "" {
			return NewValidationError(m.ID, "value.path", "script module needs path or hash", ErrMissingTarget)
		}
		return validateTransforms(m.ID, v.InputTransforms)

	case *domain.RawScriptModule:
		if v.Language == "" || v.Content == "" {
			return NewValidationError(m.ID, "value.content", "rawscript module needs language and content", ErrMissingTarget)
		}
		return validateTransforms(m.ID, v.InputTransforms)

	case *domain.SubFlowModule:
		if v.Path == "" {
			return NewValidationError(m.ID, "value.path", "flow module needs path", ErrMissingTarget)
		}
		return validateTransforms(m.ID, v.InputTransforms)

	case *domain.ForLoopModule:
		if err := validateTransform(m.ID, "iterator", v.Iterator); err != nil {
			return err
		}
		if v.Iterator.Type == domain.InputStatic {
			if _, ok := v.Iterator.Value.([]any); !ok && v.Iterator.Value != nil {
				return NewValidationError(m.ID, "iterator", "static iterator must be a list", ErrBadExpression)
			}
		}
		if v.Parallelism < 0 {
			return NewValidationError(m.ID, "parallelism", "parallelism must be >= 0", ErrBadModifier)
		}
		return validateBody(m.ID, "modules", v.Modules, ids)

	case *domain.WhileLoopModule:
		if err := checkCondition(m.ID, "condition", v.Condition); err != nil {
			return err
		}
		if v.MaxIterations < 0 {
			return NewValidationError(m.ID, "max_iterations", "max_iterations must be >= 0", ErrBadModifier)
		}
		return validateBody(m.ID, "modules", v.Modules, ids)

	case *domain.BranchAllModule:
		if len(v.Branches) == 0 {
			return NewValidationError(m.ID, "branches", "branchall has no branches", ErrEmptyBody)
		}
		for i, b := range v.Branches {
			if err := validateBody(m.ID, fmt.Sprintf("branches[%d]", i), b.Modules, ids); err != nil {
				return err
			}
		}
		return nil

	case *domain.BranchOneModule:
		for i, b := range v.Branches {
			field := fmt.Sprintf("branches[%d]", i)
			if strings.TrimSpace(b.Expr) == "" {
				return NewValidationError(m.ID, field+".expr", "branch has empty expr", ErrBadExpression)
			}
			if err := checkCondition(m.ID, field+".expr", b.Expr); err != nil {
				return err
			}
			if err := validateBody(m.ID, field, b.Modules, ids); err != nil {
				return err
			}
		}
		// default может быть пустым: модуль тогда пропускается
		return validateModules(v.Default, ids)

	case *domain.AIAgentModule:
		toolIDs := make(map[string]bool, len(v.Tools))
		for _, tool := range v.Tools {
			if tool.ID == "" || toolIDs[tool.ID] {
				return NewValidationError(m.ID, "tools", fmt.Sprintf("tool id %q is empty or duplicated", tool.ID), ErrBadModifier)
			}
			toolIDs[tool.ID] = true
			if !validToolKinds[tool.Kind] {
				return NewValidationError(m.ID, "tools", fmt.Sprintf("unknown tool kind %q", tool.Kind), ErrBadModifier)
			}
			if tool.Kind != "http" && tool.Path == "" {
				return NewValidationError(m.ID, "tools", fmt.Sprintf("tool %s needs path", tool.ID), ErrMissingTarget)
			}
		}
		return validateTransforms(m.ID, v.InputTransforms)

	case *domain.IdentityModule:
		return validateTransforms(m.ID, v.InputTransforms)

	default:
		return NewValidationError(m.ID, "value", fmt.Sprintf("unsupported module type %T", v), ErrMissingValue)
	}
}

func validateModifiers(m *domain.FlowModule) error {
	if m.CacheTTL < 0 {
		return NewValidationError(m.ID, "cache_ttl", "cache_ttl must be >= 0", ErrBadModifier)
	}
	if m.Sleep < 0 {
		return NewValidationError(m.ID, "sleep", "sleep must be >= 0", ErrBadModifier)
	}
	if m.TimeoutSec < 0 {
		return NewValidationError(m.ID, "timeout_s", "timeout must be >= 0", ErrBadModifier)
	}

	if r := m.Retry; r != nil {
		if r.MaxAttempts < 0 || r.InitialDelayMs < 0 || r.MaxDelayMs < 0 {
			return NewValidationError(m.ID, "retry", "retry values must be >= 0", ErrBadModifier)
		}
		switch r.Backoff {
		case "", "fixed", "exponential":
		default:
			return NewValidationError(m.ID, "retry.backoff", fmt.Sprintf("unknown backoff %q", r.Backoff), ErrBadModifier)
		}
	}

	if s := m.Suspend; s != nil {
		if s.RequiredEvents < 0 {
			return NewValidationError(m.ID, "suspend.required_events", "required_events must be >= 0", ErrBadModifier)
		}
		if s.TimeoutSec <= 0 {
			return NewValidationError(m.ID, "suspend.timeout_s", "suspend needs a positive timeout", ErrBadModifier)
		}
	}

	if m.SkipIf != nil {
		if strings.TrimSpace(m.SkipIf.Expr) == "" {
			return NewValidationError(m.ID, "skip_if.expr", "skip_if has empty expr", ErrBadExpression)
		}
		if err := checkCondition(m.ID, "skip_if.expr", m.SkipIf.Expr); err != nil {
			return err
		}
	}

	if m.StopAfterIf != nil {
		if strings.TrimSpace(m.StopAfterIf.Expr) == "" {
			return NewValidationError(m.ID, "stop_after_if.expr", "stop_after_if has empty expr", ErrBadExpression)
		}
		if err := checkCondition(m.ID, "stop_after_if.expr", m.StopAfterIf.Expr); err != nil {
			return err
		}
	}

	return nil
}

func validateTransforms(moduleID string, transforms map[string]domain.InputTransform) error {
	for name, t := range transforms {
		if err := validateTransform(moduleID, "input_transforms."+name, t); err != nil {
			return err
		}
	}
	return nil
}

func validateTransform(moduleID, field string, t domain.InputTransform) error {
	switch t.Type {
	case domain.InputStatic:
		return nil
	case domain.InputExpr:
		if strings.TrimSpace(t.Expr) == "" {
			return NewValidationError(moduleID, field, "empty expression", ErrBadExpression)
		}
		if err := CheckTemplate(t.Expr); err != nil {
			return NewValidationError(moduleID, field, err.Error(), ErrBadExpression)
		}
		return nil
	default:
		return NewValidationError(moduleID, field, fmt.Sprintf("unknown transform type %q", t.Type), ErrBadExpression)
	}
}

func checkCondition(moduleID, field, cond string) error {
	if err := CheckCondition(cond); err != nil {
		return NewValidationError(moduleID, field, err.Error(), ErrBadExpression)
	}
	return nil
}
