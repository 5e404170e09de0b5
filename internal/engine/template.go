package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/flowq/internal/domain"
)

// Context — контекст вычисления выражений flow.
//
// Используется в Go templates для доступа к данным:
//   - {{ .Inputs.param_name }}       — аргументы flow
//   - {{ .Results.module_id.field }} — результаты завершённых модулей
//   - {{ .PreviousResult }}          — результат предыдущего модуля
//   - {{ .Iter.Value }}, {{ .Iter.Index }} — текущая итерация цикла
//   - {{ .Result }}                  — результат модуля (для stop_after_if)
//   - {{ .Env.FLOWQ_WORKSPACE }}     — переменные окружения задания
//   - {{ .Resume }}                  — payload последнего сигнала resume
type Context struct {
	Inputs         map[string]any    `json:"inputs"`
	Results        map[string]any    `json:"results"`
	PreviousResult any               `json:"previous_result"`
	Iter           *IterContext      `json:"iter,omitempty"`
	Result         any               `json:"result,omitempty"`
	Resume         any               `json:"resume,omitempty"`
	Env            map[string]string `json:"env"`
}

// IterContext — текущая итерация цикла.
type IterContext struct {
	Value any `json:"value"`
	Index int `json:"index"`
}

// NewContext создаёт новый контекст с входными параметрами.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	ctx := &Context{
		Inputs:  inputs,
		Results: make(map[string]any),
		Env:     make(map[string]string),
	}
	if iter, ok := inputs["iter"].(map[string]any); ok {
		ctx.Iter = &IterContext{Value: iter["value"]}
		if idx, ok := iter["index"].(float64); ok {
			ctx.Iter.Index = int(idx)
		} else if idx, ok := iter["index"].(int); ok {
			ctx.Iter.Index = idx
		}
	}
	return ctx
}

// AddResult добавляет результат модуля и делает его PreviousResult.
func (c *Context) AddResult(moduleID string, raw json.RawMessage) {
	v := decodeRaw(raw)
	c.Results[moduleID] = v
	c.PreviousResult = v
}

// WithResult возвращает копию контекста с заполненным .Result.
func (c *Context) WithResult(raw json.RawMessage) *Context {
	cp := *c
	cp.Result = decodeRaw(raw)
	return &cp
}

// SetEnv устанавливает переменную окружения.
func (c *Context) SetEnv(key, value string) {
	c.Env[key] = value
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// fromJSON — парсит JSON строку
	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	// num — приводит значение к float64 (числа из JSON всегда float64)
	"num": func(v any) float64 {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		default:
			return 0
		}
	},

	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

func parse(tmpl string) (*template.Template, error) {
	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return t, nil
}

// Render рендерит строковый шаблон с контекстом.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil

	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// Eval вычисляет выражение и возвращает типизированное значение.
//
// Результат рендеринга разбирается как JSON, если это возможно:
// "3" → 3, "[1,2]" → []any{1,2}, "true" → true. Иначе возвращается строка.
func Eval(expr string, ctx *Context) (any, error) {
	out, err := Render(expr, ctx)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" || trimmed == "<no value>" {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, nil
	}
	return out, nil
}

// EvalTransform вычисляет один InputTransform.
func EvalTransform(t domain.InputTransform, ctx *Context) (any, error) {
	switch t.Type {
	case domain.InputExpr:
		return Eval(t.Expr, ctx)
	default:
		return t.Value, nil
	}
}

// EvalTransforms вычисляет аргументы дочернего задания.
func EvalTransforms(transforms map[string]domain.InputTransform, ctx *Context) (map[string]any, error) {
	args := make(map[string]any, len(transforms))
	for name, t := range transforms {
		v, err := EvalTransform(t, ctx)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		args[name] = v
	}
	return args, nil
}

// RenderCondition рендерит и вычисляет условие.
// Пустое условие истинно.
func RenderCondition(condition string, ctx *Context) (bool, error) {
	if condition == "" {
		return true, nil
	}

	result, err := Render(conditionTemplate(condition), ctx)
	if err != nil {
		return false, err
	}

	return result == "true", nil
}

func conditionTemplate(condition string) string {
	return fmt.Sprintf(`{{if %s}}true{{else}}false{{end}}`, condition)
}

// CheckTemplate проверяет, что шаблон разбирается.
func CheckTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	_, err := parse(tmpl)
	return err
}

// CheckCondition проверяет, что условие разбирается.
func CheckCondition(condition string) error {
	if condition == "" {
		return nil
	}
	_, err := parse(conditionTemplate(condition))
	return err
}
