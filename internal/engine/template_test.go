package engine

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/shaiso/flowq/internal/domain"
)

func TestNewContext(t *testing.T) {
	ctx := NewContext(nil)
	if ctx.Inputs == nil || ctx.Results == nil {
		t.Fatal("Inputs and Results should not be nil")
	}
	if ctx.Iter != nil {
		t.Error("Iter should be nil without iter argument")
	}

	ctx = NewContext(map[string]any{"iter": map[string]any{"value": "x", "index": 2.0}})
	if ctx.Iter == nil {
		t.Fatal("Iter should be set from iter argument")
	}
	if ctx.Iter.Value != "x" || ctx.Iter.Index != 2 {
		t.Errorf("unexpected iter: %+v", ctx.Iter)
	}
}

func TestContext_AddResult(t *testing.T) {
	ctx := NewContext(nil)
	ctx.AddResult("a", json.RawMessage(`{"status": "ok"}`))
	ctx.AddResult("b", json.RawMessage(`42`))

	if ctx.PreviousResult != 42.0 {
		t.Errorf("PreviousResult = %v, want 42", ctx.PreviousResult)
	}

	got, err := Render(`{{ .Results.a.status }}`, ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}

func TestRender(t *testing.T) {
	ctx := NewContext(map[string]any{"name": "test", "count": 42})

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain string", "hello", "hello"},
		{"input", "{{ .Inputs.name }}", "test"},
		{"upper", "{{ upper .Inputs.name }}", "TEST"},
		{"default", `{{ default "x" .Inputs.missing }}`, "x"},
		{"json", `{{ json .Inputs.name }}`, `"test"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .Inputs.x", NewContext(nil))
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestEval(t *testing.T) {
	ctx := NewContext(map[string]any{
		"n":     3.0,
		"items": []any{1.0, 2.0},
		"name":  "alice",
	})

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"number", "{{ .Inputs.n }}", 3.0},
		{"list", "{{ json .Inputs.items }}", []any{1.0, 2.0}},
		{"string stays string", "{{ .Inputs.name }}", "alice"},
		{"literal", "plain", "plain"},
		{"missing key", "{{ .Inputs.nope }}", nil},
		{"bool", `{{ eq .Inputs.name "alice" }}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.expr, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvalTransforms(t *testing.T) {
	ctx := NewContext(map[string]any{"user": "bob"})
	ctx.AddResult("fetch", json.RawMessage(`{"count": 7}`))

	args, err := EvalTransforms(map[string]domain.InputTransform{
		"fixed": domain.Static(map[string]any{"a": 1.0}),
		"user":  domain.Expr("{{ .Inputs.user }}"),
		"count": domain.Expr("{{ .PreviousResult.count }}"),
	}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{
		"fixed": map[string]any{"a": 1.0},
		"user":  "bob",
		"count": 7.0,
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("got %#v, want %#v", args, want)
	}
}

func TestRenderValue_Nested(t *testing.T) {
	ctx := NewContext(map[string]any{"env": "prod"})

	got, err := RenderValue(map[string]any{
		"target": "{{ .Inputs.env }}",
		"list":   []any{"{{ .Inputs.env }}", 1},
	}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{"target": "prod", "list": []any{"prod", 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestRenderCondition(t *testing.T) {
	ctx := NewContext(map[string]any{"env": "prod"})
	ctx.AddResult("check", json.RawMessage(`{"status": "ok", "retries": 2}`))

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"empty is true", "", true},
		{"input equality", `eq .Inputs.env "prod"`, true},
		{"input inequality", `eq .Inputs.env "dev"`, false},
		{"previous result", `eq .PreviousResult.status "ok"`, true},
		{"numeric compare", `gt (num .Results.check.retries) 1.0`, true},
		{"missing field is falsy", `.Inputs.missing`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderCondition(tt.condition, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_WithResult(t *testing.T) {
	ctx := NewContext(nil)
	stop, err := RenderCondition(`eq .Result.done true`, ctx.WithResult(json.RawMessage(`{"done": true}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stop {
		t.Error("expected condition to be true")
	}
	if ctx.Result != nil {
		t.Error("WithResult must not modify the original context")
	}
}

func TestCheckCondition(t *testing.T) {
	if err := CheckCondition(`eq .Inputs.a "b"`); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CheckCondition(`(`); err == nil {
		t.Error("expected parse error")
	}
	if err := CheckCondition(`undefinedFunc .Inputs.a`); err == nil {
		t.Error("expected error for undefined function")
	}
}

func TestContext_Env(t *testing.T) {
	ctx := NewContext(nil)
	ctx.SetEnv("FLOWQ_WORKSPACE", "acme")

	got, err := Render(`ws={{ .Env.FLOWQ_WORKSPACE }}`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ws=acme" {
		t.Errorf("Render() = %q, want %q", got, "ws=acme")
	}
}
