package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFlowModule_JSONVariants(t *testing.T) {
	data := []byte(`{
		"modules": [
			{"id": "a", "value": {"type": "script", "path": "f/a", "input_transforms": {"x": {"type": "expr", "expr": "{{ .Inputs.x }}"}}}},
			{"id": "b", "value": {"type": "rawscript", "language": "bash", "content": "echo hi"}},
			{"id": "c", "value": {"type": "flow", "path": "f/sub"}},
			{"id": "d", "value": {"type": "forloopflow", "iterator": {"type": "static", "value": [1, 2]}, "modules": [], "parallel": true}},
			{"id": "e", "value": {"type": "whileloopflow", "modules": [], "max_iterations": 5}},
			{"id": "f", "value": {"type": "branchall", "branches": [{"modules": [], "skip_failure": true}]}},
			{"id": "g", "value": {"type": "branchone", "branches": [{"expr": "true", "modules": []}], "default": []}},
			{"id": "h", "value": {"type": "aiagent", "tools": [{"id": "t", "kind": "http"}]}},
			{"id": "i", "value": {"type": "identity"}, "mock": {"enabled": true, "return_value": 1}}
		],
		"same_worker": true
	}`)

	var value FlowValue
	if err := json.Unmarshal(data, &value); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := []ModuleKind{
		ModuleKindScript, ModuleKindRawScript, ModuleKindFlow, ModuleKindForLoop, ModuleKindWhileLoop,
		ModuleKindBranchAll, ModuleKindBranchOne, ModuleKindAIAgent, ModuleKindIdentity,
	}
	if len(value.Modules) != len(want) {
		t.Fatalf("expected %d modules, got %d", len(want), len(value.Modules))
	}
	for i, kind := range want {
		if got := value.Modules[i].Kind(); got != kind {
			t.Errorf("module %d: kind = %q, want %q", i, got, kind)
		}
	}

	script := value.Modules[0].Value.(*ScriptModule)
	if script.InputTransforms["x"].Type != InputExpr {
		t.Errorf("expected expr transform, got %+v", script.InputTransforms["x"])
	}
	if !value.Modules[3].Value.(*ForLoopModule).Parallel {
		t.Error("parallel flag lost")
	}
	if value.Modules[8].Mock == nil || !value.Modules[8].Mock.Enabled {
		t.Error("mock modifier lost")
	}
	if !value.SameWorker {
		t.Error("same_worker lost")
	}
}

func TestFlowModule_MarshalKeepsType(t *testing.T) {
	m := FlowModule{ID: "a", Value: &SubFlowModule{Path: "f/sub"}}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"type":"flow"`) {
		t.Errorf("type discriminator missing: %s", data)
	}

	var back FlowModule
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sub, ok := back.Value.(*SubFlowModule)
	if !ok || sub.Path != "f/sub" {
		t.Errorf("unexpected value: %#v", back.Value)
	}
}

func TestFlowModule_UnknownType(t *testing.T) {
	var m FlowModule
	err := json.Unmarshal([]byte(`{"id": "a", "value": {"type": "bogus"}}`), &m)
	if err == nil {
		t.Fatal("expected error for unknown module type")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error should mention the type: %v", err)
	}
}

func TestFlowModule_NullValue(t *testing.T) {
	var m FlowModule
	if err := json.Unmarshal([]byte(`{"id": "a"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Value != nil {
		t.Errorf("expected nil value, got %#v", m.Value)
	}
	if m.Kind() != "" {
		t.Errorf("expected empty kind, got %q", m.Kind())
	}
}

func TestFlowStatus(t *testing.T) {
	value := &FlowValue{Modules: []FlowModule{
		{ID: "a", Value: &IdentityModule{}},
		{ID: "b", Value: &IdentityModule{}},
	}}
	fs := NewFlowStatus(value)

	if fs.Current().ID != "a" {
		t.Errorf("current = %q, want a", fs.Current().ID)
	}
	if fs.LastResult() != nil {
		t.Error("no module finished yet")
	}

	fs.Modules[0].Type = ModuleSuccess
	fs.Modules[0].Result = json.RawMessage(`1`)
	fs.Step = 1
	if string(fs.LastResult()) != "1" {
		t.Errorf("last result = %s", fs.LastResult())
	}

	fs.Step = 2
	if fs.Current() != nil {
		t.Error("current should be nil past the last module")
	}
	if fs.Module("b") == nil || fs.Module("zzz") != nil {
		t.Error("Module lookup is wrong")
	}
}

func TestFlowStatus_CanDispatchMore(t *testing.T) {
	loop := func(index, items int) *FlowStatus {
		return &FlowStatus{Modules: []ModuleStatus{{
			ID:       "loop",
			Type:     ModuleInProgress,
			Iterator: &IteratorState{Index: index, Items: make([]any, items)},
		}}}
	}

	tests := []struct {
		name string
		fs   *FlowStatus
		want bool
	}{
		{"items left", loop(2, 3), true},
		{"all dispatched", loop(3, 3), false},
		{"while loop", &FlowStatus{Modules: []ModuleStatus{{ID: "w", Type: ModuleInProgress, Iterator: &IteratorState{Index: 1}}}}, false},
		{"leaf", &FlowStatus{Modules: []ModuleStatus{{ID: "a", Type: ModuleInProgress}}}, false},
		{"past last module", &FlowStatus{Step: 1, Modules: []ModuleStatus{{ID: "a"}}}, false},
		{"flow failed", func() *FlowStatus { fs := loop(1, 3); fs.Error = &JobError{Name: "x"}; return fs }(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fs.CanDispatchMore(); got != tt.want {
				t.Errorf("CanDispatchMore() = %v, want %v", got, tt.want)
			}
		})
	}
}
