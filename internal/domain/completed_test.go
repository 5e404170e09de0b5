package domain

import (
	"encoding/json"
	"testing"
)

func TestJSONEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", `{"a":1}`, `{"a":1}`, true},
		{"key order", `{"a":1,"b":[1,2]}`, `{"b":[1,2],"a":1}`, true},
		{"whitespace", `{"a": 1}`, `{"a":1}`, true},
		{"empty is null", ``, `null`, true},
		{"different value", `{"a":1}`, `{"a":2}`, false},
		{"array order matters", `[1,2]`, `[2,1]`, false},
		{"invalid json", `{`, `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JSONEqual(json.RawMessage(tt.a), json.RawMessage(tt.b)); got != tt.want {
				t.Errorf("JSONEqual(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestJobResult_SameAs(t *testing.T) {
	done := &CompletedJob{Success: true, Result: json.RawMessage(`{"x":1,"y":2}`)}

	if !Succeeded(json.RawMessage(`{"y":2,"x":1}`)).SameAs(done) {
		t.Error("same payload with different key order should match")
	}
	if Succeeded(json.RawMessage(`{"x":1}`)).SameAs(done) {
		t.Error("different payload should not match")
	}
	if Failed(JobError{Name: "E", Message: "m"}).SameAs(done) {
		t.Error("failure should not match a success")
	}
}

func TestCompletedJob_Status(t *testing.T) {
	tests := []struct {
		job  CompletedJob
		want JobStatus
	}{
		{CompletedJob{Success: true}, JobStatusSuccess},
		{CompletedJob{}, JobStatusFailure},
		{CompletedJob{Canceled: true}, JobStatusCanceled},
		{CompletedJob{IsSkipped: true, Success: true}, JobStatusSkipped},
	}
	for _, tt := range tests {
		if got := tt.job.Status(); got != tt.want {
			t.Errorf("status = %s, want %s", got, tt.want)
		}
		if !tt.job.Status().IsTerminal() {
			t.Errorf("%s should be terminal", tt.want)
		}
	}
}

func TestParseJobError(t *testing.T) {
	v := JobError{Name: "ChildFailure", Message: "boom", ModuleID: "a"}.Value()

	got, ok := ParseJobError(v)
	if !ok {
		t.Fatal("expected error payload")
	}
	if got.Name != "ChildFailure" || got.ModuleID != "a" {
		t.Errorf("unexpected error: %+v", got)
	}

	if _, ok := ParseJobError(json.RawMessage(`{"value": 1}`)); ok {
		t.Error("plain result should not parse as error")
	}
}
