package domain

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDebounceBucket_MergeAndProducedArgs(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	settings := &DebounceSettings{DelaySec: 5, AccumulateFields: []string{"items", "users"}}
	job := &Job{WorkspaceID: "ws", Args: map[string]any{"repo": "core", "items": "a"}}

	first, second, third := uuid.New(), uuid.New(), uuid.New()
	b := NewDebounceBucket("ws/k", job, settings, first, now)
	b.Merge(map[string]any{"repo": "ignored", "items": "b"}, second)
	b.Merge(map[string]any{"items": "c", "users": "u1"}, third)

	if !reflect.DeepEqual(b.TriggerIDs, []uuid.UUID{first, second, third}) {
		t.Errorf("trigger ids out of order: %v", b.TriggerIDs)
	}
	if !b.SealAt.Equal(now.Add(5 * time.Second)) {
		t.Errorf("seal_at = %v", b.SealAt)
	}

	want := map[string]any{
		"repo":  "core",
		"items": []any{"a", "b", "c"},
		"users": []any{"u1"},
	}
	if got := b.ProducedArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("produced args = %#v, want %#v", got, want)
	}
}

func TestDebounceBucket_ProducedArgsEmptyList(t *testing.T) {
	settings := &DebounceSettings{DelaySec: 1, AccumulateFields: []string{"items"}}
	b := NewDebounceBucket("ws/k", &Job{Args: map[string]any{}}, settings, uuid.New(), time.Now())

	got := b.ProducedArgs()
	list, ok := got["items"].([]any)
	if !ok || len(list) != 0 {
		t.Errorf("expected empty list, got %#v", got["items"])
	}

	// Пустой список сериализуется как [], а не null.
	data, _ := json.Marshal(got)
	if string(data) != `{"items":[]}` {
		t.Errorf("unexpected json: %s", data)
	}
}

func TestDebounceBucket_AcceptsAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sealed := now

	tests := []struct {
		name   string
		bucket DebounceBucket
		at     time.Time
		want   bool
	}{
		{"before deadline", DebounceBucket{SealAt: now.Add(time.Second)}, now, true},
		{"exactly at deadline", DebounceBucket{SealAt: now}, now, false},
		{"after deadline", DebounceBucket{SealAt: now}, now.Add(time.Millisecond), false},
		{"sealed", DebounceBucket{SealAt: now.Add(time.Hour), SealedAt: &sealed}, now, false},
		{"under max", DebounceBucket{SealAt: now.Add(time.Hour), MaxDebounces: 2, TriggerIDs: []uuid.UUID{uuid.New()}}, now, true},
		{"at max", DebounceBucket{SealAt: now.Add(time.Hour), MaxDebounces: 1, TriggerIDs: []uuid.UUID{uuid.New()}}, now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bucket.AcceptsAt(tt.at); got != tt.want {
				t.Errorf("AcceptsAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDebounceSettings_Enabled(t *testing.T) {
	var nilSettings *DebounceSettings
	if nilSettings.Enabled() {
		t.Error("nil settings must be disabled")
	}
	if (&DebounceSettings{DelaySec: 0}).Enabled() {
		t.Error("zero delay must be disabled")
	}
	if !(&DebounceSettings{DelaySec: 1}).Enabled() {
		t.Error("positive delay must be enabled")
	}
}
