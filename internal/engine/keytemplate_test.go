package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shaiso/flowq/internal/domain"
)

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		args map[string]any
		want string
	}{
		{"literal", "static", nil, "static"},
		{"one field", "debounce_$args[tenant_id]", map[string]any{"tenant_id": "t1", "other": "x"}, "debounce_t1"},
		{"nested and numeric", "$args[repo.name]-$args[n]", map[string]any{"repo": map[string]any{"name": "core"}, "n": 3.0}, "core-3"},
		{"missing field", "k:$args[absent]", map[string]any{}, "k:"},
		{"workspace and path", "$workspace:$path", nil, "ws:f/sync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveKey(tt.tmpl, "ws", "f/sync", tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckKeyTemplate(t *testing.T) {
	for _, tmpl := range []string{"$args[]", "prefix_$args[abc"} {
		err := CheckKeyTemplate(tmpl)
		if !errors.Is(err, ErrBadKeyTemplate) {
			t.Errorf("%q: expected ErrBadKeyTemplate, got %v", tmpl, err)
		}
		if !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("%q: expected ErrInvalidSpec, got %v", tmpl, err)
		}
	}
}

func TestDefaultKey_ExcludesAccumulatedFields(t *testing.T) {
	a := DefaultKey("ws", "f/x", map[string]any{"a": 1.0, "items": "i1"}, []string{"items"})
	b := DefaultKey("ws", "f/x", map[string]any{"a": 1.0, "items": "i2"}, []string{"items"})
	c := DefaultKey("ws", "f/x", map[string]any{"a": 2.0, "items": "i1"}, []string{"items"})

	if a != b {
		t.Errorf("keys differing only in accumulated field should match: %q vs %q", a, b)
	}
	if a == c {
		t.Error("keys with different non-accumulated args should differ")
	}
}

func TestBackoff(t *testing.T) {
	exp := &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 1000, MaxDelayMs: 5000}
	fixed := &domain.RetryPolicy{Backoff: "fixed", InitialDelayMs: 200}

	tests := []struct {
		name    string
		attempt int
		policy  *domain.RetryPolicy
		want    time.Duration
	}{
		{"nil policy", 1, nil, time.Second},
		{"fixed", 3, fixed, 200 * time.Millisecond},
		{"exponential 1", 1, exp, time.Second},
		{"exponential 2", 2, exp, 2 * time.Second},
		{"exponential 3", 3, exp, 4 * time.Second},
		{"exponential capped", 5, exp, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.attempt, tt.policy); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	p := &domain.RetryPolicy{MaxAttempts: 3}
	if !ShouldRetry(1, p) || !ShouldRetry(2, p) {
		t.Error("attempts 1 and 2 should be retried")
	}
	if ShouldRetry(3, p) {
		t.Error("attempt 3 of 3 should not be retried")
	}
	if ShouldRetry(1, nil) {
		t.Error("nil policy never retries")
	}
}

func TestCacheKey(t *testing.T) {
	args1 := map[string]any{"a": 1, "b": "x"}
	args2 := map[string]any{"b": "x", "a": 1}

	if CacheKey("ws", "f/x", "step", args1) != CacheKey("ws", "f/x", "step", args2) {
		t.Error("map order must not change the key")
	}
	if CacheKey("ws", "f/x", "step", args1) == CacheKey("other", "f/x", "step", args1) {
		t.Error("workspaces must not share keys")
	}
	if CacheKey("ws", "f/x", "step", args1) == CacheKey("ws", "f/x", "step", map[string]any{"a": 2, "b": "x"}) {
		t.Error("different args must give different keys")
	}
}
