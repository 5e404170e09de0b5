package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/flowq/internal/domain"
)

func newExec(kind domain.JobKind, language, code string, args map[string]any) *Execution {
	return NewExecution(&domain.Job{
		ID:          domain.NewJobID(),
		WorkspaceID: "acme",
		Kind:        kind,
		Language:    language,
		RawCode:     code,
		Args:        args,
	})
}

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	exec := newExec(domain.JobKindScript, "http", "", map[string]any{"url": server.URL})
	result, err := (&HTTPExecutor{}).Execute(context.Background(), exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected execution error: %s", result.Error)
	}

	out := result.Value.(map[string]any)
	if out["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", out["status_code"])
	}
	headers, ok := out["headers"].(map[string]string)
	if !ok {
		t.Fatal("headers should be map[string]string")
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", out["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
	if logs := exec.drainLogs(); len(logs) != 2 {
		t.Errorf("expected request and response log lines, got %v", logs)
	}
}

func TestHTTPExecutor_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		receivedContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	exec := newExec(domain.JobKindScript, "http", "", map[string]any{
		"method": "POST",
		"url":    server.URL,
		"body":   map[string]any{"name": "test"},
	})
	result, err := (&HTTPExecutor{}).Execute(context.Background(), exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedBody["name"] != "test" {
		t.Errorf("server should receive body, got %v", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if got := result.Value.(map[string]any)["status_code"]; got != http.StatusCreated {
		t.Errorf("expected status 201, got %v", got)
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	exec := newExec(domain.JobKindScript, "http", "", map[string]any{"url": server.URL})
	result, err := (&HTTPExecutor{}).Execute(context.Background(), exec)
	if err != nil {
		t.Fatalf("HTTP 500 should not be infrastructure error: %v", err)
	}
	if result.Error != "HTTP 500: boom" {
		t.Errorf("unexpected execution error %q", result.Error)
	}
	if got := result.Value.(map[string]any)["status_code"]; got != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %v", got)
	}
}

func TestHTTPExecutor_URLFromCode(t *testing.T) {
	var hit bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer server.Close()

	exec := newExec(domain.JobKindScript, "http", server.URL+"\n", map[string]any{})
	if _, err := (&HTTPExecutor{}).Execute(context.Background(), exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Error("expected request to the URL from script code")
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	exec := newExec(domain.JobKindScript, "http", "", map[string]any{"method": "GET"})
	_, err := (&HTTPExecutor{}).Execute(context.Background(), exec)
	if !errors.Is(err, ErrHTTPRequest) {
		t.Fatalf("expected ErrHTTPRequest, got %v", err)
	}
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	exec := newExec(domain.JobKindScript, "http", "", map[string]any{"url": server.URL, "timeout_s": 0.05})
	_, err := (&HTTPExecutor{}).Execute(context.Background(), exec)
	if !errors.Is(err, ErrHTTPRequest) {
		t.Fatalf("expected ErrHTTPRequest on timeout, got %v", err)
	}
}

// --- DelayExecutor Tests ---

func TestDelayExecutor_Success(t *testing.T) {
	exec := newExec(domain.JobKindScript, "delay", "", map[string]any{"duration_s": 0.05})
	start := time.Now()
	result, err := (&DelayExecutor{}).Execute(context.Background(), exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("delay returned too early")
	}
	if got := result.Value.(map[string]any)["delayed_s"]; got != 0.05 {
		t.Errorf("expected delayed_s=0.05, got %v", got)
	}
}

func TestDelayExecutor_ContextCancel(t *testing.T) {
	exec := newExec(domain.JobKindScript, "delay", "", map[string]any{"duration_s": 10.0})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := (&DelayExecutor{}).Execute(ctx, exec)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// --- TransformExecutor Tests ---

func TestTransformExecutor(t *testing.T) {
	tests := []struct {
		name string
		code string
		args map[string]any
		want string
	}{
		{"empty code returns args", "", map[string]any{"a": 1.0}, `{"a":1}`},
		{"json template", `{"copy": {{ json .Inputs.a }}}`, map[string]any{"a": []any{1.0, 2.0}}, `{"copy":[1,2]}`},
		{"plain string", `hello {{ .Inputs.name }}`, map[string]any{"name": "bob"}, `"hello bob"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := (&TransformExecutor{}).Execute(context.Background(),
				newExec(domain.JobKindScript, "transform", tt.code, tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Error != "" {
				t.Fatalf("unexpected execution error: %s", result.Error)
			}
			if got := string(domain.MustJSON(result.Value)); !domain.JSONEqual([]byte(got), []byte(tt.want)) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTransformExecutor_BadTemplate(t *testing.T) {
	result, err := (&TransformExecutor{}).Execute(context.Background(),
		newExec(domain.JobKindScript, "transform", "{{ .Inputs", nil))
	if err != nil {
		t.Fatalf("template errors are execution failures, got %v", err)
	}
	if result.Error == "" {
		t.Error("expected execution error for malformed template")
	}
}

// --- Built-in executors ---

func TestDependenciesExecutor_SortsAndDedups(t *testing.T) {
	code := "requests==2.31\n# comment\n\nnumpy>=1.26  # pinned later\nrequests==2.31\n"
	result, err := DependenciesExecutor{}.Execute(context.Background(),
		newExec(domain.JobKindDependencies, "python3", code, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := result.Value.(map[string]any)
	if out["lock"] != "numpy>=1.26\nrequests==2.31" {
		t.Errorf("unexpected lock %q", out["lock"])
	}
	if out["language"] != "python3" {
		t.Errorf("unexpected language %v", out["language"])
	}
}

func TestIdentityAndNoop(t *testing.T) {
	args := map[string]any{"x": "y"}
	res, _ := IdentityExecutor{}.Execute(context.Background(), newExec(domain.JobKindIdentity, "", "", args))
	if res.Value.(map[string]any)["x"] != "y" {
		t.Errorf("identity should return args, got %v", res.Value)
	}

	res, _ = NoopExecutor{}.Execute(context.Background(), newExec(domain.JobKindNoop, "", "", args))
	if res.Value != nil {
		t.Errorf("noop should return nil, got %v", res.Value)
	}
}

func TestAIAgentExecutor(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		res, err := (&AIAgentExecutor{}).Execute(context.Background(), newExec(domain.JobKindAIAgent, "", "", nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Error == "" {
			t.Error("expected execution error without endpoint")
		}
	})

	t.Run("forwards args", func(t *testing.T) {
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			w.Write([]byte(`{"answer":42}`))
		}))
		defer server.Close()

		args := map[string]any{"prompt": "hi", "tools": []any{"search"}, "max_tool_calls": 3.0}
		res, err := (&AIAgentExecutor{Endpoint: server.URL}).Execute(context.Background(),
			newExec(domain.JobKindAIAgent, "", "", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Value.(map[string]any)["answer"] != 42.0 {
			t.Errorf("unexpected value %v", res.Value)
		}
		if got["args"].(map[string]any)["max_tool_calls"] != 3.0 {
			t.Errorf("agent should receive args, got %v", got)
		}
	})
}

// --- BashExecutor Tests ---

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestBashExecutor_LastLineIsResult(t *testing.T) {
	requireBash(t)
	ex := newExec(domain.JobKindScript, "bash", `echo "starting $FLOWQ_ARG_NAME"; echo "{\"n\": $FLOWQ_ARG_N}"`,
		map[string]any{"name": "job", "n": 3})

	result, err := (&BashExecutor{}).Execute(context.Background(), ex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected execution error: %s", result.Error)
	}
	if result.Value.(map[string]any)["n"] != 3.0 {
		t.Errorf("expected n=3, got %v", result.Value)
	}
	logs := ex.drainLogs()
	if len(logs) != 2 || logs[0] != "starting job" {
		t.Errorf("unexpected logs %v", logs)
	}
}

func TestBashExecutor_NonZeroExit(t *testing.T) {
	requireBash(t)
	ex := newExec(domain.JobKindScript, "bash", `echo oops >&2; exit 3`, nil)

	result, err := (&BashExecutor{}).Execute(context.Background(), ex)
	if err != nil {
		t.Fatalf("exit code should be execution failure, got %v", err)
	}
	if !strings.HasPrefix(result.Error, "exit status 3: oops") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestBashExecutor_JobEnv(t *testing.T) {
	requireBash(t)
	ex := newExec(domain.JobKindScript, "bash", `echo "\"$FLOWQ_WORKSPACE/$FLOWQ_JOB_ID\""`, nil)

	result, err := (&BashExecutor{}).Execute(context.Background(), ex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ex.Job.WorkspaceID + "/" + ex.Job.ID.String()
	if result.Value != want {
		t.Errorf("expected %q, got %v", want, result.Value)
	}
}

// --- Registry Tests ---

func TestNewRegistry_DefaultExecutors(t *testing.T) {
	r := NewRegistry()
	for _, key := range []string{"identity", "noop", "dependencies", "aiagent", "bash", "http", "delay", "transform"} {
		executor, err := r.Get(key)
		if err != nil {
			t.Errorf("expected executor for %s, got error: %v", key, err)
		}
		if executor == nil {
			t.Errorf("executor for %s should not be nil", key)
		}
	}
}

func TestRegistry_UnknownKey(t *testing.T) {
	_, err := NewRegistry().Get("cobol")
	if !errors.Is(err, ErrUnknownExecutor) {
		t.Fatalf("expected ErrUnknownExecutor, got %v", err)
	}
}

func TestExecutorKey(t *testing.T) {
	tests := []struct {
		kind     domain.JobKind
		language string
		want     string
	}{
		{domain.JobKindScript, "bash", "bash"},
		{domain.JobKindPreview, "http", "http"},
		{domain.JobKindDeploymentCallback, "bash", "bash"},
		{domain.JobKindDependencies, "python3", "dependencies"},
		{domain.JobKindIdentity, "", "identity"},
		{domain.JobKindAIAgent, "", "aiagent"},
	}
	for _, tt := range tests {
		if got := ExecutorKey(&domain.Job{Kind: tt.kind, Language: tt.language}); got != tt.want {
			t.Errorf("%s/%s: expected %q, got %q", tt.kind, tt.language, tt.want, got)
		}
	}
}

func TestExecution_MemPeakKeepsMaximum(t *testing.T) {
	ex := newExec(domain.JobKindScript, "bash", "", nil)
	ex.ReportMemPeak(100)
	ex.ReportMemPeak(40)
	ex.ReportMemPeak(250)
	if ex.MemPeak() != 250 {
		t.Errorf("expected 250, got %d", ex.MemPeak())
	}
}
