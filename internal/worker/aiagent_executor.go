package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// AIAgentExecutor отдаёт задание aiagent внешнему агент-сервису.
//
// Сервис получает POST {job_id, workspace_id, args} (args содержат tools и
// max_tool_calls) и отвечает JSON-результатом. Без Endpoint задание
// завершается ошибкой.
type AIAgentExecutor struct {
	Endpoint string
	Client   *http.Client
}

// Execute вызывает агент-сервис.
func (e *AIAgentExecutor) Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error) {
	if e.Endpoint == "" {
		return &ExecutionResult{Error: "ai agent endpoint is not configured"}, nil
	}

	body, err := json.Marshal(map[string]any{
		"job_id":       exec.Job.ID,
		"workspace_id": exec.Job.WorkspaceID,
		"args":         exec.Job.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}
	if resp.StatusCode >= 400 {
		return &ExecutionResult{Error: fmt.Sprintf("agent HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))}, nil
	}

	var value any
	if err := json.Unmarshal(respBody, &value); err != nil {
		value = string(respBody)
	}
	return &ExecutionResult{Value: value}, nil
}
