package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// JobResponse — задание из API: одна из половин заполнена.
type JobResponse struct {
	ID        string   `json:"id"`
	Status    string   `json:"status"`
	Queued    *JobInfo `json:"queued,omitempty"`
	Completed *JobInfo `json:"completed,omitempty"`
}

// Info возвращает заполненную половину.
func (j *JobResponse) Info() *JobInfo {
	if j.Completed != nil {
		return j.Completed
	}
	if j.Queued != nil {
		return j.Queued
	}
	return &JobInfo{ID: j.ID}
}

// JobInfo — поля задания, общие для очереди и завершённых.
type JobInfo struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	RunnablePath string          `json:"runnable_path,omitempty"`
	Tag          string          `json:"tag"`
	Success      bool            `json:"success,omitempty"`
	Running      bool            `json:"running,omitempty"`
	Canceled     bool            `json:"canceled,omitempty"`
	Worker       string          `json:"worker,omitempty"`
	CreatedBy    string          `json:"created_by"`
	TriggerKind  string          `json:"trigger_kind,omitempty"`
	ParentJob    string          `json:"parent_job,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
}

// SubmitResponse — итог постановки задания или триггера.
type SubmitResponse struct {
	ID       string `json:"id"`
	Outcome  string `json:"outcome"`
	BucketID string `json:"bucket_id,omitempty"`
}

// ResultResponse — результат задания.
type ResultResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Completed bool            `json:"completed"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// CancelResult — итог отмены одного задания.
type CancelResult struct {
	JobID    string   `json:"job_id"`
	Canceled []string `json:"canceled,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// LogLine — строка лога задания.
type LogLine struct {
	Seq       int64  `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// ScriptResponse — версия скрипта из API.
type ScriptResponse struct {
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Language  string `json:"language"`
	Tag       string `json:"tag,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// FlowResponse — flow из API.
type FlowResponse struct {
	Path      string          `json:"path"`
	Summary   string          `json:"summary,omitempty"`
	Value     json.RawMessage `json:"value"`
	Tag       string          `json:"tag,omitempty"`
	CreatedBy string          `json:"created_by"`
	UpdatedAt string          `json:"updated_at"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID          string         `json:"id"`
	Path        string         `json:"path"`
	TargetPath  string         `json:"target_path"`
	IsFlow      bool           `json:"is_flow,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	LastJobID   string         `json:"last_job_id,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// --- Request types ---

// RunRequest — постановка скрипта или flow.
type RunRequest struct {
	Args         map[string]any `json:"args,omitempty"`
	Tag          string         `json:"tag,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	ScheduledFor string         `json:"scheduled_for,omitempty"`
}

// PreviewRequest — запуск кода без сохранения.
type PreviewRequest struct {
	RunRequest
	Language string `json:"language"`
	Content  string `json:"content"`
}

// CreateScriptRequest — новая версия скрипта.
type CreateScriptRequest struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  string `json:"content"`
	Tag      string `json:"tag,omitempty"`
}

// PutFlowRequest — создание или замена flow.
type PutFlowRequest struct {
	Path    string          `json:"path"`
	Summary string          `json:"summary,omitempty"`
	Value   json.RawMessage `json:"value"`
	Tag     string          `json:"tag,omitempty"`
}

// ResumeRequest — сигнал приостановленному flow.
type ResumeRequest struct {
	ModuleID string `json:"module_id,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
}

// TriggerRequest — внешнее событие.
type TriggerRequest struct {
	Path   string         `json:"path"`
	IsFlow bool           `json:"is_flow,omitempty"`
	Source string         `json:"source,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Path        string         `json:"path"`
	TargetPath  string         `json:"target_path"`
	IsFlow      bool           `json:"is_flow,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
}

// ListJobsOpts — параметры фильтрации заданий.
type ListJobsOpts struct {
	Path        string
	Tag         string
	Kinds       string
	TriggerKind string
	Running     *bool
	Success     *bool
	PerPage     int
}

func (o ListJobsOpts) values() url.Values {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("path", o.Path)
	set("tag", o.Tag)
	set("job_kinds", o.Kinds)
	set("trigger_kind", o.TriggerKind)
	if o.Running != nil {
		params.Set("running", strconv.FormatBool(*o.Running))
	}
	if o.Success != nil {
		params.Set("success", strconv.FormatBool(*o.Success))
	}
	if o.PerPage > 0 {
		params.Set("per_page", strconv.Itoa(o.PerPage))
	}
	return params
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// UserHeader — заголовок с именем пользователя.
const UserHeader = "X-Flowq-User"

// Client — HTTP-клиент для flowq API одного workspace.
type Client struct {
	baseURL    string
	workspace  string
	user       string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL, workspace, user string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		user:      user,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) ws(path string) string {
	return "/api/v1/w/" + url.PathEscape(c.workspace) + path
}

// --- Jobs ---

// RunScript ставит в очередь последнюю версию скрипта.
func (c *Client) RunScript(path string, req RunRequest) (*SubmitResponse, error) {
	var res SubmitResponse
	err := c.post(c.ws("/jobs/run/p/"+path), req, &res)
	return &res, err
}

// RunFlow ставит в очередь flow.
func (c *Client) RunFlow(path string, req RunRequest) (*SubmitResponse, error) {
	var res SubmitResponse
	err := c.post(c.ws("/jobs/run/f/"+path), req, &res)
	return &res, err
}

// RunPreview ставит в очередь код без сохранения.
func (c *Client) RunPreview(req PreviewRequest) (*SubmitResponse, error) {
	var res SubmitResponse
	err := c.post(c.ws("/jobs/run/preview"), req, &res)
	return &res, err
}

// GetJob возвращает задание по ID.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get(c.ws("/jobs/"+id), &job)
	return &job, err
}

// GetResult возвращает результат. wait > 0 — сервер ждёт завершения.
func (c *Client) GetResult(id string, wait time.Duration) (*ResultResponse, error) {
	path := c.ws("/jobs/" + id + "/result")
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
		if c.httpClient.Timeout < wait+10*time.Second {
			c.httpClient.Timeout = wait + 10*time.Second
		}
	}
	var res ResultResponse
	err := c.get(path, &res)
	return &res, err
}

// ListQueue возвращает задания в очереди.
func (c *Client) ListQueue(opts ListJobsOpts) ([]JobInfo, error) {
	var jobs []JobInfo
	err := c.list(c.ws("/jobs/queue"), opts.values(), &jobs)
	return jobs, err
}

// ListCompleted возвращает завершённые задания.
func (c *Client) ListCompleted(opts ListJobsOpts) ([]JobInfo, error) {
	var jobs []JobInfo
	err := c.list(c.ws("/jobs/completed"), opts.values(), &jobs)
	return jobs, err
}

// CancelJob отменяет задание и его потомков.
func (c *Client) CancelJob(id, reason string) ([]string, error) {
	var res struct {
		Canceled []string `json:"canceled"`
	}
	err := c.post(c.ws("/jobs/"+id+"/cancel"), map[string]string{"reason": reason}, &res)
	return res.Canceled, err
}

// CancelJobs отменяет несколько заданий.
func (c *Client) CancelJobs(ids []string, reason string) ([]CancelResult, error) {
	var res []CancelResult
	body := map[string]any{"ids": ids, "reason": reason}
	err := c.postList(c.ws("/jobs/cancel"), body, &res)
	return res, err
}

// Logs возвращает строки лога после after.
func (c *Client) Logs(id string, after int64) ([]LogLine, error) {
	params := url.Values{}
	if after > 0 {
		params.Set("after", strconv.FormatInt(after, 10))
	}
	var lines []LogLine
	err := c.list(c.ws("/jobs/"+id+"/logs"), params, &lines)
	return lines, err
}

// Resume доставляет сигнал приостановленному flow.
func (c *Client) Resume(id string, req ResumeRequest) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := c.post(c.ws("/jobs/"+id+"/resume"), req, &res)
	return res.ID, err
}

// Trigger отправляет внешнее событие.
func (c *Client) Trigger(req TriggerRequest) (*SubmitResponse, error) {
	var res SubmitResponse
	err := c.post(c.ws("/triggers"), req, &res)
	return &res, err
}

// --- Scripts & flows ---

// CreateScript регистрирует версию скрипта.
func (c *Client) CreateScript(req CreateScriptRequest) (*ScriptResponse, error) {
	var s ScriptResponse
	err := c.post(c.ws("/scripts"), req, &s)
	return &s, err
}

// ListScripts возвращает скрипты workspace.
func (c *Client) ListScripts() ([]ScriptResponse, error) {
	var scripts []ScriptResponse
	err := c.list(c.ws("/scripts"), nil, &scripts)
	return scripts, err
}

// PutFlow создаёт или заменяет flow.
func (c *Client) PutFlow(req PutFlowRequest) (*FlowResponse, error) {
	var f FlowResponse
	err := c.put(c.ws("/flows"), req, &f)
	return &f, err
}

// ListFlows возвращает flows workspace.
func (c *Client) ListFlows() ([]FlowResponse, error) {
	var flows []FlowResponse
	err := c.list(c.ws("/flows"), nil, &flows)
	return flows, err
}

// GetFlow возвращает flow по пути.
func (c *Client) GetFlow(path string) (*FlowResponse, error) {
	var f FlowResponse
	err := c.get(c.ws("/flows/p/"+path), &f)
	return &f, err
}

// DeleteFlow удаляет flow.
func (c *Client) DeleteFlow(path string) error {
	return c.delete(c.ws("/flows/p/" + path))
}

// --- Schedules ---

// ListSchedules возвращает schedules.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list(c.ws("/schedules"), nil, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post(c.ws("/schedules"), req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get(c.ws("/schedules/"+id), &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete(c.ws("/schedules/" + id))
}

// SetScheduleEnabled включает или выключает schedule.
func (c *Client) SetScheduleEnabled(id string, enabled bool) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": enabled}
	err := c.put(c.ws("/schedules/"+id+"/enabled"), body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}
	return c.doList(http.MethodGet, path, nil, result)
}

func (c *Client) postList(path string, body any, result any) error {
	return c.doList(http.MethodPost, path, body, result)
}

func (c *Client) doList(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
