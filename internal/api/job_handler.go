package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
)

const maxBodyBytes = 8 << 20

// RunScript ставит в очередь зарегистрированный скрипт.
// POST /api/v1/w/{workspace}/jobs/run/p/{path...}
func (h *Handler) RunScript(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	spec := req.spec(r.PathValue("workspace"), domain.JobKindScript, user(r))
	spec.Path = r.PathValue("path")
	h.submit(w, r, spec)
}

// RunFlow ставит в очередь зарегистрированный flow.
// POST /api/v1/w/{workspace}/jobs/run/f/{path...}
func (h *Handler) RunFlow(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	spec := req.spec(r.PathValue("workspace"), domain.JobKindFlow, user(r))
	spec.Path = r.PathValue("path")
	h.submit(w, r, spec)
}

// RunPreview запускает код без регистрации скрипта.
// POST /api/v1/w/{workspace}/jobs/run/preview
func (h *Handler) RunPreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !decode(w, r, &req) {
		return
	}
	spec := req.spec(r.PathValue("workspace"), domain.JobKindPreview, user(r))
	spec.Language = req.Language
	spec.RawCode = req.Content
	h.submit(w, r, spec)
}

// RunFlowPreview запускает flow без регистрации.
// POST /api/v1/w/{workspace}/jobs/run/preview_flow
func (h *Handler) RunFlowPreview(w http.ResponseWriter, r *http.Request) {
	var req FlowPreviewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		BadRequest(w, "value is required")
		return
	}
	spec := req.spec(r.PathValue("workspace"), domain.JobKindFlowPreview, user(r))
	spec.RawFlow = req.Value
	h.submit(w, r, spec)
}

// submit отправляет намерение в trigger.Router. Задание, поставленное сразу,
// отвечает 201; триггер, ушедший в debounce bucket, — 202.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, spec *queue.JobSpec) {
	res, err := h.router.Submit(r.Context(), spec)
	if HandleError(w, h.logger, err, "target not found") {
		return
	}
	if res.Outcome == debounce.OutcomeDirect {
		Created(w, SubmitFromResult(res))
		return
	}
	Accepted(w, SubmitFromResult(res))
}

// GetJob возвращает задание по ID.
// GET /api/v1/w/{workspace}/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.job(r.Context(), r.PathValue("workspace"), id)
	if HandleError(w, h.logger, err, "job not found") {
		return
	}
	Success(w, JobFromView(view))
}

// GetResult возвращает результат задания. С ?wait=30s ждёт завершения
// не дольше MaxWait; незавершённое задание отвечает 202.
// GET /api/v1/w/{workspace}/jobs/{id}/result?wait=...
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	ws := r.PathValue("workspace")
	view, err := h.job(r.Context(), ws, id)
	if HandleError(w, h.logger, err, "job not found") {
		return
	}

	if view.Completed == nil && wait > 0 {
		c, err := h.waitResult(r.Context(), id, min(wait, h.MaxWait))
		if HandleError(w, h.logger, err, "job not found") {
			return
		}
		if c != nil {
			view = &queue.JobView{Completed: c}
		}
	}

	if view.Completed == nil {
		Accepted(w, ResultResponse{ID: id, Status: view.Status()})
		return
	}
	c := view.Completed
	Success(w, ResultResponse{
		ID:        id,
		Status:    c.Status(),
		Completed: true,
		Success:   c.Success,
		Result:    c.Result,
	})
}

// waitResult ждёт завершения. Nil без ошибки — время вышло.
func (h *Handler) waitResult(ctx context.Context, id uuid.UUID, wait time.Duration) (*domain.CompletedJob, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	c, err := h.queue.WaitResult(ctx, id, time.Second)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return c, err
}

// GetLogs возвращает строки лога после ?after=<seq>.
// GET /api/v1/w/{workspace}/jobs/{id}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			BadRequest(w, "invalid after")
			return
		}
		after = n
	}

	if _, err := h.job(r.Context(), r.PathValue("workspace"), id); HandleError(w, h.logger, err, "job not found") {
		return
	}
	lines, err := h.queue.Logs(r.Context(), id, after)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if lines == nil {
		lines = []domain.LogLine{}
	}
	List(w, lines, len(lines))
}

// CancelJob отменяет задание и его потомков.
// POST /api/v1/w/{workspace}/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	if _, err := h.job(r.Context(), r.PathValue("workspace"), id); HandleError(w, h.logger, err, "job not found") {
		return
	}
	ids, err := h.queue.Cancel(r.Context(), id, user(r), req.Reason)
	if HandleError(w, h.logger, err, "job not found") {
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	Success(w, CancelResponse{Canceled: ids})
}

// CancelJobs отменяет несколько заданий. Ошибка одного не мешает остальным.
// POST /api/v1/w/{workspace}/jobs/cancel
func (h *Handler) CancelJobs(w http.ResponseWriter, r *http.Request) {
	var req CancelBatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		BadRequest(w, "ids are required")
		return
	}

	ws := r.PathValue("workspace")
	results := make([]queue.CancelResult, len(req.IDs))
	allowed := make([]uuid.UUID, 0, len(req.IDs))
	pos := make(map[uuid.UUID]int, len(req.IDs))
	for i, id := range req.IDs {
		results[i] = queue.CancelResult{JobID: id}
		if _, err := h.job(r.Context(), ws, id); err != nil {
			results[i].Error = err.Error()
			continue
		}
		pos[id] = i
		allowed = append(allowed, id)
	}

	for _, res := range h.queue.CancelMany(r.Context(), allowed, user(r), req.Reason) {
		results[pos[res.JobID]] = res
	}
	List(w, results, len(results))
}

// ResumeJob доставляет сигнал приостановленному flow.
// POST /api/v1/w/{workspace}/jobs/{id}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ResumeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	approved := true
	if req.Approved != nil {
		approved = *req.Approved
	}
	approver := req.Approver
	if approver == "" {
		approver = user(r)
	}

	if _, err := h.job(r.Context(), r.PathValue("workspace"), id); HandleError(w, h.logger, err, "job not found") {
		return
	}
	sigID, err := h.flows.Resume(r.Context(), id, req.ModuleID, req.Payload, approved, approver)
	if HandleError(w, h.logger, err, "job not found") {
		return
	}
	Created(w, ResumeResponse{ID: sigID})
}

// job возвращает задание, если оно принадлежит workspace.
// Чужое задание неотличимо от несуществующего.
func (h *Handler) job(ctx context.Context, workspace string, id uuid.UUID) (*queue.JobView, error) {
	view, err := h.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var owner string
	if view.Completed != nil {
		owner = view.Completed.WorkspaceID
	} else {
		owner = view.Queued.WorkspaceID
	}
	if owner != workspace {
		return nil, repo.ErrNotFound
	}
	return view, nil
}

// decode читает JSON-тело запроса. При ошибке ответ уже отправлен.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}

// decodeOptional — decode, допускающий пустое тело.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// user возвращает имя пользователя из заголовка.
func user(r *http.Request) string {
	if u := r.Header.Get(UserHeader); u != "" {
		return u
	}
	return "anonymous"
}

// parseWait принимает длительность ("30s") или число секунд.
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", s)
	}
	return d, nil
}
