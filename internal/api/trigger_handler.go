package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
)

// Trigger принимает внешнее событие (webhook) и маршрутизирует его
// в очередь напрямую или через debounce.
// POST /api/v1/w/{workspace}/triggers
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		BadRequest(w, "path is required")
		return
	}

	kind := domain.JobKindScript
	if req.IsFlow {
		kind = domain.JobKindFlow
	}
	source := req.Source
	if source == "" {
		source = "webhook"
	}

	if async(r) {
		if h.feed == nil {
			Unavailable(w, "async delivery requires a message broker")
			return
		}
		err := h.feed.PublishTrigger(r.Context(), mq.TriggerPayload{
			WorkspaceID: r.PathValue("workspace"),
			Path:        req.Path,
			IsFlow:      req.IsFlow,
			Args:        req.Args,
			Tag:         req.Tag,
			Source:      source,
			CreatedBy:   user(r),
			Debounce:    req.Debounce,
		})
		if HandleError(w, h.logger, err, "") {
			return
		}
		Accepted(w, AsyncResponse{Published: true})
		return
	}

	res, err := h.router.Submit(r.Context(), &queue.JobSpec{
		WorkspaceID: r.PathValue("workspace"),
		Kind:        kind,
		Path:        req.Path,
		Args:        req.Args,
		Tag:         req.Tag,
		CreatedBy:   user(r),
		TriggerKind: domain.TriggerKindEvent,
		Trigger:     source,
		Debounce:    req.Debounce,
	})
	if HandleError(w, h.logger, err, "target not found") {
		return
	}
	Accepted(w, SubmitFromResult(res))
}

// DeploymentEvent передаёт событие деплоя агрегатору deployment callbacks.
// POST /api/v1/w/{workspace}/deployments/events
func (h *Handler) DeploymentEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.DeployEvent
	if !decode(w, r, &ev) {
		return
	}
	ev.WorkspaceID = r.PathValue("workspace")
	if ev.Path == "" {
		BadRequest(w, "path is required")
		return
	}
	if ev.DeployedBy == "" {
		ev.DeployedBy = user(r)
	}
	if ev.DeployedAt.IsZero() {
		ev.DeployedAt = h.Now().UTC()
	}

	if async(r) {
		if h.feed == nil {
			Unavailable(w, "async delivery requires a message broker")
			return
		}
		if err := h.feed.PublishDeployEvent(r.Context(), ev); HandleError(w, h.logger, err, "") {
			return
		}
		Accepted(w, AsyncResponse{Published: true})
		return
	}

	if h.deploy == nil {
		NotFound(w, "deployment callbacks are not configured")
		return
	}

	results, err := h.deploy.OnDeployed(r.Context(), ev)
	if HandleError(w, h.logger, err, "target not found") {
		return
	}

	out := make([]SubmitResponse, len(results))
	for i, res := range results {
		out[i] = SubmitFromResult(res)
	}
	JSON(w, http.StatusAccepted, ListResponse{Data: out, Total: len(out)})
}

// async — запрос просит доставку через брокер (?async=true).
func async(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return v
}

// GetBucket возвращает debounce bucket.
// GET /api/v1/w/{workspace}/debounce/buckets/{id}
func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	b, err := h.debounce.GetBucket(r.Context(), id)
	if err == nil && b.WorkspaceID != r.PathValue("workspace") {
		err = repo.ErrNotFound
	}
	if HandleError(w, h.logger, err, "bucket not found") {
		return
	}
	Success(w, b)
}
