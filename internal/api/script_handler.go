package api

import (
	"fmt"
	"net/http"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
)

// CreateScript регистрирует новую версию скрипта.
// POST /api/v1/w/{workspace}/scripts
func (h *Handler) CreateScript(w http.ResponseWriter, r *http.Request) {
	var req CreateScriptRequest
	if !decode(w, r, &req) {
		return
	}

	switch {
	case req.Path == "":
		BadRequest(w, "path is required")
		return
	case req.Language == "":
		BadRequest(w, "language is required")
		return
	case req.Content == "":
		BadRequest(w, "content is required")
		return
	case req.CacheTTLSec < 0 || req.TimeoutSec < 0:
		BadRequest(w, "cache_ttl_s and timeout_s must be >= 0")
		return
	}
	if err := validateSettings(req.Concurrency, req.Debounce); err != nil {
		BadRequest(w, err.Error())
		return
	}

	script := req.toDomain(r.PathValue("workspace"), user(r), h.Now().UTC())
	if err := h.store.InsertScript(r.Context(), script); HandleError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("script created", "path", script.Path, "hash", script.Hash, "language", script.Language)
	Created(w, script)
}

// ListScripts возвращает последние версии скриптов workspace.
// GET /api/v1/w/{workspace}/scripts
func (h *Handler) ListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := h.store.ListScripts(r.Context(), r.PathValue("workspace"))
	if HandleError(w, h.logger, err, "") {
		return
	}
	if scripts == nil {
		scripts = []domain.Script{}
	}
	List(w, scripts, len(scripts))
}

// GetScript возвращает последнюю версию скрипта по пути.
// GET /api/v1/w/{workspace}/scripts/p/{path...}
func (h *Handler) GetScript(w http.ResponseWriter, r *http.Request) {
	script, err := h.store.GetScript(r.Context(), r.PathValue("workspace"), r.PathValue("path"))
	if HandleError(w, h.logger, err, "script not found") {
		return
	}
	Success(w, script)
}

// GetScriptByHash возвращает конкретную версию скрипта.
// GET /api/v1/w/{workspace}/scripts/h/{hash}
func (h *Handler) GetScriptByHash(w http.ResponseWriter, r *http.Request) {
	script, err := h.store.GetScriptByHash(r.Context(), r.PathValue("workspace"), r.PathValue("hash"))
	if HandleError(w, h.logger, err, "script not found") {
		return
	}
	Success(w, script)
}

// PutFlow создаёт или заменяет flow по пути.
// PUT /api/v1/w/{workspace}/flows
func (h *Handler) PutFlow(w http.ResponseWriter, r *http.Request) {
	var req PutFlowRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		BadRequest(w, "path is required")
		return
	}
	if err := engine.Validate(&req.Value); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if err := validateSettings(req.Concurrency, req.Debounce); err != nil {
		BadRequest(w, err.Error())
		return
	}

	now := h.Now().UTC()
	def := &domain.FlowDef{
		WorkspaceID: r.PathValue("workspace"),
		Path:        req.Path,
		Summary:     req.Summary,
		Value:       req.Value,
		Tag:         req.Tag,
		Concurrency: req.Concurrency,
		Debounce:    req.Debounce,
		CreatedBy:   user(r),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.UpsertFlow(r.Context(), def); HandleError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("flow saved", "path", def.Path, "modules", len(def.Value.Modules))
	Success(w, def)
}

// ListFlows возвращает flow workspace.
// GET /api/v1/w/{workspace}/flows
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.store.ListFlows(r.Context(), r.PathValue("workspace"))
	if HandleError(w, h.logger, err, "") {
		return
	}
	if flows == nil {
		flows = []domain.FlowDef{}
	}
	List(w, flows, len(flows))
}

// GetFlow возвращает flow по пути.
// GET /api/v1/w/{workspace}/flows/p/{path...}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetFlow(r.Context(), r.PathValue("workspace"), r.PathValue("path"))
	if HandleError(w, h.logger, err, "flow not found") {
		return
	}
	Success(w, def)
}

// DeleteFlow удаляет flow.
// DELETE /api/v1/w/{workspace}/flows/p/{path...}
func (h *Handler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteFlow(r.Context(), r.PathValue("workspace"), r.PathValue("path"))
	if HandleError(w, h.logger, err, "flow not found") {
		return
	}
	NoContent(w)
}

// validateSettings проверяет настройки concurrency и debounce цели.
func validateSettings(cs *domain.ConcurrencySettings, deb *domain.DebounceSettings) error {
	if cs != nil {
		if cs.Limit < 0 || cs.WindowSec < 0 {
			return fmt.Errorf("concurrency limit and window_s must be >= 0")
		}
		if cs.Limit > 0 && cs.WindowSec <= 0 {
			return fmt.Errorf("concurrency window_s must be > 0 when limit is set")
		}
		if err := engine.CheckKeyTemplate(cs.Key); err != nil {
			return err
		}
	}
	if deb.Enabled() {
		if deb.MaxDebounces < 0 {
			return fmt.Errorf("debounce max_debounces must be >= 0")
		}
		if err := engine.CheckKeyTemplate(deb.KeyTemplate); err != nil {
			return err
		}
	}
	return nil
}
