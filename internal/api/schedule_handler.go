package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/scheduler"
)

// ListSchedules возвращает список schedules с фильтрацией.
// GET /api/v1/w/{workspace}/schedules?enabled=...&limit=...&offset=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	p := queryParser{q: r.URL.Query()}
	filter := repo.ScheduleFilter{
		WorkspaceID: r.PathValue("workspace"),
		Enabled:     p.boolPtr("enabled"),
		Limit:       p.int("limit"),
		Offset:      p.int("offset"),
	}
	if p.err != nil {
		BadRequest(w, p.err.Error())
		return
	}
	if filter.Limit == 0 {
		filter.Limit = 50
	}

	schedules, err := h.store.ListSchedules(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	List(w, schedules, len(schedules))
}

// CreateSchedule создаёт schedule для скрипта или flow.
// POST /api/v1/w/{workspace}/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decode(w, r, &req) {
		return
	}

	now := h.Now().UTC()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &domain.Schedule{
		ID:          uuid.New(),
		WorkspaceID: r.PathValue("workspace"),
		Path:        req.Path,
		TargetPath:  req.TargetPath,
		IsFlow:      req.IsFlow,
		CronExpr:    req.CronExpr,
		IntervalSec: req.IntervalSec,
		Timezone:    req.Timezone,
		Enabled:     enabled,
		Args:        req.Args,
		Tag:         req.Tag,
		Debounce:    req.Debounce,
		CreatedBy:   user(r),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.prepareSchedule(r.Context(), sched); HandleError(w, h.logger, err, "") {
		return
	}
	if err := h.store.InsertSchedule(r.Context(), sched); HandleError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("schedule created", "schedule_id", sched.ID, "path", sched.Path, "target", sched.TargetPath)
	Created(w, sched)
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/w/{workspace}/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}
	Success(w, sched)
}

// UpdateSchedule обновляет schedule. next_due_at пересчитывается от текущего момента.
// PUT /api/v1/w/{workspace}/schedules/{id}
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleRequest
	if !decode(w, r, &req) {
		return
	}

	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	if req.TargetPath != nil {
		sched.TargetPath = *req.TargetPath
	}
	if req.IsFlow != nil {
		sched.IsFlow = *req.IsFlow
	}
	if req.CronExpr != nil {
		sched.CronExpr = *req.CronExpr
	}
	if req.IntervalSec != nil {
		sched.IntervalSec = *req.IntervalSec
	}
	if req.Timezone != nil {
		sched.Timezone = *req.Timezone
	}
	if req.Args != nil {
		sched.Args = *req.Args
	}
	if req.Tag != nil {
		sched.Tag = *req.Tag
	}
	if req.Debounce != nil {
		sched.Debounce = req.Debounce
	}
	sched.UpdatedAt = h.Now().UTC()

	if err := h.prepareSchedule(r.Context(), sched); HandleError(w, h.logger, err, "") {
		return
	}
	if err := h.store.UpdateSchedule(r.Context(), sched); HandleError(w, h.logger, err, "schedule not found") {
		return
	}
	Success(w, sched)
}

// DeleteSchedule удаляет schedule.
// DELETE /api/v1/w/{workspace}/schedules/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteSchedule(r.Context(), sched.ID); HandleError(w, h.logger, err, "schedule not found") {
		return
	}
	NoContent(w)
}

// SetScheduleEnabled включает или выключает schedule. Включённое заново
// расписание не догоняет пропущенные запуски: next_due_at считается от сейчас.
// PUT /api/v1/w/{workspace}/schedules/{id}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	var req SetEnabledRequest
	if !decode(w, r, &req) {
		return
	}

	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	now := h.Now().UTC()
	if req.Enabled && !sched.Enabled {
		if err := scheduler.Prepare(sched, now); HandleError(w, h.logger, err, "") {
			return
		}
	}
	sched.Enabled = req.Enabled
	sched.UpdatedAt = now

	if err := h.store.UpdateSchedule(r.Context(), sched); HandleError(w, h.logger, err, "schedule not found") {
		return
	}
	Success(w, sched)
}

// loadSchedule читает schedule из пути запроса и проверяет workspace.
func (h *Handler) loadSchedule(w http.ResponseWriter, r *http.Request) (*domain.Schedule, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	sched, err := h.store.GetSchedule(r.Context(), id)
	if err == nil && sched.WorkspaceID != r.PathValue("workspace") {
		err = repo.ErrNotFound
	}
	if HandleError(w, h.logger, err, "schedule not found") {
		return nil, false
	}
	return sched, true
}

// prepareSchedule проверяет расписание и его цель, считает next_due_at.
func (h *Handler) prepareSchedule(ctx context.Context, sched *domain.Schedule) error {
	if err := scheduler.Prepare(sched, h.Now().UTC()); err != nil {
		return err
	}

	var err error
	if sched.IsFlow {
		_, err = h.store.GetFlow(ctx, sched.WorkspaceID, sched.TargetPath)
	} else {
		_, err = h.store.GetScript(ctx, sched.WorkspaceID, sched.TargetPath)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: target %q not found", engine.ErrInvalidSpec, sched.TargetPath)
	}
	return err
}
