package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/repo"
)

// ListQueue возвращает задания в очереди.
// GET /api/v1/w/{workspace}/jobs/queue?path=...&tag=...&running=...
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	f, err := parseJobFilter(r.URL.Query(), r.PathValue("workspace"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	jobs, err := h.queue.ListQueue(r.Context(), f)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	List(w, jobs, len(jobs))
}

// ListCompleted возвращает завершённые задания.
// GET /api/v1/w/{workspace}/jobs/completed?success=...&is_skipped=...
func (h *Handler) ListCompleted(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jf, err := parseJobFilter(q, r.PathValue("workspace"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	f := repo.CompletedFilter{JobFilter: jf}

	p := queryParser{q: q}
	f.Success = p.boolPtr("success")
	f.IsSkipped = p.boolPtr("is_skipped")
	f.Canceled = p.boolPtr("canceled")
	f.CompletedAfter = p.timePtr("completed_after")
	if p.err != nil {
		BadRequest(w, p.err.Error())
		return
	}

	jobs, err := h.queue.ListCompleted(r.Context(), f)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if jobs == nil {
		jobs = []domain.CompletedJob{}
	}
	List(w, jobs, len(jobs))
}

// parseJobFilter разбирает общие фильтры списков заданий.
func parseJobFilter(q url.Values, workspace string) (repo.JobFilter, error) {
	p := queryParser{q: q}
	f := repo.JobFilter{
		WorkspaceID: workspace,
		Path:        q.Get("path"),
		PathStart:   q.Get("path_start"),
		Tag:         repo.ParseListFilter(q.Get("tag")),
		Kinds:       repo.ParseListFilter(q.Get("job_kinds")),
		TriggerKind: repo.ParseListFilter(q.Get("trigger_kind")),
		TriggerPath: q.Get("trigger_path"),
		CreatedBy:   q.Get("created_by"),

		ParentJob:             p.uuidPtr("parent_job"),
		RootJob:               p.uuidPtr("root_job"),
		HasNullParent:         p.boolPtr("has_null_parent"),
		IsFlowStep:            p.boolPtr("is_flow_step"),
		Running:               p.boolPtr("running"),
		Suspended:             p.boolPtr("suspended"),
		ScheduledForBeforeNow: p.boolPtr("scheduled_for_before_now"),
		CreatedBefore:         p.timePtr("created_before"),
		CreatedAfter:          p.timePtr("created_after"),
		Page:                  p.int("page"),
		PerPage:               p.int("per_page"),
	}
	return f, p.err
}

// queryParser запоминает первую ошибку разбора.
type queryParser struct {
	q   url.Values
	err error
}

func (p *queryParser) fail(name, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %q", name, value)
	}
}

func (p *queryParser) boolPtr(name string) *bool {
	s := p.q.Get(name)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(name, s)
		return nil
	}
	return &b
}

func (p *queryParser) timePtr(name string) *time.Time {
	s := p.q.Get(name)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		p.fail(name, s)
		return nil
	}
	t = t.UTC()
	return &t
}

func (p *queryParser) uuidPtr(name string) *uuid.UUID {
	s := p.q.Get(name)
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(name, s)
		return nil
	}
	return &id
}

func (p *queryParser) int(name string) int {
	s := p.q.Get(name)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		p.fail(name, s)
		return 0
	}
	return n
}
