package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/repo"
)

// JobSpec — запрос на постановку задания.
//
// Указатели — переопределения: nil означает "взять из скрипта/flow".
type JobSpec struct {
	// ID — заранее выданный идентификатор (seed-триггер debounce). Пусто — новый.
	ID uuid.UUID

	WorkspaceID string
	Kind        domain.JobKind

	// Path или Hash — цель для script, flow и deploymentcallback.
	Path string
	Hash string

	// Language и RawCode — для preview и dependencies.
	Language string
	RawCode  string

	// RawFlow — для flowpreview и flownode.
	RawFlow *domain.FlowValue

	Args map[string]any

	ParentJob  *uuid.UUID
	RootJob    *uuid.UUID
	FlowStepID string

	CreatedBy      string
	PermissionedAs string

	TriggerKind domain.TriggerKind
	Trigger     string

	Tag          string
	Priority     *int
	ScheduledFor *time.Time
	TimeoutSec   *int
	CacheTTLSec  *int
	SameWorkerID string

	// Concurrency.Key может быть шаблоном ($args[...], $workspace, $path).
	Concurrency *domain.ConcurrencySettings
	Debounce    *domain.DebounceSettings

	// Hidden — задание не видно владельцу в списках (служебные шаги).
	Hidden bool
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrInvalidSpec, fmt.Sprintf(format, args...))
}

// runnable — настройки, унаследованные от зарегистрированного скрипта или flow.
type runnable struct {
	tag         string
	concurrency *domain.ConcurrencySettings
	debounce    *domain.DebounceSettings
	cacheTTL    int
	timeout     int
	priority    int
}

// Prepare проверяет запрос, разрешает цель и строит задание.
// Возвращает задание и действующие настройки debounce (nil — без debounce).
//
// Ничего не пишет: вызывающий сам вставляет задание или отдаёт его
// Debounce Coordinator.
func Prepare(ctx context.Context, ops repo.ScriptOps, spec *JobSpec, now time.Time) (*domain.Job, *domain.DebounceSettings, error) {
	if spec.WorkspaceID == "" {
		return nil, nil, invalid("workspace_id is required")
	}
	if !spec.Kind.Valid() {
		return nil, nil, invalid("unknown job kind %q", spec.Kind)
	}
	if (spec.ParentJob == nil) != (spec.RootJob == nil) {
		return nil, nil, invalid("parent_job and root_job must be set together")
	}

	job := &domain.Job{
		ID:             spec.ID,
		WorkspaceID:    spec.WorkspaceID,
		ParentJob:      spec.ParentJob,
		RootJob:        spec.RootJob,
		Kind:           spec.Kind,
		RunnablePath:   spec.Path,
		RunnableHash:   spec.Hash,
		Language:       spec.Language,
		RawCode:        spec.RawCode,
		RawFlow:        spec.RawFlow,
		FlowStepID:     spec.FlowStepID,
		Args:           spec.Args,
		PermissionedAs: spec.PermissionedAs,
		CreatedBy:      spec.CreatedBy,
		ScheduledFor:   now,
		CreatedAt:      now,
		SameWorkerID:   spec.SameWorkerID,
		Visible:        !spec.Hidden,
		TriggerKind:    spec.TriggerKind,
		Trigger:        spec.Trigger,
	}
	if job.ID == uuid.Nil {
		job.ID = domain.NewJobID()
	}
	if job.Args == nil {
		job.Args = map[string]any{}
	}
	if job.PermissionedAs == "" {
		job.PermissionedAs = job.CreatedBy
	}
	if job.TriggerKind == "" {
		job.TriggerKind = domain.TriggerKindAPI
	}

	base, err := resolveTarget(ctx, ops, job)
	if err != nil {
		return nil, nil, err
	}

	job.Tag = firstNonEmpty(spec.Tag, base.tag, DefaultTag)
	job.Priority = pick(spec.Priority, base.priority)
	job.TimeoutSec = pick(spec.TimeoutSec, base.timeout)
	if spec.ScheduledFor != nil && spec.ScheduledFor.After(now) {
		job.ScheduledFor = spec.ScheduledFor.UTC()
	}

	cs := base.concurrency
	if spec.Concurrency != nil {
		cs = spec.Concurrency
	}
	if cs != nil && cs.Limit > 0 {
		if cs.WindowSec <= 0 {
			return nil, nil, invalid("concurrency window_s must be > 0 when limit is set")
		}
		tmpl := cs.Key
		if tmpl == "" {
			tmpl = "$path"
		}
		key, err := engine.ResolveKey(tmpl, job.WorkspaceID, job.RunnablePath, job.Args)
		if err != nil {
			return nil, nil, err
		}
		job.Concurrency = &domain.ConcurrencySettings{
			Key:       engine.ScopedKey(job.WorkspaceID, key),
			Limit:     cs.Limit,
			WindowSec: cs.WindowSec,
		}
	}

	if ttl := pick(spec.CacheTTLSec, base.cacheTTL); ttl > 0 {
		job.Cache = &domain.CacheSettings{
			Key:    engine.CacheKey(job.WorkspaceID, job.Kind, job.RunnablePath, job.RunnableHash, job.Args),
			TTLSec: ttl,
		}
	}

	deb := base.debounce
	if spec.Debounce != nil {
		deb = spec.Debounce
	}
	if !deb.Enabled() {
		deb = nil
	} else if err := engine.CheckKeyTemplate(deb.KeyTemplate); err != nil {
		return nil, nil, err
	}

	return job, deb, nil
}

func resolveTarget(ctx context.Context, ops repo.ScriptOps, job *domain.Job) (runnable, error) {
	switch job.Kind {
	case domain.JobKindScript, domain.JobKindDeploymentCallback:
		return resolveScript(ctx, ops, job)

	case domain.JobKindFlow:
		if job.RunnablePath == "" {
			return runnable{}, invalid("flow job requires a path")
		}
		def, err := ops.GetFlow(ctx, job.WorkspaceID, job.RunnablePath)
		if errors.Is(err, repo.ErrNotFound) {
			return runnable{}, invalid("flow %q not found", job.RunnablePath)
		}
		if err != nil {
			return runnable{}, err
		}
		value := def.Value
		job.RawFlow = &value
		if err := engine.Validate(job.RawFlow); err != nil {
			return runnable{}, err
		}
		return runnable{tag: def.Tag, concurrency: def.Concurrency, debounce: def.Debounce}, nil

	case domain.JobKindFlowPreview, domain.JobKindFlowNode:
		if err := engine.Validate(job.RawFlow); err != nil {
			return runnable{}, err
		}
		return runnable{}, nil

	case domain.JobKindPreview:
		if job.Language == "" || job.RawCode == "" {
			return runnable{}, invalid("preview job requires language and raw_code")
		}
		return runnable{}, nil

	case domain.JobKindDependencies:
		if job.Language == "" {
			return runnable{}, invalid("dependencies job requires a language")
		}
		return runnable{}, nil

	default:
		return runnable{}, nil
	}
}

func resolveScript(ctx context.Context, ops repo.ScriptOps, job *domain.Job) (runnable, error) {
	var (
		s   *domain.Script
		err error
	)
	switch {
	case job.RunnableHash != "":
		s, err = ops.GetScriptByHash(ctx, job.WorkspaceID, job.RunnableHash)
	case job.RunnablePath != "":
		s, err = ops.GetScript(ctx, job.WorkspaceID, job.RunnablePath)
	default:
		return runnable{}, invalid("%s job requires a path or hash", job.Kind)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return runnable{}, invalid("script %q not found", firstNonEmpty(job.RunnableHash, job.RunnablePath))
	}
	if err != nil {
		return runnable{}, err
	}

	job.RunnablePath = s.Path
	job.RunnableHash = s.Hash
	job.Language = s.Language
	job.DependencyLock = s.DependencyLock

	return runnable{
		tag:         s.Tag,
		concurrency: s.Concurrency,
		debounce:    s.Debounce,
		cacheTTL:    s.CacheTTLSec,
		timeout:     s.TimeoutSec,
		priority:    s.Priority,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func pick(override *int, base int) int {
	if override != nil {
		return *override
	}
	return base
}
