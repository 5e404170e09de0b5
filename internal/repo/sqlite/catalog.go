package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/repo"
)

const scriptColumns = `
	workspace_id, path, hash, language, content, tag, concurrency, debounce,
	cache_ttl_s, timeout_s, priority, dependency_lock, created_by, created_at, archived`

const flowColumns = `
	workspace_id, path, summary, value, tag, concurrency, debounce,
	created_by, created_at, updated_at`

const scheduleColumns = `
	id, workspace_id, path, target_path, is_flow, cron_expr, interval_sec, timezone,
	enabled, next_due_at, last_run_at, last_job_id, args, tag, debounce, created_by,
	created_at, updated_at`

// --- Script ---

func (r ops) InsertScript(ctx context.Context, s *domain.Script) error {
	concurrency, err := repo.EncodeJSON(s.Concurrency)
	if err != nil {
		return err
	}
	debounce, err := repo.EncodeJSON(s.Debounce)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO script (`+scriptColumns+`) VALUES (`+marks(15)+`)`,
		s.WorkspaceID, s.Path, s.Hash, s.Language, s.Content, s.Tag, concurrency, debounce,
		s.CacheTTLSec, s.TimeoutSec, s.Priority, s.DependencyLock, s.CreatedBy, nanos(s.CreatedAt), s.Archived,
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

func (r ops) GetScript(ctx context.Context, workspaceID, path string) (*domain.Script, error) {
	return scanScript(r.q.QueryRowContext(ctx, `
		SELECT `+scriptColumns+`
		FROM script
		WHERE workspace_id = ? AND path = ? AND archived = 0
		ORDER BY created_at DESC
		LIMIT 1`, workspaceID, path))
}

func (r ops) GetScriptByHash(ctx context.Context, workspaceID, hash string) (*domain.Script, error) {
	return scanScript(r.q.QueryRowContext(ctx,
		`SELECT `+scriptColumns+` FROM script WHERE workspace_id = ? AND hash = ?`, workspaceID, hash))
}

func (r ops) ListScripts(ctx context.Context, workspaceID string) ([]domain.Script, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+scriptColumns+`
		FROM script s
		WHERE workspace_id = ? AND archived = 0
		  AND created_at = (
			SELECT MAX(created_at) FROM script s2
			WHERE s2.workspace_id = s.workspace_id AND s2.path = s.path AND s2.archived = 0
		  )
		ORDER BY path`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var scripts []domain.Script
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, *s)
	}
	return scripts, rows.Err()
}

func scanScript(row rowScanner) (*domain.Script, error) {
	var s domain.Script
	var concurrency, debounce []byte
	err := row.Scan(
		&s.WorkspaceID, &s.Path, &s.Hash, &s.Language, &s.Content, &s.Tag, &concurrency, &debounce,
		&s.CacheTTLSec, &s.TimeoutSec, &s.Priority, &s.DependencyLock, &s.CreatedBy, timeCol{&s.CreatedAt}, &s.Archived,
	)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan script: %w", err)
	}
	if err := decodeSettings(concurrency, debounce, &s.Concurrency, &s.Debounce); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- Flow ---

func (r ops) UpsertFlow(ctx context.Context, f *domain.FlowDef) error {
	value, err := repo.EncodeJSON(&f.Value)
	if err != nil {
		return err
	}
	concurrency, err := repo.EncodeJSON(f.Concurrency)
	if err != nil {
		return err
	}
	debounce, err := repo.EncodeJSON(f.Debounce)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO flow (`+flowColumns+`) VALUES (`+marks(10)+`)
		ON CONFLICT (workspace_id, path) DO UPDATE
		SET summary = excluded.summary, value = excluded.value, tag = excluded.tag,
		    concurrency = excluded.concurrency, debounce = excluded.debounce,
		    updated_at = excluded.updated_at`,
		f.WorkspaceID, f.Path, f.Summary, value, f.Tag, concurrency, debounce,
		f.CreatedBy, nanos(f.CreatedAt), nanos(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	return nil
}

func (r ops) GetFlow(ctx context.Context, workspaceID, path string) (*domain.FlowDef, error) {
	return scanFlow(r.q.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flow WHERE workspace_id = ? AND path = ?`, workspaceID, path))
}

func (r ops) ListFlows(ctx context.Context, workspaceID string) ([]domain.FlowDef, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+flowColumns+` FROM flow WHERE workspace_id = ? ORDER BY path`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.FlowDef
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

func (r ops) DeleteFlow(ctx context.Context, workspaceID, path string) error {
	return r.execOne(ctx, "delete flow", `DELETE FROM flow WHERE workspace_id = ? AND path = ?`, workspaceID, path)
}

func scanFlow(row rowScanner) (*domain.FlowDef, error) {
	var f domain.FlowDef
	var value, concurrency, debounce []byte
	err := row.Scan(
		&f.WorkspaceID, &f.Path, &f.Summary, &value, &f.Tag, &concurrency, &debounce,
		&f.CreatedBy, timeCol{&f.CreatedAt}, timeCol{&f.UpdatedAt},
	)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	if err := repo.DecodeJSON(value, &f.Value); err != nil {
		return nil, err
	}
	if err := decodeSettings(concurrency, debounce, &f.Concurrency, &f.Debounce); err != nil {
		return nil, err
	}
	return &f, nil
}

func decodeSettings(concurrency, debounce []byte, c **domain.ConcurrencySettings, d **domain.DebounceSettings) error {
	if len(concurrency) > 0 && string(concurrency) != "null" {
		*c = &domain.ConcurrencySettings{}
		if err := repo.DecodeJSON(concurrency, *c); err != nil {
			return err
		}
	}
	if len(debounce) > 0 && string(debounce) != "null" {
		*d = &domain.DebounceSettings{}
		if err := repo.DecodeJSON(debounce, *d); err != nil {
			return err
		}
	}
	return nil
}

// --- Schedule ---

func (r ops) InsertSchedule(ctx context.Context, s *domain.Schedule) error {
	args, err := repo.EncodeJSON(s.Args)
	if err != nil {
		return err
	}
	debounce, err := repo.EncodeJSON(s.Debounce)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO schedule (`+scheduleColumns+`) VALUES (`+marks(18)+`)`,
		s.ID, s.WorkspaceID, s.Path, s.TargetPath, s.IsFlow, s.CronExpr, s.IntervalSec, s.Timezone,
		s.Enabled, nullNanos(s.NextDueAt), nullNanos(s.LastRunAt), s.LastJobID, args, s.Tag, debounce, s.CreatedBy,
		nanos(s.CreatedAt), nanos(s.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (r ops) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return scanSchedule(r.q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedule WHERE id = ?`, id))
}

func (r ops) ListSchedules(ctx context.Context, f repo.ScheduleFilter) ([]domain.Schedule, error) {
	w := repo.NewWhere(dialect)
	if f.WorkspaceID != "" {
		w.Add("workspace_id = ?", f.WorkspaceID)
	}
	if f.Enabled != nil {
		w.Add("enabled = ?", *f.Enabled)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = repo.DefaultPerPage
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedule` + w.SQL() +
		` ORDER BY created_at DESC LIMIT ` + w.Arg(limit) + ` OFFSET ` + w.Arg(f.Offset)
	rows, err := r.q.QueryContext(ctx, query, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectSchedules(rows)
}

func (r ops) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	args, err := repo.EncodeJSON(s.Args)
	if err != nil {
		return err
	}
	debounce, err := repo.EncodeJSON(s.Debounce)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update schedule", `
		UPDATE schedule
		SET target_path = ?, is_flow = ?, cron_expr = ?, interval_sec = ?, timezone = ?,
		    enabled = ?, next_due_at = ?, last_run_at = ?, last_job_id = ?, args = ?,
		    tag = ?, debounce = ?, updated_at = ?
		WHERE id = ?`,
		s.TargetPath, s.IsFlow, s.CronExpr, s.IntervalSec, s.Timezone,
		s.Enabled, nullNanos(s.NextDueAt), nullNanos(s.LastRunAt), s.LastJobID, args,
		s.Tag, debounce, nanos(s.UpdatedAt), s.ID,
	)
}

func (r ops) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete schedule", `DELETE FROM schedule WHERE id = ?`, id)
}

func (r ops) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedule
		WHERE enabled = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?
		ORDER BY next_due_at
		LIMIT ?`, nanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return collectSchedules(rows)
}

func collectSchedules(rows rowsIter) ([]domain.Schedule, error) {
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var s domain.Schedule
	var args, debounce []byte
	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.Path, &s.TargetPath, &s.IsFlow, &s.CronExpr, &s.IntervalSec, &s.Timezone,
		&s.Enabled, nullTimeCol{&s.NextDueAt}, nullTimeCol{&s.LastRunAt}, &s.LastJobID, &args, &s.Tag, &debounce, &s.CreatedBy,
		timeCol{&s.CreatedAt}, timeCol{&s.UpdatedAt},
	)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if err := repo.DecodeJSON(args, &s.Args); err != nil {
		return nil, err
	}
	if len(debounce) > 0 && string(debounce) != "null" {
		s.Debounce = &domain.DebounceSettings{}
		if err := repo.DecodeJSON(debounce, s.Debounce); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
