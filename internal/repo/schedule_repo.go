package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/flowq/internal/domain"
)

const scheduleColumns = `
	id, workspace_id, path, target_path, is_flow, cron_expr, interval_sec, timezone,
	enabled, next_due_at, last_run_at, last_job_id, args, tag, debounce, created_by,
	created_at, updated_at`

// InsertSchedule создаёт расписание. Дубликат пути — ErrAlreadyExists.
func (r pgOps) InsertSchedule(ctx context.Context, s *domain.Schedule) error {
	args, err := EncodeJSON(s.Args)
	if err != nil {
		return err
	}
	debounce, err := EncodeJSON(s.Debounce)
	if err != nil {
		return err
	}

	query := `INSERT INTO schedule (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err = r.q.Exec(ctx, query,
		s.ID, s.WorkspaceID, s.Path, s.TargetPath, s.IsFlow, s.CronExpr, s.IntervalSec, s.Timezone,
		s.Enabled, s.NextDueAt, s.LastRunAt, s.LastJobID, args, s.Tag, debounce, s.CreatedBy,
		s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule возвращает расписание по ID.
func (r pgOps) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return scanSchedule(r.q.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedule WHERE id = $1`, id))
}

// ListSchedules возвращает расписания с фильтрацией.
func (r pgOps) ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error) {
	w := NewWhere(pgDialect)
	if f.WorkspaceID != "" {
		w.Add("workspace_id = ?", f.WorkspaceID)
	}
	if f.Enabled != nil {
		w.Add("enabled = ?", *f.Enabled)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPerPage
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedule` + w.SQL() +
		` ORDER BY created_at DESC LIMIT ` + w.Arg(limit) + ` OFFSET ` + w.Arg(f.Offset)
	rows, err := r.q.Query(ctx, query, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectSchedules(rows)
}

// UpdateSchedule сохраняет расписание целиком.
func (r pgOps) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	args, err := EncodeJSON(s.Args)
	if err != nil {
		return err
	}
	debounce, err := EncodeJSON(s.Debounce)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update schedule", `
		UPDATE schedule
		SET target_path = $2, is_flow = $3, cron_expr = $4, interval_sec = $5, timezone = $6,
		    enabled = $7, next_due_at = $8, last_run_at = $9, last_job_id = $10, args = $11,
		    tag = $12, debounce = $13, updated_at = $14
		WHERE id = $1`,
		s.ID, s.TargetPath, s.IsFlow, s.CronExpr, s.IntervalSec, s.Timezone,
		s.Enabled, s.NextDueAt, s.LastRunAt, s.LastJobID, args,
		s.Tag, debounce, s.UpdatedAt,
	)
}

// DeleteSchedule удаляет расписание.
func (r pgOps) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete schedule", `DELETE FROM schedule WHERE id = $1`, id)
}

// ListDueSchedules возвращает расписания, готовые к запуску.
func (r pgOps) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedule
		WHERE enabled = TRUE
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := r.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return collectSchedules(rows)
}

// --- Helpers ---

func collectSchedules(rows pgx.Rows) ([]domain.Schedule, error) {
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

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var args, debounce []byte

	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.Path, &s.TargetPath, &s.IsFlow, &s.CronExpr, &s.IntervalSec, &s.Timezone,
		&s.Enabled, &s.NextDueAt, &s.LastRunAt, &s.LastJobID, &args, &s.Tag, &debounce, &s.CreatedBy,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if err := DecodeJSON(args, &s.Args); err != nil {
		return nil, err
	}
	if len(debounce) > 0 && string(debounce) != "null" {
		s.Debounce = &domain.DebounceSettings{}
		if err := DecodeJSON(debounce, s.Debounce); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
