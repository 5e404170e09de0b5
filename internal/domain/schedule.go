package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического запуска скрипта или flow.
//
// Schedule позволяет запускать:
// - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
// - По интервалу: каждые N секунд
//
// Scheduler проверяет next_due_at и порождает триггер, когда время подошло.
// Если у расписания задан Debounce, триггер проходит через Debounce Coordinator.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	WorkspaceID string `json:"workspace_id"`

	// Path — имя расписания, попадает в job.trigger.
	Path string `json:"path"`

	// TargetPath — скрипт или flow, который нужно запускать.
	TargetPath string `json:"target_path"`
	IsFlow     bool   `json:"is_flow"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между запусками.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для cron. По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// Enabled — если false, scheduler игнорирует расписание.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastJobID *uuid.UUID `json:"last_job_id,omitempty"`

	// Args — аргументы каждого запуска.
	Args map[string]any `json:"args,omitempty"`

	Tag      string            `json:"tag,omitempty"`
	Debounce *DebounceSettings `json:"debounce,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
// jobID может быть nil, если триггер ушёл в debounce bucket.
func (s *Schedule) RecordRun(jobID *uuid.UUID, nextDue, now time.Time) {
	s.LastRunAt = &now
	s.LastJobID = jobID
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}
