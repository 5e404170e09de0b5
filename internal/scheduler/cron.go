package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/engine"
)

// cronParser — парсер cron-выражений (пять полей, дескрипторы @hourly и т.п.).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующее время выполнения для schedule.
// Для интервалов просто добавляет IntervalSec к from.
//
// Учитывает timezone schedule. Результат — в UTC.
func CalculateNextDue(sched *domain.Schedule, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		// Fallback на UTC если timezone невалидный
		loc = time.UTC
	}
	fromInTz := from.In(loc)

	if sched.IsCron() {
		return calculateNextCron(sched.CronExpr, fromInTz)
	}
	if sched.IsInterval() {
		return calculateNextInterval(sched.IntervalSec, fromInTz), nil
	}
	return time.Time{}, fmt.Errorf("schedule has neither cron_expr nor interval_sec")
}

// calculateNextCron вычисляет следующее время по cron-выражению.
func calculateNextCron(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from).UTC(), nil
}

// calculateNextInterval вычисляет следующее время по интервалу.
func calculateNextInterval(intervalSec int, from time.Time) time.Time {
	return from.Add(time.Duration(intervalSec) * time.Second).UTC()
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// Validate проверяет расписание перед сохранением. Ошибки оборачивают
// engine.ErrInvalidSpec.
func Validate(sched *domain.Schedule) error {
	switch {
	case sched.WorkspaceID == "":
		return fmt.Errorf("%w: workspace_id is required", engine.ErrInvalidSpec)
	case sched.Path == "":
		return fmt.Errorf("%w: path is required", engine.ErrInvalidSpec)
	case sched.TargetPath == "":
		return fmt.Errorf("%w: target_path is required", engine.ErrInvalidSpec)
	case sched.IntervalSec < 0:
		return fmt.Errorf("%w: interval_sec must not be negative", engine.ErrInvalidSpec)
	case !sched.IsCron() && !sched.IsInterval():
		return fmt.Errorf("%w: cron_expr or interval_sec is required", engine.ErrInvalidSpec)
	}
	if sched.IsCron() {
		if err := ValidateCronExpr(sched.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrInvalidSpec, err)
		}
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", engine.ErrInvalidSpec, sched.Timezone)
		}
	}
	if sched.Debounce.Enabled() {
		if err := engine.CheckKeyTemplate(sched.Debounce.KeyTemplate); err != nil {
			return err
		}
	}
	return nil
}

// Prepare заполняет значения по умолчанию и первое время запуска
// нового расписания.
func Prepare(sched *domain.Schedule, now time.Time) error {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if err := Validate(sched); err != nil {
		return err
	}
	next, err := CalculateNextDue(sched, now)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSpec, err)
	}
	sched.NextDueAt = &next
	return nil
}
