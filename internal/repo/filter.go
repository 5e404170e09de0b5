package repo

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPerPage = 100
	MaxPerPage     = 1000
)

// ListFilter — фильтр по списку значений: "a,b" или "!a,b" (все, кроме a и b).
type ListFilter struct {
	Values []string
	Negate bool
}

// ParseListFilter разбирает значение query-параметра.
func ParseListFilter(s string) ListFilter {
	s = strings.TrimSpace(s)
	var f ListFilter
	if strings.HasPrefix(s, "!") {
		f.Negate = true
		s = s[1:]
	}
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			f.Values = append(f.Values, v)
		}
	}
	return f
}

// Empty возвращает true, если фильтр ничего не ограничивает.
func (f ListFilter) Empty() bool {
	return len(f.Values) == 0
}

// Match проверяет значение против фильтра.
func (f ListFilter) Match(v string) bool {
	if f.Empty() {
		return true
	}
	found := false
	for _, x := range f.Values {
		if x == v {
			found = true
			break
		}
	}
	return found != f.Negate
}

// JobFilter — параметры фильтрации очереди.
type JobFilter struct {
	WorkspaceID string

	// Path — точное совпадение runnable_path; PathStart — префикс.
	Path      string
	PathStart string

	Tag         ListFilter
	Kinds       ListFilter
	TriggerKind ListFilter
	TriggerPath string
	CreatedBy   string

	ParentJob     *uuid.UUID
	RootJob       *uuid.UUID
	HasNullParent *bool
	IsFlowStep    *bool

	// Только для очереди.
	Running   *bool
	Suspended *bool

	// ScheduledForBeforeNow — только задания, время которых уже наступило (относительно Now).
	ScheduledForBeforeNow *bool
	Now                   time.Time

	CreatedBefore *time.Time
	CreatedAfter  *time.Time

	Page    int
	PerPage int
}

// Limit возвращает размер страницы.
func (f JobFilter) Limit() int {
	switch {
	case f.PerPage <= 0:
		return DefaultPerPage
	case f.PerPage > MaxPerPage:
		return MaxPerPage
	default:
		return f.PerPage
	}
}

// Offset возвращает смещение страницы (страницы нумеруются с 1).
func (f JobFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit()
}

// CompletedFilter — параметры фильтрации завершённых заданий.
type CompletedFilter struct {
	JobFilter

	Success        *bool
	IsSkipped      *bool
	Canceled       *bool
	CompletedAfter *time.Time
}

// ScheduleFilter — параметры фильтрации расписаний.
type ScheduleFilter struct {
	WorkspaceID string
	Enabled     *bool
	Limit       int
	Offset      int
}
