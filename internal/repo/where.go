package repo

import (
	"strconv"
	"strings"
)

// Dialect — различия SQL между реализациями хранилища, которые нужны общему
// построителю фильтров.
type Dialect struct {
	// Placeholder возвращает маркер n-го аргумента (с 1).
	Placeholder func(n int) string

	// Value приводит аргумент к виду, который понимает драйвер.
	Value func(v any) any
}

// Dollar — плейсхолдеры Postgres ($1, $2, ...).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question — плейсхолдеры SQLite (?).
func Question(int) string { return "?" }

// Where собирает WHERE из условий. Символ '?' в условии заменяется
// на плейсхолдер следующего аргумента.
type Where struct {
	d       Dialect
	clauses []string
	args    []any
}

// NewWhere создаёт пустой построитель.
func NewWhere(d Dialect) *Where {
	return &Where{d: d}
}

// Add добавляет условие с аргументами.
func (w *Where) Add(clause string, args ...any) {
	var b strings.Builder
	i := 0
	for _, r := range clause {
		if r == '?' && i < len(args) {
			w.args = append(w.args, w.value(args[i]))
			b.WriteString(w.d.Placeholder(len(w.args)))
			i++
			continue
		}
		b.WriteRune(r)
	}
	w.clauses = append(w.clauses, b.String())
}

// In добавляет "column IN (...)" или "column NOT IN (...)" по ListFilter.
func (w *Where) In(column string, f ListFilter) {
	if f.Empty() {
		return
	}
	marks := make([]string, len(f.Values))
	args := make([]any, len(f.Values))
	for i, v := range f.Values {
		marks[i] = "?"
		args[i] = v
	}
	op := " IN "
	if f.Negate {
		op = " NOT IN "
	}
	w.Add(column+op+"("+strings.Join(marks, ", ")+")", args...)
}

// Arg добавляет аргумент без условия (LIMIT, OFFSET) и возвращает плейсхолдер.
func (w *Where) Arg(v any) string {
	w.args = append(w.args, w.value(v))
	return w.d.Placeholder(len(w.args))
}

// SQL возвращает " WHERE ..." или пустую строку.
func (w *Where) SQL() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// Args возвращает аргументы в порядке плейсхолдеров.
func (w *Where) Args() []any {
	return w.args
}

func (w *Where) value(v any) any {
	if w.d.Value == nil {
		return v
	}
	return w.d.Value(v)
}

// JobWhere добавляет условия JobFilter, общие для очереди и completed.
func JobWhere(w *Where, f JobFilter) {
	if f.WorkspaceID != "" {
		w.Add("workspace_id = ?", f.WorkspaceID)
	}
	if f.Path != "" {
		w.Add("runnable_path = ?", f.Path)
	}
	if f.PathStart != "" {
		w.Add(`runnable_path LIKE ? ESCAPE '\'`, escapeLike(f.PathStart)+"%")
	}
	w.In("tag", f.Tag)
	w.In("kind", f.Kinds)
	w.In("trigger_kind", f.TriggerKind)
	if f.TriggerPath != "" {
		w.Add("trigger_path = ?", f.TriggerPath)
	}
	if f.CreatedBy != "" {
		w.Add("created_by = ?", f.CreatedBy)
	}
	if f.ParentJob != nil {
		w.Add("parent_job = ?", *f.ParentJob)
	}
	if f.RootJob != nil {
		w.Add("(root_job = ? OR id = ?)", *f.RootJob, *f.RootJob)
	}
	if f.HasNullParent != nil {
		if *f.HasNullParent {
			w.Add("parent_job IS NULL")
		} else {
			w.Add("parent_job IS NOT NULL")
		}
	}
	if f.IsFlowStep != nil {
		if *f.IsFlowStep {
			w.Add("flow_step_id <> ''")
		} else {
			w.Add("flow_step_id = ''")
		}
	}
	if f.CreatedBefore != nil {
		w.Add("created_at < ?", *f.CreatedBefore)
	}
	if f.CreatedAfter != nil {
		w.Add("created_at > ?", *f.CreatedAfter)
	}
}

// QueueWhere добавляет условия, имеющие смысл только для очереди.
func QueueWhere(w *Where, f JobFilter) {
	JobWhere(w, f)
	if f.Running != nil {
		w.Add("running = ?", *f.Running)
	}
	if f.Suspended != nil {
		w.Add("suspended = ?", *f.Suspended)
	}
	if f.ScheduledForBeforeNow != nil && *f.ScheduledForBeforeNow {
		w.Add("scheduled_for <= ?", f.Now)
	}
}

// CompletedWhere добавляет условия для completed.
func CompletedWhere(w *Where, f CompletedFilter) {
	JobWhere(w, f.JobFilter)
	if f.Success != nil {
		w.Add("success = ?", *f.Success)
	}
	if f.IsSkipped != nil {
		w.Add("is_skipped = ?", *f.IsSkipped)
	}
	if f.Canceled != nil {
		w.Add("canceled = ?", *f.Canceled)
	}
	if f.CompletedAfter != nil {
		w.Add("completed_at > ?", *f.CompletedAfter)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
