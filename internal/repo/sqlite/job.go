package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/repo"
)

const jobColumns = `
	id, workspace_id, parent_job, root_job, kind, runnable_path, runnable_hash,
	language, raw_code, raw_flow, flow_step_id, args, permissioned_as, created_by,
	tag, priority, scheduled_for, created_at, started_at, running, worker,
	same_worker_id, suspended, suspend_until, timeout_s, concurrency_key,
	concurrent_limit, concurrency_window_s, cache_key, cache_ttl_s, flow_status,
	canceled, canceled_by, canceled_reason, last_ping, reclaims, mem_peak,
	visible_to_owner, trigger_kind, trigger_path, debounce_batch, dependency_lock`

const completedColumns = `
	id, workspace_id, parent_job, root_job, kind, runnable_path, runnable_hash,
	language, raw_flow, flow_step_id, args, permissioned_as, created_by, tag,
	priority, scheduled_for, created_at, started_at, completed_at, duration_ms,
	success, canceled, canceled_by, canceled_reason, is_skipped, result,
	flow_status, worker, mem_peak, visible_to_owner, trigger_kind, trigger_path,
	debounce_batch, logs_ref`

func marks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (r ops) InsertJob(ctx context.Context, j *domain.Job) error {
	js, err := repo.EncodeJobJSON(j)
	if err != nil {
		return err
	}
	l := repo.LimitsOf(j)

	_, err = r.q.ExecContext(ctx, `INSERT INTO job_queue (`+jobColumns+`) VALUES (`+marks(42)+`)`,
		j.ID, j.WorkspaceID, j.ParentJob, j.RootJob, j.Kind, j.RunnablePath, j.RunnableHash,
		j.Language, j.RawCode, js.RawFlow, j.FlowStepID, js.Args, j.PermissionedAs, j.CreatedBy,
		j.Tag, j.Priority, nanos(j.ScheduledFor), nanos(j.CreatedAt), nullNanos(j.StartedAt), j.Running, j.Worker,
		j.SameWorkerID, j.Suspended, nullNanos(j.SuspendUntil), j.TimeoutSec, l.ConcurrencyKey,
		l.ConcurrentLimit, l.ConcurrencyWindow, l.CacheKey, l.CacheTTL, js.FlowStatus,
		j.Canceled, j.CanceledBy, j.CanceledReason, nullNanos(j.LastPing), j.Reclaims, j.MemPeak,
		j.Visible, j.TriggerKind, j.Trigger, j.DebounceBatch, j.DependencyLock,
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r ops) GetQueued(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return scanJob(r.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?`, id))
}

// LockJob совпадает с GetQueued: транзакция уже держит блокировку записи.
func (r ops) LockJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return r.GetQueued(ctx, id)
}

func (r ops) GetCompleted(ctx context.Context, id uuid.UUID) (*domain.CompletedJob, error) {
	return scanCompleted(r.q.QueryRowContext(ctx, `SELECT `+completedColumns+` FROM job_completed WHERE id = ?`, id))
}

func (r ops) ListClaimCandidates(ctx context.Context, q repo.ClaimQuery) ([]domain.Job, error) {
	if len(q.Tags) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	now := nanos(q.Now)

	args := make([]any, 0, len(q.Tags)+4)
	for _, t := range q.Tags {
		args = append(args, t)
	}
	args = append(args, now, now, q.WorkerID, limit)

	query := `
		SELECT ` + jobColumns + `
		FROM job_queue
		WHERE running = 0
		  AND tag IN (` + marks(len(q.Tags)) + `)
		  AND scheduled_for <= ?
		  AND (suspended = 0 OR (suspend_until IS NOT NULL AND suspend_until <= ?))
		  AND (same_worker_id = '' OR same_worker_id = ?)
		ORDER BY priority DESC, scheduled_for, created_at, id
		LIMIT ?`
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}
	return collectJobs(rows)
}

func (r ops) MarkRunning(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	return r.execOne(ctx, "mark running", `
		UPDATE job_queue
		SET running = 1, worker = ?, started_at = COALESCE(started_at, ?), last_ping = ?,
		    suspended = 0, suspend_until = NULL
		WHERE id = ?`, workerID, nanos(now), nanos(now), id)
}

func (r ops) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.execOne(ctx, "reschedule job", `UPDATE job_queue SET scheduled_for = ? WHERE id = ?`, nanos(at), id)
}

func (r ops) UpdatePing(ctx context.Context, id uuid.UUID, workerID string, memPeak int, now time.Time) (bool, error) {
	var canceled bool
	err := r.q.QueryRowContext(ctx, `
		UPDATE job_queue
		SET last_ping = ?, mem_peak = MAX(mem_peak, ?)
		WHERE id = ? AND running = 1 AND worker = ?
		RETURNING canceled`, nanos(now), memPeak, id, workerID).Scan(&canceled)
	if err != nil {
		return false, notFound(err)
	}
	return canceled, nil
}

func (r ops) UpdateFlowStatus(ctx context.Context, id uuid.UUID, fs *domain.FlowStatus) error {
	data, err := repo.EncodeJSON(fs)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update flow status", `UPDATE job_queue SET flow_status = ? WHERE id = ?`, data, id)
}

func (r ops) ParkFlow(ctx context.Context, id uuid.UUID, fs *domain.FlowStatus, until *time.Time) error {
	data, err := repo.EncodeJSON(fs)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "park flow", `
		UPDATE job_queue
		SET flow_status = ?, running = 0, worker = '', last_ping = NULL,
		    suspended = 1, suspend_until = ?,
		    same_worker_id = COALESCE(NULLIF(?, ''), same_worker_id)
		WHERE id = ?`, data, nullNanos(until), fs.SameWorker, id)
}

func (r ops) WakeJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE job_queue
		SET suspended = 0, suspend_until = NULL, scheduled_for = MIN(scheduled_for, ?)
		WHERE id = ? AND suspended = 1`, nanos(now), id)
	if err != nil {
		return fmt.Errorf("wake job: %w", err)
	}
	return nil
}

func (r ops) CountChildren(ctx context.Context, parentID uuid.UUID) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE parent_job = ? AND canceled = 0`, parentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return n, nil
}

func (r ops) DeleteQueued(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete queued job", `DELETE FROM job_queue WHERE id = ?`, id)
}

func (r ops) InsertCompleted(ctx context.Context, c *domain.CompletedJob) error {
	args, err := repo.EncodeJSON(c.Args)
	if err != nil {
		return err
	}
	rawFlow, err := repo.EncodeJSON(c.RawFlow)
	if err != nil {
		return err
	}
	fs, err := repo.EncodeJSON(c.FlowStatus)
	if err != nil {
		return err
	}
	result, err := repo.EncodeJSON(c.Result)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `INSERT INTO job_completed (`+completedColumns+`) VALUES (`+marks(34)+`)`,
		c.ID, c.WorkspaceID, c.ParentJob, c.RootJob, c.Kind, c.RunnablePath, c.RunnableHash,
		c.Language, rawFlow, c.FlowStepID, args, c.PermissionedAs, c.CreatedBy, c.Tag,
		c.Priority, nanos(c.ScheduledFor), nanos(c.CreatedAt), nullNanos(c.StartedAt), nanos(c.CompletedAt), c.DurationMs,
		c.Success, c.Canceled, c.CanceledBy, c.CanceledReason, c.IsSkipped, result,
		fs, c.Worker, c.MemPeak, c.Visible, c.TriggerKind, c.Trigger,
		c.DebounceBatch, c.LogsRef,
	)
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert completed job: %w", err)
	}
	return nil
}

func (r ops) SetCanceled(ctx context.Context, id uuid.UUID, by, reason string, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.q.QueryContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM job_queue WHERE id = ?
			UNION ALL
			SELECT q.id FROM job_queue q JOIN tree t ON q.parent_job = t.id
		)
		UPDATE job_queue
		SET canceled = 1, canceled_by = ?, canceled_reason = ?,
		    suspended = 0, suspend_until = NULL, scheduled_for = MIN(scheduled_for, ?)
		WHERE id IN (SELECT id FROM tree) AND canceled = 0
		RETURNING id`, id, by, reason, nanos(now))
	if err != nil {
		return nil, fmt.Errorf("cancel jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var jobID uuid.UUID
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("cancel jobs: %w", err)
		}
		ids = append(ids, jobID)
	}
	return ids, rows.Err()
}

func (r ops) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Job, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM job_queue
		WHERE running = 1 AND last_ping < ?
		ORDER BY last_ping
		LIMIT ?`, nanos(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r ops) ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.execOne(ctx, "reset job", `
		UPDATE job_queue
		SET running = 0, worker = '', started_at = NULL, last_ping = NULL,
		    reclaims = reclaims + 1, scheduled_for = ?
		WHERE id = ?`, nanos(now), id)
}

func (r ops) ListQueue(ctx context.Context, f repo.JobFilter) ([]domain.Job, error) {
	w := repo.NewWhere(dialect)
	repo.QueueWhere(w, f)
	query := `SELECT ` + jobColumns + ` FROM job_queue` + w.SQL() +
		` ORDER BY created_at DESC, id DESC LIMIT ` + w.Arg(f.Limit()) + ` OFFSET ` + w.Arg(f.Offset())
	rows, err := r.q.QueryContext(ctx, query, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return collectJobs(rows)
}

func (r ops) ListCompleted(ctx context.Context, f repo.CompletedFilter) ([]domain.CompletedJob, error) {
	w := repo.NewWhere(dialect)
	repo.CompletedWhere(w, f)
	query := `SELECT ` + completedColumns + ` FROM job_completed` + w.SQL() +
		` ORDER BY completed_at DESC, id DESC LIMIT ` + w.Arg(f.Limit()) + ` OFFSET ` + w.Arg(f.Offset())
	rows, err := r.q.QueryContext(ctx, query, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list completed: %w", err)
	}
	defer rows.Close()

	var jobs []domain.CompletedJob
	for rows.Next() {
		c, err := scanCompleted(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *c)
	}
	return jobs, rows.Err()
}

func (r ops) AppendLogs(ctx context.Context, jobID uuid.UUID, lines []string, now time.Time) error {
	if len(lines) == 0 {
		return nil
	}
	values := make([]string, len(lines))
	args := make([]any, 0, len(lines)*3)
	for i, line := range lines {
		values[i] = "(?, ?, ?)"
		args = append(args, jobID, line, nanos(now))
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, line, created_at) VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

func (r ops) GetLogs(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]domain.LogLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, line, created_at FROM job_logs
		WHERE job_id = ? AND seq > ?
		ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	defer rows.Close()

	var lines []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.Seq, &l.Line, timeCol{&l.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var js repo.JobJSON
	var l repo.JobLimits

	err := row.Scan(
		&j.ID, &j.WorkspaceID, &j.ParentJob, &j.RootJob, &j.Kind, &j.RunnablePath, &j.RunnableHash,
		&j.Language, &j.RawCode, &js.RawFlow, &j.FlowStepID, &js.Args, &j.PermissionedAs, &j.CreatedBy,
		&j.Tag, &j.Priority, timeCol{&j.ScheduledFor}, timeCol{&j.CreatedAt}, nullTimeCol{&j.StartedAt}, &j.Running, &j.Worker,
		&j.SameWorkerID, &j.Suspended, nullTimeCol{&j.SuspendUntil}, &j.TimeoutSec, &l.ConcurrencyKey,
		&l.ConcurrentLimit, &l.ConcurrencyWindow, &l.CacheKey, &l.CacheTTL, &js.FlowStatus,
		&j.Canceled, &j.CanceledBy, &j.CanceledReason, nullTimeCol{&j.LastPing}, &j.Reclaims, &j.MemPeak,
		&j.Visible, &j.TriggerKind, &j.Trigger, &j.DebounceBatch, &j.DependencyLock,
	)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := js.Decode(&j); err != nil {
		return nil, err
	}
	l.Apply(&j)
	return &j, nil
}

func collectJobs(rows rowsIter) ([]domain.Job, error) {
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// rowsIter — подмножество *sql.Rows.
type rowsIter interface {
	rowScanner
	Next() bool
	Err() error
	Close() error
}

func scanCompleted(row rowScanner) (*domain.CompletedJob, error) {
	var c domain.CompletedJob
	var args, rawFlow, fs, result []byte

	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.ParentJob, &c.RootJob, &c.Kind, &c.RunnablePath, &c.RunnableHash,
		&c.Language, &rawFlow, &c.FlowStepID, &args, &c.PermissionedAs, &c.CreatedBy, &c.Tag,
		&c.Priority, timeCol{&c.ScheduledFor}, timeCol{&c.CreatedAt}, nullTimeCol{&c.StartedAt}, timeCol{&c.CompletedAt}, &c.DurationMs,
		&c.Success, &c.Canceled, &c.CanceledBy, &c.CanceledReason, &c.IsSkipped, &result,
		&fs, &c.Worker, &c.MemPeak, &c.Visible, &c.TriggerKind, &c.Trigger,
		&c.DebounceBatch, &c.LogsRef,
	)
	if err != nil {
		if err = notFound(err); err == repo.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan completed job: %w", err)
	}

	if err := repo.DecodeJSON(args, &c.Args); err != nil {
		return nil, err
	}
	if len(rawFlow) > 0 && string(rawFlow) != "null" {
		c.RawFlow = &domain.FlowValue{}
		if err := repo.DecodeJSON(rawFlow, c.RawFlow); err != nil {
			return nil, err
		}
	}
	if len(fs) > 0 && string(fs) != "null" {
		c.FlowStatus = &domain.FlowStatus{}
		if err := repo.DecodeJSON(fs, c.FlowStatus); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		c.Result = result
	}
	return &c, nil
}
