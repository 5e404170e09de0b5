package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/flowq/internal/domain"
)

// jobColumns — колонки job_queue в порядке scanJob.
const jobColumns = `
	id, workspace_id, parent_job, root_job, kind, runnable_path, runnable_hash,
	language, raw_code, raw_flow, flow_step_id, args, permissioned_as, created_by,
	tag, priority, scheduled_for, created_at, started_at, running, worker,
	same_worker_id, suspended, suspend_until, timeout_s, concurrency_key,
	concurrent_limit, concurrency_window_s, cache_key, cache_ttl_s, flow_status,
	canceled, canceled_by, canceled_reason, last_ping, reclaims, mem_peak,
	visible_to_owner, trigger_kind, trigger_path, debounce_batch, dependency_lock`

// completedColumns — колонки job_completed в порядке scanCompleted.
const completedColumns = `
	id, workspace_id, parent_job, root_job, kind, runnable_path, runnable_hash,
	language, raw_flow, flow_step_id, args, permissioned_as, created_by, tag,
	priority, scheduled_for, created_at, started_at, completed_at, duration_ms,
	success, canceled, canceled_by, canceled_reason, is_skipped, result,
	flow_status, worker, mem_peak, visible_to_owner, trigger_kind, trigger_path,
	debounce_batch, logs_ref`

// InsertJob ставит задание в очередь.
func (r pgOps) InsertJob(ctx context.Context, j *domain.Job) error {
	js, err := EncodeJobJSON(j)
	if err != nil {
		return err
	}
	l := LimitsOf(j)

	query := `INSERT INTO job_queue (` + jobColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32,
		$33, $34, $35, $36, $37, $38, $39, $40, $41, $42)`
	_, err = r.q.Exec(ctx, query,
		j.ID, j.WorkspaceID, j.ParentJob, j.RootJob, j.Kind, j.RunnablePath, j.RunnableHash,
		j.Language, j.RawCode, js.RawFlow, j.FlowStepID, js.Args, j.PermissionedAs, j.CreatedBy,
		j.Tag, j.Priority, j.ScheduledFor, j.CreatedAt, j.StartedAt, j.Running, j.Worker,
		j.SameWorkerID, j.Suspended, j.SuspendUntil, j.TimeoutSec, l.ConcurrencyKey,
		l.ConcurrentLimit, l.ConcurrencyWindow, l.CacheKey, l.CacheTTL, js.FlowStatus,
		j.Canceled, j.CanceledBy, j.CanceledReason, j.LastPing, j.Reclaims, j.MemPeak,
		j.Visible, j.TriggerKind, j.Trigger, j.DebounceBatch, j.DependencyLock,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetQueued возвращает задание из очереди.
func (r pgOps) GetQueued(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return scanJob(r.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id))
}

// LockJob возвращает задание и блокирует строку.
func (r pgOps) LockJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return scanJob(r.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1 FOR UPDATE`, id))
}

// GetCompleted возвращает завершённое задание.
func (r pgOps) GetCompleted(ctx context.Context, id uuid.UUID) (*domain.CompletedJob, error) {
	return scanCompleted(r.q.QueryRow(ctx, `SELECT `+completedColumns+` FROM job_completed WHERE id = $1`, id))
}

// ListClaimCandidates выбирает задания для claim с SKIP LOCKED:
// конкурирующие воркеры никогда не получают одну и ту же строку.
func (r pgOps) ListClaimCandidates(ctx context.Context, q ClaimQuery) ([]domain.Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	query := `
		SELECT ` + jobColumns + `
		FROM job_queue
		WHERE running = FALSE
		  AND tag = ANY($1)
		  AND scheduled_for <= $2
		  AND (suspended = FALSE OR (suspend_until IS NOT NULL AND suspend_until <= $2))
		  AND (same_worker_id = '' OR same_worker_id = $3)
		ORDER BY priority DESC, scheduled_for, created_at, id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`
	rows, err := r.q.Query(ctx, query, q.Tags, q.Now, q.WorkerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}
	return collectJobs(rows)
}

// MarkRunning отдаёт задание воркеру.
func (r pgOps) MarkRunning(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	return r.execOne(ctx, "mark running", `
		UPDATE job_queue
		SET running = TRUE, worker = $2, started_at = COALESCE(started_at, $3), last_ping = $3,
		    suspended = FALSE, suspend_until = NULL
		WHERE id = $1`, id, workerID, now)
}

// Reschedule откладывает задание.
func (r pgOps) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.execOne(ctx, "reschedule job", `UPDATE job_queue SET scheduled_for = $2 WHERE id = $1`, id, at)
}

// UpdatePing продлевает liveness выполнения.
func (r pgOps) UpdatePing(ctx context.Context, id uuid.UUID, workerID string, memPeak int, now time.Time) (bool, error) {
	var canceled bool
	err := r.q.QueryRow(ctx, `
		UPDATE job_queue
		SET last_ping = $3, mem_peak = GREATEST(mem_peak, $4)
		WHERE id = $1 AND running = TRUE AND worker = $2
		RETURNING canceled`, id, workerID, now, memPeak).Scan(&canceled)
	if err != nil {
		return false, notFound(err)
	}
	return canceled, nil
}

// UpdateFlowStatus сохраняет состояние flow.
func (r pgOps) UpdateFlowStatus(ctx context.Context, id uuid.UUID, fs *domain.FlowStatus) error {
	data, err := EncodeJSON(fs)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update flow status", `UPDATE job_queue SET flow_status = $2 WHERE id = $1`, id, data)
}

// ParkFlow освобождает flow и переводит его в ожидание.
// Flow с same_worker остаётся привязан к своему воркеру.
func (r pgOps) ParkFlow(ctx context.Context, id uuid.UUID, fs *domain.FlowStatus, until *time.Time) error {
	data, err := EncodeJSON(fs)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "park flow", `
		UPDATE job_queue
		SET flow_status = $2, running = FALSE, worker = '', last_ping = NULL,
		    suspended = TRUE, suspend_until = $3,
		    same_worker_id = COALESCE(NULLIF($4::text, ''), same_worker_id)
		WHERE id = $1`, id, data, until, fs.SameWorker)
}

// WakeJob снимает приостановку.
func (r pgOps) WakeJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE job_queue
		SET suspended = FALSE, suspend_until = NULL, scheduled_for = LEAST(scheduled_for, $2)
		WHERE id = $1 AND suspended = TRUE`, id, now)
	if err != nil {
		return fmt.Errorf("wake job: %w", err)
	}
	return nil
}

// CountChildren считает неотменённые дочерние задания в очереди.
func (r pgOps) CountChildren(ctx context.Context, parentID uuid.UUID) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM job_queue WHERE parent_job = $1 AND NOT canceled`, parentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return n, nil
}

// DeleteQueued удаляет строку из очереди.
func (r pgOps) DeleteQueued(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete queued job", `DELETE FROM job_queue WHERE id = $1`, id)
}

// InsertCompleted записывает терминальную строку.
func (r pgOps) InsertCompleted(ctx context.Context, c *domain.CompletedJob) error {
	args, err := EncodeJSON(c.Args)
	if err != nil {
		return err
	}
	rawFlow, err := EncodeJSON(c.RawFlow)
	if err != nil {
		return err
	}
	fs, err := EncodeJSON(c.FlowStatus)
	if err != nil {
		return err
	}
	result, err := EncodeJSON(c.Result)
	if err != nil {
		return err
	}

	query := `INSERT INTO job_completed (` + completedColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32,
		$33, $34)`
	_, err = r.q.Exec(ctx, query,
		c.ID, c.WorkspaceID, c.ParentJob, c.RootJob, c.Kind, c.RunnablePath, c.RunnableHash,
		c.Language, rawFlow, c.FlowStepID, args, c.PermissionedAs, c.CreatedBy, c.Tag,
		c.Priority, c.ScheduledFor, c.CreatedAt, c.StartedAt, c.CompletedAt, c.DurationMs,
		c.Success, c.Canceled, c.CanceledBy, c.CanceledReason, c.IsSkipped, result,
		fs, c.Worker, c.MemPeak, c.Visible, c.TriggerKind, c.Trigger,
		c.DebounceBatch, c.LogsRef,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert completed job: %w", err)
	}
	return nil
}

// SetCanceled помечает задание и его потомков.
func (r pgOps) SetCanceled(ctx context.Context, id uuid.UUID, by, reason string, now time.Time) ([]uuid.UUID, error) {
	query := `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM job_queue WHERE id = $1
			UNION ALL
			SELECT q.id FROM job_queue q JOIN tree t ON q.parent_job = t.id
		)
		UPDATE job_queue
		SET canceled = TRUE, canceled_by = $2, canceled_reason = $3,
		    suspended = FALSE, suspend_until = NULL, scheduled_for = LEAST(scheduled_for, $4)
		WHERE id IN (SELECT id FROM tree) AND canceled = FALSE
		RETURNING id`
	rows, err := r.q.Query(ctx, query, id, by, reason, now)
	if err != nil {
		return nil, fmt.Errorf("cancel jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("cancel jobs: %w", err)
	}
	return ids, nil
}

// ListStale возвращает выполнения без heartbeat.
func (r pgOps) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Job, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+jobColumns+`
		FROM job_queue
		WHERE running = TRUE AND last_ping < $1
		ORDER BY last_ping
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// ResetForRetry возвращает задание в очередь после потери воркера.
func (r pgOps) ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.execOne(ctx, "reset job", `
		UPDATE job_queue
		SET running = FALSE, worker = '', started_at = NULL, last_ping = NULL,
		    reclaims = reclaims + 1, scheduled_for = $2
		WHERE id = $1`, id, now)
}

// ListQueue возвращает очередь по фильтру.
func (r pgOps) ListQueue(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	w := NewWhere(pgDialect)
	QueueWhere(w, f)
	query := `SELECT ` + jobColumns + ` FROM job_queue` + w.SQL() +
		` ORDER BY created_at DESC, id DESC LIMIT ` + w.Arg(f.Limit()) + ` OFFSET ` + w.Arg(f.Offset())
	rows, err := r.q.Query(ctx, query, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return collectJobs(rows)
}

// ListCompleted возвращает завершённые задания по фильтру.
func (r pgOps) ListCompleted(ctx context.Context, f CompletedFilter) ([]domain.CompletedJob, error) {
	w := NewWhere(pgDialect)
	CompletedWhere(w, f)
	query := `SELECT ` + completedColumns + ` FROM job_completed` + w.SQL() +
		` ORDER BY completed_at DESC, id DESC LIMIT ` + w.Arg(f.Limit()) + ` OFFSET ` + w.Arg(f.Offset())
	rows, err := r.q.Query(ctx, query, w.Args()...)
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

// AppendLogs дописывает строки лога.
func (r pgOps) AppendLogs(ctx context.Context, jobID uuid.UUID, lines []string, now time.Time) error {
	if len(lines) == 0 {
		return nil
	}
	values := make([]string, len(lines))
	args := []any{jobID, now}
	for i, line := range lines {
		args = append(args, line)
		values[i] = fmt.Sprintf("($1, $%d, $2)", len(args))
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO job_logs (job_id, line, created_at) VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

// GetLogs возвращает строки лога после afterSeq.
func (r pgOps) GetLogs(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]domain.LogLine, error) {
	rows, err := r.q.Query(ctx, `
		SELECT seq, line, created_at FROM job_logs
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	defer rows.Close()

	var lines []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// --- Helpers ---

// execOne выполняет UPDATE/DELETE, который должен затронуть ровно одну строку.
func (r pgOps) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanJob сканирует одну строку в Job.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var js JobJSON
	var l JobLimits

	err := row.Scan(
		&j.ID, &j.WorkspaceID, &j.ParentJob, &j.RootJob, &j.Kind, &j.RunnablePath, &j.RunnableHash,
		&j.Language, &j.RawCode, &js.RawFlow, &j.FlowStepID, &js.Args, &j.PermissionedAs, &j.CreatedBy,
		&j.Tag, &j.Priority, &j.ScheduledFor, &j.CreatedAt, &j.StartedAt, &j.Running, &j.Worker,
		&j.SameWorkerID, &j.Suspended, &j.SuspendUntil, &j.TimeoutSec, &l.ConcurrencyKey,
		&l.ConcurrentLimit, &l.ConcurrencyWindow, &l.CacheKey, &l.CacheTTL, &js.FlowStatus,
		&j.Canceled, &j.CanceledBy, &j.CanceledReason, &j.LastPing, &j.Reclaims, &j.MemPeak,
		&j.Visible, &j.TriggerKind, &j.Trigger, &j.DebounceBatch, &j.DependencyLock,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
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

// collectJobs сканирует все строки и закрывает rows.
func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
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

// scanCompleted сканирует одну строку в CompletedJob.
func scanCompleted(row pgx.Row) (*domain.CompletedJob, error) {
	var c domain.CompletedJob
	var args, rawFlow, fs, result []byte

	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.ParentJob, &c.RootJob, &c.Kind, &c.RunnablePath, &c.RunnableHash,
		&c.Language, &rawFlow, &c.FlowStepID, &args, &c.PermissionedAs, &c.CreatedBy, &c.Tag,
		&c.Priority, &c.ScheduledFor, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.DurationMs,
		&c.Success, &c.Canceled, &c.CanceledBy, &c.CanceledReason, &c.IsSkipped, &result,
		&fs, &c.Worker, &c.MemPeak, &c.Visible, &c.TriggerKind, &c.Trigger,
		&c.DebounceBatch, &c.LogsRef,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan completed job: %w", err)
	}

	if err := decodeCompletedJSON(&c, args, rawFlow, fs, result); err != nil {
		return nil, err
	}
	return &c, nil
}

// decodeCompletedJSON разбирает JSON-колонки завершённого задания.
func decodeCompletedJSON(c *domain.CompletedJob, args, rawFlow, fs, result []byte) error {
	if err := DecodeJSON(args, &c.Args); err != nil {
		return err
	}
	if len(rawFlow) > 0 && string(rawFlow) != "null" {
		c.RawFlow = &domain.FlowValue{}
		if err := DecodeJSON(rawFlow, c.RawFlow); err != nil {
			return err
		}
	}
	if len(fs) > 0 && string(fs) != "null" {
		c.FlowStatus = &domain.FlowStatus{}
		if err := DecodeJSON(fs, c.FlowStatus); err != nil {
			return err
		}
	}
	if len(result) > 0 {
		c.Result = append([]byte(nil), result...)
	}
	return nil
}
