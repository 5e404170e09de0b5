package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowq/internal/domain"
)

// Store — хранилище очереди.
//
// Все изменения состояния, которые должны быть атомарны (claim, complete,
// admit, debounce), выполняются внутри InTx. Методы Ops, вызванные
// на самом Store, работают вне транзакции.
type Store interface {
	Ops

	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает транзакцию.
	InTx(ctx context.Context, fn func(ops Ops) error) error

	Close()
}

// Ops — примитивы хранилища. Реализуются и пулом, и транзакцией.
type Ops interface {
	JobOps
	ConcurrencyOps
	DebounceOps
	CacheOps
	ResumeOps
	ScriptOps
	ScheduleOps
}

// JobOps — таблицы job_queue, job_completed и job_logs.
type JobOps interface {
	InsertJob(ctx context.Context, job *domain.Job) error

	// GetQueued возвращает задание из очереди. ErrNotFound, если его там нет.
	GetQueued(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// LockJob как GetQueued, но блокирует строку до конца транзакции.
	LockJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	GetCompleted(ctx context.Context, id uuid.UUID) (*domain.CompletedJob, error)

	// ListClaimCandidates возвращает задания, которые воркер может взять,
	// в порядке приоритета. Строки блокируются (SKIP LOCKED, где поддерживается).
	ListClaimCandidates(ctx context.Context, q ClaimQuery) ([]domain.Job, error)

	MarkRunning(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error

	// Reschedule откладывает задание до at.
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error

	// UpdatePing обновляет last_ping задания, которое выполняет workerID.
	// Возвращает флаг отмены. ErrNotFound, если такого выполнения нет.
	UpdatePing(ctx context.Context, id uuid.UUID, workerID string, memPeak int, now time.Time) (bool, error)

	UpdateFlowStatus(ctx context.Context, id uuid.UUID, fs *domain.FlowStatus) error

	// ParkFlow снимает flow с воркера и приостанавливает его.
	// Непустой fs.SameWorker закрепляет строку за этим воркером.
	// until == nil — ждать, пока его не разбудит дочернее задание.
	ParkFlow(ctx context.Context, id uuid.UUID, fs *domain.FlowStatus, until *time.Time) error

	// WakeJob делает приостановленное задание доступным для claim.
	WakeJob(ctx context.Context, id uuid.UUID, now time.Time) error

	// CountChildren — сколько неотменённых дочерних заданий ещё в очереди.
	CountChildren(ctx context.Context, parentID uuid.UUID) (int, error)

	DeleteQueued(ctx context.Context, id uuid.UUID) error

	// InsertCompleted записывает терминальную строку. ErrAlreadyExists при повторе.
	InsertCompleted(ctx context.Context, job *domain.CompletedJob) error

	// SetCanceled ставит флаг отмены на задание и всех его потомков в очереди.
	// Приостановленные задания будятся, чтобы воркер мог завершить их.
	SetCanceled(ctx context.Context, id uuid.UUID, by, reason string, now time.Time) ([]uuid.UUID, error)

	// ListStale возвращает выполняющиеся задания без heartbeat с момента before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Job, error)

	// ResetForRetry возвращает задание в очередь и увеличивает счётчик переотборов.
	ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) error

	ListQueue(ctx context.Context, f JobFilter) ([]domain.Job, error)
	ListCompleted(ctx context.Context, f CompletedFilter) ([]domain.CompletedJob, error)

	AppendLogs(ctx context.Context, jobID uuid.UUID, lines []string, now time.Time) error
	GetLogs(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]domain.LogLine, error)
}

// ConcurrencyOps — таблицы concurrency_key и concurrency_slot.
type ConcurrencyOps interface {
	// LockConcurrencyKey создаёт (если нужно) и блокирует строку ключа.
	// Все решения admit по одному ключу сериализуются на этой блокировке.
	LockConcurrencyKey(ctx context.Context, key string) error

	// ConcurrencyUsage возвращает число слотов, стартовавших не раньше since,
	// и время старта самого старого из них.
	ConcurrencyUsage(ctx context.Context, key string, since time.Time) (int, time.Time, error)

	InsertConcurrencySlot(ctx context.Context, key string, jobID uuid.UUID, startedAt time.Time) error
	DeleteConcurrencySlot(ctx context.Context, jobID uuid.UUID) error
}

// DebounceOps — таблицы debounce_key и debounce_bucket.
type DebounceOps interface {
	// LockDebounceKey сериализует триггеры и запечатывание по одному ключу.
	LockDebounceKey(ctx context.Context, key string) error

	// GetLiveBucket возвращает незапечатанный bucket ключа. ErrNotFound, если его нет.
	GetLiveBucket(ctx context.Context, key string) (*domain.DebounceBucket, error)

	GetBucket(ctx context.Context, id uuid.UUID) (*domain.DebounceBucket, error)
	InsertBucket(ctx context.Context, b *domain.DebounceBucket) error

	// UpdateBucket сохраняет накопленные аргументы и триггеры.
	UpdateBucket(ctx context.Context, b *domain.DebounceBucket) error

	// ListDueBuckets возвращает незапечатанные bucket'ы с seal_at <= now.
	ListDueBuckets(ctx context.Context, now time.Time, limit int) ([]domain.DebounceBucket, error)

	SealBucket(ctx context.Context, id, jobID uuid.UUID, now time.Time) error
}

// CacheOps — таблица job_cache.
type CacheOps interface {
	// GetCachedResult возвращает неистёкший результат. ErrNotFound иначе.
	GetCachedResult(ctx context.Context, key string, now time.Time) (json.RawMessage, error)
	PutCachedResult(ctx context.Context, key string, value json.RawMessage, expiresAt time.Time) error
}

// ResumeOps — таблица resume_job.
type ResumeOps interface {
	InsertResume(ctx context.Context, r *domain.ResumeSignal) error
	ListResumes(ctx context.Context, jobID uuid.UUID, moduleID string) ([]domain.ResumeSignal, error)
}

// ScriptOps — зарегистрированные скрипты и flow.
type ScriptOps interface {
	InsertScript(ctx context.Context, s *domain.Script) error

	// GetScript возвращает последнюю неархивную версию по пути.
	GetScript(ctx context.Context, workspaceID, path string) (*domain.Script, error)
	GetScriptByHash(ctx context.Context, workspaceID, hash string) (*domain.Script, error)
	ListScripts(ctx context.Context, workspaceID string) ([]domain.Script, error)

	UpsertFlow(ctx context.Context, f *domain.FlowDef) error
	GetFlow(ctx context.Context, workspaceID, path string) (*domain.FlowDef, error)
	ListFlows(ctx context.Context, workspaceID string) ([]domain.FlowDef, error)
	DeleteFlow(ctx context.Context, workspaceID, path string) error
}

// ScheduleOps — таблица schedule.
type ScheduleOps interface {
	InsertSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error

	// ListDueSchedules возвращает включённые расписания с next_due_at <= now,
	// блокируя строки (SKIP LOCKED, где поддерживается).
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
}

// ClaimQuery — параметры выбора кандидатов на claim.
type ClaimQuery struct {
	WorkerID string
	Tags     []string
	Now      time.Time
	Limit    int
}
