package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shaiso/flowq/internal/domain"
)

// Executor — runtime-адаптер: выполняет листовое задание.
//
// Реализации: IdentityExecutor, NoopExecutor, BashExecutor, HTTPExecutor,
// DelayExecutor, TransformExecutor, DependenciesExecutor, AIAgentExecutor.
//
// ctx отменяется при отмене задания, потере владения и по таймауту.
type Executor interface {
	Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error)
}

// ExecutorFunc позволяет использовать функцию как Executor.
type ExecutorFunc func(ctx context.Context, exec *Execution) (*ExecutionResult, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error) {
	return f(ctx, exec)
}

// ExecutionResult — результат выполнения.
type ExecutionResult struct {
	// Value — результат задания (сериализуется в JSON).
	Value any

	// Error — логическая ошибка выполнения (скрипт вернул ошибку, HTTP 500).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Execution — одно выполнение задания.
//
// Строки лога и пик памяти, накопленные через Log и ReportMemPeak,
// уходят в хранилище вместе с очередным heartbeat.
type Execution struct {
	Job *domain.Job

	mu      sync.Mutex
	pending []string
	memPeak atomic.Int64
}

// NewExecution создаёт выполнение задания.
func NewExecution(job *domain.Job) *Execution {
	return &Execution{Job: job}
}

// Log добавляет строку лога.
func (e *Execution) Log(line string) {
	e.mu.Lock()
	e.pending = append(e.pending, line)
	e.mu.Unlock()
}

// Logf добавляет форматированную строку лога.
func (e *Execution) Logf(format string, args ...any) {
	e.Log(fmt.Sprintf(format, args...))
}

// ReportMemPeak запоминает пик памяти в килобайтах, если он больше прежнего.
func (e *Execution) ReportMemPeak(kb int) {
	for {
		cur := e.memPeak.Load()
		if int64(kb) <= cur || e.memPeak.CompareAndSwap(cur, int64(kb)) {
			return
		}
	}
}

// MemPeak возвращает наибольший сообщённый пик памяти.
func (e *Execution) MemPeak() int {
	return int(e.memPeak.Load())
}

// drainLogs забирает накопленные строки.
func (e *Execution) drainLogs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	lines := e.pending
	e.pending = nil
	return lines
}

// Registry — реестр executor'ов.
//
// Ключ — язык для script, preview и deploymentcallback, вид задания для остальных.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами по умолчанию.
//
// Flow-виды в реестр не входят: их продвигает flow.Driver.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(string(domain.JobKindIdentity), IdentityExecutor{})
	r.Register(string(domain.JobKindNoop), NoopExecutor{})
	r.Register(string(domain.JobKindDependencies), DependenciesExecutor{})
	r.Register(string(domain.JobKindAIAgent), &AIAgentExecutor{})
	r.Register("bash", &BashExecutor{})
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("transform", &TransformExecutor{})
	return r
}

// Register добавляет executor для ключа.
func (r *Registry) Register(key string, executor Executor) {
	r.executors[key] = executor
}

// Get возвращает executor для ключа.
func (r *Registry) Get(key string) (Executor, error) {
	executor, ok := r.executors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, key)
	}
	return executor, nil
}

// For возвращает executor для задания.
func (r *Registry) For(job *domain.Job) (Executor, error) {
	return r.Get(ExecutorKey(job))
}

// ExecutorKey возвращает ключ реестра для задания.
func ExecutorKey(job *domain.Job) string {
	switch job.Kind {
	case domain.JobKindScript, domain.JobKindPreview, domain.JobKindDeploymentCallback:
		return job.Language
	default:
		return string(job.Kind)
	}
}
