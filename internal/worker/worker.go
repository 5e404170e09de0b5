package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/flow"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/telemetry"
)

// Default configuration values.
const (
	defaultSlots             = 4
	defaultPollInterval      = 5 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultMissedHeartbeats  = 6
	defaultReapBatch         = 100
)

// Worker — член пула воркеров.
//
// Worker не хранит состояния между заданиями: он берёт задание через
// queue.Claim, flow-задания продвигает через flow.Driver, остальные отдаёт
// executor'у из реестра, пока отдельная горутина шлёт heartbeat.
// Уведомления JobQueued и FlowUpdated будят опрос раньше тикера.
//
// Опционально тот же процесс переотбирает задания у потерянных воркеров
// (reaper) и запечатывает debounce-bucket'ы (sealer).
type Worker struct {
	queue    *queue.Service
	flows    *flow.Driver
	sealer   *debounce.Coordinator
	registry *Registry

	id   string
	tags []string

	slots             int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	missedHeartbeats  int
	runReaper         bool
	sealInterval      time.Duration

	wake chan struct{}

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Queue *queue.Service
	Flows *flow.Driver

	// Debounce — если задан вместе с SealInterval, воркер запускает sealer.
	Debounce     *debounce.Coordinator
	SealInterval time.Duration

	// Registry (опционально; если nil — используется NewRegistry())
	Registry *Registry

	// ID — идентификатор воркера. Пусто — hostname и случайный суффикс.
	ID string

	// Tags — группы заданий, которые берёт воркер. Пусто — queue.DefaultTag.
	Tags []string

	Slots             int           // параллельно выполняемых заданий (default: 4)
	PollInterval      time.Duration // интервал опроса без уведомлений (default: 5s)
	HeartbeatInterval time.Duration // интервал heartbeat (default: 5s)
	MissedHeartbeats  int           // пропусков heartbeat до переотбора (default: 6)

	// RunReaper — переотбирать задания потерянных воркеров.
	RunReaper bool

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	id := cfg.ID
	if id == "" {
		id = defaultID()
	}

	tags := cfg.Tags
	if len(tags) == 0 {
		tags = []string{queue.DefaultTag}
	}

	w := &Worker{
		queue:             cfg.Queue,
		flows:             cfg.Flows,
		registry:          registry,
		id:                id,
		tags:              tags,
		slots:             orDefault(cfg.Slots, defaultSlots),
		pollInterval:      orDefault(cfg.PollInterval, defaultPollInterval),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		missedHeartbeats:  orDefault(cfg.MissedHeartbeats, defaultMissedHeartbeats),
		runReaper:         cfg.RunReaper,
		logger:            telemetry.WithWorkerID(logger.With("component", "worker"), id),
	}
	if cfg.Debounce != nil && cfg.SealInterval > 0 {
		w.sealer = cfg.Debounce
		w.sealInterval = cfg.SealInterval
	}
	w.wake = make(chan struct{}, w.slots)
	return w
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ID возвращает идентификатор воркера.
func (w *Worker) ID() string {
	return w.id
}

// StaleAfter — сколько задание может молчать, прежде чем его переотберут.
func (w *Worker) StaleAfter() time.Duration {
	return w.heartbeatInterval * time.Duration(w.missedHeartbeats)
}

// Start запускает Worker.
//
// Запускает:
//   - слоты опроса (Slots горутин)
//   - пробуждение по уведомлениям
//   - reaper и sealer, если включены
func (w *Worker) Start(ctx context.Context) error {
	if w.queue == nil || w.flows == nil {
		return errors.New("worker requires a queue and a flow driver")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"tags", w.tags,
		"slots", w.slots,
		"poll_interval", w.pollInterval,
		"heartbeat_interval", w.heartbeatInterval,
		"reaper", w.runReaper,
		"sealer", w.sealer != nil,
	)

	sub := w.queue.Notifier().Subscribe(notify.JobQueued, notify.FlowUpdated)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer sub.Close()
		w.wakeLoop(ctx, sub)
	}()

	for i := 0; i < w.slots; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pollLoop(ctx)
		}()
	}

	if w.runReaper {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.reapLoop(ctx)
		}()
	}

	if w.sealer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.sealer.Run(ctx, w.sealInterval); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("debounce sealer error", "error", err)
			}
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих заданий.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	// Ждём завершения горутин
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// wakeLoop превращает уведомления в пробуждения слотов.
// Лишние пробуждения отбрасываются: слот всё равно опросит очередь.
func (w *Worker) wakeLoop(ctx context.Context, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

// pollLoop — цикл одного слота: брать задания, пока есть, затем ждать
// тикера или уведомления.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			ok, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("failed to claim job", "error", err)
				}
				break
			}
			if !ok {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce берёт одно задание и обрабатывает его до конца.
// false — брать было нечего.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx, w.id, w.tags)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.process(ctx, job)
	return true, nil
}

// reapLoop периодически переотбирает задания у потерянных воркеров.
func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Reap(ctx)
		}
	}
}

// Reap выполняет один проход переотбора.
func (w *Worker) Reap(ctx context.Context) int {
	n, err := w.queue.ReclaimStale(ctx, w.StaleAfter(), defaultReapBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to reclaim stale jobs", "error", err)
		}
		return n
	}
	if n > 0 {
		w.logger.Info("reclaimed stale jobs", "count", n)
	}
	return n
}

// isLeaf возвращает true для заданий, которые выполняет executor.
func isLeaf(job *domain.Job) bool {
	return !job.IsFlow()
}
