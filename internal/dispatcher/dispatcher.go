package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/deploy"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/trigger"
)

// Default configuration values.
const (
	defaultSealInterval  = time.Second
	defaultReapInterval  = 10 * time.Second
	defaultStaleAfter    = 30 * time.Second
	defaultReapBatchSize = 100
	defaultPrefetch      = 10
)

// Dispatcher выполняет фоновую работу, не привязанную к воркерам:
//   - запечатывает debounce buckets, у которых наступил дедлайн
//   - переотбирает задания потерянных воркеров
//   - потребляет триггеры и события деплоя из RabbitMQ (если подключён)
//
// Все решения принимаются в транзакциях хранилища, поэтому несколько
// экземпляров могут работать одновременно.
type Dispatcher struct {
	queue    *queue.Service
	debounce *debounce.Coordinator
	router   *trigger.Router
	deploy   *deploy.Aggregator
	conn     *mq.Connection

	sealInterval  time.Duration
	reapInterval  time.Duration
	staleAfter    time.Duration
	reapBatchSize int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Dispatcher.
type Config struct {
	Queue    *queue.Service
	Debounce *debounce.Coordinator
	Router   *trigger.Router

	// Deploy — агрегатор для очереди flowq.deployments (опционально).
	Deploy *deploy.Aggregator

	// Conn — соединение с RabbitMQ. Nil — consumers не запускаются.
	Conn *mq.Connection

	SealInterval  time.Duration // default: 1s
	ReapInterval  time.Duration // default: 10s
	StaleAfter    time.Duration // default: 30s
	ReapBatchSize int           // default: 100

	Logger *slog.Logger
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		queue:         cfg.Queue,
		debounce:      cfg.Debounce,
		router:        cfg.Router,
		deploy:        cfg.Deploy,
		conn:          cfg.Conn,
		sealInterval:  orDefault(cfg.SealInterval, defaultSealInterval),
		reapInterval:  orDefault(cfg.ReapInterval, defaultReapInterval),
		staleAfter:    orDefault(cfg.StaleAfter, defaultStaleAfter),
		reapBatchSize: orDefault(cfg.ReapBatchSize, defaultReapBatchSize),
		logger:        logger.With("component", "dispatcher"),
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Start запускает фоновые циклы и возвращается.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.queue == nil || d.debounce == nil {
		return errors.New("dispatcher requires a queue and a debounce coordinator")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	d.logger.Info("starting dispatcher",
		"seal_interval", d.sealInterval,
		"reap_interval", d.reapInterval,
		"stale_after", d.staleAfter,
		"consumers", d.conn != nil,
	)

	d.goRun(func() {
		if err := d.debounce.Run(ctx, d.sealInterval); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("debounce sealer error", "error", err)
		}
	})
	d.goRun(func() { d.reapLoop(ctx) })

	if d.conn != nil {
		if d.router != nil {
			d.consume(ctx, mq.QueueTriggers, d.router.HandleMessage)
		}
		if d.deploy != nil {
			d.consume(ctx, mq.QueueDeployments, d.deploy.HandleMessage)
		}
	}

	d.logger.Info("dispatcher started")
	return nil
}

func (d *Dispatcher) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Dispatcher) consume(ctx context.Context, q mq.Queue, h mq.Handler) {
	consumer := mq.NewConsumer(d.conn, d.logger, mq.ConsumerConfig{
		Queue:    q,
		Handler:  h,
		Prefetch: defaultPrefetch,
	})
	d.goRun(func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("consumer error", "queue", q, "error", err)
		}
	})
}

// Stop останавливает Dispatcher и ждёт завершения циклов.
func (d *Dispatcher) Stop() {
	d.stoppedMu.Lock()
	d.stopped = true
	d.stoppedMu.Unlock()

	d.logger.Info("stopping dispatcher...")

	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	d.wg.Wait()

	d.logger.Info("dispatcher stopped")
}

// IsStopped проверяет, остановлен ли Dispatcher.
func (d *Dispatcher) IsStopped() bool {
	d.stoppedMu.RLock()
	defer d.stoppedMu.RUnlock()
	return d.stopped
}

// reapLoop — цикл переотбора.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()

	// Первый проход сразу: подхватываем задания, потерянные, пока мы были выключены.
	d.Reap(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reap(ctx)
		}
	}
}

// Reap выполняет один проход переотбора.
func (d *Dispatcher) Reap(ctx context.Context) int {
	n, err := d.queue.ReclaimStale(ctx, d.staleAfter, d.reapBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to reclaim stale jobs", "error", err)
		}
		return n
	}
	if n > 0 {
		d.logger.Info("reclaimed stale jobs", "count", n)
	}
	return n
}
