// Package app собирает зависимости бинарников flowq из конфигурации:
// хранилище, уведомления, брокер и сервисы ядра.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/flowq/internal/config"
	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/deploy"
	"github.com/shaiso/flowq/internal/flow"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/notify"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/repo/sqlite"
	"github.com/shaiso/flowq/internal/telemetry"
	"github.com/shaiso/flowq/internal/trigger"
)

// Runtime — собранные зависимости процесса.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Store repo.Store
	Pool  *pgxpool.Pool  // nil для SQLite
	MQ    *mq.Connection // nil без RabbitMQ
	Feed  *mq.Publisher  // nil без RabbitMQ

	Notifier notify.Notifier
	Queue    *queue.Service
	Debounce *debounce.Coordinator
	Router   *trigger.Router
	Flows    *flow.Driver
	Deploy   *deploy.Aggregator

	cancel  context.CancelFunc
	closers []func()
	wg      sync.WaitGroup
}

// Open подключается к хранилищу и брокеру и создаёт сервисы.
// Фоновые слушатели уведомлений живут до отмены ctx или Close.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(ctx)
	rt := &Runtime{Config: cfg, Logger: logger, cancel: cancel}

	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openBroker(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	local := notify.NewBroadcaster()
	var sources []notify.Notifier
	if rt.Pool != nil {
		pg := notify.NewPGNotifier(rt.Pool, local, logger)
		rt.background(ctx, "pg notifier", pg.Run)
		sources = append(sources, pg)
	}
	if rt.MQ != nil {
		am := notify.NewAMQPNotifier(rt.MQ, local, logger)
		rt.background(ctx, "amqp notifier", am.Run)
		sources = append(sources, am)
	}
	switch len(sources) {
	case 0:
		rt.Notifier = local
	case 1:
		rt.Notifier = sources[0]
	default:
		rt.Notifier = notify.NewFanout(local, sources...)
	}

	rt.Queue = queue.New(rt.Store, rt.Notifier, logger)
	if cfg.Worker.MaxReclaims > 0 {
		rt.Queue.MaxReclaims = cfg.Worker.MaxReclaims
	}
	rt.Debounce = debounce.New(rt.Store, rt.Queue, logger)
	rt.Router = trigger.New(rt.Store, rt.Debounce, logger)
	rt.Flows = flow.New(rt.Queue, logger)

	if len(cfg.DeployCallbacks) > 0 {
		agg, err := deploy.New(rt.Router, cfg.DeployCallbacks, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("deploy callbacks: %w", err)
		}
		rt.Deploy = agg
	}

	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	cfg := rt.Config.DB
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.URL)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.Store = s
		rt.closers = append(rt.closers, s.Close)
		rt.Logger.Info("opened sqlite store", "path", cfg.URL)

	default:
		pool, err := repo.NewPool(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
		rt.Logger.Info("connected to database")

		if cfg.Migrate {
			if err := repo.Migrate(pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.Logger.Info("migrations applied")
		}
		rt.Store = repo.NewPGStore(pool)
	}
	return nil
}

func (rt *Runtime) openBroker(ctx context.Context) error {
	url := rt.Config.RabbitMQ.URL
	if url == "" {
		rt.Logger.Info("RabbitMQ not configured, async delivery disabled")
		return nil
	}

	conn, err := mq.NewConnection(url, rt.Logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	rt.MQ = conn
	rt.closers = append(rt.closers, func() { _ = conn.Close() })

	if err := mq.SetupTopology(ctx, conn); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}
	rt.Feed = mq.NewPublisher(conn, rt.Logger)
	rt.Logger.Info("RabbitMQ connected")
	rt.Logger.Debug("amqp topology declared", "topology", mq.TopologyInfo())
	return nil
}

func (rt *Runtime) background(ctx context.Context, name string, fn func(context.Context) error) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.Logger.Error("background task failed", "task", name, "error", err)
		}
	}()
}

// Close останавливает слушателей и освобождает ресурсы в обратном порядке.
func (rt *Runtime) Close() {
	rt.cancel()
	rt.wg.Wait()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Setup загружает конфигурацию, настраивает логгер и трассировку.
// shutdown сбрасывает буфер трассировки.
func Setup(ctx context.Context, path, binary string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format).With("service", binary)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName(binary), cfg.Tracing.Endpoint)
	if err != nil {
		return nil, nil, nil, err
	}

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}
	return cfg, logger, shutdown, nil
}

// Serve обслуживает handler на addr до отмены ctx, затем завершает
// соединения с таймаутом 10 секунд.
func Serve(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	return nil
}

// MetricsMux — /healthz и /metrics для фоновых процессов.
func MetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

// Addr возвращает адрес прослушивания для порта.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
