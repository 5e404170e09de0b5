// flowq-worker — член пула воркеров.
//
// Worker:
//   - Берёт задания из очереди по своим тегам
//   - Продвигает flow-задания, остальные выполняет executor'ом
//   - Шлёт heartbeat, пока задание выполняется
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shaiso/flowq/internal/app"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/worker"
)

func main() {
	configPath := pflag.String("config", os.Getenv("FLOWQ_CONFIG"), "path to config file")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, shutdown, err := app.Setup(ctx, *configPath, "flowq-worker")
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowq-worker:", err)
		os.Exit(1)
	}
	defer shutdown()
	logger.Info("starting flowq-worker")

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	registry := worker.NewRegistry()
	if cfg.Worker.AIAgentEndpoint != "" {
		registry.Register(string(domain.JobKindAIAgent), &worker.AIAgentExecutor{Endpoint: cfg.Worker.AIAgentEndpoint})
	}

	wc := worker.Config{
		Queue:             rt.Queue,
		Registry:          registry,
		Flows:             rt.Flows,
		ID:                cfg.Worker.ID,
		Tags:              cfg.Worker.Tags,
		Slots:             cfg.Worker.Slots,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MissedHeartbeats:  cfg.Worker.MissedHeartbeats,
		RunReaper:         cfg.Worker.RunReaper,
		Logger:            logger,
	}
	if cfg.Worker.RunSealer {
		wc.Debounce = rt.Debounce
		wc.SealInterval = cfg.Debounce.SealInterval
	}

	w := worker.New(wc)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := app.Serve(ctx, logger, app.Addr(cfg.Metrics.Port), app.MetricsMux()); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	w.Stop()
	logger.Info("flowq-worker stopped")
}
