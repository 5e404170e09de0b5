// flowq-dispatcher — запечатывание debounce buckets, переотбор заданий
// потерянных воркеров и приём асинхронных триггеров из RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shaiso/flowq/internal/app"
	"github.com/shaiso/flowq/internal/dispatcher"
)

func main() {
	configPath := pflag.String("config", os.Getenv("FLOWQ_CONFIG"), "path to config file")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, shutdown, err := app.Setup(ctx, *configPath, "flowq-dispatcher")
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowq-dispatcher:", err)
		os.Exit(1)
	}
	defer shutdown()
	logger.Info("starting flowq-dispatcher")

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	d := dispatcher.New(dispatcher.Config{
		Queue:         rt.Queue,
		Debounce:      rt.Debounce,
		Router:        rt.Router,
		Deploy:        rt.Deploy,
		Conn:          rt.MQ,
		SealInterval:  cfg.Debounce.SealInterval,
		ReapInterval:  cfg.Reaper.Interval,
		StaleAfter:    cfg.Reaper.StaleAfter,
		ReapBatchSize: cfg.Reaper.BatchSize,
		Logger:        logger,
	})
	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := app.Serve(ctx, logger, app.Addr(cfg.Metrics.Port), app.MetricsMux()); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	d.Stop()
	logger.Info("flowq-dispatcher stopped")
}
