// flowq-scheduler — превращает наступившие расписания в триггеры.
//
// Несколько экземпляров безопасны: на Postgres тикает только держатель
// advisory lock, на SQLite процесс один.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shaiso/flowq/internal/app"
	"github.com/shaiso/flowq/internal/scheduler"
)

func main() {
	configPath := pflag.String("config", os.Getenv("FLOWQ_CONFIG"), "path to config file")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, shutdown, err := app.Setup(ctx, *configPath, "flowq-scheduler")
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowq-scheduler:", err)
		os.Exit(1)
	}
	defer shutdown()
	logger.Info("starting flowq-scheduler")

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	var leader scheduler.Leader = scheduler.AlwaysLeader{}
	if rt.Pool != nil {
		leader = scheduler.NewPGLeader(rt.Pool, scheduler.LeaderLockID)
	}

	sched := scheduler.New(scheduler.Config{
		Store:     rt.Store,
		Router:    rt.Router,
		Logger:    logger,
		BatchSize: cfg.Scheduler.BatchSize,
	})

	go func() {
		if err := app.Serve(ctx, logger, app.Addr(cfg.Metrics.Port), app.MetricsMux()); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := sched.Run(ctx, cfg.Scheduler.TickInterval, leader); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler error", "error", err)
	}

	logger.Info("flowq-scheduler stopped")
}
