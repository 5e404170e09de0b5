// flowq-api — HTTP API: постановка заданий, чтение очереди и результатов,
// управление скриптами, flows и расписаниями.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shaiso/flowq/internal/api"
	"github.com/shaiso/flowq/internal/app"
	"github.com/shaiso/flowq/internal/telemetry"
)

func main() {
	configPath := pflag.String("config", os.Getenv("FLOWQ_CONFIG"), "path to config file")
	pflag.Parse()

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, shutdown, err := app.Setup(ctx, *configPath, "flowq-api")
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowq-api:", err)
		os.Exit(1)
	}
	defer shutdown()
	logger.Info("starting flowq-api")

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	apiCfg := api.Config{
		Queue:          rt.Queue,
		Router:         rt.Router,
		Flows:          rt.Flows,
		Debounce:       rt.Debounce,
		Deploy:         rt.Deploy,
		Logger:         logger,
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
	}
	// Без брокера поле остаётся nil-интерфейсом: ?async=true отвечает 503.
	if rt.Feed != nil {
		apiCfg.Feed = rt.Feed
	}
	handler := api.NewHandler(apiCfg)
	if cfg.API.MaxWait > 0 {
		handler.MaxWait = cfg.API.MaxWait
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	handler.RegisterRoutes(mux)

	if err := app.Serve(ctx, logger, app.Addr(cfg.API.Port), mux); err != nil {
		logger.Error("server error", "error", err)
		cancel()
	}

	logger.Info("flowq-api stopped")
}
