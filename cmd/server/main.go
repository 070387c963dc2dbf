// cmd/server/main.go: HTTP intake API, listens on HTTP_PORT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourorg/eylo/internal/config"
	"github.com/yourorg/eylo/internal/httpapi"
	"github.com/yourorg/eylo/internal/intake"
	"github.com/yourorg/eylo/internal/jobstore"
	"github.com/yourorg/eylo/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("opening job store", "driver", cfg.StoreDriver)
	store, err := jobstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Error("open job store failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	q, err := queue.New(ctx, cfg.QueueConfig(), store, logger)
	if err != nil {
		logger.Error("connect to queue failed", "err", err)
		os.Exit(1)
	}
	defer q.Close()

	app := httpapi.NewApp(intake.New(store, q, logger), logger)

	go func() {
		logger.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := app.Listen(":" + cfg.HTTPPort); err != nil {
			logger.Error("HTTP serve error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping HTTP server")
	if err := app.Shutdown(); err != nil {
		logger.Error("HTTP shutdown error", "err", err)
	}
	logger.Info("HTTP server stopped")
}
