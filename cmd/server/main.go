package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/expect"
	httpserver "schema_reconciler/internal/http"
	"schema_reconciler/internal/logging"
	"schema_reconciler/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal in containers.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("RECONCILER_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	exp, err := expect.LoadOrDefault(cfg.Expectation)
	if err != nil {
		logger.Error("expectation load failed", "error", err)
		os.Exit(1)
	}
	if err := storage.EnsureBase(cfg.OutputDir); err != nil {
		logger.Error("output dir unavailable", "path", cfg.OutputDir, "error", err)
		os.Exit(1)
	}

	logger.Info("reconciler api configured",
		"targets", cfg.TargetNames(),
		"tables", len(exp.Tables),
		"columns", exp.ColumnCount(),
	)

	server := httpserver.New(cfg, logger,
		httpserver.NewTargetHandler(cfg, exp, nil, logger),
		httpserver.NewRunHandler(cfg.OutputDir, logger),
	)
	if err := server.Start(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}
