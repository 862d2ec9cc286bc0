package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/NikhilSetiya/evalsync/pkg/config"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LoggerConfig(version))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logger.Errorf("evalsync exited with error: %v", err)
		return
	}
	logger.Info("evalsync exited")
}
