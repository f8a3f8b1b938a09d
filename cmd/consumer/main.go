// Package main runs the moving average consumer as a standalone
// worker process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/quotewire/marketdata/internal/app"
	"github.com/quotewire/marketdata/internal/config"
	"github.com/quotewire/marketdata/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("consumer").WithError(err).Fatal("invalid configuration")
	}
	log := logger.New(cfg.Logging, "consumer")

	application, err := app.New(cfg, log, app.WithAggregator())
	if err != nil {
		log.WithError(err).Fatal("failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("consumer exited with error")
		os.Exit(1)
	}
	log.Info("consumer stopped")
}
