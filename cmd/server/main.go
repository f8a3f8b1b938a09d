// Package main runs the market data API server: ingestion endpoints,
// aggregate reads, health and metrics.
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
	withConsumer := flag.Bool("with-consumer", false, "also run the moving average consumer in this process")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("server").WithError(err).Fatal("invalid configuration")
	}
	log := logger.New(cfg.Logging, "server")

	opts := []app.Option{app.WithHTTPServer()}
	if *withConsumer {
		opts = append(opts, app.WithAggregator())
	}

	application, err := app.New(cfg, log, opts...)
	if err != nil {
		log.WithError(err).Fatal("failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	log.Info("server stopped")
}
