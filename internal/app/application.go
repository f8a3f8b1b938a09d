// Package app wires configuration, storage, the event bus, providers
// and services into runnable processes.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/quotewire/marketdata/internal/cache"
	"github.com/quotewire/marketdata/internal/config"
	"github.com/quotewire/marketdata/internal/eventbus"
	"github.com/quotewire/marketdata/internal/httpapi"
	"github.com/quotewire/marketdata/internal/providers"
	"github.com/quotewire/marketdata/internal/services/aggregate"
	"github.com/quotewire/marketdata/internal/services/ingest"
	"github.com/quotewire/marketdata/internal/storage"
	"github.com/quotewire/marketdata/internal/storage/memory"
	"github.com/quotewire/marketdata/internal/storage/postgres"
	"github.com/quotewire/marketdata/internal/system"
	"github.com/quotewire/marketdata/pkg/logger"
)

// Stores groups the persistence interfaces one backend satisfies.
type Stores struct {
	Observations storage.ObservationStore
	Averages     storage.MovingAverageStore
	Jobs         storage.PollingJobStore
	Pinger       storage.Pinger
}

// Application owns the process dependencies and their lifecycle.
type Application struct {
	cfg     config.Config
	log     *logger.Logger
	manager *system.Manager

	Ingest *ingest.Service
	stores Stores
	bus    eventbus.Bus
	cache  *cache.QuoteCache
	db     *sql.DB

	server *http.Server
}

// Option selects which roles the process runs.
type Option func(*Application) error

// WithHTTPServer mounts the REST API.
func WithHTTPServer() Option {
	return func(a *Application) error {
		checks := []httpapi.HealthCheck{
			{Name: "database", Check: a.stores.Pinger.Ping},
		}
		if a.cache != nil {
			checks = append(checks, httpapi.HealthCheck{Name: "cache", Check: a.cache.Ping})
		}

		handler := httpapi.NewHandler(a.Ingest, a.log.Named("httpapi"),
			httpapi.WithHealthChecks(checks...),
			httpapi.WithRateLimit(a.cfg.Server.RequestsPerSecond, a.cfg.Server.RequestBurst),
		)
		a.server = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		}
		return nil
	}
}

// WithAggregator runs the moving average consumer in this process.
func WithAggregator() Option {
	return func(a *Application) error {
		consumer := aggregate.New(a.stores.Observations, a.stores.Averages, a.bus,
			a.log.Named("aggregate"),
			aggregate.WithGroup(a.cfg.Consumer.Group),
			aggregate.WithPeriod(a.cfg.Consumer.Period),
		)
		return a.manager.Register(consumer)
	}
}

// New builds an application from configuration. Shared dependencies
// are constructed eagerly so misconfiguration fails at startup, not on
// the first request.
func New(cfg config.Config, log *logger.Logger, opts ...Option) (*Application, error) {
	if log == nil {
		log = logger.New(cfg.Logging, "app")
	}

	a := &Application{
		cfg:     cfg,
		log:     log,
		manager: system.NewManager(),
	}

	if err := a.buildStores(); err != nil {
		return nil, err
	}
	if err := a.buildBus(); err != nil {
		a.closeShared()
		return nil, err
	}
	a.buildCache()

	registry, err := providers.NewRegistry(cfg.Providers, log.Named("providers"))
	if err != nil {
		a.closeShared()
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	ingestOpts := []ingest.Option{
		ingest.WithFetchTimeout(cfg.Ingest.FetchTimeout),
		ingest.WithPublishTimeout(cfg.Ingest.PublishTimeout),
		ingest.WithMaxConcurrentFetches(cfg.Ingest.MaxFetches),
	}
	if a.cache != nil {
		ingestOpts = append(ingestOpts, ingest.WithCache(a.cache))
	}
	a.Ingest = ingest.New(registry, a.stores.Observations, a.stores.Jobs, a.stores.Averages,
		a.bus, log.Named("ingest"), ingestOpts...)

	for _, opt := range opts {
		if err := opt(a); err != nil {
			a.closeShared()
			return nil, err
		}
	}
	return a, nil
}

func (a *Application) buildStores() error {
	if a.cfg.Database.DSN == "" {
		a.log.Warn("no database configured; using in-memory storage")
		mem := memory.New()
		a.stores = Stores{Observations: mem, Averages: mem, Jobs: mem, Pinger: mem}
		return nil
	}

	db, err := sql.Open("postgres", a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	if a.cfg.Database.Migrate {
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	store := postgres.New(db)
	a.db = db
	a.stores = Stores{Observations: store, Averages: store, Jobs: store, Pinger: store}
	return nil
}

func (a *Application) buildBus() error {
	if len(a.cfg.EventBus.NameServers) == 0 {
		a.log.Warn("no event bus configured; using in-process delivery")
		a.bus = eventbus.NewMemoryBus(a.log.Named("eventbus"))
		return nil
	}

	bus, err := eventbus.NewRocketMQBus(a.cfg.EventBus, a.log.Named("eventbus"))
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	a.bus = bus
	return nil
}

func (a *Application) buildCache() {
	if a.cfg.Cache.Addr == "" {
		return
	}
	a.cache = cache.New(a.cfg.Cache, a.log.Named("cache"))
}

// Run starts registered services and, if configured, the HTTP server.
// It blocks until ctx is cancelled, then shuts everything down in
// reverse order.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	if a.server != nil {
		go func() {
			a.log.Infof("HTTP server listening on %s", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("HTTP server shutdown incomplete")
		}
	}
	if err := a.manager.StopAll(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("service shutdown incomplete")
	}
	a.closeShared()
	return runErr
}

func (a *Application) closeShared() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.WithError(err).Warn("error closing event bus")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.WithError(err).Warn("error closing cache client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
}
