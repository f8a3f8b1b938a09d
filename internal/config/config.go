// Package config loads the service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/quotewire/marketdata/internal/cache"
	"github.com/quotewire/marketdata/internal/eventbus"
	"github.com/quotewire/marketdata/internal/providers"
	"github.com/quotewire/marketdata/pkg/logger"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	RequestsPerSecond int           `yaml:"requests_per_second" env:"SERVER_REQUESTS_PER_SECOND"`
	RequestBurst      int           `yaml:"request_burst" env:"SERVER_REQUEST_BURST"`
}

// DatabaseConfig selects the persistence backend. An empty DSN keeps
// the in-memory store, which is only suitable for development.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn" env:"DATABASE_URL"`
	Migrate bool   `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// IngestConfig bounds the ingestion pipeline.
type IngestConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"INGEST_FETCH_TIMEOUT"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"INGEST_PUBLISH_TIMEOUT"`
	MaxFetches     int           `yaml:"max_fetches" env:"INGEST_MAX_FETCHES"`
}

// ConsumerConfig controls the moving average worker.
type ConsumerConfig struct {
	Group  string `yaml:"group" env:"CONSUMER_GROUP"`
	Period int    `yaml:"period" env:"CONSUMER_PERIOD"`
}

// Config is the full service configuration tree.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Cache     cache.Config            `yaml:"cache"`
	EventBus  eventbus.RocketMQConfig `yaml:"eventbus"`
	Providers providers.Config        `yaml:"providers"`
	Ingest    IngestConfig            `yaml:"ingest"`
	Consumer  ConsumerConfig          `yaml:"consumer"`
	Logging   logger.LoggingConfig    `yaml:"logging"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerSecond: 50,
			RequestBurst:      100,
		},
		Ingest: IngestConfig{
			FetchTimeout:   15 * time.Second,
			PublishTimeout: 3 * time.Second,
			MaxFetches:     32,
		},
		Consumer: ConsumerConfig{
			Group:  "ma-consumer",
			Period: 5,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), applies environment overrides, validates, and
// returns the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Environment-only configuration is fine.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Consumer.Period < 2 {
		return fmt.Errorf("consumer.period must be at least 2, got %d", c.Consumer.Period)
	}
	if c.Consumer.Group == "" {
		return fmt.Errorf("consumer.group is required")
	}
	if c.Ingest.FetchTimeout <= 0 {
		return fmt.Errorf("ingest.fetch_timeout must be positive")
	}
	if c.Ingest.MaxFetches <= 0 {
		return fmt.Errorf("ingest.max_fetches must be positive")
	}
	switch c.EventBus.ConsumeFrom {
	case "", "first", "latest":
	default:
		return fmt.Errorf("eventbus.consume_from must be \"first\" or \"latest\", got %q", c.EventBus.ConsumeFrom)
	}
	return nil
}
