// Package cache provides the Redis-backed latest-quote cache. It is a
// best-effort read-through layer; the persistent store stays the source
// of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/pkg/logger"
)

// Config carries Redis connection settings.
type Config struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL"`
}

// QuoteCache caches the most recent observation per symbol.
type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// New connects a quote cache. It does not ping: Redis being down must
// not block startup, only degrade reads.
func New(cfg Config, log *logger.Logger) *QuoteCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("cache")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &QuoteCache{client: client, ttl: cfg.TTL, log: log}
}

func latestKey(symbol string) string {
	return fmt.Sprintf("latest:%s", symbol)
}

// SetLatest stores the observation under the symbol's latest key.
func (c *QuoteCache) SetLatest(ctx context.Context, obs marketdata.PriceObservation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	if err := c.client.Set(ctx, latestKey(obs.Symbol), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set latest quote: %w", err)
	}
	return nil
}

// GetLatest returns the cached observation for the symbol, if present.
func (c *QuoteCache) GetLatest(ctx context.Context, symbol string) (marketdata.PriceObservation, bool, error) {
	payload, err := c.client.Get(ctx, latestKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return marketdata.PriceObservation{}, false, nil
		}
		return marketdata.PriceObservation{}, false, fmt.Errorf("get latest quote: %w", err)
	}
	var obs marketdata.PriceObservation
	if err := json.Unmarshal(payload, &obs); err != nil {
		return marketdata.PriceObservation{}, false, fmt.Errorf("decode cached quote: %w", err)
	}
	return obs, true, nil
}

// Ping reports cache liveness for the health surface.
func (c *QuoteCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *QuoteCache) Close() error {
	return c.client.Close()
}
