// Package aggregate consumes price events and maintains the moving
// average series for each symbol.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/eventbus"
	"github.com/quotewire/marketdata/internal/metrics"
	"github.com/quotewire/marketdata/internal/storage"
	"github.com/quotewire/marketdata/pkg/logger"
)

const (
	// DefaultPeriod is the moving average window when none is
	// configured.
	DefaultPeriod = 5

	// DefaultGroup is the consumer group shared by all replicas of the
	// aggregation worker.
	DefaultGroup = "ma-consumer"
)

// Consumer subscribes to the price event stream and appends a moving
// average row per processed event. The average is recomputed from
// storage on every event rather than carried in memory, so duplicate
// deliveries and replays converge on the same values.
type Consumer struct {
	observations storage.ObservationStore
	averages     storage.MovingAverageStore
	bus          eventbus.Bus
	log          *logger.Logger
	group        string
	period       int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option customizes the consumer.
type Option func(*Consumer)

// WithPeriod sets the moving average window size.
func WithPeriod(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.period = n
		}
	}
}

// WithGroup sets the consumer group name.
func WithGroup(group string) Option {
	return func(c *Consumer) {
		if group != "" {
			c.group = group
		}
	}
}

// New constructs the aggregation consumer.
func New(observations storage.ObservationStore, averages storage.MovingAverageStore, bus eventbus.Bus, log *logger.Logger, opts ...Option) *Consumer {
	if log == nil {
		log = logger.NewDefault("aggregate")
	}
	c := &Consumer{
		observations: observations,
		averages:     averages,
		bus:          bus,
		log:          log,
		group:        DefaultGroup,
		period:       DefaultPeriod,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements system.Service.
func (c *Consumer) Name() string { return "aggregate-consumer" }

// Start subscribes to the price event stream. Delivery continues until
// Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("aggregate consumer already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := c.bus.Subscribe(runCtx, c.group, c.handleEvent); err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", c.group, err)
	}
	c.cancel = cancel
	c.log.WithField("group", c.group).Infof("consuming price events with period %d", c.period)
	return nil
}

// Stop cancels the subscription.
func (c *Consumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

// handleEvent recomputes the symbol's moving average from stored
// observations. Events for symbols with fewer than two observations
// are acknowledged without writing a row. Errors while reading or
// writing are returned so the bus redelivers the event.
func (c *Consumer) handleEvent(ctx context.Context, event marketdata.PriceEvent) error {
	start := time.Now()

	recent, err := c.observations.ListRecentObservations(ctx, event.Symbol, c.period)
	if err != nil {
		metrics.RecordConsumerEvent("read_failed", time.Since(start))
		return fmt.Errorf("list observations for %s: %w", event.Symbol, err)
	}
	if len(recent) < 2 {
		metrics.RecordConsumerEvent("skipped", time.Since(start))
		c.log.WithField("symbol", event.Symbol).Debug("insufficient observations for moving average")
		return nil
	}

	var sum float64
	for _, obs := range recent {
		sum += obs.Price
	}
	value := sum / float64(len(recent))
	if !storage.Finite(value) {
		metrics.RecordConsumerEvent("non_finite", time.Since(start))
		c.log.WithField("symbol", event.Symbol).Warn("computed moving average is not finite; dropping")
		return nil
	}

	ma := marketdata.MovingAverage{
		Symbol:     event.Symbol,
		Period:     c.period,
		Value:      value,
		ComputedAt: time.Now().UTC(),
	}
	if _, err := c.averages.CreateMovingAverage(ctx, ma); err != nil {
		metrics.RecordConsumerEvent("write_failed", time.Since(start))
		return fmt.Errorf("store moving average for %s: %w", event.Symbol, err)
	}

	metrics.RecordConsumerEvent("ok", time.Since(start))
	c.log.WithField("symbol", event.Symbol).
		WithField("window", len(recent)).
		Debugf("moving average %.4f", value)
	return nil
}
