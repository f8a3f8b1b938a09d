// Package eventbus carries price events from the ingestion service to
// the aggregation consumer. Delivery is at-least-once; events sharing a
// symbol are delivered in publish order, with no ordering guarantee
// across symbols. Published events are retained so a consumer group
// joining late catches up from the earliest retained offset.
package eventbus

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
)

// Topic is the single topic all price events are published on.
const Topic = "price-events"

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Handler processes one delivered event. Returning an error requests
// redelivery.
type Handler func(ctx context.Context, event marketdata.PriceEvent) error

// Bus is the producer/consumer contract for the price event stream.
type Bus interface {
	// Publish sends the event keyed by its symbol and waits for the
	// broker acknowledgment within the caller's deadline.
	Publish(ctx context.Context, event marketdata.PriceEvent) error

	// Subscribe registers a handler under a consumer group. Delivery
	// runs until ctx is cancelled.
	Subscribe(ctx context.Context, group string, handler Handler) error

	Close() error
}

// PartitionFor maps a symbol to one of n partitions.
func PartitionFor(symbol string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}
