package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/pkg/logger"
)

const (
	defaultPartitions = 8
	deliveryAttempts  = 3
	retryDelay        = 50 * time.Millisecond
	pollInterval      = 250 * time.Millisecond
)

// MemoryBus is an in-process Bus with a retained per-partition log. It
// backs tests and single-node deployments; the broker-backed
// implementation is RocketMQBus.
type MemoryBus struct {
	log *logger.Logger

	mu         sync.Mutex
	partitions []partitionLog
	subs       []*memorySub
	closed     bool
}

type partitionLog struct {
	events []marketdata.PriceEvent
}

type memorySub struct {
	group   string
	handler Handler
	wakes   []chan struct{}
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus with the default partition count.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.NewDefault("eventbus-memory")
	}
	return &MemoryBus{
		log:        log,
		partitions: make([]partitionLog, defaultPartitions),
	}
}

func (b *MemoryBus) Publish(_ context.Context, event marketdata.PriceEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	p := PartitionFor(event.Symbol, len(b.partitions))
	b.partitions[p].events = append(b.partitions[p].events, event)
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.wakes[p] <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe starts one delivery goroutine per partition, replaying the
// retained log from the earliest offset before following new events.
func (b *MemoryBus) Subscribe(ctx context.Context, group string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	sub := &memorySub{group: group, handler: handler, wakes: make([]chan struct{}, len(b.partitions))}
	for i := range sub.wakes {
		sub.wakes[i] = make(chan struct{}, 1)
	}
	b.subs = append(b.subs, sub)
	n := len(b.partitions)
	b.mu.Unlock()

	for p := 0; p < n; p++ {
		go b.consumePartition(ctx, sub, p)
	}
	return nil
}

func (b *MemoryBus) consumePartition(ctx context.Context, sub *memorySub, p int) {
	offset := 0
	for {
		b.mu.Lock()
		var (
			event marketdata.PriceEvent
			ready bool
		)
		if offset < len(b.partitions[p].events) {
			event = b.partitions[p].events[offset]
			ready = true
		}
		b.mu.Unlock()

		if ready {
			b.deliver(ctx, sub, event)
			offset++
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.wakes[p]:
		case <-time.After(pollInterval):
			// Bounded wait so shutdown is never missed.
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, sub *memorySub, event marketdata.PriceEvent) {
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return
		}
		err := sub.handler(ctx, event)
		if err == nil {
			return
		}
		b.log.WithError(err).
			WithField("group", sub.group).
			WithField("symbol", event.Symbol).
			Warnf("event handler failed (attempt %d)", attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
	b.log.WithField("group", sub.group).
		WithField("symbol", event.Symbol).
		Warn("event dropped after redelivery attempts")
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
