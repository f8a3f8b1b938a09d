package aggregate

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/eventbus"
	"github.com/quotewire/marketdata/internal/storage"
	"github.com/quotewire/marketdata/internal/storage/memory"
	"github.com/quotewire/marketdata/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("aggregate-test")
	log.SetOutput(io.Discard)
	return log
}

func seedObservations(t *testing.T, store *memory.Store, symbol string, prices []float64) {
	t.Helper()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	for i, price := range prices {
		raw := marketdata.RawResponse{Symbol: symbol, Provider: "yahoo", Payload: []byte(`{}`), CapturedAt: base.Add(time.Duration(i) * time.Minute)}
		obs := marketdata.PriceObservation{
			Symbol:     symbol,
			Price:      price,
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
			Provider:   "yahoo",
			Quality:    marketdata.QualityLive,
		}
		if _, _, err := store.IngestObservation(context.Background(), raw, obs); err != nil {
			t.Fatalf("seed observation %d: %v", i, err)
		}
	}
}

func priceEvent(symbol string, price float64) marketdata.PriceEvent {
	return marketdata.PriceEvent{
		Symbol:     symbol,
		Price:      price,
		ObservedAt: time.Now().UTC(),
		Provider:   "yahoo",
		Quality:    marketdata.QualityLive,
	}
}

func TestHandleEventComputesFiveObservationAverage(t *testing.T) {
	store := memory.New()
	seedObservations(t, store, "MSFT", []float64{100, 101, 99, 102, 98})
	c := New(store, store, eventbus.NewMemoryBus(testLogger()), testLogger())

	if err := c.handleEvent(context.Background(), priceEvent("MSFT", 98)); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}

	avg, err := store.LatestMovingAverage(context.Background(), "MSFT", 5)
	if err != nil {
		t.Fatalf("LatestMovingAverage: %v", err)
	}
	if avg.Value != 100.0 {
		t.Fatalf("value = %v, want 100.0", avg.Value)
	}
	if avg.Period != 5 {
		t.Fatalf("period = %d, want 5", avg.Period)
	}
}

func TestHandleEventPartialWindow(t *testing.T) {
	store := memory.New()
	seedObservations(t, store, "GOOG", []float64{100, 104})
	c := New(store, store, eventbus.NewMemoryBus(testLogger()), testLogger())

	if err := c.handleEvent(context.Background(), priceEvent("GOOG", 104)); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}

	avg, err := store.LatestMovingAverage(context.Background(), "GOOG", 5)
	if err != nil {
		t.Fatalf("LatestMovingAverage: %v", err)
	}
	if avg.Value != 102.0 {
		t.Fatalf("value = %v, want 102.0", avg.Value)
	}
}

func TestHandleEventSkipsSingleObservation(t *testing.T) {
	store := memory.New()
	seedObservations(t, store, "AAPL", []float64{150.25})
	c := New(store, store, eventbus.NewMemoryBus(testLogger()), testLogger())

	if err := c.handleEvent(context.Background(), priceEvent("AAPL", 150.25)); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}

	if _, err := store.LatestMovingAverage(context.Background(), "AAPL", 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for skipped event", err)
	}
}

func TestHandleEventUsesOnlyMostRecentWindow(t *testing.T) {
	store := memory.New()
	// Seven observations; only the newest five belong in the window.
	seedObservations(t, store, "TSLA", []float64{1000, 2000, 10, 20, 30, 40, 50})
	c := New(store, store, eventbus.NewMemoryBus(testLogger()), testLogger())

	if err := c.handleEvent(context.Background(), priceEvent("TSLA", 50)); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}

	avg, err := store.LatestMovingAverage(context.Background(), "TSLA", 5)
	if err != nil {
		t.Fatalf("LatestMovingAverage: %v", err)
	}
	if avg.Value != 30.0 {
		t.Fatalf("value = %v, want 30.0", avg.Value)
	}
}

func TestHandleEventIdempotentUnderRedelivery(t *testing.T) {
	store := memory.New()
	seedObservations(t, store, "MSFT", []float64{100, 102})
	c := New(store, store, eventbus.NewMemoryBus(testLogger()), testLogger())
	ev := priceEvent("MSFT", 102)

	for i := 0; i < 3; i++ {
		if err := c.handleEvent(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	avg, err := store.LatestMovingAverage(context.Background(), "MSFT", 5)
	if err != nil {
		t.Fatalf("LatestMovingAverage: %v", err)
	}
	if avg.Value != 101.0 {
		t.Fatalf("value = %v, want 101.0 after redeliveries", avg.Value)
	}
}

func TestHandleEventCustomPeriod(t *testing.T) {
	store := memory.New()
	seedObservations(t, store, "AMZN", []float64{10, 20, 30})
	c := New(store, store, eventbus.NewMemoryBus(testLogger()), testLogger(), WithPeriod(2))

	if err := c.handleEvent(context.Background(), priceEvent("AMZN", 30)); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}

	avg, err := store.LatestMovingAverage(context.Background(), "AMZN", 2)
	if err != nil {
		t.Fatalf("LatestMovingAverage: %v", err)
	}
	if avg.Value != 25.0 {
		t.Fatalf("value = %v, want 25.0 for period 2", avg.Value)
	}
}

type erroringAverages struct {
	storage.MovingAverageStore
}

func (erroringAverages) CreateMovingAverage(ctx context.Context, ma marketdata.MovingAverage) (marketdata.MovingAverage, error) {
	return marketdata.MovingAverage{}, errors.New("write rejected")
}

func TestHandleEventReturnsWriteErrorsForRedelivery(t *testing.T) {
	store := memory.New()
	seedObservations(t, store, "MSFT", []float64{100, 102})
	c := New(store, erroringAverages{store}, eventbus.NewMemoryBus(testLogger()), testLogger())

	if err := c.handleEvent(context.Background(), priceEvent("MSFT", 102)); err == nil {
		t.Fatal("write failure swallowed; bus cannot redeliver")
	}
}

func TestConsumerLifecycleOverBus(t *testing.T) {
	store := memory.New()
	bus := eventbus.NewMemoryBus(testLogger())
	defer bus.Close()
	c := New(store, store, bus, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start accepted")
	}

	seedObservations(t, store, "NVDA", []float64{500, 510})
	if err := bus.Publish(context.Background(), priceEvent("NVDA", 510)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		avg, err := store.LatestMovingAverage(context.Background(), "NVDA", 5)
		if err == nil {
			if math.Abs(avg.Value-505.0) > 1e-9 {
				t.Fatalf("value = %v, want 505.0", avg.Value)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("moving average not written before deadline")
}
