package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/storage"
)

func TestIngestObservationAssignsIDsAndLinks(t *testing.T) {
	s := New()
	raw := marketdata.RawResponse{Symbol: "AAPL", Provider: "yahoo", Payload: []byte(`{"p":1}`)}
	obs := marketdata.PriceObservation{Symbol: "AAPL", Price: 150.25, ObservedAt: time.Now().UTC(), Provider: "yahoo", Quality: marketdata.QualityLive}

	raw, obs, err := s.IngestObservation(context.Background(), raw, obs)
	if err != nil {
		t.Fatalf("IngestObservation: %v", err)
	}
	if raw.ID == "" || obs.ID == "" {
		t.Fatalf("missing generated ids: raw=%q obs=%q", raw.ID, obs.ID)
	}
	if obs.RawResponseID != raw.ID {
		t.Fatalf("RawResponseID = %q, want %q", obs.RawResponseID, raw.ID)
	}

	got, err := s.GetRawResponse(context.Background(), raw.ID)
	if err != nil {
		t.Fatalf("GetRawResponse: %v", err)
	}
	if string(got.Payload) != `{"p":1}` {
		t.Fatalf("payload = %s", got.Payload)
	}
}

func TestIngestObservationRejectsNonFinite(t *testing.T) {
	s := New()
	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, _, err := s.IngestObservation(context.Background(),
			marketdata.RawResponse{Symbol: "AAPL", Provider: "yahoo"},
			marketdata.PriceObservation{Symbol: "AAPL", Price: price, ObservedAt: time.Now()})
		if !errors.Is(err, storage.ErrNonFinitePrice) {
			t.Fatalf("price %v: err = %v, want ErrNonFinitePrice", price, err)
		}
	}
	obs, _ := s.ListRecentObservations(context.Background(), "AAPL", 10)
	if len(obs) != 0 {
		t.Fatalf("rejected writes left %d observations", len(obs))
	}
}

func TestListRecentObservationsOrderAndLimit(t *testing.T) {
	s := New()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	for i, price := range []float64{10, 20, 30, 40} {
		_, _, err := s.IngestObservation(context.Background(),
			marketdata.RawResponse{Symbol: "MSFT", Provider: "yahoo"},
			marketdata.PriceObservation{Symbol: "MSFT", Price: price, ObservedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	got, err := s.ListRecentObservations(context.Background(), "MSFT", 3)
	if err != nil {
		t.Fatalf("ListRecentObservations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Price != 40 || got[1].Price != 30 || got[2].Price != 20 {
		t.Fatalf("order wrong: %v %v %v", got[0].Price, got[1].Price, got[2].Price)
	}
}

func TestLatestMovingAverageSelectsByPeriod(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, ma := range []marketdata.MovingAverage{
		{Symbol: "GOOG", Period: 5, Value: 100},
		{Symbol: "GOOG", Period: 10, Value: 95},
		{Symbol: "GOOG", Period: 5, Value: 102},
	} {
		if _, err := s.CreateMovingAverage(ctx, ma); err != nil {
			t.Fatalf("CreateMovingAverage: %v", err)
		}
	}

	got, err := s.LatestMovingAverage(ctx, "GOOG", 5)
	if err != nil {
		t.Fatalf("LatestMovingAverage: %v", err)
	}
	if got.Value != 102 {
		t.Fatalf("value = %v, want latest period-5 row", got.Value)
	}

	if _, err := s.LatestMovingAverage(ctx, "GOOG", 20); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown period err = %v", err)
	}
}

func TestPollingJobsUniqueAndListed(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := marketdata.PollingJob{JobID: "poll_abc", Symbols: []string{"AAPL"}, Interval: 60, Provider: "yahoo", Status: marketdata.PollingJobStatusActive}
	if _, err := s.CreatePollingJob(ctx, job); err != nil {
		t.Fatalf("CreatePollingJob: %v", err)
	}
	if _, err := s.CreatePollingJob(ctx, job); err == nil {
		t.Fatal("duplicate job id accepted")
	}

	got, err := s.GetPollingJob(ctx, "poll_abc")
	if err != nil {
		t.Fatalf("GetPollingJob: %v", err)
	}
	// Mutating the returned slice must not leak into the store.
	got.Symbols[0] = "ZZZZ"
	again, _ := s.GetPollingJob(ctx, "poll_abc")
	if again.Symbols[0] != "AAPL" {
		t.Fatal("stored job aliased caller slice")
	}

	jobs, err := s.ListPollingJobs(ctx)
	if err != nil {
		t.Fatalf("ListPollingJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}

	if _, err := s.GetPollingJob(ctx, "poll_missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing job err = %v", err)
	}
}
