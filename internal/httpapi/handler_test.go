package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/eventbus"
	"github.com/quotewire/marketdata/internal/providers"
	"github.com/quotewire/marketdata/internal/services/ingest"
	"github.com/quotewire/marketdata/internal/storage/memory"
	"github.com/quotewire/marketdata/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("httpapi-test")
	log.SetOutput(io.Discard)
	return log
}

type stubProvider struct {
	name  string
	price float64
	err   error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) FetchLatest(ctx context.Context, symbol string) (providers.Draft, error) {
	if p.err != nil {
		return providers.Draft{}, p.err
	}
	return providers.Draft{
		Price:      p.price,
		ObservedAt: time.Now().UTC(),
		Raw:        []byte(`{}`),
		Quality:    marketdata.QualityLive,
	}, nil
}

type failingBus struct{}

func (failingBus) Publish(ctx context.Context, event marketdata.PriceEvent) error {
	return errors.New("broker unreachable")
}

func (failingBus) Subscribe(ctx context.Context, group string, handler eventbus.Handler) error {
	return nil
}

func (failingBus) Close() error { return nil }

func newTestHandler(t *testing.T, provider providers.Provider, bus eventbus.Bus, opts ...Option) (http.Handler, *memory.Store) {
	t.Helper()
	registry, err := providers.NewStaticRegistry(provider)
	if err != nil {
		t.Fatalf("NewStaticRegistry: %v", err)
	}
	store := memory.New()
	svc := ingest.New(registry, store, store, store, bus, testLogger())
	return NewHandler(svc, testLogger(), opts...), store
}

func decodeBody(t *testing.T, res *http.Response, dst interface{}) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLatestPrice(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 150.25}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=aapl")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if res.Header.Get("Warning") != "" {
		t.Fatal("unexpected Warning header on clean ingestion")
	}

	var body observationResponse
	decodeBody(t, res, &body)
	if body.Symbol != "AAPL" || body.Price != 150.25 || body.Quality != "live" {
		t.Fatalf("body = %+v", body)
	}
}

func TestLatestPriceMissingSymbol(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/latest")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestLatestPriceUnknownProvider(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=AAPL&provider=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestLatestPriceUpstreamFailure(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", err: providers.ErrAllStrategiesFailed}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=AAPL")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", res.StatusCode)
	}
}

func TestLatestPriceDegradedSetsWarning(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 99.5}, failingBus{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=MSFT")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite publish failure", res.StatusCode)
	}
	if res.Header.Get("Warning") == "" {
		t.Fatal("degraded ingestion did not set Warning header")
	}
}

func TestPollingJobRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Post(srv.URL+"/api/v1/prices/poll", "application/json",
		strings.NewReader(`{"symbols":["aapl","msft"],"interval":60}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}
	var job marketdata.PollingJob
	decodeBody(t, res, &job)
	if !strings.HasPrefix(job.JobID, "poll_") || job.Status != marketdata.PollingJobStatusActive {
		t.Fatalf("job = %+v", job)
	}

	res, err = http.Get(srv.URL + "/api/v1/jobs/" + job.JobID)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("job fetch status = %d", res.StatusCode)
	}
	var fetched marketdata.PollingJob
	decodeBody(t, res, &fetched)
	if fetched.JobID != job.JobID || fetched.Interval != 60 {
		t.Fatalf("fetched job = %+v", fetched)
	}

	res, err = http.Get(srv.URL + "/api/v1/jobs/poll_missing")
	if err != nil {
		t.Fatalf("GET missing job: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", res.StatusCode)
	}
}

func TestPollingJobValidation(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Post(srv.URL+"/api/v1/prices/poll", "application/json",
		strings.NewReader(`{"symbols":["aapl"],"interval":5}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError && res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestMovingAverageEndpoint(t *testing.T) {
	h, store := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/GOOG/average")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any average exists", res.StatusCode)
	}

	if _, err := store.CreateMovingAverage(context.Background(), marketdata.MovingAverage{
		Symbol: "GOOG", Period: 5, Value: 102.0, ComputedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateMovingAverage: %v", err)
	}

	res, err = http.Get(srv.URL + "/api/v1/prices/GOOG/average")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var avg marketdata.MovingAverage
	decodeBody(t, res, &avg)
	if avg.Value != 102.0 || avg.Period != 5 {
		t.Fatalf("average = %+v", avg)
	}

	res, err = http.Get(srv.URL + "/api/v1/prices/GOOG/average?period=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad period status = %d, want 400", res.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	okCheck := HealthCheck{Name: "database", Check: func(ctx context.Context) error { return nil }}
	badCheck := HealthCheck{Name: "cache", Check: func(ctx context.Context) error { return fmt.Errorf("connection refused") }}

	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()),
		WithHealthChecks(okCheck, badCheck))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with failing component", res.StatusCode)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decodeBody(t, res, &body)
	if body.Status != "degraded" || body.Components["database"] != "ok" || body.Components["cache"] != "unavailable" {
		t.Fatalf("health body = %+v", body)
	}
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, &stubProvider{name: "yahoo", price: 1}, eventbus.NewMemoryBus(testLogger()),
		WithRateLimit(1, 1))
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=AAPL")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", res.StatusCode)
	}

	limited := false
	for i := 0; i < 5; i++ {
		res, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=AAPL")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of requests was never rate limited")
	}

	// Health stays reachable under throttling.
	res, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}
