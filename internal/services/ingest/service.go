// Package ingest orchestrates one price ingestion: resolve provider,
// fetch, persist raw + normalized atomically, publish the price event.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quotewire/marketdata/internal/cache"
	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/eventbus"
	"github.com/quotewire/marketdata/internal/metrics"
	"github.com/quotewire/marketdata/internal/providers"
	"github.com/quotewire/marketdata/internal/storage"
	"github.com/quotewire/marketdata/pkg/logger"
)

// ErrUpstreamFetch wraps a total fetch-chain failure. The request wrote
// no state; callers may retry.
var ErrUpstreamFetch = errors.New("upstream fetch failed")

const (
	defaultFetchTimeout   = 15 * time.Second
	defaultPublishTimeout = 3 * time.Second
	defaultMaxFetches     = 32

	minPollInterval = 30
	maxPollInterval = 3600
	maxPollSymbols  = 10
)

// Result is a completed ingestion. Degraded means the observation is
// durably stored but the price event could not be published, so
// downstream aggregation is delayed.
type Result struct {
	Observation marketdata.PriceObservation
	Degraded    bool
}

// Service runs the ingestion pipeline.
type Service struct {
	registry *providers.Registry
	store    storage.ObservationStore
	jobs     storage.PollingJobStore
	averages storage.MovingAverageStore
	bus      eventbus.Bus
	cache    *cache.QuoteCache
	log      *logger.Logger

	fetchSlots     chan struct{}
	fetchTimeout   time.Duration
	publishTimeout time.Duration
}

// Option customizes the service.
type Option func(*Service)

// WithCache attaches the best-effort latest-quote cache.
func WithCache(c *cache.QuoteCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithFetchTimeout bounds the whole fallback chain of one ingestion.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithPublishTimeout bounds the wait for the broker acknowledgment.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithMaxConcurrentFetches bounds in-flight provider fetches so a hung
// upstream cannot absorb every request goroutine.
func WithMaxConcurrentFetches(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fetchSlots = make(chan struct{}, n)
		}
	}
}

// New constructs the ingestion service.
func New(registry *providers.Registry, store storage.ObservationStore, jobs storage.PollingJobStore, averages storage.MovingAverageStore, bus eventbus.Bus, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("ingest")
	}
	s := &Service{
		registry:       registry,
		store:          store,
		jobs:           jobs,
		averages:       averages,
		bus:            bus,
		log:            log,
		fetchSlots:     make(chan struct{}, defaultMaxFetches),
		fetchTimeout:   defaultFetchTimeout,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest fetches the latest price for symbol via the named provider,
// persists the raw response and the normalized observation in one
// transaction, and publishes a price event. Publish failure degrades
// the result instead of rolling back: durability of the observation is
// the strong guarantee, propagation is best effort.
func (s *Service) Ingest(ctx context.Context, symbol, providerID string) (Result, error) {
	start := time.Now()

	provider, err := s.registry.Resolve(providerID)
	if err != nil {
		metrics.RecordIngestion(providerID, "unknown_provider", "", 0)
		return Result{}, err
	}

	symbol, err = providers.NormalizeSymbol(symbol)
	if err != nil {
		return Result{}, err
	}

	draft, err := s.fetch(ctx, provider, symbol)
	if err != nil {
		if errors.Is(err, providers.ErrUnsupportedSymbol) {
			metrics.RecordIngestion(provider.Name(), "unsupported_symbol", "", 0)
			return Result{}, err
		}
		metrics.RecordIngestion(provider.Name(), "fetch_failed", "", 0)
		return Result{}, fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}

	raw := marketdata.RawResponse{
		Symbol:     symbol,
		Provider:   provider.Name(),
		Payload:    draft.Raw,
		CapturedAt: time.Now().UTC(),
	}
	obs := marketdata.PriceObservation{
		Symbol:     symbol,
		Price:      draft.Price,
		ObservedAt: draft.ObservedAt,
		Provider:   provider.Name(),
		Quality:    draft.Quality,
	}

	_, obs, err = s.store.IngestObservation(ctx, raw, obs)
	if err != nil {
		metrics.RecordIngestion(provider.Name(), "storage_failed", string(draft.Quality), 0)
		return Result{}, fmt.Errorf("persist observation: %w", err)
	}

	result := Result{Observation: obs}
	if err := s.publish(ctx, obs); err != nil {
		// The observation is durable; only downstream aggregation is
		// delayed. Never roll back here.
		metrics.RecordPublishFailure()
		s.log.WithError(err).
			WithField("symbol", symbol).
			WithField("observation_id", obs.ID).
			Warn("price event publish failed; ingestion degraded")
		result.Degraded = true
	}

	s.cacheLatest(ctx, obs)

	metrics.RecordIngestion(provider.Name(), "ok", string(obs.Quality), time.Since(start))
	return result, nil
}

// fetch runs the provider call under a bounded worker slot and the
// outer fetch deadline, so a hung upstream stalls neither the caller
// beyond the deadline nor other requests.
func (s *Service) fetch(ctx context.Context, provider providers.Provider, symbol string) (providers.Draft, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	select {
	case s.fetchSlots <- struct{}{}:
	case <-fetchCtx.Done():
		return providers.Draft{}, fmt.Errorf("waiting for fetch slot: %w", fetchCtx.Err())
	}

	type fetchResult struct {
		draft providers.Draft
		err   error
	}
	ch := make(chan fetchResult, 1)
	go func() {
		defer func() { <-s.fetchSlots }()
		draft, err := provider.FetchLatest(fetchCtx, symbol)
		ch <- fetchResult{draft: draft, err: err}
	}()

	select {
	case r := <-ch:
		return r.draft, r.err
	case <-fetchCtx.Done():
		return providers.Draft{}, fetchCtx.Err()
	}
}

func (s *Service) publish(ctx context.Context, obs marketdata.PriceObservation) error {
	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	return s.bus.Publish(pubCtx, marketdata.PriceEvent{
		Symbol:        obs.Symbol,
		Price:         obs.Price,
		ObservedAt:    obs.ObservedAt,
		Provider:      obs.Provider,
		RawResponseID: obs.RawResponseID,
		Quality:       obs.Quality,
	})
}

func (s *Service) cacheLatest(ctx context.Context, obs marketdata.PriceObservation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetLatest(ctx, obs); err != nil {
		s.log.WithError(err).WithField("symbol", obs.Symbol).Debug("latest-quote cache write failed")
	}
}

// CachedLatest returns the cached most recent observation for symbol.
func (s *Service) CachedLatest(ctx context.Context, symbol string) (marketdata.PriceObservation, bool, error) {
	if s.cache == nil {
		return marketdata.PriceObservation{}, false, nil
	}
	symbol, err := providers.NormalizeSymbol(symbol)
	if err != nil {
		return marketdata.PriceObservation{}, false, err
	}
	return s.cache.GetLatest(ctx, symbol)
}

// RegisterPollingJob validates and records a polling configuration. It
// performs no scheduling; the record is configuration capture only.
func (s *Service) RegisterPollingJob(ctx context.Context, symbols []string, interval int, providerID string) (marketdata.PollingJob, error) {
	if len(symbols) == 0 || len(symbols) > maxPollSymbols {
		return marketdata.PollingJob{}, fmt.Errorf("symbols count must be 1..%d, got %d", maxPollSymbols, len(symbols))
	}
	if interval < minPollInterval || interval > maxPollInterval {
		return marketdata.PollingJob{}, fmt.Errorf("interval must be %d..%d seconds, got %d", minPollInterval, maxPollInterval, interval)
	}

	provider, err := s.registry.Resolve(providerID)
	if err != nil {
		return marketdata.PollingJob{}, err
	}

	normalized := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		n, err := providers.NormalizeSymbol(sym)
		if err != nil {
			return marketdata.PollingJob{}, err
		}
		normalized = append(normalized, n)
	}

	job := marketdata.PollingJob{
		JobID:     fmt.Sprintf("poll_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		Symbols:   normalized,
		Interval:  interval,
		Provider:  provider.Name(),
		Status:    marketdata.PollingJobStatusActive,
		CreatedAt: time.Now().UTC(),
	}

	job, err = s.jobs.CreatePollingJob(ctx, job)
	if err != nil {
		return marketdata.PollingJob{}, fmt.Errorf("persist polling job: %w", err)
	}

	s.log.WithField("job_id", job.JobID).
		WithField("provider", job.Provider).
		Infof("polling job registered for %d symbols", len(job.Symbols))
	return job, nil
}

// GetPollingJob returns a stored polling configuration.
func (s *Service) GetPollingJob(ctx context.Context, jobID string) (marketdata.PollingJob, error) {
	return s.jobs.GetPollingJob(ctx, jobID)
}

// LatestAverage returns the most recent moving average for the symbol
// and period (default 5).
func (s *Service) LatestAverage(ctx context.Context, symbol string, period int) (marketdata.MovingAverage, error) {
	symbol, err := providers.NormalizeSymbol(symbol)
	if err != nil {
		return marketdata.MovingAverage{}, err
	}
	if period <= 0 {
		period = 5
	}
	return s.averages.LatestMovingAverage(ctx, symbol, period)
}
