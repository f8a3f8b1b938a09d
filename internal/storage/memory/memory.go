// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended
// for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/storage"
)

// Store keeps all records in process memory.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	rawResponses map[string]marketdata.RawResponse
	observations map[string][]marketdata.PriceObservation
	averages     map[string][]marketdata.MovingAverage
	pollingJobs  map[string]marketdata.PollingJob
}

var _ storage.ObservationStore = (*Store)(nil)
var _ storage.MovingAverageStore = (*Store)(nil)
var _ storage.PollingJobStore = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		rawResponses: make(map[string]marketdata.RawResponse),
		observations: make(map[string][]marketdata.PriceObservation),
		averages:     make(map[string][]marketdata.MovingAverage),
		pollingJobs:  make(map[string]marketdata.PollingJob),
	}
}

func (s *Store) nextIDLocked() string {
	id := fmt.Sprintf("mem-%d", s.nextID)
	s.nextID++
	return id
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) IngestObservation(_ context.Context, raw marketdata.RawResponse, obs marketdata.PriceObservation) (marketdata.RawResponse, marketdata.PriceObservation, error) {
	if !storage.Finite(obs.Price) {
		return marketdata.RawResponse{}, marketdata.PriceObservation{}, storage.ErrNonFinitePrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if raw.ID == "" {
		raw.ID = s.nextIDLocked()
	}
	if raw.CapturedAt.IsZero() {
		raw.CapturedAt = now
	}
	if obs.ID == "" {
		obs.ID = s.nextIDLocked()
	}
	obs.RawResponseID = raw.ID

	s.rawResponses[raw.ID] = cloneRaw(raw)
	s.observations[obs.Symbol] = append(s.observations[obs.Symbol], obs)
	return raw, obs, nil
}

func (s *Store) ListRecentObservations(_ context.Context, symbol string, limit int) ([]marketdata.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.observations[symbol]
	out := make([]marketdata.PriceObservation, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetRawResponse(_ context.Context, id string) (marketdata.RawResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.rawResponses[id]
	if !ok {
		return marketdata.RawResponse{}, storage.ErrNotFound
	}
	return cloneRaw(raw), nil
}

func (s *Store) CreateMovingAverage(_ context.Context, ma marketdata.MovingAverage) (marketdata.MovingAverage, error) {
	if !storage.Finite(ma.Value) {
		return marketdata.MovingAverage{}, storage.ErrNonFinitePrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ma.ID == "" {
		ma.ID = s.nextIDLocked()
	}
	if ma.ComputedAt.IsZero() {
		ma.ComputedAt = time.Now().UTC()
	}
	s.averages[ma.Symbol] = append(s.averages[ma.Symbol], ma)
	return ma, nil
}

func (s *Store) LatestMovingAverage(_ context.Context, symbol string, period int) (marketdata.MovingAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.averages[symbol]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Period == period {
			return rows[i], nil
		}
	}
	return marketdata.MovingAverage{}, storage.ErrNotFound
}

func (s *Store) CreatePollingJob(_ context.Context, job marketdata.PollingJob) (marketdata.PollingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = s.nextIDLocked()
	}
	if job.JobID == "" {
		return marketdata.PollingJob{}, fmt.Errorf("polling job id required")
	}
	if _, exists := s.pollingJobs[job.JobID]; exists {
		return marketdata.PollingJob{}, fmt.Errorf("polling job %s already exists", job.JobID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.pollingJobs[job.JobID] = cloneJob(job)
	return job, nil
}

func (s *Store) GetPollingJob(_ context.Context, jobID string) (marketdata.PollingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.pollingJobs[jobID]
	if !ok {
		return marketdata.PollingJob{}, storage.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) ListPollingJobs(_ context.Context) ([]marketdata.PollingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]marketdata.PollingJob, 0, len(s.pollingJobs))
	for _, job := range s.pollingJobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].JobID, out[j].JobID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneRaw(raw marketdata.RawResponse) marketdata.RawResponse {
	out := raw
	out.Payload = append([]byte(nil), raw.Payload...)
	return out
}

func cloneJob(job marketdata.PollingJob) marketdata.PollingJob {
	out := job
	out.Symbols = append([]string(nil), job.Symbols...)
	if job.LastRun != nil {
		t := *job.LastRun
		out.LastRun = &t
	}
	return out
}
