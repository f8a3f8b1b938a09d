// Package storage declares the persistence contracts for the ingestion
// pipeline. Implementations live in the memory and postgres
// subpackages.
package storage

import (
	"context"
	"errors"
	"math"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNonFinitePrice rejects NaN or infinite values at the storage
// boundary.
var ErrNonFinitePrice = errors.New("price value is not finite")

// ObservationStore persists raw provider payloads and normalized
// observations.
type ObservationStore interface {
	// IngestObservation writes the raw response and the observation as
	// one atomic unit: either both rows exist afterwards or neither
	// does. The observation's RawResponseID is set to the stored raw
	// response. Returned values carry the generated identifiers.
	IngestObservation(ctx context.Context, raw marketdata.RawResponse, obs marketdata.PriceObservation) (marketdata.RawResponse, marketdata.PriceObservation, error)

	// ListRecentObservations returns up to limit observations for the
	// symbol ordered by observed_at descending.
	ListRecentObservations(ctx context.Context, symbol string, limit int) ([]marketdata.PriceObservation, error)

	GetRawResponse(ctx context.Context, id string) (marketdata.RawResponse, error)
}

// MovingAverageStore persists the append-only moving average log.
type MovingAverageStore interface {
	CreateMovingAverage(ctx context.Context, ma marketdata.MovingAverage) (marketdata.MovingAverage, error)
	LatestMovingAverage(ctx context.Context, symbol string, period int) (marketdata.MovingAverage, error)
}

// PollingJobStore persists polling job configuration records.
type PollingJobStore interface {
	CreatePollingJob(ctx context.Context, job marketdata.PollingJob) (marketdata.PollingJob, error)
	GetPollingJob(ctx context.Context, jobID string) (marketdata.PollingJob, error)
	ListPollingJobs(ctx context.Context) ([]marketdata.PollingJob, error)
}

// Pinger reports storage liveness for the health surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Finite reports whether v is a usable price or average value.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
