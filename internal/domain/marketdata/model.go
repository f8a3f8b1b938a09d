// Package marketdata defines the entities flowing through the ingestion
// pipeline and the aggregation stage.
package marketdata

import "time"

// Quality describes where an observation's value came from. Synthetic
// observations are produced by a provider's terminal fallback when every
// real strategy has failed; they are stored and served like live data
// but remain distinguishable.
type Quality string

const (
	QualityLive      Quality = "live"
	QualitySynthetic Quality = "synthetic"
)

// RawResponse is the untouched provider payload kept for audit and
// replay. Immutable once written.
type RawResponse struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Provider   string    `json:"provider"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// PriceObservation is one normalized price reading. RawResponseID is a
// weak reference: it links the observation to the payload it was parsed
// from but carries no ownership.
type PriceObservation struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	ObservedAt    time.Time `json:"observed_at"`
	Provider      string    `json:"provider"`
	RawResponseID string    `json:"raw_response_id,omitempty"`
	Quality       Quality   `json:"quality"`
}

// MovingAverage is one row of the append-only indicator log for a
// (symbol, period) pair.
type MovingAverage struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Period     int       `json:"period"`
	Value      float64   `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
}

// PollingJob captures a recorded polling configuration. Nothing in this
// service schedules it; the record exists so an external executor can.
type PollingJob struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Symbols   []string   `json:"symbols"`
	Interval  int        `json:"interval"`
	Provider  string     `json:"provider"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

const PollingJobStatusActive = "active"

// PriceEvent is the bus payload emitted once per stored observation,
// partitioned by Symbol.
type PriceEvent struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	ObservedAt    time.Time `json:"observed_at"`
	Provider      string    `json:"provider"`
	RawResponseID string    `json:"raw_response_id,omitempty"`
	Quality       Quality   `json:"quality"`
}
