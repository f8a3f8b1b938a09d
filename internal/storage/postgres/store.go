// Package postgres implements the storage interfaces backed by
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/storage"
)

// Store implements the storage interfaces on top of a database/sql
// handle. Sessions are scoped per call through the pool; the ingest
// write runs inside an explicit transaction.
type Store struct {
	db *sql.DB
}

var _ storage.ObservationStore = (*Store)(nil)
var _ storage.MovingAverageStore = (*Store)(nil)
var _ storage.PollingJobStore = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IngestObservation inserts the raw response and the observation in one
// transaction, raw row first so the observation's reference can never
// dangle.
func (s *Store) IngestObservation(ctx context.Context, raw marketdata.RawResponse, obs marketdata.PriceObservation) (marketdata.RawResponse, marketdata.PriceObservation, error) {
	if !storage.Finite(obs.Price) {
		return marketdata.RawResponse{}, marketdata.PriceObservation{}, storage.ErrNonFinitePrice
	}

	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	if raw.CapturedAt.IsZero() {
		raw.CapturedAt = time.Now().UTC()
	}
	if obs.ID == "" {
		obs.ID = uuid.NewString()
	}
	obs.RawResponseID = raw.ID
	if obs.Quality == "" {
		obs.Quality = marketdata.QualityLive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return marketdata.RawResponse{}, marketdata.PriceObservation{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO raw_market_responses (id, symbol, provider, raw_response, captured_at)
		VALUES ($1, $2, $3, $4, $5)
	`, raw.ID, raw.Symbol, raw.Provider, raw.Payload, raw.CapturedAt); err != nil {
		return marketdata.RawResponse{}, marketdata.PriceObservation{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO price_points (id, symbol, price, observed_at, provider, raw_response_id, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, obs.ID, obs.Symbol, obs.Price, obs.ObservedAt, obs.Provider, obs.RawResponseID, string(obs.Quality)); err != nil {
		return marketdata.RawResponse{}, marketdata.PriceObservation{}, err
	}

	if err := tx.Commit(); err != nil {
		return marketdata.RawResponse{}, marketdata.PriceObservation{}, err
	}
	return raw, obs, nil
}

func (s *Store) ListRecentObservations(ctx context.Context, symbol string, limit int) ([]marketdata.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, price, observed_at, provider, raw_response_id, quality
		FROM price_points
		WHERE symbol = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []marketdata.PriceObservation
	for rows.Next() {
		var (
			obs     marketdata.PriceObservation
			rawID   sql.NullString
			quality string
		)
		if err := rows.Scan(&obs.ID, &obs.Symbol, &obs.Price, &obs.ObservedAt, &obs.Provider, &rawID, &quality); err != nil {
			return nil, err
		}
		obs.RawResponseID = rawID.String
		obs.Quality = marketdata.Quality(quality)
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (s *Store) GetRawResponse(ctx context.Context, id string) (marketdata.RawResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, provider, raw_response, captured_at
		FROM raw_market_responses
		WHERE id = $1
	`, id)

	var raw marketdata.RawResponse
	if err := row.Scan(&raw.ID, &raw.Symbol, &raw.Provider, &raw.Payload, &raw.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return marketdata.RawResponse{}, storage.ErrNotFound
		}
		return marketdata.RawResponse{}, err
	}
	return raw, nil
}

func (s *Store) CreateMovingAverage(ctx context.Context, ma marketdata.MovingAverage) (marketdata.MovingAverage, error) {
	if !storage.Finite(ma.Value) {
		return marketdata.MovingAverage{}, storage.ErrNonFinitePrice
	}

	if ma.ID == "" {
		ma.ID = uuid.NewString()
	}
	if ma.ComputedAt.IsZero() {
		ma.ComputedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moving_averages (id, symbol, period, average_value, computed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ma.ID, ma.Symbol, ma.Period, ma.Value, ma.ComputedAt)
	if err != nil {
		return marketdata.MovingAverage{}, err
	}
	return ma, nil
}

func (s *Store) LatestMovingAverage(ctx context.Context, symbol string, period int) (marketdata.MovingAverage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, period, average_value, computed_at
		FROM moving_averages
		WHERE symbol = $1 AND period = $2
		ORDER BY computed_at DESC
		LIMIT 1
	`, symbol, period)

	var ma marketdata.MovingAverage
	if err := row.Scan(&ma.ID, &ma.Symbol, &ma.Period, &ma.Value, &ma.ComputedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return marketdata.MovingAverage{}, storage.ErrNotFound
		}
		return marketdata.MovingAverage{}, err
	}
	return ma, nil
}

func (s *Store) CreatePollingJob(ctx context.Context, job marketdata.PollingJob) (marketdata.PollingJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = marketdata.PollingJobStatusActive
	}

	symbolsJSON, err := json.Marshal(job.Symbols)
	if err != nil {
		return marketdata.PollingJob{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polling_jobs (id, job_id, symbols, interval_seconds, provider, status, created_at, last_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.JobID, symbolsJSON, job.Interval, job.Provider, job.Status, job.CreatedAt, job.LastRun)
	if err != nil {
		return marketdata.PollingJob{}, err
	}
	return job, nil
}

func (s *Store) GetPollingJob(ctx context.Context, jobID string) (marketdata.PollingJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, symbols, interval_seconds, provider, status, created_at, last_run
		FROM polling_jobs
		WHERE job_id = $1
	`, jobID)
	return scanPollingJob(row)
}

func (s *Store) ListPollingJobs(ctx context.Context) ([]marketdata.PollingJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, symbols, interval_seconds, provider, status, created_at, last_run
		FROM polling_jobs
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []marketdata.PollingJob
	for rows.Next() {
		job, err := scanPollingJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPollingJob(row rowScanner) (marketdata.PollingJob, error) {
	var (
		job         marketdata.PollingJob
		symbolsJSON []byte
		lastRun     sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.JobID, &symbolsJSON, &job.Interval, &job.Provider, &job.Status, &job.CreatedAt, &lastRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return marketdata.PollingJob{}, storage.ErrNotFound
		}
		return marketdata.PollingJob{}, err
	}
	if len(symbolsJSON) > 0 {
		_ = json.Unmarshal(symbolsJSON, &job.Symbols)
	}
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRun = &t
	}
	return job, nil
}
