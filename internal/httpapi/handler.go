// Package httpapi exposes the REST surface for price ingestion and
// aggregate reads.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/metrics"
	"github.com/quotewire/marketdata/internal/providers"
	"github.com/quotewire/marketdata/internal/services/ingest"
	"github.com/quotewire/marketdata/internal/storage"
	"github.com/quotewire/marketdata/pkg/logger"
)

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler bundles the HTTP endpoints.
type Handler struct {
	svc     *ingest.Service
	log     *logger.Logger
	checks  []HealthCheck
	limiter *rateLimiter
}

// Option customizes the handler.
type Option func(*Handler)

// WithHealthChecks registers dependency probes for /health.
func WithHealthChecks(checks ...HealthCheck) Option {
	return func(h *Handler) { h.checks = append(h.checks, checks...) }
}

// WithRateLimit enables per-client request throttling on the API
// routes.
func WithRateLimit(requestsPerSecond, burst int) Option {
	return func(h *Handler) {
		if requestsPerSecond > 0 {
			h.limiter = newRateLimiter(requestsPerSecond, burst, h.log)
		}
	}
}

// NewHandler returns the service router.
func NewHandler(svc *ingest.Service, log *logger.Logger, opts ...Option) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{svc: svc, log: log}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if h.limiter != nil {
		api.Use(h.limiter.middleware)
	}
	api.HandleFunc("/prices/latest", h.latestPrice).Methods(http.MethodGet)
	api.HandleFunc("/prices/poll", h.registerPoll).Methods(http.MethodPost)
	api.HandleFunc("/prices/{symbol}/average", h.movingAverage).Methods(http.MethodGet)
	api.HandleFunc("/prices/{symbol}/cached", h.cachedPrice).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}", h.pollingJob).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

type observationResponse struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
	Provider   string    `json:"provider"`
	Quality    string    `json:"quality"`
	Degraded   bool      `json:"degraded,omitempty"`
}

func toObservationResponse(obs marketdata.PriceObservation) observationResponse {
	return observationResponse{
		Symbol:     obs.Symbol,
		Price:      obs.Price,
		ObservedAt: obs.ObservedAt,
		Provider:   obs.Provider,
		Quality:    string(obs.Quality),
	}
}

// latestPrice triggers an ingestion for the requested symbol and
// returns the stored observation. A degraded ingestion still succeeds;
// the Warning header flags the delayed propagation.
func (h *Handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbol query parameter is required"))
		return
	}

	result, err := h.svc.Ingest(r.Context(), symbol, r.URL.Query().Get("provider"))
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	resp := toObservationResponse(result.Observation)
	if result.Degraded {
		resp.Degraded = true
		w.Header().Set("Warning", `199 - "event publish failed; aggregation delayed"`)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cachedPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	obs, ok, err := h.svc.CachedLatest(r.Context(), symbol)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no cached quote for %s", symbol))
		return
	}
	writeJSON(w, http.StatusOK, toObservationResponse(obs))
}

func (h *Handler) registerPoll(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Symbols  []string `json:"symbols"`
		Interval int      `json:"interval"`
		Provider string   `json:"provider"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := h.svc.RegisterPollingJob(r.Context(), payload.Symbols, payload.Interval, payload.Provider)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) pollingJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetPollingJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) movingAverage(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	period := 0
	if raw := r.URL.Query().Get("period"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 2 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("period must be an integer >= 2"))
			return
		}
		period = p
	}

	avg, err := h.svc.LatestAverage(r.Context(), symbol, period)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("no moving average for %s yet", symbol))
			return
		}
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avg)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	healthy := true
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			components[check.Name] = "unavailable"
			healthy = false
			h.log.WithError(err).WithField("component", check.Name).Warn("health check failed")
		} else {
			components[check.Name] = "ok"
		}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

// writeIngestError maps service errors to HTTP statuses. Caller
// mistakes are 400s, upstream trouble is 502/503, everything else is a
// 500.
func (h *Handler) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, providers.ErrUnknownProvider),
		errors.Is(err, providers.ErrUnsupportedSymbol):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, providers.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ingest.ErrUpstreamFetch):
		writeError(w, http.StatusBadGateway, err)
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
