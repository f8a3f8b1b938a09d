// Package metrics exposes the Prometheus collectors for the ingestion
// pipeline and aggregation consumer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketdata",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketdata",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ingestions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "ingest",
			Name:      "observations_total",
			Help:      "Total number of ingestion attempts.",
		},
		[]string{"provider", "status", "quality"},
	)

	ingestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketdata",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Duration of full ingestion calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"provider"},
	)

	strategyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "providers",
			Name:      "strategy_failures_total",
			Help:      "Fetch strategies that failed and fell back.",
		},
		[]string{"provider", "strategy"},
	)

	syntheticQuotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "providers",
			Name:      "synthetic_quotes_total",
			Help:      "Quotes served from the synthetic terminal fallback.",
		},
		[]string{"provider"},
	)

	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "eventbus",
			Name:      "publish_failures_total",
			Help:      "Price events that could not be published.",
		},
	)

	consumerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketdata",
			Subsystem: "consumer",
			Name:      "events_total",
			Help:      "Events handled by the aggregation consumer.",
		},
		[]string{"outcome"}, // processed, skipped, failed
	)

	consumerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "marketdata",
			Subsystem: "consumer",
			Name:      "event_duration_seconds",
			Help:      "Duration of per-event aggregation work.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ingestions,
		ingestDuration,
		strategyFailures,
		syntheticQuotes,
		publishFailures,
		consumerEvents,
		consumerDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics
// collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordIngestion records one ingestion attempt.
func RecordIngestion(provider, status, quality string, duration time.Duration) {
	if quality == "" {
		quality = "none"
	}
	ingestions.WithLabelValues(provider, status, quality).Inc()
	if duration > 0 {
		ingestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordStrategyFailure counts a fetch strategy that failed and fell
// through to the next one.
func RecordStrategyFailure(provider, strategy string) {
	strategyFailures.WithLabelValues(provider, strategy).Inc()
}

// RecordSyntheticQuote counts a quote served from the synthetic
// terminal fallback.
func RecordSyntheticQuote(provider string) {
	syntheticQuotes.WithLabelValues(provider).Inc()
}

// RecordPublishFailure counts a price event that failed to publish.
func RecordPublishFailure() {
	publishFailures.Inc()
}

// RecordConsumerEvent records the outcome and duration of one consumed
// event.
func RecordConsumerEvent(outcome string, duration time.Duration) {
	consumerEvents.WithLabelValues(outcome).Inc()
	if duration > 0 {
		consumerDuration.Observe(duration.Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses symbol-bearing paths so label cardinality
// stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "v1" {
		switch parts[2] {
		case "prices":
			if len(parts) >= 4 && parts[3] != "latest" && parts[3] != "poll" {
				return "/api/v1/prices/:symbol"
			}
			if len(parts) >= 4 {
				return "/api/v1/prices/" + parts[3]
			}
			return "/api/v1/prices"
		case "jobs":
			return "/api/v1/jobs/:job"
		}
	}
	return "/" + parts[0]
}
