package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/quotewire/marketdata/pkg/logger"
)

const defaultAlphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantageConfig configures the Alpha Vantage provider.
type AlphaVantageConfig struct {
	APIKey            string        `yaml:"api_key" env:"ALPHA_VANTAGE_API_KEY"`
	BaseURL           string        `yaml:"base_url" env:"ALPHA_VANTAGE_BASE_URL"`
	StrategyTimeout   time.Duration `yaml:"strategy_timeout" env:"ALPHA_VANTAGE_STRATEGY_TIMEOUT"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"ALPHA_VANTAGE_RPM"`
	DisableSynthetic  bool          `yaml:"disable_synthetic" env:"ALPHA_VANTAGE_DISABLE_SYNTHETIC"`
}

// AlphaVantage fetches quotes from the Alpha Vantage REST API, falling
// from the real-time GLOBAL_QUOTE endpoint to the daily time series.
// The free tier is heavily rate limited, so every call goes through a
// client-side limiter.
type AlphaVantage struct {
	cfg     AlphaVantageConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

var _ Provider = (*AlphaVantage)(nil)

// NewAlphaVantage constructs the provider. A missing API key is the one
// construction failure that must surface instead of falling back.
func NewAlphaVantage(cfg AlphaVantageConfig, client *http.Client, log *logger.Logger) (*AlphaVantage, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: alpha vantage api key not configured", ErrProviderUnavailable)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAlphaVantageBaseURL
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = 5 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 5
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("provider-alphavantage")
	}
	return &AlphaVantage{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		log:     log,
	}, nil
}

func (a *AlphaVantage) Name() string { return "alphavantage" }

func (a *AlphaVantage) FetchLatest(ctx context.Context, symbol string) (Draft, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return Draft{}, err
	}

	strategies := []strategy{
		{
			name:    "global_quote",
			timeout: a.cfg.StrategyTimeout,
			fetch:   a.fetchGlobalQuote,
		},
		{
			name:    "daily_series",
			timeout: a.cfg.StrategyTimeout,
			fetch:   a.fetchDailyClose,
		},
	}

	return runStrategies(ctx, a.log, a.Name(), symbol, strategies, !a.cfg.DisableSynthetic)
}

func (a *AlphaVantage) fetchGlobalQuote(ctx context.Context, symbol string) (Draft, error) {
	body, err := a.query(ctx, symbol, "GLOBAL_QUOTE")
	if err != nil {
		return Draft{}, err
	}

	quote := gjson.GetBytes(body, "Global Quote")
	if !quote.Exists() || len(quote.Map()) == 0 {
		return Draft{}, fmt.Errorf("global quote missing from response")
	}

	price := quote.Get("05\\. price")
	if !price.Exists() {
		return Draft{}, fmt.Errorf("price field missing from global quote")
	}

	observed := time.Now().UTC()
	if day := quote.Get("07\\. latest trading day").String(); day != "" {
		if t, err := time.Parse("2006-01-02", day); err == nil {
			observed = t.UTC()
		}
	}

	return Draft{Price: price.Float(), ObservedAt: observed, Raw: body}, nil
}

func (a *AlphaVantage) fetchDailyClose(ctx context.Context, symbol string) (Draft, error) {
	body, err := a.query(ctx, symbol, "TIME_SERIES_DAILY")
	if err != nil {
		return Draft{}, err
	}

	series := gjson.GetBytes(body, "Time Series (Daily)")
	if !series.Exists() {
		return Draft{}, fmt.Errorf("daily series missing from response")
	}

	var (
		latestDay   string
		latestClose float64
		found       bool
	)
	series.ForEach(func(day, bar gjson.Result) bool {
		// Entries arrive newest first; take the first bar with a close.
		if c := bar.Get("4\\. close"); c.Exists() {
			latestDay = day.String()
			latestClose = c.Float()
			found = true
			return false
		}
		return true
	})
	if !found {
		return Draft{}, fmt.Errorf("no close values in daily series")
	}

	observed := time.Now().UTC()
	if t, err := time.Parse("2006-01-02", latestDay); err == nil {
		observed = t.UTC()
	}

	return Draft{Price: latestClose, ObservedAt: observed, Raw: body}, nil
}

func (a *AlphaVantage) query(ctx context.Context, symbol, function string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/query", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("function", function)
	q.Set("symbol", symbol)
	q.Set("apikey", a.cfg.APIKey)
	req.URL.RawQuery = q.Encode()

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	if msg := gjson.GetBytes(body, "Error Message"); msg.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, msg.String())
	}
	if note := gjson.GetBytes(body, "Note"); note.Exists() {
		// Rate limit note from the API; treat as a strategy failure.
		return nil, fmt.Errorf("api throttled: %s", note.String())
	}

	return body, nil
}
