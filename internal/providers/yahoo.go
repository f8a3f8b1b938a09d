package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotewire/marketdata/pkg/logger"
)

const defaultYahooBaseURL = "https://query1.finance.yahoo.com"

// YahooConfig configures the Yahoo Finance provider.
type YahooConfig struct {
	BaseURL          string        `yaml:"base_url" env:"YAHOO_BASE_URL"`
	StrategyTimeout  time.Duration `yaml:"strategy_timeout" env:"YAHOO_STRATEGY_TIMEOUT"`
	DisableSynthetic bool          `yaml:"disable_synthetic" env:"YAHOO_DISABLE_SYNTHETIC"`
}

// Yahoo fetches quotes from the Yahoo Finance chart API. Its fallback
// chain walks from intraday candles down to daily history before the
// synthetic terminal quote.
type Yahoo struct {
	cfg    YahooConfig
	client *http.Client
	log    *logger.Logger
}

var _ Provider = (*Yahoo)(nil)

// NewYahoo constructs the provider. Yahoo needs no credentials, so
// construction never fails.
func NewYahoo(cfg YahooConfig, client *http.Client, log *logger.Logger) *Yahoo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultYahooBaseURL
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("provider-yahoo")
	}
	return &Yahoo{cfg: cfg, client: client, log: log}
}

func (y *Yahoo) Name() string { return "yahoo" }

func (y *Yahoo) FetchLatest(ctx context.Context, symbol string) (Draft, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return Draft{}, err
	}

	strategies := []strategy{
		{
			name:    "intraday_1m",
			timeout: y.cfg.StrategyTimeout,
			fetch: func(ctx context.Context, symbol string) (Draft, error) {
				return y.fetchChart(ctx, symbol, "1m", "1d")
			},
		},
		{
			name:    "daily_5d",
			timeout: y.cfg.StrategyTimeout,
			fetch: func(ctx context.Context, symbol string) (Draft, error) {
				return y.fetchChart(ctx, symbol, "1d", "5d")
			},
		},
	}

	return runStrategies(ctx, y.log, y.Name(), symbol, strategies, !y.cfg.DisableSynthetic)
}

func (y *Yahoo) fetchChart(ctx context.Context, symbol, interval, rangeStr string) (Draft, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s", y.cfg.BaseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Draft{}, fmt.Errorf("build chart request: %w", err)
	}
	q := req.URL.Query()
	q.Set("interval", interval)
	q.Set("range", rangeStr)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", "quotewire-marketdata/1.0")

	resp, err := y.client.Do(req)
	if err != nil {
		return Draft{}, fmt.Errorf("chart request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Draft{}, fmt.Errorf("read chart response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return Draft{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}
	if resp.StatusCode != http.StatusOK {
		return Draft{}, fmt.Errorf("chart status %d", resp.StatusCode)
	}

	if chartErr := gjson.GetBytes(body, "chart.error"); chartErr.Exists() && chartErr.Type != gjson.Null {
		if chartErr.Get("code").String() == "Not Found" {
			return Draft{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
		}
		return Draft{}, fmt.Errorf("chart error: %s", chartErr.Get("description").String())
	}

	result := gjson.GetBytes(body, "chart.result.0")
	if !result.Exists() {
		return Draft{}, fmt.Errorf("empty chart result")
	}

	price, observedAt, err := extractChartClose(result)
	if err != nil {
		return Draft{}, err
	}

	return Draft{Price: price, ObservedAt: observedAt, Raw: body}, nil
}

// extractChartClose returns the most recent close in the result,
// preferring the meta quote when present.
func extractChartClose(result gjson.Result) (float64, time.Time, error) {
	if meta := result.Get("meta"); meta.Exists() {
		if p := meta.Get("regularMarketPrice"); p.Exists() && p.Type == gjson.Number {
			observed := time.Unix(meta.Get("regularMarketTime").Int(), 0).UTC()
			if observed.Unix() <= 0 {
				observed = time.Now().UTC()
			}
			return p.Float(), observed, nil
		}
	}

	closes := result.Get("indicators.quote.0.close").Array()
	timestamps := result.Get("timestamp").Array()
	for i := len(closes) - 1; i >= 0; i-- {
		if closes[i].Type != gjson.Number {
			continue
		}
		observed := time.Now().UTC()
		if i < len(timestamps) {
			observed = time.Unix(timestamps[i].Int(), 0).UTC()
		}
		return closes[i].Float(), observed, nil
	}
	return 0, time.Time{}, fmt.Errorf("no close values in chart result")
}
