// Package providers implements the market data provider variants and
// the strategy-chain fallback each variant runs internally.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quotewire/marketdata/internal/domain/marketdata"
	"github.com/quotewire/marketdata/internal/metrics"
	"github.com/quotewire/marketdata/internal/storage"
	"github.com/quotewire/marketdata/pkg/logger"
)

// Draft is the provider's normalized fetch result before persistence.
type Draft struct {
	Price      float64
	ObservedAt time.Time
	Raw        []byte
	Quality    marketdata.Quality
}

// Provider fetches the latest price for a symbol from one external
// data source.
type Provider interface {
	Name() string
	FetchLatest(ctx context.Context, symbol string) (Draft, error)
}

var (
	// ErrUnknownProvider is returned by the registry for unrecognized
	// provider identifiers.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnsupportedSymbol is returned when a provider cannot resolve
	// the instrument identifier at all.
	ErrUnsupportedSymbol = errors.New("unsupported symbol")

	// ErrProviderUnavailable is returned when a provider's construction
	// prerequisites (such as a credential) are missing. It is the one
	// provider error that propagates instead of falling back.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrAllStrategiesFailed is returned when every fetch strategy
	// failed and the synthetic terminal quote is disabled.
	ErrAllStrategiesFailed = errors.New("all fetch strategies failed")
)

// NormalizeSymbol upper-cases and validates an instrument identifier.
func NormalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || len(symbol) > 10 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '=':
		default:
			return "", fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
		}
	}
	return symbol, nil
}

// strategy is one step of a provider's fallback chain, ordered from
// freshest to coarsest.
type strategy struct {
	name    string
	timeout time.Duration
	fetch   func(ctx context.Context, symbol string) (Draft, error)
}

// runStrategies attempts strategies strictly in order and returns the
// first success. Strategy-local failures are demoted to the next
// strategy; ErrUnsupportedSymbol propagates immediately. When the chain
// is exhausted, either the deterministic synthetic quote is served
// (tagged so callers can tell) or ErrAllStrategiesFailed is returned.
func runStrategies(ctx context.Context, log *logger.Logger, providerName, symbol string, strategies []strategy, synthetic bool) (Draft, error) {
	for _, st := range strategies {
		stCtx := ctx
		cancel := context.CancelFunc(func() {})
		if st.timeout > 0 {
			stCtx, cancel = context.WithTimeout(ctx, st.timeout)
		}
		draft, err := st.fetch(stCtx, symbol)
		cancel()

		if err == nil {
			if !storage.Finite(draft.Price) {
				err = fmt.Errorf("strategy %s returned non-finite price", st.name)
			} else {
				if draft.Quality == "" {
					draft.Quality = marketdata.QualityLive
				}
				return draft, nil
			}
		}
		if errors.Is(err, ErrUnsupportedSymbol) {
			return Draft{}, err
		}
		if ctx.Err() != nil {
			return Draft{}, ctx.Err()
		}

		metrics.RecordStrategyFailure(providerName, st.name)
		log.WithError(err).
			WithField("symbol", symbol).
			Warnf("strategy %s failed, falling back", st.name)
	}

	if !synthetic {
		return Draft{}, fmt.Errorf("%w: provider %s, symbol %s", ErrAllStrategiesFailed, providerName, symbol)
	}

	metrics.RecordSyntheticQuote(providerName)
	log.WithField("symbol", symbol).Warn("serving synthetic quote after total strategy exhaustion")
	return SyntheticQuote(providerName, symbol, time.Now().UTC()), nil
}
