package providers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/quotewire/marketdata/pkg/logger"
)

// Config selects and configures the available provider variants.
type Config struct {
	Default      string             `yaml:"default" env:"DEFAULT_PROVIDER"`
	Yahoo        YahooConfig        `yaml:"yahoo"`
	AlphaVantage AlphaVantageConfig `yaml:"alphavantage"`
}

// Registry maps provider identifiers to constructed Provider
// instances. It is built once at startup and is the single validation
// gate for provider identity.
type Registry struct {
	providers   map[string]Provider
	unavailable map[string]error
	defaultName string
}

// NewRegistry builds the registry from configuration. Providers whose
// construction prerequisites are missing stay resolvable but return
// their construction error, so callers see ErrProviderUnavailable
// rather than ErrUnknownProvider.
func NewRegistry(cfg Config, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.NewDefault("providers")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	r := &Registry{
		providers:   make(map[string]Provider),
		unavailable: make(map[string]error),
	}

	yahoo := NewYahoo(cfg.Yahoo, httpClient, log.Named("provider-yahoo"))
	r.providers[yahoo.Name()] = yahoo

	if av, err := NewAlphaVantage(cfg.AlphaVantage, httpClient, log.Named("provider-alphavantage")); err != nil {
		log.WithError(err).Warn("alphavantage provider not available")
		r.unavailable["alphavantage"] = err
	} else {
		r.providers[av.Name()] = av
	}

	r.defaultName = strings.TrimSpace(cfg.Default)
	if r.defaultName == "" {
		r.defaultName = yahoo.Name()
	}
	if _, err := r.Resolve(r.defaultName); err != nil {
		return nil, fmt.Errorf("default provider %q: %w", r.defaultName, err)
	}
	return r, nil
}

// NewStaticRegistry builds a registry from pre-constructed providers.
// The first one is the default. Used by embedded setups that bypass
// configuration-driven construction.
func NewStaticRegistry(provs ...Provider) (*Registry, error) {
	if len(provs) == 0 {
		return nil, fmt.Errorf("static registry needs at least one provider")
	}
	r := &Registry{
		providers:   make(map[string]Provider, len(provs)),
		unavailable: make(map[string]error),
		defaultName: provs[0].Name(),
	}
	for _, p := range provs {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r, nil
}

// Resolve returns the provider for id, or the configured default when
// id is empty.
func (r *Registry) Resolve(id string) (Provider, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = r.defaultName
	}
	if p, ok := r.providers[id]; ok {
		return p, nil
	}
	if err, ok := r.unavailable[id]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
}

// Default returns the default provider identifier.
func (r *Registry) Default() string { return r.defaultName }

// Names lists the resolvable provider identifiers.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
