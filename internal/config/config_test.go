package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Consumer.Period != 5 || cfg.Consumer.Group != "ma-consumer" {
		t.Fatalf("consumer defaults = %+v", cfg.Consumer)
	}
	if cfg.Ingest.FetchTimeout != 15*time.Second {
		t.Fatalf("fetch timeout = %v", cfg.Ingest.FetchTimeout)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
database:
  dsn: "postgres://localhost/marketdata?sslmode=disable"
providers:
  default: alphavantage
  alphavantage:
    api_key: test-key
consumer:
  period: 10
eventbus:
  name_servers: ["127.0.0.1:9876"]
  consume_from: first
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN == "" {
		t.Fatal("database dsn not parsed")
	}
	if cfg.Providers.Default != "alphavantage" || cfg.Providers.AlphaVantage.APIKey != "test-key" {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if cfg.Consumer.Period != 10 {
		t.Fatalf("period = %d", cfg.Consumer.Period)
	}
	if len(cfg.EventBus.NameServers) != 1 {
		t.Fatalf("name servers = %v", cfg.EventBus.NameServers)
	}
	// Fields the file omits keep their defaults.
	if cfg.Consumer.Group != "ma-consumer" {
		t.Fatalf("group = %q", cfg.Consumer.Group)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
`)
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("CONSUMER_PERIOD", "7")
	t.Setenv("YAHOO_DISABLE_SYNTHETIC", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr = %q, env override lost", cfg.Server.Addr)
	}
	if cfg.Consumer.Period != 7 {
		t.Fatalf("period = %d", cfg.Consumer.Period)
	}
	if !cfg.Providers.Yahoo.DisableSynthetic {
		t.Fatal("nested provider env override lost")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"period too small", func(c *Config) { c.Consumer.Period = 1 }},
		{"empty group", func(c *Config) { c.Consumer.Group = "" }},
		{"zero fetch timeout", func(c *Config) { c.Ingest.FetchTimeout = 0 }},
		{"bad consume_from", func(c *Config) { c.EventBus.ConsumeFrom = "middle" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
