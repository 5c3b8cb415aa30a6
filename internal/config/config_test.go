package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  name: keeper-test
  log_level: DEBUG
  dry_run: true
venues:
  venue_a:
    kind: perp
    adapter: paper
    weight_per_minute: 600
    fee_rates: {maker: 0.0002, taker: 0.0004}
    funding_convention: longs_pay_when_positive
  venue_b:
    kind: perp
    adapter: paper
    fee_rates: {maker: 0.0001, taker: 0.0005}
symbols: [ETHUSDT, BTCUSDT, SOLUSDT]
blacklist: [SOLUSDT]
strategy:
  target_apy: 0.25
  min_position_usd: 500
storage:
  type: memory
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "keeper-test", cfg.App.Name)
	assert.True(t, cfg.App.DryRun)
	assert.Len(t, cfg.Venues, 2)
	assert.Equal(t, 600, cfg.Venues["venue_a"].WeightPerMinute)
	assert.Equal(t, 0.0004, cfg.Venues["venue_a"].FeeRates.Taker)

	// File values layer over defaults.
	assert.Equal(t, 0.25, cfg.Strategy.TargetAPY)
	assert.Equal(t, 500.0, cfg.Strategy.MinPositionUSD)
	assert.Equal(t, 0.0001, cfg.Strategy.MinSpread)
	assert.Equal(t, 0.02, cfg.Strategy.DriftLimit)
	assert.Equal(t, 3, cfg.Strategy.RotateDwell)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	bad := strings.Replace(validYAML, "dry_run: true", "dry_run: true\n  bogus_knob: 1", 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus_knob")
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "no venues",
			mutate: func(c *Config) { c.Venues = nil },
			field:  "venues",
		},
		{
			name: "bad venue kind",
			mutate: func(c *Config) {
				v := c.Venues["venue_a"]
				v.Kind = "options"
				c.Venues["venue_a"] = v
			},
			field: "venues.venue_a.kind",
		},
		{
			name: "bad adapter",
			mutate: func(c *Config) {
				v := c.Venues["venue_a"]
				v.Adapter = "kraken"
				c.Venues["venue_a"] = v
			},
			field: "venues.venue_a.adapter",
		},
		{
			name: "live binance venue without credentials",
			mutate: func(c *Config) {
				c.App.DryRun = false
				v := c.Venues["venue_a"]
				v.Adapter = "binance"
				c.Venues["venue_a"] = v
			},
			field: "venues.venue_a.api_key",
		},
		{
			name:   "no symbols",
			mutate: func(c *Config) { c.Symbols = nil },
			field:  "symbols",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.App.LogLevel = "verbose" },
			field:  "app.log_level",
		},
		{
			name:   "drift limit out of range",
			mutate: func(c *Config) { c.Strategy.DriftLimit = 1.5 },
			field:  "strategy.drift_limit",
		},
		{
			name:   "unknown loop",
			mutate: func(c *Config) { c.Loops = map[string]LoopConfig{"mystery_loop": {PeriodSeconds: 5}} },
			field:  "loops",
		},
		{
			name: "inverted health factor ladder",
			mutate: func(c *Config) {
				c.Leveraged.EmergencyHF = 2.5
			},
			field: "leveraged",
		},
		{
			name: "file storage without path",
			mutate: func(c *Config) {
				c.Storage = StorageConfig{Type: "file"}
			},
			field: "storage.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_KEEPER_KEY", "k-12345678")
	t.Setenv("TEST_KEEPER_SECRET", "s-12345678")

	yaml := strings.Replace(validYAML,
		"adapter: paper\n    weight_per_minute: 600",
		"adapter: paper\n    api_key: ${TEST_KEEPER_KEY}\n    api_secret: ${TEST_KEEPER_SECRET}\n    weight_per_minute: 600",
		1)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Secret("k-12345678"), cfg.Venues["venue_a"].APIKey)
	assert.Equal(t, Secret("s-12345678"), cfg.Venues["venue_a"].APISecret)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	v := cfg.Venues["venue_a"]
	v.APIKey = "super-secret-key"
	v.APISecret = "super-secret-value"
	cfg.Venues["venue_a"] = v

	s := cfg.String()
	assert.NotContains(t, s, "super-secret-key")
	assert.NotContains(t, s, "super-secret-value")
	assert.Contains(t, s, "[REDACTED]")
}

func TestTradableSymbols(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.TradableSymbols())
}

func TestDefaultConfigIsInternallyConsistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Venues = map[string]VenueConfig{
		"paper": {Kind: "perp", Adapter: "paper"},
	}
	cfg.Symbols = []string{"ETHUSDT"}
	assert.NoError(t, cfg.Validate())
}
