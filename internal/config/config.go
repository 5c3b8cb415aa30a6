// Package config handles configuration management with validation
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete keeper configuration.
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Symbols   []string               `yaml:"symbols"`
	Blacklist []string               `yaml:"blacklist"`
	Strategy  StrategyConfig         `yaml:"strategy"`
	Loops     map[string]LoopConfig  `yaml:"loops"`
	Leveraged LeveragedConfig        `yaml:"leveraged"`
	Storage   StorageConfig          `yaml:"storage"`
	Reconcile ReconcileConfig        `yaml:"reconcile"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	DryRun   bool   `yaml:"dry_run"`
}

// VenueConfig describes one venue adapter instance.
type VenueConfig struct {
	Kind              string        `yaml:"kind"`    // perp, spot or lending
	Adapter           string        `yaml:"adapter"` // binance or paper
	APIBase           string        `yaml:"api_base"`
	APIKey            Secret        `yaml:"api_key"`
	APISecret         Secret        `yaml:"api_secret"`
	WeightPerMinute   int           `yaml:"weight_per_minute"`
	FeeRates          FeeRateConfig `yaml:"fee_rates"`
	Testnet           bool          `yaml:"testnet"`
	FundingConvention string        `yaml:"funding_convention"` // longs_pay_when_positive or shorts_pay_when_positive
	Lending           LendingConfig `yaml:"lending"`
}

// FeeRateConfig holds maker/taker fee fractions.
type FeeRateConfig struct {
	Maker float64 `yaml:"maker"`
	Taker float64 `yaml:"taker"`
}

// LendingConfig holds lending-market parameters for lending venues.
type LendingConfig struct {
	PoolAddress string `yaml:"pool_address"`
}

// StrategyConfig contains the opportunity pipeline thresholds.
type StrategyConfig struct {
	MinSpread         float64 `yaml:"min_spread"`
	TargetAPY         float64 `yaml:"target_apy"`
	MinPositionUSD    float64 `yaml:"min_position_usd"`
	Leverage          float64 `yaml:"leverage"`
	BalanceUsagePct   float64 `yaml:"balance_usage_pct"`
	MaxBreakEvenDays  float64 `yaml:"max_break_even_days"`
	DriftLimit        float64 `yaml:"drift_limit"`
	RotateMargin      float64 `yaml:"rotate_margin"`
	RotateDwell       int     `yaml:"rotate_dwell"`
	LiquidityFloorAPY float64 `yaml:"liquidity_floor_apy"`
}

// LoopConfig overrides one scheduler loop. Period is in seconds; zero keeps
// the built-in default.
type LoopConfig struct {
	PeriodSeconds int `yaml:"period"`
	BudgetWeight  int `yaml:"budget_weight"`
}

// LeveragedConfig tunes the delta-neutral carry controller.
type LeveragedConfig struct {
	MinHF                 float64 `yaml:"min_hf"`
	TargetHF              float64 `yaml:"target_hf"`
	EmergencyHF           float64 `yaml:"emergency_hf"`
	WarnHF                float64 `yaml:"warn_hf"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	FundingFlipThreshold  float64 `yaml:"funding_flip_threshold"`
	MinCarryAPY           float64 `yaml:"min_carry_apy"`
	RescueCooldownSeconds int     `yaml:"rescue_cooldown"`
	MaxPositionUSD        float64 `yaml:"max_position_usd"`
}

// StorageConfig selects the state store backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, file or sql
	Path string `yaml:"path"`
}

// ReconcileConfig controls how reconciliation treats venue/local mismatches.
type ReconcileConfig struct {
	AdoptGhosts  bool `yaml:"adopt_ghosts"`
	CloseUnknown bool `yaml:"close_unknown"`
}

// TelemetryConfig contains the listener ports.
type TelemetryConfig struct {
	MetricsPort     int `yaml:"metrics_port"`
	DiagnosticsPort int `yaml:"diagnostics_port"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// knownLoops is the closed set of scheduler loop names accepted under loops:.
var knownLoops = []string{
	"scan_opportunities",
	"emergency_health_check",
	"verify_recent_fills",
	"check_position_balance",
	"refresh_capital",
	"retry_single_leg",
	"verify_position_state",
	"update_metrics",
	"close_unprofitable",
	"cleanup_stale_orders",
	"spread_rotation",
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Unknown fields are rejected.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse([]byte(expandEnvVars(string(data))))
}

// Parse decodes and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateVenues,
		c.validateSymbols,
		c.validateStrategyConfig,
		c.validateLoops,
		c.validateLeveragedConfig,
		c.validateStorageConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}

	validKinds := []string{"perp", "spot", "lending"}
	validAdapters := []string{"binance", "paper"}
	validConventions := []string{"", "longs_pay_when_positive", "shorts_pay_when_positive"}

	for name, venue := range c.Venues {
		if !contains(validKinds, venue.Kind) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.kind", name),
				Value:   venue.Kind,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validKinds, ", ")),
			}
		}
		if !contains(validAdapters, venue.Adapter) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.adapter", name),
				Value:   venue.Adapter,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validAdapters, ", ")),
			}
		}
		if !contains(validConventions, venue.FundingConvention) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.funding_convention", name),
				Value:   venue.FundingConvention,
				Message: "must be longs_pay_when_positive or shorts_pay_when_positive",
			}
		}

		// The paper adapter needs no credentials; a live binance venue does
		// unless the keeper runs dry.
		if venue.Adapter == "binance" && !c.App.DryRun {
			if venue.APIKey == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.api_key", name),
					Message: "API key is required",
				}
			}
			if venue.APISecret == "" {
				return ValidationError{
					Field:   fmt.Sprintf("venues.%s.api_secret", name),
					Message: "API secret is required",
				}
			}
		}

		if venue.FeeRates.Maker < 0 || venue.FeeRates.Maker > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.fee_rates.maker", name),
				Value:   venue.FeeRates.Maker,
				Message: "must be a fraction between 0 and 1",
			}
		}
		if venue.FeeRates.Taker < 0 || venue.FeeRates.Taker > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.fee_rates.taker", name),
				Value:   venue.FeeRates.Taker,
				Message: "must be a fraction between 0 and 1",
			}
		}
		if venue.WeightPerMinute < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.weight_per_minute", name),
				Value:   venue.WeightPerMinute,
				Message: "must be non-negative",
			}
		}
	}
	return nil
}

func (c *Config) validateSymbols() error {
	if len(c.Symbols) == 0 {
		return ValidationError{
			Field:   "symbols",
			Message: "at least one symbol must be whitelisted",
		}
	}
	return nil
}

func (c *Config) validateStrategyConfig() error {
	s := c.Strategy
	if s.MinPositionUSD <= 0 {
		return ValidationError{
			Field:   "strategy.min_position_usd",
			Value:   s.MinPositionUSD,
			Message: "must be positive",
		}
	}
	if s.BalanceUsagePct <= 0 || s.BalanceUsagePct > 1 {
		return ValidationError{
			Field:   "strategy.balance_usage_pct",
			Value:   s.BalanceUsagePct,
			Message: "must be in (0, 1]",
		}
	}
	if s.DriftLimit <= 0 || s.DriftLimit >= 1 {
		return ValidationError{
			Field:   "strategy.drift_limit",
			Value:   s.DriftLimit,
			Message: "must be in (0, 1)",
		}
	}
	if s.Leverage < 1 {
		return ValidationError{
			Field:   "strategy.leverage",
			Value:   s.Leverage,
			Message: "must be at least 1",
		}
	}
	if s.RotateDwell < 1 {
		return ValidationError{
			Field:   "strategy.rotate_dwell",
			Value:   s.RotateDwell,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateLoops() error {
	for name, loop := range c.Loops {
		if !contains(knownLoops, name) {
			return ValidationError{
				Field:   "loops",
				Value:   name,
				Message: fmt.Sprintf("unknown loop, must be one of: %s", strings.Join(knownLoops, ", ")),
			}
		}
		if loop.PeriodSeconds < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("loops.%s.period", name),
				Value:   loop.PeriodSeconds,
				Message: "must be non-negative seconds",
			}
		}
	}
	return nil
}

func (c *Config) validateLeveragedConfig() error {
	l := c.Leveraged
	if l.MaxLeverage == 0 && l.TargetHF == 0 {
		return nil // leveraged strategy disabled
	}
	if !(l.EmergencyHF < l.WarnHF && l.WarnHF < l.MinHF && l.MinHF < l.TargetHF) {
		return ValidationError{
			Field:   "leveraged",
			Value:   fmt.Sprintf("emergency=%v warn=%v min=%v target=%v", l.EmergencyHF, l.WarnHF, l.MinHF, l.TargetHF),
			Message: "health factor thresholds must satisfy emergency < warn < min < target",
		}
	}
	if l.MaxLeverage < 1 {
		return ValidationError{
			Field:   "leveraged.max_leverage",
			Value:   l.MaxLeverage,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	validTypes := []string{"memory", "file", "sql"}
	if !contains(validTypes, c.Storage.Type) {
		return ValidationError{
			Field:   "storage.type",
			Value:   c.Storage.Type,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validTypes, ", ")),
		}
	}
	if c.Storage.Type != "memory" && c.Storage.Path == "" {
		return ValidationError{
			Field:   "storage.path",
			Message: fmt.Sprintf("path is required for %s storage", c.Storage.Type),
		}
	}
	return nil
}

// TradableSymbols applies the blacklist to the whitelist.
func (c *Config) TradableSymbols() []string {
	var out []string
	for _, s := range c.Symbols {
		if !contains(c.Blacklist, s) {
			out = append(out, s)
		}
	}
	return out
}

// String returns a string representation of the configuration. Secret fields
// redact themselves through their own marshaler.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in defaults; LoadConfig layers the file on
// top of these.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "funding_keeper",
			LogLevel: "INFO",
			DryRun:   false,
		},
		Strategy: StrategyConfig{
			MinSpread:         0.0001,
			TargetAPY:         0.35,
			MinPositionUSD:    1000,
			Leverage:          2.0,
			BalanceUsagePct:   0.9,
			MaxBreakEvenDays:  7,
			DriftLimit:        0.02,
			RotateMargin:      0.05,
			RotateDwell:       3,
			LiquidityFloorAPY: 0.15,
		},
		Leveraged: LeveragedConfig{
			MinHF:                 1.5,
			TargetHF:              2.0,
			EmergencyHF:           1.1,
			WarnHF:                1.3,
			MaxLeverage:           3.0,
			FundingFlipThreshold:  0.0,
			MinCarryAPY:           0.05,
			RescueCooldownSeconds: 300,
			MaxPositionUSD:        100000,
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:     9090,
			DiagnosticsPort: 8081,
		},
	}
}
