package venue

import (
	"fmt"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/venue/binance"
	"funding_keeper/internal/venue/paper"
)

// Registry holds the guarded venue adapters built from configuration.
type Registry struct {
	venues map[string]core.IVenue
}

// Build constructs every configured adapter and wraps it in a guard. In
// dry-run mode live adapters are replaced with paper venues so the keeper
// exercises the full pipeline without touching an exchange.
func Build(cfg *config.Config, logger core.ILogger) (*Registry, error) {
	r := &Registry{venues: make(map[string]core.IVenue)}

	for name, vc := range cfg.Venues {
		adapter, err := buildAdapter(name, vc, cfg.App.DryRun, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		r.venues[name] = NewGuard(adapter, GuardConfig{
			WeightPerMinute: vc.WeightPerMinute,
		}, logger)
	}
	return r, nil
}

func buildAdapter(name string, vc config.VenueConfig, dryRun bool, logger core.ILogger) (core.IVenue, error) {
	adapter := vc.Adapter
	if dryRun && adapter == "binance" {
		logger.Warn("dry run, substituting paper venue", "venue", name)
		adapter = "paper"
	}

	switch adapter {
	case "paper":
		return paper.New(name,
			paper.WithKind(core.VenueKind(vc.Kind)),
			paper.WithConvention(convention(vc)),
			paper.WithImmediateFills(),
		), nil
	case "binance":
		return binance.New(binance.Config{
			Name:       name,
			Kind:       core.VenueKind(vc.Kind),
			BaseURL:    vc.APIBase,
			APIKey:     string(vc.APIKey),
			APISecret:  string(vc.APISecret),
			Testnet:    vc.Testnet,
			Convention: convention(vc),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown adapter %q", vc.Adapter)
	}
}

// convention maps the declared string onto the core enum; binance-style
// venues default to longs paying when the rate is positive.
func convention(vc config.VenueConfig) core.FundingConvention {
	if vc.FundingConvention == string(core.ShortsPayWhenPositive) {
		return core.ShortsPayWhenPositive
	}
	return core.LongsPayWhenPositive
}

// Get returns the guarded adapter for a venue name.
func (r *Registry) Get(name string) (core.IVenue, error) {
	v, ok := r.venues[name]
	if !ok {
		return nil, fmt.Errorf("venue %s not registered", name)
	}
	return v, nil
}

// All returns the venue map keyed by name. Callers must not mutate it.
func (r *Registry) All() map[string]core.IVenue {
	return r.venues
}

// Perps returns only the perp venues, the set the opportunity pipeline
// scans.
func (r *Registry) Perps() map[string]core.IVenue {
	out := make(map[string]core.IVenue)
	for name, v := range r.venues {
		if v.Kind() == core.VenuePerp {
			out[name] = v
		}
	}
	return out
}
