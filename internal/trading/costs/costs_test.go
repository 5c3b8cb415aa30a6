package costs_test

import (
	"testing"

	"funding_keeper/internal/core"
	"funding_keeper/internal/trading/costs"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func book(bid, ask string) core.BookTop {
	return core.BookTop{
		Bid: decimal.RequireFromString(bid),
		Ask: decimal.RequireFromString(ask),
	}
}

func TestSpreadPct(t *testing.T) {
	pct := costs.SpreadPct(book("2999", "3001"))
	assert.InDelta(t, 2.0/3000.0, pct.InexactFloat64(), 1e-12)

	assert.True(t, costs.SpreadPct(core.BookTop{}).Equal(costs.DefaultSpreadPct),
		"empty book falls back to the default spread")
}

func TestSlippageUSD(t *testing.T) {
	top := book("2999", "3001") // spreadPct = 2/3000
	oi := decimal.NewFromInt(1_000_000)
	pos := decimal.NewFromInt(10_000)

	t.Run("market order pays half spread plus impact", func(t *testing.T) {
		// base = spreadPct/2, impact = sqrt(0.01) × spreadPct × 2
		spreadPct := 2.0 / 3000.0
		expected := 10_000 * (spreadPct/2 + 0.1*spreadPct*2)

		got := costs.SlippageUSD(pos, top, core.OrderTypeMarket, oi)
		assert.InDelta(t, expected, got.InexactFloat64(), 1e-6)
	})

	t.Run("limit order pays one bp base", func(t *testing.T) {
		spreadPct := 2.0 / 3000.0
		expected := 10_000 * (0.0001 + 0.1*spreadPct*2)

		got := costs.SlippageUSD(pos, top, core.OrderTypeLimit, oi)
		assert.InDelta(t, expected, got.InexactFloat64(), 1e-6)
	})

	t.Run("no open interest means no impact term", func(t *testing.T) {
		got := costs.SlippageUSD(pos, top, core.OrderTypeLimit, decimal.Zero)
		assert.InDelta(t, 10_000*0.0001, got.InexactFloat64(), 1e-9)
	})

	t.Run("impact is capped at two percent", func(t *testing.T) {
		wide := book("2700", "3300") // spreadPct = 0.2
		// Position as large as OI: sqrt(1) × 0.2 × 2 = 0.4, capped at 0.02.
		got := costs.SlippageUSD(oi, wide, core.OrderTypeLimit, oi)
		assert.InDelta(t, 1_000_000*(0.0001+0.02), got.InexactFloat64(), 1e-3)
	})

	t.Run("non-positive position costs nothing", func(t *testing.T) {
		assert.True(t, costs.SlippageUSD(decimal.Zero, top, core.OrderTypeMarket, oi).IsZero())
	})
}

func TestFeeUSD(t *testing.T) {
	pos := decimal.NewFromInt(10_000)

	got := costs.FeeUSD(pos, decimal.RequireFromString("0.0002"))
	assert.True(t, got.Equal(decimal.NewFromInt(2)))

	got = costs.FeeUSD(pos, decimal.Zero)
	assert.True(t, got.Equal(decimal.NewFromInt(5)), "unknown venue uses the default fee")
}

func TestPredictFundingImpact(t *testing.T) {
	rate := core.RateFromFloat(0.0003)

	t.Run("zero without open interest", func(t *testing.T) {
		impact := costs.PredictFundingImpact(rate, decimal.NewFromInt(10_000), decimal.Zero)
		assert.True(t, impact.Decimal.IsZero())
	})

	t.Run("scales with sqrt of share", func(t *testing.T) {
		impact := costs.PredictFundingImpact(rate,
			decimal.NewFromInt(10_000), decimal.NewFromInt(1_000_000))
		// sqrt(0.01) × 0.1 = 0.01 of the rate
		assert.InDelta(t, 0.0003*0.01, impact.Decimal.InexactFloat64(), 1e-12)
	})

	t.Run("factor caps at ten percent", func(t *testing.T) {
		impact := costs.PredictFundingImpact(rate,
			decimal.NewFromInt(4_000_000), decimal.NewFromInt(1_000_000))
		assert.InDelta(t, 0.0003*0.1, impact.Decimal.InexactFloat64(), 1e-12)
	})
}

func TestAdjustedRate(t *testing.T) {
	rate := core.RateFromFloat(0.0003)
	impact := core.RateFromFloat(0.00001)

	up := costs.AdjustedRate(rate, impact, core.SideBuy)
	assert.InDelta(t, 0.00031, up.Decimal.InexactFloat64(), 1e-12)

	down := costs.AdjustedRate(rate, impact, core.SideSell)
	assert.InDelta(t, 0.00029, down.Decimal.InexactFloat64(), 1e-12)
}

func TestBreakEvenHours(t *testing.T) {
	tests := []struct {
		name     string
		costs    string
		hourly   string
		expected string
		finite   bool
	}{
		{"normal", "100", "10", "10", true},
		{"free entry", "0", "10", "0", true},
		{"negative costs", "-5", "10", "0", true},
		{"no return never recovers", "100", "0", "0", false},
		{"negative return never recovers", "100", "-1", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hours, finite := costs.BreakEvenHours(
				decimal.RequireFromString(tt.costs),
				decimal.RequireFromString(tt.hourly))
			require.Equal(t, tt.finite, finite)
			if finite {
				assert.True(t, hours.Equal(decimal.RequireFromString(tt.expected)),
					"got %s", hours.String())
			}
		})
	}
}

func TestAmortizationPeriods(t *testing.T) {
	tests := []struct {
		name     string
		hours    string
		expected int
	}{
		{"sub hour rounds up to one", "0.5", 1},
		{"zero clamps to one", "0", 1},
		{"fractional rounds up", "7.2", 8},
		{"exact stays", "12", 12},
		{"clamped at a day", "30", 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := costs.AmortizationPeriods(decimal.RequireFromString(tt.hours))
			assert.Equal(t, tt.expected, got)
		})
	}
}
