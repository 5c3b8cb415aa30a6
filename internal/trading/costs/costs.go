// Package costs holds the pure cost model: slippage, fees, funding impact
// and break-even math. No state, no I/O.
package costs

import (
	"math"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
)

var (
	// DefaultFeeRate applies when a venue's fee schedule is unknown.
	DefaultFeeRate = decimal.RequireFromString("0.0005")

	// DefaultSpreadPct stands in when the book midpoint is unusable.
	DefaultSpreadPct = decimal.RequireFromString("0.001")

	limitBaseSlippage = decimal.RequireFromString("0.0001")
	maxImpactPct      = decimal.RequireFromString("0.02")
	maxFundingFactor  = decimal.RequireFromString("0.1")
	two               = decimal.NewFromInt(2)
)

// SpreadPct returns (ask − bid) / mid, falling back to DefaultSpreadPct
// when the midpoint is zero.
func SpreadPct(book core.BookTop) decimal.Decimal {
	mid := book.Mid()
	if mid.IsZero() {
		return DefaultSpreadPct
	}
	return book.Ask.Sub(book.Bid).Div(mid)
}

// SlippageUSD estimates the cost of moving positionUSD through the book.
// Market orders start from half the quoted spread, resting limit orders
// from one basis point. Size impact grows with the square root of the
// position's share of open interest and is capped at 2%.
func SlippageUSD(positionUSD decimal.Decimal, book core.BookTop, orderType core.OrderType, openInterestUSD decimal.Decimal) decimal.Decimal {
	if positionUSD.Sign() <= 0 {
		return decimal.Zero
	}

	spreadPct := SpreadPct(book)

	base := limitBaseSlippage
	if orderType == core.OrderTypeMarket {
		base = spreadPct.Div(two)
	}

	impact := decimal.Zero
	if openInterestUSD.Sign() > 0 {
		share := positionUSD.Div(openInterestUSD)
		if share.GreaterThan(decimal.NewFromInt(1)) {
			share = decimal.NewFromInt(1)
		}
		shareF, _ := share.Float64()
		impact = decimal.NewFromFloat(math.Sqrt(shareF)).Mul(spreadPct).Mul(two)
		if impact.GreaterThan(maxImpactPct) {
			impact = maxImpactPct
		}
	}

	return positionUSD.Mul(base.Add(impact))
}

// FeeUSD returns positionUSD × feeRate, substituting DefaultFeeRate when
// the rate is not positive.
func FeeUSD(positionUSD, feeRate decimal.Decimal) decimal.Decimal {
	if feeRate.Sign() <= 0 {
		feeRate = DefaultFeeRate
	}
	return positionUSD.Mul(feeRate)
}

// PredictFundingImpact returns the shift our own size is expected to cause
// in the funding rate: rate × min(sqrt(positionUSD/OI) × 0.1, 0.1). Zero
// when open interest is unknown.
func PredictFundingImpact(rate core.Rate, positionUSD, openInterestUSD decimal.Decimal) core.Rate {
	if openInterestUSD.Sign() <= 0 || positionUSD.Sign() <= 0 {
		return core.Rate{}
	}

	shareF, _ := positionUSD.Div(openInterestUSD).Float64()
	factor := decimal.NewFromFloat(math.Sqrt(shareF)).Mul(maxFundingFactor)
	if factor.GreaterThan(maxFundingFactor) {
		factor = maxFundingFactor
	}
	return core.NewRate(rate.Decimal.Mul(factor))
}

// AdjustedRate applies the predicted impact to a venue's rate for the side
// we would take there: buying pressure raises the rate, selling pressure
// lowers it.
func AdjustedRate(rate core.Rate, impact core.Rate, side core.Side) core.Rate {
	if side == core.SideBuy {
		return core.NewRate(rate.Decimal.Add(impact.Decimal.Abs()))
	}
	return core.NewRate(rate.Decimal.Sub(impact.Decimal.Abs()))
}

// BreakEvenHours returns how long the position must be held before funding
// income covers totalCosts. Zero when there are no costs. finite is false
// when the hourly return is not positive and the costs are never recovered.
func BreakEvenHours(totalCosts, hourlyReturnUSD decimal.Decimal) (hours decimal.Decimal, finite bool) {
	if totalCosts.Sign() <= 0 {
		return decimal.Zero, true
	}
	if hourlyReturnUSD.Sign() <= 0 {
		return decimal.Zero, false
	}
	return totalCosts.Div(hourlyReturnUSD), true
}

// AmortizationPeriods spreads entry costs over clamp(ceil(breakEvenHours),
// 1, 24) hourly periods.
func AmortizationPeriods(breakEvenHours decimal.Decimal) int {
	periods := breakEvenHours.Ceil().IntPart()
	if periods < 1 {
		return 1
	}
	if periods > 24 {
		return 24
	}
	return int(periods)
}
