package core

import (
	"github.com/shopspring/decimal"
)

var (
	hundred         = decimal.NewFromInt(100)
	daysPerYear     = decimal.NewFromInt(365)
	rayUnit         = decimal.New(1, 27)
	basisPointsUnit = decimal.New(1, 4)
)

// Rate is a per-interval funding rate expressed as a decimal fraction
// (0.0001 means one basis point per funding interval). Rate and APR are
// distinct types; every crossing between them is an explicit conversion.
type Rate struct {
	decimal.Decimal
}

// NewRate wraps a decimal fraction as a per-interval rate.
func NewRate(d decimal.Decimal) Rate {
	return Rate{d}
}

// RateFromFloat wraps a float fraction as a per-interval rate.
func RateFromFloat(f float64) Rate {
	return Rate{decimal.NewFromFloat(f)}
}

// Annualize converts a per-interval rate to annualized percentage points:
// rate × intervalsPerDay × 365 × 100.
func (r Rate) Annualize(intervalsPerDay int) APR {
	if intervalsPerDay <= 0 {
		return APR{}
	}
	per := decimal.NewFromInt(int64(intervalsPerDay))
	return APR{r.Decimal.Mul(per).Mul(daysPerYear).Mul(hundred)}
}

// Sub returns r − o as a rate.
func (r Rate) Sub(o Rate) Rate {
	return Rate{r.Decimal.Sub(o.Decimal)}
}

// Abs returns the magnitude of the rate.
func (r Rate) Abs() Rate {
	return Rate{r.Decimal.Abs()}
}

// Bps returns the rate in basis points.
func (r Rate) Bps() decimal.Decimal {
	return r.Decimal.Mul(basisPointsUnit)
}

// APR is an annualized rate in percentage points (35.0 means 35% per year).
type APR struct {
	decimal.Decimal
}

// NewAPR wraps a decimal percentage as an annualized rate.
func NewAPR(d decimal.Decimal) APR {
	return APR{d}
}

// APRFromFloat wraps a float percentage as an annualized rate.
func APRFromFloat(f float64) APR {
	return APR{decimal.NewFromFloat(f)}
}

// APRFromRay converts a ray-encoded rate (27 decimals, used by on-chain
// lending pools) to percentage points: ray × 100 / 1e27.
func APRFromRay(ray decimal.Decimal) APR {
	return APR{ray.Mul(hundred).Div(rayUnit)}
}

// PerInterval converts annualized percentage points back to a per-interval
// decimal fraction. Inverse of Rate.Annualize up to decimal rounding.
func (a APR) PerInterval(intervalsPerDay int) Rate {
	if intervalsPerDay <= 0 {
		return Rate{}
	}
	per := decimal.NewFromInt(int64(intervalsPerDay))
	return Rate{a.Decimal.Div(per).Div(daysPerYear).Div(hundred)}
}

// Add returns a + o.
func (a APR) Add(o APR) APR {
	return APR{a.Decimal.Add(o.Decimal)}
}

// Sub returns a − o.
func (a APR) Sub(o APR) APR {
	return APR{a.Decimal.Sub(o.Decimal)}
}

// Fraction returns the APR as a plain yield fraction (35% → 0.35).
func (a APR) Fraction() decimal.Decimal {
	return a.Decimal.Div(hundred)
}
