// Package liquidity sizes positions against market depth: how much a
// venue pair can absorb while the projected net APY stays above a floor.
package liquidity

import (
	"funding_keeper/internal/core"
	"funding_keeper/internal/trading/costs"

	"github.com/shopspring/decimal"
)

var (
	hoursPerYear    = decimal.NewFromInt(8760)
	hoursPerDay     = decimal.NewFromInt(24)
	hundred         = decimal.NewFromInt(100)
	fallbackOIShare = decimal.RequireFromString("0.05")

	// Keep in sync with the planner's 7-day break-even ceiling.
	defaultHorizonHours = decimal.NewFromInt(168)
)

// Quote bundles the market context of one venue pairing for projection.
type Quote struct {
	Spread          core.Rate // received spread per funding interval
	IntervalsPerDay int
	LongBook        core.BookTop
	ShortBook       core.BookTop
	LongOI          decimal.Decimal
	ShortOI         decimal.Decimal
	LongEntryFee    decimal.Decimal
	ShortEntryFee   decimal.Decimal
	LongExitFee     decimal.Decimal
	ShortExitFee    decimal.Decimal
}

// MinOI returns the smaller open interest of the pair.
func (q Quote) MinOI() decimal.Decimal {
	if q.LongOI.LessThan(q.ShortOI) {
		return q.LongOI
	}
	return q.ShortOI
}

func (q Quote) hasDepth() bool {
	return !q.LongBook.Mid().IsZero() || !q.ShortBook.Mid().IsZero()
}

// ProjectNetAPY estimates the annualized net yield of holding sizeUSD for
// the amortization horizon: funding income minus entry and exit slippage
// and fees, entry legs resting at the mark, exit legs taking.
func ProjectNetAPY(q Quote, sizeUSD, horizonHours decimal.Decimal) core.APR {
	if sizeUSD.Sign() <= 0 || horizonHours.Sign() <= 0 {
		return core.APR{}
	}

	entrySlip := costs.SlippageUSD(sizeUSD, q.LongBook, core.OrderTypeLimit, q.LongOI).
		Add(costs.SlippageUSD(sizeUSD, q.ShortBook, core.OrderTypeLimit, q.ShortOI))
	exitSlip := costs.SlippageUSD(sizeUSD, q.LongBook, core.OrderTypeMarket, q.LongOI).
		Add(costs.SlippageUSD(sizeUSD, q.ShortBook, core.OrderTypeMarket, q.ShortOI))
	fees := costs.FeeUSD(sizeUSD, q.LongEntryFee).
		Add(costs.FeeUSD(sizeUSD, q.ShortEntryFee)).
		Add(costs.FeeUSD(sizeUSD, q.LongExitFee)).
		Add(costs.FeeUSD(sizeUSD, q.ShortExitFee))
	totalCosts := entrySlip.Add(exitSlip).Add(fees)

	intervals := decimal.NewFromInt(int64(q.IntervalsPerDay))
	hourlyReturn := sizeUSD.Mul(q.Spread.Decimal).Mul(intervals).Div(hoursPerDay)
	hourlyCost := totalCosts.Div(horizonHours)

	netHourly := hourlyReturn.Sub(hourlyCost)
	return core.NewAPR(netHourly.Mul(hoursPerYear).Div(sizeUSD).Mul(hundred))
}

// Config tunes the sweep.
type Config struct {
	FloorAPY       core.APR
	SweepRatio     decimal.Decimal
	HorizonHours   decimal.Decimal
	MinPositionUSD decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.FloorAPY.Decimal.IsZero() {
		c.FloorAPY = core.APRFromFloat(15)
	}
	if c.SweepRatio.Sign() <= 0 {
		c.SweepRatio = decimal.RequireFromString("1.5")
	}
	if c.HorizonHours.Sign() <= 0 {
		c.HorizonHours = defaultHorizonHours
	}
	if c.MinPositionUSD.Sign() <= 0 {
		c.MinPositionUSD = decimal.NewFromInt(1000)
	}
	return c
}

// Result is the outcome of a sizing sweep.
type Result struct {
	SizeUSD      decimal.Decimal
	ProjectedAPY core.APR
	Viable       bool
	Warning      string
}

// Optimizer runs geometric size sweeps against the APY floor.
type Optimizer struct {
	cfg    Config
	logger core.ILogger
}

func NewOptimizer(cfg Config, logger core.ILogger) *Optimizer {
	return &Optimizer{
		cfg:    cfg.withDefaults(),
		logger: logger.WithField("component", "liquidity_optimizer"),
	}
}

// OptimalSize returns the largest size not exceeding maxSizeUSD whose
// projected net APY clears the floor; maxSizeUSD itself is always among the
// candidates. Runs of equal APY prefer the smaller size. Without any depth
// data the sweep is skipped and the size is capped at 5% of the pair's
// smaller open interest.
func (o *Optimizer) OptimalSize(q Quote, maxSizeUSD decimal.Decimal) Result {
	if !q.hasDepth() {
		return o.fallback(q, maxSizeUSD)
	}

	type candidate struct {
		size decimal.Decimal
		apy  core.APR
	}
	var viable []candidate

	probe := func(size decimal.Decimal) {
		apy := ProjectNetAPY(q, size, o.cfg.HorizonHours)
		if apy.Decimal.GreaterThanOrEqual(o.cfg.FloorAPY.Decimal) {
			viable = append(viable, candidate{size: size, apy: apy})
		}
	}

	size := o.cfg.MinPositionUSD
	var tested decimal.Decimal
	for size.LessThanOrEqual(maxSizeUSD) {
		probe(size)
		tested = size
		size = size.Mul(o.cfg.SweepRatio)
	}
	// Probe the requested cap itself so a viable cap is not shaved down to
	// the nearest grid point.
	if !tested.Equal(maxSizeUSD) && maxSizeUSD.GreaterThanOrEqual(o.cfg.MinPositionUSD) {
		probe(maxSizeUSD)
	}

	if len(viable) == 0 {
		return Result{
			Warning: "market too thin: no size clears the APY floor",
		}
	}

	// Equality at 8 decimals so division rounding does not split a
	// genuinely flat APY run.
	best := viable[len(viable)-1]
	for i := len(viable) - 2; i >= 0; i-- {
		if !viable[i].apy.Decimal.Round(8).Equal(best.apy.Decimal.Round(8)) {
			break
		}
		best = viable[i]
	}

	return Result{
		SizeUSD:      best.size,
		ProjectedAPY: best.apy,
		Viable:       true,
	}
}

func (o *Optimizer) fallback(q Quote, maxSizeUSD decimal.Decimal) Result {
	oiCap := q.MinOI().Mul(fallbackOIShare)
	size := maxSizeUSD
	if oiCap.LessThan(size) {
		size = oiCap
	}
	if size.LessThan(o.cfg.MinPositionUSD) {
		return Result{
			Warning: "market too thin: no depth data and OI cap below minimum size",
		}
	}

	o.logger.Debug("No depth data, using OI fallback cap",
		"cap", oiCap.String(), "size", size.String())

	return Result{
		SizeUSD:      size,
		ProjectedAPY: ProjectNetAPY(q, size, o.cfg.HorizonHours),
		Viable:       true,
	}
}
