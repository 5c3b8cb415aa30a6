// Package portfolio turns a scan's opportunity set into capital
// allocations that clear a target APY after volatility and data-quality
// haircuts.
package portfolio

import (
	"fmt"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/history"
	"funding_keeper/internal/trading/costs"

	"github.com/shopspring/decimal"
)

var (
	oneDollar      = decimal.NewFromInt(1)
	two            = decimal.NewFromInt(2)
	halfSpread     = decimal.RequireFromString("0.5")
	qualityFloor   = decimal.RequireFromString("0.3")
	stabilityFloor = decimal.RequireFromString("0.3")
	stabilityCeil  = decimal.NewFromInt(1)
	lowSampleEdge  = decimal.RequireFromString("0.1")
)

const maxSearchIterations = 40

// Config tunes allocation.
type Config struct {
	TargetAPY      core.APR        // default 35
	Leverage       decimal.Decimal // default 2
	MinPositionUSD decimal.Decimal // search lower bound, default 1000
	OIShareCap     decimal.Decimal // search upper bound share, default 0.1
	SpreadWindow   time.Duration   // history window, default 7d
	// TargetSamples is the per-venue sample goal for the quality factor;
	// venues not listed use DefaultTargetSamples.
	TargetSamples        map[string]int
	DefaultTargetSamples int // default 168
}

func (c Config) withDefaults() Config {
	if c.TargetAPY.Decimal.IsZero() {
		c.TargetAPY = core.APRFromFloat(35)
	}
	if c.Leverage.Sign() <= 0 {
		c.Leverage = decimal.NewFromInt(2)
	}
	if c.MinPositionUSD.Sign() <= 0 {
		c.MinPositionUSD = decimal.NewFromInt(1000)
	}
	if c.OIShareCap.Sign() <= 0 {
		c.OIShareCap = decimal.RequireFromString("0.1")
	}
	if c.SpreadWindow <= 0 {
		c.SpreadWindow = 7 * 24 * time.Hour
	}
	if c.DefaultTargetSamples <= 0 {
		c.DefaultTargetSamples = 168
	}
	return c
}

// Allocation is one funded opportunity. Sizes are combined two-leg
// notional; the planner halves them per order.
type Allocation struct {
	Opportunity  *core.Opportunity
	CapUSD       decimal.Decimal
	AllocatedUSD decimal.Decimal
	ProjectedAPY core.APR
}

// Result is the allocator output for one scan.
type Result struct {
	Allocations         []Allocation
	DataQualityWarnings []string
	AggregateAPY        core.APR
}

// Optimizer sizes and funds opportunities. Same inputs produce the same
// output: iteration follows the input order and there is no randomness.
type Optimizer struct {
	cfg    Config
	hist   *history.Store
	logger core.ILogger
}

func New(cfg Config, hist *history.Store, logger core.ILogger) *Optimizer {
	return &Optimizer{
		cfg:    cfg.withDefaults(),
		hist:   hist,
		logger: logger.WithField("component", "portfolio_optimizer"),
	}
}

// Allocate distributes capitalUSD across the opportunities proportionally
// to their adjusted caps.
func (o *Optimizer) Allocate(opps []*core.Opportunity, capitalUSD decimal.Decimal) Result {
	var res Result
	now := time.Now()

	type funded struct {
		opp *core.Opportunity
		cap decimal.Decimal
	}
	var candidates []funded
	var totalCap decimal.Decimal

	for _, opp := range opps {
		capUSD, ok := o.maxPortfolioForTargetAPY(opp)
		if !ok {
			o.logger.Debug("Opportunity cannot reach target APY",
				"symbol", opp.Symbol, "long", opp.LongVenue, "short", opp.ShortVenue)
			continue
		}

		if warn := o.validateHistory(opp, now); warn != "" {
			res.DataQualityWarnings = append(res.DataQualityWarnings, warn)
			continue
		}

		capUSD = capUSD.Mul(o.stabilityFactor(opp, now)).Mul(o.qualityFactor(opp))
		if capUSD.LessThan(o.cfg.MinPositionUSD) {
			continue
		}

		candidates = append(candidates, funded{opp: opp, cap: capUSD})
		totalCap = totalCap.Add(capUSD)
	}

	if len(candidates) == 0 || capitalUSD.Sign() <= 0 {
		return res
	}

	var weightedAPY, allocated decimal.Decimal
	for _, c := range candidates {
		alloc := c.cap
		if totalCap.GreaterThan(capitalUSD) {
			// Multiply before dividing and round down so the rounded
			// shares can never sum past the capital.
			alloc = c.cap.Mul(capitalUSD).Div(totalCap).RoundDown(8)
		}
		apy := o.netAPY(c.opp, alloc)
		res.Allocations = append(res.Allocations, Allocation{
			Opportunity:  c.opp,
			CapUSD:       c.cap,
			AllocatedUSD: alloc,
			ProjectedAPY: apy,
		})
		weightedAPY = weightedAPY.Add(apy.Decimal.Mul(alloc))
		allocated = allocated.Add(alloc)
	}
	if allocated.Sign() > 0 {
		res.AggregateAPY = core.NewAPR(weightedAPY.Div(allocated))
	}

	return res
}

// netAPY is the leveraged carry at a combined two-leg size, degraded by the
// funding-rate impact the position itself is predicted to cause. Entry and
// exit costs are judged by the liquidity floor and the plan builder, not
// here.
func (o *Optimizer) netAPY(opp *core.Opportunity, sizeUSD decimal.Decimal) core.APR {
	perLeg := sizeUSD.Div(two)
	impact := costs.PredictFundingImpact(opp.LongRate, perLeg, opp.LongOI).Decimal.Abs().
		Add(costs.PredictFundingImpact(opp.ShortRate, perLeg, opp.ShortOI).Decimal.Abs())

	adj := opp.Spread.Decimal.Sub(impact)
	if adj.Sign() <= 0 {
		return core.APR{}
	}
	apr := core.NewRate(adj).Annualize(opp.IntervalsPerDay)
	return core.NewAPR(apr.Decimal.Mul(o.cfg.Leverage))
}

// maxPortfolioForTargetAPY finds the largest size whose netAPY still meets
// the target. netAPY falls as size grows, so the search walks the
// decreasing curve; it gives up when the best attainable APY, at the
// minimum size, is already below target or when OI is zero.
func (o *Optimizer) maxPortfolioForTargetAPY(opp *core.Opportunity) (decimal.Decimal, bool) {
	minOI := opp.MinOI()
	if minOI.Sign() <= 0 {
		return decimal.Zero, false
	}

	lo := o.cfg.MinPositionUSD
	hi := minOI.Mul(o.cfg.OIShareCap)
	if hi.LessThan(lo) {
		return decimal.Zero, false
	}

	target := o.cfg.TargetAPY.Decimal
	if o.netAPY(opp, lo).Decimal.LessThan(target) {
		return decimal.Zero, false
	}
	if o.netAPY(opp, hi).Decimal.GreaterThanOrEqual(target) {
		return hi, true
	}

	for i := 0; i < maxSearchIterations && hi.Sub(lo).GreaterThan(oneDollar); i++ {
		mid := lo.Add(hi).Div(two)
		if o.netAPY(opp, mid).Decimal.GreaterThanOrEqual(target) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, true
}

func (o *Optimizer) stabilityFactor(opp *core.Opportunity, now time.Time) decimal.Decimal {
	if o.hist == nil {
		return stabilityCeil
	}
	metrics, ok := o.hist.SpreadVolatility(opp.Symbol, opp.LongVenue, opp.ShortVenue, o.cfg.SpreadWindow, now)
	if !ok {
		// No matched history; the quality floor already penalizes this.
		return stabilityCeil
	}
	score := decimal.NewFromFloat(metrics.StabilityScore)
	if score.LessThan(stabilityFloor) {
		return stabilityFloor
	}
	if score.GreaterThan(stabilityCeil) {
		return stabilityCeil
	}
	return score
}

func (o *Optimizer) qualityFactor(opp *core.Opportunity) decimal.Decimal {
	qLong := o.venueQuality(opp.LongVenue, opp.Symbol)
	qShort := o.venueQuality(opp.ShortVenue, opp.Symbol)
	if qLong.LessThan(qShort) {
		return qLong
	}
	return qShort
}

func (o *Optimizer) venueQuality(venue, symbol string) decimal.Decimal {
	target := o.cfg.DefaultTargetSamples
	if t, ok := o.cfg.TargetSamples[venue]; ok {
		target = t
	}
	if target <= 0 || o.hist == nil {
		return qualityFloor
	}

	n := decimal.NewFromInt(int64(o.hist.SampleCount(venue, symbol)))
	t := decimal.NewFromInt(int64(target))
	if n.LessThan(t.Mul(lowSampleEdge)) {
		return qualityFloor
	}
	q := n.Div(t)
	if q.LessThan(qualityFloor) {
		return qualityFloor
	}
	if q.GreaterThan(stabilityCeil) {
		return stabilityCeil
	}
	return q
}

// validateHistory rejects opportunities whose history looks corrupt: an
// average spread above 50% per interval, or an average exactly equal to the
// current spread, which means a fallback value was recorded instead of real
// samples.
func (o *Optimizer) validateHistory(opp *core.Opportunity, now time.Time) string {
	if o.hist == nil {
		return ""
	}
	avg, ok := o.hist.AverageSpread(opp.Symbol, opp.LongVenue, opp.ShortVenue, o.cfg.SpreadWindow, now)
	if !ok {
		return ""
	}
	if avg.Decimal.Abs().GreaterThan(halfSpread) {
		return fmt.Sprintf("%s %s/%s: historical spread %s exceeds 50%% per interval, treating as data error",
			opp.Symbol, opp.LongVenue, opp.ShortVenue, avg.Decimal)
	}
	if avg.Decimal.Equal(opp.Spread.Decimal) {
		return fmt.Sprintf("%s %s/%s: historical spread equals current spread, no real history behind it",
			opp.Symbol, opp.LongVenue, opp.ShortVenue)
	}
	return ""
}
