// Package aggregator turns per-venue funding snapshots into a deduplicated,
// direction-resolved set of arbitrage opportunities per scan.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/history"
	"funding_keeper/pkg/concurrency"

	"github.com/shopspring/decimal"
)

var (
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// Config tunes scan behaviour.
type Config struct {
	MinSpread         core.Rate       // per-interval gate, default 0.0001
	MaxMarkDivergence decimal.Decimal // fraction, default 0.01
	CollectTimeout    time.Duration   // per-venue call budget, default 10s
}

func (c Config) withDefaults() Config {
	if c.MinSpread.Decimal.IsZero() {
		c.MinSpread = core.NewRate(decimal.RequireFromString("0.0001"))
	}
	if c.MaxMarkDivergence.Sign() <= 0 {
		c.MaxMarkDivergence = decimal.RequireFromString("0.01")
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = 10 * time.Second
	}
	return c
}

// Aggregator owns one scan cycle: fan out to every venue, normalize
// symbols, pair legs by declared funding convention, gate and filter.
type Aggregator struct {
	cfg     Config
	perps   []core.IVenue
	spots   []core.IVenue
	lenders []core.ILendingVenue
	aliases *Aliases
	hist    *history.Store
	pool    *concurrency.WorkerPool
	logger  core.ILogger
	scanSeq atomic.Uint64
}

func New(cfg Config, venues []core.IVenue, lenders []core.ILendingVenue, aliases *Aliases, hist *history.Store, pool *concurrency.WorkerPool, logger core.ILogger) *Aggregator {
	a := &Aggregator{
		cfg:     cfg.withDefaults(),
		lenders: lenders,
		aliases: aliases,
		hist:    hist,
		pool:    pool,
		logger:  logger.WithField("component", "funding_aggregator"),
	}
	for _, v := range venues {
		switch v.Kind() {
		case core.VenueSpot:
			a.spots = append(a.spots, v)
		default:
			a.perps = append(a.perps, v)
		}
	}
	return a
}

type perpReading struct {
	venue core.IVenue
	snap  *core.FundingSnapshot
}

type spotReading struct {
	venue core.IVenue
	mark  decimal.Decimal
}

type lendReading struct {
	venue   core.ILendingVenue
	reserve *core.ReserveSnapshot
}

type symbolReadings struct {
	perps []perpReading
	spots []spotReading
	lends []lendReading
}

// Scan collects funding state for the canonical symbol set and returns the
// viable opportunities, ordered by symbol then expected APR descending.
// Venue failures degrade the scan instead of failing it.
func (a *Aggregator) Scan(ctx context.Context, symbols []string) ([]*core.Opportunity, error) {
	scanID := a.scanSeq.Add(1)
	now := time.Now()

	readings := a.collect(ctx, symbols)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opps []*core.Opportunity
	var staleFiltered, oiFiltered int
	for _, symbol := range symbols {
		r := readings[symbol]
		if r == nil {
			continue
		}

		live := make([]perpReading, 0, len(r.perps))
		for _, pr := range r.perps {
			if pr.snap.OpenInterestUSD.Sign() <= 0 {
				oiFiltered++
				continue
			}
			live = append(live, pr)
		}

		opps = append(opps, a.pairPerpPerp(scanID, symbol, live, now, &staleFiltered)...)
		opps = append(opps, a.pairPerpSpot(scanID, symbol, live, r.spots, now, &staleFiltered)...)
		opps = append(opps, a.pairPerpLend(scanID, symbol, live, r.lends, now)...)
	}

	sort.Slice(opps, func(i, j int) bool {
		if opps[i].Symbol != opps[j].Symbol {
			return opps[i].Symbol < opps[j].Symbol
		}
		if !opps[i].ExpectedAPR.Decimal.Equal(opps[j].ExpectedAPR.Decimal) {
			return opps[i].ExpectedAPR.Decimal.GreaterThan(opps[j].ExpectedAPR.Decimal)
		}
		if opps[i].LongVenue != opps[j].LongVenue {
			return opps[i].LongVenue < opps[j].LongVenue
		}
		return opps[i].ShortVenue < opps[j].ShortVenue
	})

	a.logger.Info("Scan complete",
		"scan_id", scanID,
		"symbols", len(symbols),
		"opportunities", len(opps),
		"stale_filtered", staleFiltered,
		"zero_oi_filtered", oiFiltered)

	return opps, nil
}

// collect fans one task per venue+symbol out on the shared pool. Snapshots
// are rewritten to canonical symbols before they reach history.
func (a *Aggregator) collect(ctx context.Context, symbols []string) map[string]*symbolReadings {
	out := make(map[string]*symbolReadings, len(symbols))
	for _, s := range symbols {
		out[s] = &symbolReadings{}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	submit := func(task func()) {
		wg.Add(1)
		if err := a.pool.Submit(func() {
			defer wg.Done()
			task()
		}); err != nil {
			wg.Done()
			a.logger.Warn("Scan task rejected by pool", "error", err)
		}
	}

	for _, symbol := range symbols {
		for _, v := range a.perps {
			submit(func() {
				cctx, cancel := context.WithTimeout(ctx, a.cfg.CollectTimeout)
				defer cancel()

				snap, err := v.GetFundingRate(cctx, a.aliases.VenueSymbol(v.GetName(), symbol))
				if err != nil {
					a.logger.Warn("Funding fetch failed",
						"venue", v.GetName(), "symbol", symbol, "error", err)
					return
				}
				snap.Symbol = symbol
				if a.hist != nil {
					if err := a.hist.AppendFunding(snap); err != nil {
						a.logger.Debug("History append skipped",
							"venue", v.GetName(), "symbol", symbol, "error", err)
					}
				}

				mu.Lock()
				out[symbol].perps = append(out[symbol].perps, perpReading{venue: v, snap: snap})
				mu.Unlock()
			})
		}

		for _, v := range a.spots {
			submit(func() {
				cctx, cancel := context.WithTimeout(ctx, a.cfg.CollectTimeout)
				defer cancel()

				mark, err := v.GetMarkPrice(cctx, a.aliases.VenueSymbol(v.GetName(), symbol))
				if err != nil {
					a.logger.Warn("Spot mark fetch failed",
						"venue", v.GetName(), "symbol", symbol, "error", err)
					return
				}
				if a.hist != nil {
					if err := a.hist.AppendMark(v.GetName(), symbol, mark, time.Now()); err != nil {
						a.logger.Debug("History append skipped",
							"venue", v.GetName(), "symbol", symbol, "error", err)
					}
				}

				mu.Lock()
				out[symbol].spots = append(out[symbol].spots, spotReading{venue: v, mark: mark})
				mu.Unlock()
			})
		}

		asset := BaseAsset(symbol)
		for _, l := range a.lenders {
			submit(func() {
				cctx, cancel := context.WithTimeout(ctx, a.cfg.CollectTimeout)
				defer cancel()

				reserve, err := l.GetReserveRates(cctx, a.aliases.VenueSymbol(l.GetName(), asset))
				if err != nil {
					a.logger.Warn("Reserve fetch failed",
						"venue", l.GetName(), "asset", asset, "error", err)
					return
				}

				mu.Lock()
				out[symbol].lends = append(out[symbol].lends, lendReading{venue: l, reserve: reserve})
				mu.Unlock()
			})
		}
	}

	wg.Wait()
	return out
}

// receiveDaily is the daily funding carry the given side earns at a venue,
// sign-aware, under the venue's declared convention.
func receiveDaily(conv core.FundingConvention, side core.Side, snap *core.FundingSnapshot) decimal.Decimal {
	daily := snap.Rate.Decimal.Mul(decimal.NewFromInt(int64(snap.IntervalsPerDay)))
	longReceives := daily.Neg()
	if conv == core.ShortsPayWhenPositive {
		longReceives = daily
	}
	if side == core.SideBuy {
		return longReceives
	}
	return longReceives.Neg()
}

func (a *Aggregator) pairPerpPerp(scanID uint64, symbol string, perps []perpReading, now time.Time, staleFiltered *int) []*core.Opportunity {
	var opps []*core.Opportunity
	for i := 0; i < len(perps); i++ {
		for j := i + 1; j < len(perps); j++ {
			x, y := perps[i], perps[j]

			// Carry of long-x/short-y; the reverse direction is its negation,
			// so the sign alone picks the orientation.
			carry := receiveDaily(x.venue.FundingConvention(), core.SideBuy, x.snap).
				Add(receiveDaily(y.venue.FundingConvention(), core.SideSell, y.snap))

			long, short := x, y
			if carry.Sign() < 0 {
				long, short = y, x
				carry = carry.Neg()
			}
			if carry.Sign() == 0 {
				continue
			}

			spread := core.NewRate(carry.Div(decimal.NewFromInt(int64(short.snap.IntervalsPerDay))))
			if spread.Decimal.LessThan(a.cfg.MinSpread.Decimal) {
				continue
			}

			if a.marksDiverge(long.snap.MarkPrice, short.snap.MarkPrice) {
				*staleFiltered++
				a.logger.Warn("Mark divergence above limit, dropping pair",
					"symbol", symbol,
					"long_venue", long.venue.GetName(), "long_mark", long.snap.MarkPrice.String(),
					"short_venue", short.venue.GetName(), "short_mark", short.snap.MarkPrice.String())
				continue
			}

			opps = append(opps, &core.Opportunity{
				Symbol:          symbol,
				Strategy:        core.StrategyPerpPerp,
				LongVenue:       long.venue.GetName(),
				ShortVenue:      short.venue.GetName(),
				LongRate:        long.snap.Rate,
				ShortRate:       short.snap.Rate,
				Spread:          spread,
				ExpectedAPR:     core.NewAPR(carry.Mul(daysPerYear).Mul(hundred)),
				LongMark:        long.snap.MarkPrice,
				ShortMark:       short.snap.MarkPrice,
				LongOI:          long.snap.OpenInterestUSD,
				ShortOI:         short.snap.OpenInterestUSD,
				IntervalsPerDay: short.snap.IntervalsPerDay,
				ScanID:          scanID,
				Timestamp:       now,
			})
		}
	}
	return opps
}

func (a *Aggregator) pairPerpSpot(scanID uint64, symbol string, perps []perpReading, spots []spotReading, now time.Time, staleFiltered *int) []*core.Opportunity {
	var opps []*core.Opportunity
	for _, p := range perps {
		carry := receiveDaily(p.venue.FundingConvention(), core.SideSell, p.snap)
		perpSide := core.SideSell
		if carry.Sign() < 0 {
			carry = carry.Neg()
			perpSide = core.SideBuy
		}
		if carry.Sign() == 0 {
			continue
		}

		intervals := decimal.NewFromInt(int64(p.snap.IntervalsPerDay))
		spread := core.NewRate(carry.Div(intervals))
		if spread.Decimal.LessThan(a.cfg.MinSpread.Decimal) {
			continue
		}

		for _, s := range spots {
			if a.marksDiverge(p.snap.MarkPrice, s.mark) {
				*staleFiltered++
				a.logger.Warn("Perp and spot marks diverge, dropping pair",
					"symbol", symbol,
					"perp_venue", p.venue.GetName(), "perp_mark", p.snap.MarkPrice.String(),
					"spot_venue", s.venue.GetName(), "spot_mark", s.mark.String())
				continue
			}

			opp := &core.Opportunity{
				Symbol:          symbol,
				Strategy:        core.StrategyPerpSpot,
				Spread:          spread,
				ExpectedAPR:     core.NewAPR(carry.Mul(daysPerYear).Mul(hundred)),
				IntervalsPerDay: p.snap.IntervalsPerDay,
				ScanID:          scanID,
				Timestamp:       now,
			}
			if perpSide == core.SideSell {
				opp.LongVenue = s.venue.GetName()
				opp.ShortVenue = p.venue.GetName()
				opp.LongMark = s.mark
				opp.ShortMark = p.snap.MarkPrice
				opp.ShortRate = p.snap.Rate
				opp.LongOI = p.snap.OpenInterestUSD
				opp.ShortOI = p.snap.OpenInterestUSD
			} else {
				opp.LongVenue = p.venue.GetName()
				opp.ShortVenue = s.venue.GetName()
				opp.LongMark = p.snap.MarkPrice
				opp.ShortMark = s.mark
				opp.LongRate = p.snap.Rate
				opp.LongOI = p.snap.OpenInterestUSD
				opp.ShortOI = p.snap.OpenInterestUSD
			}
			opps = append(opps, opp)
		}
	}
	return opps
}

func (a *Aggregator) pairPerpLend(scanID uint64, symbol string, perps []perpReading, lends []lendReading, now time.Time) []*core.Opportunity {
	var opps []*core.Opportunity
	for _, p := range perps {
		perpCarry := receiveDaily(p.venue.FundingConvention(), core.SideSell, p.snap)
		perpSide := core.SideSell
		if perpCarry.Sign() < 0 {
			perpCarry = perpCarry.Neg()
			perpSide = core.SideBuy
		}
		if perpCarry.Sign() == 0 {
			continue
		}
		intervals := decimal.NewFromInt(int64(p.snap.IntervalsPerDay))

		for _, l := range lends {
			// Net carry after the borrow cost of the hedge leg.
			dailyBorrow := l.reserve.BorrowAPR.PerInterval(1).Decimal
			carry := perpCarry.Sub(dailyBorrow)
			if carry.Sign() <= 0 {
				continue
			}

			spread := core.NewRate(carry.Div(intervals))
			if spread.Decimal.LessThan(a.cfg.MinSpread.Decimal) {
				continue
			}

			borrowRate := core.NewRate(dailyBorrow.Div(intervals))
			opp := &core.Opportunity{
				Symbol:          symbol,
				Strategy:        core.StrategyPerpLend,
				Spread:          spread,
				ExpectedAPR:     core.NewAPR(carry.Mul(daysPerYear).Mul(hundred)),
				LongOI:          p.snap.OpenInterestUSD,
				ShortOI:         p.snap.OpenInterestUSD,
				IntervalsPerDay: p.snap.IntervalsPerDay,
				ScanID:          scanID,
				Timestamp:       now,
			}
			if perpSide == core.SideSell {
				opp.LongVenue = l.venue.GetName()
				opp.ShortVenue = p.venue.GetName()
				opp.LongRate = borrowRate
				opp.ShortRate = p.snap.Rate
				opp.ShortMark = p.snap.MarkPrice
				opp.LongMark = p.snap.MarkPrice
			} else {
				opp.LongVenue = p.venue.GetName()
				opp.ShortVenue = l.venue.GetName()
				opp.LongRate = p.snap.Rate
				opp.ShortRate = core.NewRate(borrowRate.Decimal.Neg())
				opp.LongMark = p.snap.MarkPrice
				opp.ShortMark = p.snap.MarkPrice
			}
			opps = append(opps, opp)
		}
	}
	return opps
}

func (a *Aggregator) marksDiverge(x, y decimal.Decimal) bool {
	if x.Sign() <= 0 || y.Sign() <= 0 {
		return false
	}
	avg := x.Add(y).Div(decimal.NewFromInt(2))
	return x.Sub(y).Abs().Div(avg).GreaterThan(a.cfg.MaxMarkDivergence)
}
