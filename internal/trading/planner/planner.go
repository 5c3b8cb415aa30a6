// Package planner turns a sized opportunity into a submittable two-leg
// execution plan, or rejects it with a typed reason.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/trading/aggregator"
	"funding_keeper/internal/trading/costs"
	"funding_keeper/internal/trading/liquidity"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	two         = decimal.NewFromInt(2)
	hoursPerDay = decimal.NewFromInt(24)

	// Expected return is recomputed with adjusted rates only when the
	// predicted funding impact moves the spread by more than this share.
	impactShare = decimal.RequireFromString("0.01")
)

// Config tunes plan construction.
type Config struct {
	BalanceUsagePct   decimal.Decimal // share of free balance deployable, default 0.9
	Leverage          decimal.Decimal // default 2
	MinPositionUSD    decimal.Decimal // combined two-leg floor, default 1000
	MaxBreakEvenHours decimal.Decimal // default 168
	SizeDecimals      int             // base-asset quantity precision, default 6
	Fees              map[string]core.FeeRates
}

func (c Config) withDefaults() Config {
	if c.BalanceUsagePct.Sign() <= 0 {
		c.BalanceUsagePct = decimal.RequireFromString("0.9")
	}
	if c.Leverage.Sign() <= 0 {
		c.Leverage = two
	}
	if c.MinPositionUSD.Sign() <= 0 {
		c.MinPositionUSD = decimal.NewFromInt(1000)
	}
	if c.MaxBreakEvenHours.Sign() <= 0 {
		c.MaxBreakEvenHours = decimal.NewFromInt(168)
	}
	if c.SizeDecimals <= 0 {
		c.SizeDecimals = 6
	}
	return c
}

// Builder assembles execution plans. Position sizes are combined two-leg
// notionals; each order carries half.
type Builder struct {
	cfg     Config
	venues  map[string]core.IVenue
	aliases *aggregator.Aliases
	liq     *liquidity.Optimizer
	logger  core.ILogger
}

// New wires a Builder. aliases and liq may be nil; without an optimizer the
// depth cap is skipped.
func New(cfg Config, venues map[string]core.IVenue, aliases *aggregator.Aliases, liq *liquidity.Optimizer, logger core.ILogger) *Builder {
	return &Builder{
		cfg:     cfg.withDefaults(),
		venues:  venues,
		aliases: aliases,
		liq:     liq,
		logger:  logger.WithField("component", "plan_builder"),
	}
}

// Build validates the opportunity against balances, depth and costs and
// returns a plan whose two legs carry identical base-asset size. Failures
// are classified: InsufficientBalance, LiquidityTooLow, Unprofitable, or
// the venue error encountered while fetching market data.
func (b *Builder) Build(ctx context.Context, opp *core.Opportunity, allocationUSD decimal.Decimal) (*core.ExecutionPlan, error) {
	long, ok := b.venues[opp.LongVenue]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInvalidRequest, "no adapter for venue %s", opp.LongVenue).WithSymbol(opp.Symbol)
	}
	short, ok := b.venues[opp.ShortVenue]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInvalidRequest, "no adapter for venue %s", opp.ShortVenue).WithSymbol(opp.Symbol)
	}

	longSym := b.venueSymbol(opp.LongVenue, opp.Symbol)
	shortSym := b.venueSymbol(opp.ShortVenue, opp.Symbol)

	longMark, err := b.ensureMark(ctx, long, longSym, opp.LongMark)
	if err != nil {
		return nil, err
	}
	shortMark, err := b.ensureMark(ctx, short, shortSym, opp.ShortMark)
	if err != nil {
		return nil, err
	}

	// Deployable capital is bounded by the thinner of the two accounts.
	longBal, err := long.GetBalance(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindOf(err), "fetch balance", err).WithVenue(opp.LongVenue)
	}
	shortBal, err := short.GetBalance(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindOf(err), "fetch balance", err).WithVenue(opp.ShortVenue)
	}
	available := decimal.Min(longBal, shortBal).Mul(b.cfg.BalanceUsagePct)
	leveraged := available.Mul(b.cfg.Leverage)

	positionUSD := allocationUSD
	if leveraged.LessThan(positionUSD) {
		positionUSD = leveraged
	}
	if positionUSD.LessThan(b.cfg.MinPositionUSD) {
		return nil, apperrors.Newf(apperrors.KindInsufficientBalance,
			"deployable %s below minimum %s", positionUSD.StringFixed(2), b.cfg.MinPositionUSD.StringFixed(2)).
			WithSymbol(opp.Symbol)
	}

	longBook, err := long.GetBestBidAsk(ctx, longSym)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindOf(err), "fetch book", err).WithVenue(opp.LongVenue).WithSymbol(longSym)
	}
	shortBook, err := short.GetBestBidAsk(ctx, shortSym)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindOf(err), "fetch book", err).WithVenue(opp.ShortVenue).WithSymbol(shortSym)
	}

	longFees := b.feeRates(opp.LongVenue)
	shortFees := b.feeRates(opp.ShortVenue)

	// Depth cap operates on single-leg notional.
	perLeg := positionUSD.Div(two)
	if b.liq != nil {
		quote := liquidity.Quote{
			Spread:          opp.Spread,
			IntervalsPerDay: opp.IntervalsPerDay,
			LongBook:        longBook,
			ShortBook:       shortBook,
			LongOI:          opp.LongOI,
			ShortOI:         opp.ShortOI,
			LongEntryFee:    longFees.Maker,
			ShortEntryFee:   shortFees.Maker,
			LongExitFee:     longFees.Taker,
			ShortExitFee:    shortFees.Taker,
		}
		res := b.liq.OptimalSize(quote, perLeg)
		if !res.Viable {
			return nil, apperrors.New(apperrors.KindLiquidityTooLow, res.Warning).WithSymbol(opp.Symbol)
		}
		if res.SizeUSD.LessThan(perLeg) {
			perLeg = res.SizeUSD
			positionUSD = perLeg.Mul(two)
		}
	}
	if positionUSD.LessThan(b.cfg.MinPositionUSD) {
		return nil, apperrors.Newf(apperrors.KindLiquidityTooLow,
			"depth caps position at %s, below minimum %s", positionUSD.StringFixed(2), b.cfg.MinPositionUSD.StringFixed(2)).
			WithSymbol(opp.Symbol)
	}

	entrySlip := costs.SlippageUSD(perLeg, longBook, core.OrderTypeLimit, opp.LongOI).
		Add(costs.SlippageUSD(perLeg, shortBook, core.OrderTypeLimit, opp.ShortOI))
	exitSlip := costs.SlippageUSD(perLeg, longBook, core.OrderTypeMarket, opp.LongOI).
		Add(costs.SlippageUSD(perLeg, shortBook, core.OrderTypeMarket, opp.ShortOI))
	entryFees := costs.FeeUSD(perLeg, longFees.Maker).Add(costs.FeeUSD(perLeg, shortFees.Maker))
	exitFees := costs.FeeUSD(perLeg, longFees.Taker).Add(costs.FeeUSD(perLeg, shortFees.Taker))
	totalCosts := entrySlip.Add(exitSlip).Add(entryFees).Add(exitFees)

	// Our own flow shifts both venues' rates against the position; recompute
	// the carry only when the shift is material.
	effSpread := opp.Spread.Decimal
	longImpact := costs.PredictFundingImpact(opp.LongRate, perLeg, opp.LongOI)
	shortImpact := costs.PredictFundingImpact(opp.ShortRate, perLeg, opp.ShortOI)
	impact := longImpact.Decimal.Abs().Add(shortImpact.Decimal.Abs())
	if impact.GreaterThan(effSpread.Abs().Mul(impactShare)) {
		effSpread = effSpread.Sub(impact)
	}

	intervals := decimal.NewFromInt(int64(opp.IntervalsPerDay))
	hourlyReturn := perLeg.Mul(effSpread).Mul(intervals).Div(hoursPerDay)
	breakEven, finite := costs.BreakEvenHours(totalCosts, hourlyReturn)
	periods := decimal.NewFromInt(int64(costs.AmortizationPeriods(breakEven)))
	netReturn := hourlyReturn.Sub(totalCosts.Div(periods))

	profitable := netReturn.Sign() > 0 ||
		(finite && breakEven.LessThanOrEqual(b.cfg.MaxBreakEvenHours) && hourlyReturn.Sign() > 0)
	if !profitable {
		detail := "funding income never recovers entry costs"
		if finite {
			detail = fmt.Sprintf("break-even %sh exceeds %sh", breakEven.StringFixed(1), b.cfg.MaxBreakEvenHours.String())
		}
		return nil, apperrors.Newf(apperrors.KindUnprofitable,
			"net return %s/h: %s", netReturn.StringFixed(4), detail).WithSymbol(opp.Symbol)
	}

	avgMark := longMark.Add(shortMark).Div(two)
	baseSize := tradingutils.RoundQuantity(perLeg.Div(avgMark), b.cfg.SizeDecimals)
	if baseSize.Sign() <= 0 {
		return nil, apperrors.Newf(apperrors.KindInvalidRequest,
			"order size rounds to zero at %d decimals", b.cfg.SizeDecimals).WithSymbol(opp.Symbol)
	}

	id := uuid.NewString()
	ref := strings.ReplaceAll(id, "-", "")[:16]

	plan := &core.ExecutionPlan{
		ID:          id,
		Opportunity: *opp,
		LongOrder: core.PlannedOrder{
			Venue:         opp.LongVenue,
			Symbol:        longSym,
			Side:          core.SideBuy,
			Type:          core.OrderTypeLimit,
			Size:          baseSize,
			LimitPrice:    longMark,
			TimeInForce:   core.TIFGoodTillCancel,
			ClientOrderID: ref + "-L",
		},
		ShortOrder: core.PlannedOrder{
			Venue:         opp.ShortVenue,
			Symbol:        shortSym,
			Side:          core.SideSell,
			Type:          core.OrderTypeLimit,
			Size:          baseSize,
			LimitPrice:    shortMark,
			TimeInForce:   core.TIFGoodTillCancel,
			ClientOrderID: ref + "-S",
		},
		SizeBase:    baseSize,
		NotionalUSD: positionUSD,
		Leverage:    b.cfg.Leverage,
		Costs: core.PlanCosts{
			EntryFees: entryFees,
			ExitFees:  exitFees,
			Slippage:  entrySlip.Add(exitSlip),
			Total:     totalCosts,
		},
		HourlyReturnUSD:    hourlyReturn,
		NetReturnPerPeriod: netReturn,
		BreakEvenHours:     breakEven,
		CreatedAt:          time.Now().UTC(),
	}

	b.logger.Info("Built execution plan",
		"plan_id", id,
		"symbol", opp.Symbol,
		"long_venue", opp.LongVenue,
		"short_venue", opp.ShortVenue,
		"notional_usd", positionUSD.StringFixed(2),
		"size_base", baseSize.String(),
		"hourly_return", hourlyReturn.StringFixed(4),
		"break_even_hours", breakEven.StringFixed(1))

	return plan, nil
}

func (b *Builder) ensureMark(ctx context.Context, venue core.IVenue, symbol string, known decimal.Decimal) (decimal.Decimal, error) {
	if known.Sign() > 0 {
		return known, nil
	}
	mark, err := venue.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, apperrors.Wrap(apperrors.KindOf(err), "fetch mark price", err).
			WithVenue(venue.GetName()).WithSymbol(symbol)
	}
	if mark.Sign() <= 0 {
		return decimal.Decimal{}, apperrors.New(apperrors.KindDataQuality, "mark price unavailable").
			WithVenue(venue.GetName()).WithSymbol(symbol)
	}
	return mark, nil
}

func (b *Builder) venueSymbol(venue, canonical string) string {
	if b.aliases == nil {
		return canonical
	}
	return b.aliases.VenueSymbol(venue, canonical)
}

func (b *Builder) feeRates(venue string) core.FeeRates {
	if fr, ok := b.cfg.Fees[venue]; ok {
		return fr
	}
	return core.FeeRates{Maker: costs.DefaultFeeRate, Taker: costs.DefaultFeeRate}
}
