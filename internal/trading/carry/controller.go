// Package carry manages the leveraged single-venue variant: borrow against
// lending collateral, hold the asset, short the same asset on a perp and
// collect funding while the health factor is actively defended.
package carry

import (
	"context"
	"sync"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	one             = decimal.NewFromInt(1)
	half            = decimal.RequireFromString("0.5")
	rescueHaircut   = decimal.RequireFromString("0.9")  // share of realized PnL that reaches the lender
	minRescueUSD    = decimal.NewFromInt(10)            // below this a rescue is not worthwhile
	marginFloorPct  = decimal.RequireFromString("0.05") // perp margin alarm at 5% of notional
	marginTargetPct = decimal.RequireFromString("0.10") // reverse rescue refills to 10%
	reverseMinHF    = decimal.NewFromInt(2)
)

// Config tunes the controller. HF thresholds must satisfy
// emergency < warn < min < target.
type Config struct {
	MinHF       decimal.Decimal
	TargetHF    decimal.Decimal
	EmergencyHF decimal.Decimal
	WarnHF      decimal.Decimal
	MaxLeverage decimal.Decimal

	// FundingFlipThreshold is the per-interval rate below which an open
	// position closes and no new position opens.
	FundingFlipThreshold decimal.Decimal
	// MinCarryAPY is the open gate on funding APR minus borrow APR, in
	// percentage points.
	MinCarryAPY decimal.Decimal

	MaxPositionUSD    decimal.Decimal
	DriftLimit        decimal.Decimal
	RescueCooldown    time.Duration
	RebalanceCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetHF.Sign() <= 0 {
		c.TargetHF = decimal.NewFromInt(2)
	}
	if c.MinHF.Sign() <= 0 {
		c.MinHF = decimal.RequireFromString("1.5")
	}
	if c.WarnHF.Sign() <= 0 {
		c.WarnHF = decimal.RequireFromString("1.3")
	}
	if c.EmergencyHF.Sign() <= 0 {
		c.EmergencyHF = decimal.RequireFromString("1.1")
	}
	if c.MaxLeverage.Sign() <= 0 {
		c.MaxLeverage = decimal.NewFromInt(3)
	}
	if c.MaxPositionUSD.Sign() <= 0 {
		c.MaxPositionUSD = decimal.NewFromInt(100_000)
	}
	if c.DriftLimit.Sign() <= 0 {
		c.DriftLimit = decimal.RequireFromString("0.02")
	}
	if c.RescueCooldown <= 0 {
		c.RescueCooldown = 5 * time.Minute
	}
	if c.RebalanceCooldown <= 0 {
		c.RebalanceCooldown = 10 * time.Minute
	}
	return c
}

// Position is the controller's record of the live carry structure. Spot
// holdings bought with borrowed funds are tracked in base-asset units.
type Position struct {
	ID            string
	Symbol        string
	Asset         string
	SpotSize      decimal.Decimal
	PerpSize      decimal.Decimal
	PerpEntry     decimal.Decimal
	CollateralUSD decimal.Decimal
	BorrowedUSD   decimal.Decimal
	Status        core.PositionStatus
	OpenedAt      time.Time
}

// Controller defends one symbol's leveraged carry position.
type Controller struct {
	cfg    Config
	perp   core.IVenue
	lender core.ILendingVenue
	symbol string
	asset  string // base asset held as spot exposure
	quote  string // borrow denomination on the lender
	logger core.ILogger

	mu            sync.Mutex
	pos           *Position
	lastRescue    time.Time
	lastRebalance time.Time
}

// New wires a controller for one symbol.
func New(cfg Config, perp core.IVenue, lender core.ILendingVenue, symbol, asset, quote string, logger core.ILogger) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		perp:   perp,
		lender: lender,
		symbol: symbol,
		asset:  asset,
		quote:  quote,
		logger: logger.WithField("component", "carry_controller").WithField("symbol", symbol),
	}
}

// Position returns a copy of the live position, nil when flat.
func (c *Controller) Position() *Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil {
		return nil
	}
	cp := *c.pos
	return &cp
}

// Tick evaluates the position against the current funding rate, borrow APR
// and health factor, and executes at most one management action.
func (c *Controller) Tick(ctx context.Context) error {
	funding, err := c.perp.GetFundingRate(ctx, c.symbol)
	if err != nil {
		return err
	}
	reserve, err := c.lender.GetReserveRates(ctx, c.quote)
	if err != nil {
		return err
	}
	health, err := c.lender.GetAccountHealth(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pos == nil {
		return c.maybeOpenLocked(ctx, funding, reserve, health)
	}
	return c.manageLocked(ctx, funding, reserve, health)
}

// maybeOpenLocked opens when funding clears the floor and the net carry
// clears the minimum. Leverage lands the health factor on target.
func (c *Controller) maybeOpenLocked(ctx context.Context, funding *core.FundingSnapshot, reserve *core.ReserveSnapshot, health *core.AccountHealth) error {
	if funding.Rate.Decimal.LessThan(c.cfg.FundingFlipThreshold) {
		return nil
	}
	netCarry := funding.AnnualizedAPR().Decimal.Sub(reserve.BorrowAPR.Decimal)
	if netCarry.LessThan(c.cfg.MinCarryAPY) {
		return nil
	}

	collateral := health.CollateralUSD
	if collateral.Sign() <= 0 {
		return nil
	}

	leverage := one.Add(health.LiquidationThreshold.Div(c.cfg.TargetHF))
	if leverage.GreaterThan(c.cfg.MaxLeverage) {
		leverage = c.cfg.MaxLeverage
	}
	sizeUSD := collateral.Mul(leverage)
	if sizeUSD.GreaterThan(c.cfg.MaxPositionUSD) {
		sizeUSD = c.cfg.MaxPositionUSD
	}

	borrow := sizeUSD.Sub(collateral)
	if borrow.Sign() > 0 {
		if err := c.lender.Borrow(ctx, c.quote, borrow); err != nil {
			return err
		}
	}

	mark, err := c.perp.GetMarkPrice(ctx, c.symbol)
	if err != nil {
		return err
	}
	size := sizeUSD.Div(mark)

	order, err := c.perp.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        c.symbol,
		Side:          core.SideSell,
		Type:          core.OrderTypeMarket,
		Size:          size,
		ClientOrderID: "carry-open-" + uuid.NewString()[:8],
	})
	if err != nil {
		// Unwind the borrow; an unhedged borrow is pure price risk.
		if borrow.Sign() > 0 {
			if rerr := c.lender.Repay(ctx, c.quote, borrow); rerr != nil {
				c.logger.Error("borrow unwind failed after short rejection", "error", rerr)
			}
		}
		return err
	}

	c.pos = &Position{
		ID:            uuid.NewString(),
		Symbol:        c.symbol,
		Asset:         c.asset,
		SpotSize:      size,
		PerpSize:      order.ExecutedSize,
		PerpEntry:     order.AvgFillPrice,
		CollateralUSD: collateral,
		BorrowedUSD:   borrow,
		Status:        core.PositionOpen,
		OpenedAt:      time.Now().UTC(),
	}
	c.logger.Info("carry position opened",
		"size", size, "size_usd", sizeUSD, "leverage", leverage,
		"net_carry_apr", netCarry)
	return nil
}

// manageLocked walks the threshold ladder. At most one action per tick.
func (c *Controller) manageLocked(ctx context.Context, funding *core.FundingSnapshot, reserve *core.ReserveSnapshot, health *core.AccountHealth) error {
	hf, bounded := health.HealthFactor()

	if bounded && hf.LessThan(c.cfg.EmergencyHF) {
		if c.perpPnL(ctx).Sign() > 0 {
			err := c.rescueLocked(ctx, health)
			if err == nil {
				return nil
			}
			c.logger.Warn("rescue failed, falling back", "error", err)
			return c.fallbackLocked(ctx, 1)
		}
		return c.fallbackLocked(ctx, 2) // not profitable: straight to deleverage
	}

	if bounded && hf.LessThan(c.cfg.MinHF) {
		if time.Since(c.lastRescue) < c.cfg.RescueCooldown {
			return nil
		}
		if err := c.rescueLocked(ctx, health); err != nil {
			c.logger.Warn("partial rescue failed, reducing leverage", "error", err)
			return c.fallbackLocked(ctx, 1)
		}
		return nil
	}

	netCarry := funding.AnnualizedAPR().Decimal.Sub(reserve.BorrowAPR.Decimal)
	if funding.Rate.Decimal.LessThan(c.cfg.FundingFlipThreshold) || netCarry.Sign() <= 0 {
		c.logger.Info("carry gone, closing",
			"rate", funding.Rate, "net_carry_apr", netCarry)
		return c.closeLocked(ctx)
	}

	if err := c.checkPerpMarginLocked(ctx, hf, bounded); err != nil {
		return err
	}

	return c.rebalanceDriftLocked(ctx)
}

// perpPnL is the unrealized PnL of the short leg at the current mark.
func (c *Controller) perpPnL(ctx context.Context) decimal.Decimal {
	mark, err := c.perp.GetMarkPrice(ctx, c.symbol)
	if err != nil || c.pos == nil {
		return decimal.Zero
	}
	return c.pos.PerpEntry.Sub(mark).Mul(c.pos.PerpSize)
}

// rescueLocked closes enough of the profitable short to realize the
// collateral deficit, deposits it, and re-opens the same size so delta is
// untouched. The deposit is bounded to 90% of what the close realizes; a
// rescue that cannot reach the deficit under that bound fails instead of
// half-helping.
func (c *Controller) rescueLocked(ctx context.Context, health *core.AccountHealth) error {
	if health.DebtUSD.Sign() <= 0 {
		return apperrors.New(apperrors.KindInvalidRequest, "no debt to rescue against")
	}
	deficit := c.cfg.TargetHF.Mul(health.DebtUSD).Div(health.LiquidationThreshold).Sub(health.CollateralUSD)
	if deficit.LessThan(minRescueUSD) {
		return nil // already close enough to target
	}

	pnl := c.perpPnL(ctx)
	if pnl.Sign() <= 0 {
		return apperrors.New(apperrors.KindUnprofitable, "perp leg carries no realizable profit")
	}

	// The close realizes deficit/0.9 of PnL so the deficit survives the
	// haircut. If the whole position cannot realize that much, rescue is
	// not the right tool.
	grossRealize := deficit.Div(rescueHaircut)
	if grossRealize.GreaterThan(pnl) {
		return apperrors.Newf(apperrors.KindInsufficientBalance,
			"deficit %s needs %s realized, position holds %s", deficit, grossRealize, pnl)
	}

	closeSize := c.pos.PerpSize.Mul(grossRealize).Div(pnl)
	c.pos.Status = core.PositionRescuing

	ref := uuid.NewString()[:8]
	if _, err := c.perp.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        c.symbol,
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Size:          closeSize,
		ReduceOnly:    true,
		ClientOrderID: "rescue-close-" + ref,
	}); err != nil {
		c.pos.Status = core.PositionOpen
		return err
	}
	c.pos.PerpSize = c.pos.PerpSize.Sub(closeSize)

	if err := c.lender.Deposit(ctx, c.quote, deficit); err != nil {
		// The hedge is short by closeSize; the drift rebalance restores
		// it once the fallback chain has run.
		c.pos.Status = core.PositionOpen
		return err
	}

	reopen, err := c.perp.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        c.symbol,
		Side:          core.SideSell,
		Type:          core.OrderTypeMarket,
		Size:          closeSize,
		ClientOrderID: "rescue-reopen-" + ref,
	})
	if err != nil {
		c.pos.Status = core.PositionOpen
		return err
	}

	// Blend the reopened slice into the position's average entry.
	kept := c.pos.PerpSize
	c.pos.PerpSize = c.pos.PerpSize.Add(reopen.ExecutedSize)
	if c.pos.PerpSize.Sign() > 0 {
		c.pos.PerpEntry = kept.Mul(c.pos.PerpEntry).
			Add(reopen.ExecutedSize.Mul(reopen.AvgFillPrice)).
			Div(c.pos.PerpSize)
	}
	c.pos.CollateralUSD = c.pos.CollateralUSD.Add(deficit)
	c.pos.Status = core.PositionOpen
	c.lastRescue = time.Now()
	c.logger.Info("rescue complete",
		"deposited_usd", deficit, "closed_size", closeSize, "realized", grossRealize)
	return nil
}

// fallbackLocked runs the coarser actions in order until one sticks.
func (c *Controller) fallbackLocked(ctx context.Context, from int) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"partial_rescue", func(ctx context.Context) error {
			health, err := c.lender.GetAccountHealth(ctx)
			if err != nil {
				return err
			}
			return c.rescueLocked(ctx, health)
		}},
		{"reduce_leverage", c.reduceLeverageLocked},
		{"deleverage", c.closeLocked},
		{"emergency_exit", c.emergencyExitLocked},
	}

	for i := from; i < len(steps); i++ {
		if err := steps[i].run(ctx); err != nil {
			c.logger.Warn("fallback step failed", "step", steps[i].name, "error", err)
			continue
		}
		c.logger.Info("fallback step succeeded", "step", steps[i].name)
		return nil
	}
	return apperrors.New(apperrors.KindFatal, "every fallback step failed, position cannot be defended")
}

// reduceLeverageLocked halves the structure: close half the perp, sell
// half the spot, repay with the proceeds.
func (c *Controller) reduceLeverageLocked(ctx context.Context) error {
	closeSize := c.pos.PerpSize.Mul(half)
	mark, err := c.perp.GetMarkPrice(ctx, c.symbol)
	if err != nil {
		return err
	}

	if _, err := c.perp.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        c.symbol,
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Size:          closeSize,
		ReduceOnly:    true,
		ClientOrderID: "reduce-" + uuid.NewString()[:8],
	}); err != nil {
		return err
	}

	soldSpot := c.pos.SpotSize.Mul(half)
	proceeds := soldSpot.Mul(mark)
	repay := proceeds
	if repay.GreaterThan(c.pos.BorrowedUSD) {
		repay = c.pos.BorrowedUSD
	}
	if repay.Sign() > 0 {
		if err := c.lender.Repay(ctx, c.quote, repay); err != nil {
			return err
		}
	}

	c.pos.PerpSize = c.pos.PerpSize.Sub(closeSize)
	c.pos.SpotSize = c.pos.SpotSize.Sub(soldSpot)
	c.pos.BorrowedUSD = c.pos.BorrowedUSD.Sub(repay)
	c.logger.Info("leverage reduced", "closed_size", closeSize, "repaid_usd", repay)
	return nil
}

// closeLocked unwinds the whole structure in order: flatten the perp, sell
// the spot, repay the debt.
func (c *Controller) closeLocked(ctx context.Context) error {
	c.pos.Status = core.PositionClosing

	if c.pos.PerpSize.Sign() > 0 {
		if _, err := c.perp.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        c.symbol,
			Side:          core.SideBuy,
			Type:          core.OrderTypeMarket,
			Size:          c.pos.PerpSize,
			ReduceOnly:    true,
			ClientOrderID: "carry-close-" + uuid.NewString()[:8],
		}); err != nil {
			c.pos.Status = core.PositionOpen
			return err
		}
		c.pos.PerpSize = decimal.Zero
	}

	if c.pos.BorrowedUSD.Sign() > 0 {
		if err := c.lender.Repay(ctx, c.quote, c.pos.BorrowedUSD); err != nil {
			return err
		}
		c.pos.BorrowedUSD = decimal.Zero
	}

	c.logger.Info("carry position closed", "id", c.pos.ID)
	c.pos = nil
	return nil
}

// emergencyExitLocked is the last resort: it attempts every unwind step
// and abandons the record even if some fail, surfacing what it could not
// do. Price risk beats liquidation risk here.
func (c *Controller) emergencyExitLocked(ctx context.Context) error {
	if c.pos.PerpSize.Sign() > 0 {
		if _, err := c.perp.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        c.symbol,
			Side:          core.SideBuy,
			Type:          core.OrderTypeMarket,
			Size:          c.pos.PerpSize,
			ReduceOnly:    true,
			ClientOrderID: "carry-emergency-" + uuid.NewString()[:8],
		}); err != nil {
			c.logger.Error("emergency perp close failed", "error", err)
		}
	}
	if c.pos.BorrowedUSD.Sign() > 0 {
		if err := c.lender.Repay(ctx, c.quote, c.pos.BorrowedUSD); err != nil {
			c.logger.Error("emergency repay failed", "error", err)
		}
	}
	c.pos.Status = core.PositionFailed
	c.pos = nil
	return nil
}

// checkPerpMarginLocked refills perp margin from the lender when the HF
// can spare it, closes otherwise.
func (c *Controller) checkPerpMarginLocked(ctx context.Context, hf decimal.Decimal, bounded bool) error {
	margin, err := c.perp.GetBalance(ctx)
	if err != nil {
		return err
	}
	mark, err := c.perp.GetMarkPrice(ctx, c.symbol)
	if err != nil {
		return err
	}
	notional := c.pos.PerpSize.Mul(mark)
	if notional.Sign() <= 0 || margin.GreaterThanOrEqual(notional.Mul(marginFloorPct)) {
		return nil
	}

	if bounded && hf.GreaterThanOrEqual(reverseMinHF) {
		need := notional.Mul(marginTargetPct).Sub(margin)
		if err := c.lender.Withdraw(ctx, c.quote, need); err != nil {
			return err
		}
		c.pos.CollateralUSD = c.pos.CollateralUSD.Sub(need)
		c.logger.Warn("reverse rescue: margin refilled from lender",
			"withdrawn_usd", need, "margin_usd", margin, "notional_usd", notional)
		return nil
	}

	c.logger.Warn("perp margin critical and lender cannot spare, closing",
		"margin_usd", margin, "notional_usd", notional)
	return c.closeLocked(ctx)
}

// rebalanceDriftLocked re-sizes the perp leg to the spot holdings when the
// drift exceeds the limit and the cooldown allows it.
func (c *Controller) rebalanceDriftLocked(ctx context.Context) error {
	if c.pos.SpotSize.Sign() <= 0 {
		return nil
	}
	drift := c.pos.SpotSize.Sub(c.pos.PerpSize).Abs().Div(c.pos.SpotSize)
	if drift.LessThanOrEqual(c.cfg.DriftLimit) {
		return nil
	}
	if time.Since(c.lastRebalance) < c.cfg.RebalanceCooldown {
		return nil
	}

	diff := c.pos.SpotSize.Sub(c.pos.PerpSize)
	req := &core.OrderRequest{
		Symbol:        c.symbol,
		Type:          core.OrderTypeMarket,
		Size:          diff.Abs(),
		ClientOrderID: "drift-" + uuid.NewString()[:8],
	}
	if diff.Sign() > 0 {
		req.Side = core.SideSell // perp leg is short of the spot, short more
	} else {
		req.Side = core.SideBuy
		req.ReduceOnly = true
	}

	if _, err := c.perp.PlaceOrder(ctx, req); err != nil {
		return err
	}
	c.pos.PerpSize = c.pos.SpotSize
	c.lastRebalance = time.Now()
	c.logger.Info("delta drift rebalanced", "adjusted_size", diff.Abs(), "drift", drift)
	return nil
}
