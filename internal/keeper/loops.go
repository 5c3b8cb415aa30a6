package keeper

import (
	"context"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
)

// scanOpportunities runs the pipeline end to end: aggregate, allocate,
// plan, submit. Planner rejections filter the opportunity for this tick
// only.
func (k *Keeper) scanOpportunities(ctx context.Context) error {
	opps, err := k.deps.Aggregator.Scan(ctx, k.deps.Config.TradableSymbols())
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.lastScan = opps
	k.mu.Unlock()

	if len(opps) > 0 {
		k.deps.Engine.NoteScan(opps[0].ScanID)
	}
	k.updateRotationStreaks(opps)

	capital := k.Capital()
	if capital.Sign() <= 0 {
		// First scan can land before the capital loop; refresh inline.
		if err := k.refreshCapital(ctx); err != nil {
			return err
		}
		capital = k.Capital()
	}

	res := k.deps.Portfolio.Allocate(opps, capital)
	for _, warn := range res.DataQualityWarnings {
		k.logger.Warn("opportunity filtered on data quality", "reason", warn)
	}

	for _, alloc := range res.Allocations {
		symbol := alloc.Opportunity.Symbol
		if k.deps.Engine.HasActivePair(symbol) {
			continue
		}

		plan, err := k.deps.Planner.Build(ctx, alloc.Opportunity, alloc.AllocatedUSD)
		if err != nil {
			switch apperrors.KindOf(err) {
			case apperrors.KindUnprofitable, apperrors.KindLiquidityTooLow,
				apperrors.KindInsufficientBalance, apperrors.KindDataQuality,
				apperrors.KindStaleQuote:
				k.logger.Warn("plan rejected", "symbol", symbol, "error", err)
				continue
			default:
				return err
			}
		}

		if err := k.deps.Engine.Submit(ctx, plan); err != nil {
			k.logger.Warn("plan submission failed",
				"symbol", symbol, "plan", plan.ID, "error", err)
		} else {
			k.logger.Info("plan submitted",
				"symbol", symbol, "plan", plan.ID,
				"notional_usd", plan.NotionalUSD, "apr", alloc.ProjectedAPY)
		}
	}
	return nil
}

// updateRotationStreaks counts, per open pair, consecutive scans in which a
// rival venue pairing beat the pair's APR by the rotate margin. The
// rotation loop acts once a streak reaches the dwell count.
func (k *Keeper) updateRotationStreaks(opps []*core.Opportunity) {
	margin := decimal.NewFromFloat(1 + k.deps.Config.Strategy.RotateMargin)
	snap := k.deps.Engine.Snapshot()

	k.mu.Lock()
	defer k.mu.Unlock()

	open := make(map[string]bool)
	for _, pair := range snap.OpenPairs() {
		open[pair.PlanID] = true
		threshold := pair.ExpectedAPR.Decimal.Mul(margin)

		beaten := false
		for _, opp := range opps {
			if opp.Symbol != pair.Symbol {
				continue
			}
			if opp.LongVenue == pair.LongVenue && opp.ShortVenue == pair.ShortVenue {
				continue
			}
			if opp.ExpectedAPR.Decimal.GreaterThanOrEqual(threshold) {
				beaten = true
				break
			}
		}
		if beaten {
			k.rotationStreaks[pair.PlanID]++
		} else {
			delete(k.rotationStreaks, pair.PlanID)
		}
	}
	// Streaks for pairs that are no longer open are dead weight.
	for id := range k.rotationStreaks {
		if !open[id] {
			delete(k.rotationStreaks, id)
		}
	}
}

// spreadRotation closes pairs whose rotation streak reached the dwell
// count; the next scan opens the better pairing.
func (k *Keeper) spreadRotation(ctx context.Context) error {
	dwell := k.deps.Config.Strategy.RotateDwell

	k.mu.Lock()
	var due []string
	for planID, streak := range k.rotationStreaks {
		if streak >= dwell {
			due = append(due, planID)
		}
	}
	k.mu.Unlock()

	for _, planID := range due {
		if err := k.deps.Engine.Close(ctx, planID, "spread rotation: rival pairing sustained above margin"); err != nil {
			k.logger.Warn("rotation close failed", "plan", planID, "error", err)
			continue
		}
		k.mu.Lock()
		delete(k.rotationStreaks, planID)
		k.mu.Unlock()
	}
	return nil
}

// closeUnprofitable closes pairs whose realized net APY over the rolling
// window fell below the floor. Young pairs are left alone: a momentary
// spread flip is not a close trigger, only sustained realized
// underperformance is.
func (k *Keeper) closeUnprofitable(ctx context.Context) error {
	if k.deps.Store == nil {
		return nil
	}
	now := time.Now()
	floorPct := decimal.NewFromFloat(k.deps.Config.Strategy.LiquidityFloorAPY * 100)

	for _, pair := range k.deps.Engine.Snapshot().OpenPairs() {
		age := now.Sub(pair.CreatedAt)
		if age < unprofitableHold {
			continue
		}
		window := realizedWindow
		if age < window {
			window = age
		}

		payments, err := k.deps.Store.ListPayments(ctx, now.Add(-window), now)
		if err != nil {
			return err
		}

		var net decimal.Decimal
		for _, p := range payments {
			if p.Symbol != pair.Symbol {
				continue
			}
			if p.Venue != pair.LongVenue && p.Venue != pair.ShortVenue {
				continue
			}
			net = net.Add(p.AmountUSD)
		}

		if pair.NotionalUSD.Sign() <= 0 {
			continue
		}
		windowHours := decimal.NewFromFloat(window.Hours())
		apyPct := net.Div(pair.NotionalUSD).
			Mul(decimal.NewFromInt(hoursPerYear)).Div(windowHours).
			Mul(decimal.NewFromInt(100))

		if apyPct.LessThan(floorPct) {
			k.logger.Info("closing unprofitable pair",
				"plan", pair.PlanID, "symbol", pair.Symbol,
				"realized_apy_pct", apyPct, "floor_pct", floorPct)
			if err := k.deps.Engine.Close(ctx, pair.PlanID, "realized net APY below floor"); err != nil {
				k.logger.Warn("unprofitable close failed", "plan", pair.PlanID, "error", err)
			}
		}
	}
	return nil
}

// refreshCapital sums deployable cash across perp venues.
func (k *Keeper) refreshCapital(ctx context.Context) error {
	var total decimal.Decimal
	for name, v := range k.deps.Venues {
		if v.Kind() != core.VenuePerp {
			continue
		}
		bal, err := v.GetBalance(ctx)
		if err != nil {
			return apperrors.Wrap(apperrors.KindOf(err), "refresh capital", err).WithVenue(name)
		}
		total = total.Add(bal)
	}
	usable := total.Mul(decimal.NewFromFloat(k.deps.Config.Strategy.BalanceUsagePct))

	k.mu.Lock()
	k.capitalUSD = usable
	k.mu.Unlock()
	k.logger.Debug("capital refreshed", "total_usd", total, "usable_usd", usable)
	return nil
}

// updateMetrics pulls realized funding payments from every venue since the
// last sync, journals them and feeds the diagnostics accumulator.
func (k *Keeper) updateMetrics(ctx context.Context) error {
	now := time.Now()
	for name, v := range k.deps.Venues {
		if v.Kind() != core.VenuePerp {
			continue
		}
		k.mu.Lock()
		from, ok := k.paymentSync[name]
		k.mu.Unlock()
		if !ok {
			from = now.Add(-realizedWindow)
		}

		payments, err := v.GetFundingPayments(ctx, from, now)
		if err != nil {
			k.logger.Warn("funding payment fetch failed", "venue", name, "error", err)
			continue
		}
		for _, p := range payments {
			if k.deps.Store != nil {
				if err := k.deps.Store.AppendPayment(ctx, p); err != nil {
					return err
				}
			}
			if k.deps.Sink != nil {
				k.deps.Sink.AddPayment(p)
			}
		}

		k.mu.Lock()
		k.paymentSync[name] = now
		k.mu.Unlock()
	}
	return nil
}

// emergencyHealthCheck probes venue health and runs the leveraged-strategy
// controller. A fatal controller verdict drains everything.
func (k *Keeper) emergencyHealthCheck(ctx context.Context) error {
	for name, v := range k.deps.Venues {
		if err := v.CheckHealth(ctx); err != nil {
			k.logger.Warn("venue unhealthy", "venue", name, "error", err)
		}
	}

	if k.deps.Health == nil {
		return nil
	}
	if err := k.deps.Health.Tick(ctx); err != nil {
		if apperrors.Is(err, apperrors.KindFatal) {
			k.logger.Error("fatal health verdict, closing all positions", "error", err)
			return k.deps.Engine.CloseAll(ctx, "fatal health verdict")
		}
		return err
	}
	return nil
}

func (k *Keeper) verifyRecentFills(ctx context.Context) error {
	return k.deps.Engine.VerifyFills(ctx)
}

func (k *Keeper) checkPositionBalance(ctx context.Context) error {
	return k.deps.Engine.CheckBalance(ctx)
}

func (k *Keeper) retrySingleLeg(ctx context.Context) error {
	return k.deps.Engine.ResolveIncidents(ctx)
}

func (k *Keeper) verifyPositionState(ctx context.Context) error {
	if err := k.deps.Engine.Reconcile(ctx); err != nil {
		return err
	}
	if pruned := k.deps.Engine.PruneTerminal(terminalPairKeep); pruned > 0 {
		k.logger.Debug("pruned terminal records", "count", pruned)
	}
	return nil
}

func (k *Keeper) cleanupStaleOrders(ctx context.Context) error {
	return k.deps.Engine.CleanupStaleOrders(ctx, staleOrderMaxAge)
}
