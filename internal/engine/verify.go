package engine

import (
	"context"
	"time"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
)

// legDrift returns |long − short| / avg, zero when both legs are empty.
func legDrift(longSize, shortSize decimal.Decimal) decimal.Decimal {
	avg := longSize.Add(shortSize).Div(two)
	if avg.Sign() <= 0 {
		return decimal.Zero
	}
	return longSize.Sub(shortSize).Abs().Div(avg)
}

// VerifyFills re-queries the venues for every pair still in submitting or
// partial and advances the ones whose orders settled since the last look.
func (e *Engine) VerifyFills(ctx context.Context) error {
	var advanced int
	for _, p := range e.activePairs() {
		p.mu.Lock()
		if p.state != PairSubmitting && p.state != PairPartial {
			p.mu.Unlock()
			continue
		}

		p.longOrder = e.refreshOrder(ctx, p.plan.LongOrder.Venue, p.longOrder)
		p.shortOrder = e.refreshOrder(ctx, p.plan.ShortOrder.Venue, p.shortOrder)

		switch {
		case filled(p.longOrder) && filled(p.shortOrder):
			if p.partialTimer != nil {
				p.partialTimer.Stop()
				p.partialTimer = nil
			}
			e.promoteOpenLocked(p)
			advanced++

		case failedTerminal(p.longOrder) && failedTerminal(p.shortOrder):
			p.setState(PairFailed, "both legs ended unfilled")
			advanced++

		case filled(p.longOrder) && failedTerminal(p.shortOrder):
			e.resolveExposedLocked(ctx, p, p.plan.LongOrder.Venue, p.plan.ShortOrder.Venue,
				p.longOrder, "short leg ended "+string(p.shortOrder.Status))
			advanced++

		case filled(p.shortOrder) && failedTerminal(p.longOrder):
			e.resolveExposedLocked(ctx, p, p.plan.ShortOrder.Venue, p.plan.LongOrder.Venue,
				p.shortOrder, "long leg ended "+string(p.longOrder.Status))
			advanced++

		case p.state == PairSubmitting && (filled(p.longOrder) || filled(p.shortOrder)):
			e.armPartialLocked(p)
		}
		p.mu.Unlock()
	}

	if advanced > 0 {
		e.persist(ctx)
	}
	return nil
}

// refreshOrder polls the venue for the order's latest state; on any failure
// the stale copy is kept and the next pass tries again.
func (e *Engine) refreshOrder(ctx context.Context, venueName string, order *core.Order) *core.Order {
	if order == nil || order.Status.IsTerminal() {
		return order
	}
	venue, err := e.venueFor(venueName)
	if err != nil {
		return order
	}
	latest, err := venue.GetOrder(ctx, order.Symbol, order.OrderID, order.ClientOrderID)
	if err != nil {
		e.logger.Warn("Order refresh failed",
			"venue", venueName, "symbol", order.Symbol, "order_id", order.OrderID, "error", err)
		return order
	}
	return latest
}

// CheckBalance enforces the equal-leg invariant on open pairs: when the
// drift exceeds the limit, the larger leg is market-reduced back to the
// smaller one.
func (e *Engine) CheckBalance(ctx context.Context) error {
	var rebalanced int
	for _, p := range e.activePairs() {
		p.mu.Lock()
		if p.state != PairOpen || p.longPos == nil || p.shortPos == nil {
			p.mu.Unlock()
			continue
		}
		drift := legDrift(p.longPos.Size, p.shortPos.Size)
		if drift.LessThanOrEqual(e.cfg.DriftLimit) {
			p.mu.Unlock()
			continue
		}

		bigger, smaller := p.longPos, p.shortPos
		if p.shortPos.Size.GreaterThan(p.longPos.Size) {
			bigger, smaller = p.shortPos, p.longPos
		}
		excess := bigger.Size.Sub(smaller.Size)
		e.logger.Warn("Leg drift above limit, rebalancing",
			"plan_id", p.id, "drift", drift.String(), "excess", excess.String(), "venue", bigger.Venue)

		order, err := e.flatten(ctx, bigger.Venue, bigger.Symbol, bigger.Side, excess, "rebal-"+p.id[:8])
		if err != nil {
			e.logger.Error("Rebalance order failed", "plan_id", p.id, "venue", bigger.Venue, "error", err)
			p.mu.Unlock()
			continue
		}
		bigger.Size = bigger.Size.Sub(order.ExecutedSize)
		rebalanced++
		p.mu.Unlock()
	}

	if rebalanced > 0 {
		e.persist(ctx)
	}
	return nil
}

// ResolveIncidents retries the flatten of incidents whose first attempt
// failed. Resolved incidents are kept for diagnostics until pruned.
func (e *Engine) ResolveIncidents(ctx context.Context) error {
	e.mu.RLock()
	pending := make([]*core.SingleLegIncident, 0)
	for _, inc := range e.incidents {
		if !inc.Resolved() {
			pending = append(pending, inc)
		}
	}
	e.mu.RUnlock()

	for _, inc := range pending {
		_, err := e.flatten(ctx, inc.FilledVenue, inc.Symbol, inc.FilledSide, inc.FilledSize, "flat-"+inc.ID[:8])
		if err != nil {
			e.logger.Error("Incident retry failed",
				"incident_id", inc.ID, "venue", inc.FilledVenue, "symbol", inc.Symbol, "error", err)
			continue
		}
		e.mu.Lock()
		inc.ResolvedAt = time.Now().UTC()
		inc.Resolution = "orphan leg market-reduced on retry"
		e.mu.Unlock()
		e.logger.Info("Incident resolved", "incident_id", inc.ID, "plan_id", inc.PlanID)
	}

	if len(pending) > 0 {
		e.persist(ctx)
	}
	return nil
}

// CleanupStaleOrders cancels resting orders of active pairs older than
// maxAge. Orders the venues report for other symbols are left alone.
func (e *Engine) CleanupStaleOrders(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	type target struct {
		venue  string
		symbol string
	}
	seen := make(map[target]bool)
	for _, p := range e.activePairs() {
		p.mu.Lock()
		if !p.state.Terminal() {
			seen[target{p.plan.LongOrder.Venue, p.plan.LongOrder.Symbol}] = true
			seen[target{p.plan.ShortOrder.Venue, p.plan.ShortOrder.Symbol}] = true
		}
		p.mu.Unlock()
	}

	for t := range seen {
		venue, err := e.venueFor(t.venue)
		if err != nil {
			continue
		}
		open, err := venue.GetOpenOrders(ctx, t.symbol)
		if err != nil {
			e.logger.Warn("Open-order query failed", "venue", t.venue, "symbol", t.symbol, "error", err)
			continue
		}
		for _, o := range open {
			if o.CreatedAt.After(cutoff) {
				continue
			}
			e.logger.Info("Cancelling stale order",
				"venue", t.venue, "symbol", o.Symbol, "order_id", o.OrderID,
				"age", time.Since(o.CreatedAt).Round(time.Second).String())
			e.cancelQuietly(ctx, t.venue, o.Symbol, o.OrderID)
		}
	}
	return nil
}

// activePairs snapshots the pair pointers without holding the map lock
// across any pair transition.
func (e *Engine) activePairs() []*pair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*pair, 0, len(e.pairs))
	for _, p := range e.pairs {
		out = append(out, p)
	}
	return out
}
