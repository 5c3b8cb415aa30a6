package engine

import (
	"context"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// Close unwinds a pair: resting orders are cancelled on both venues first,
// then each leg is market-reduced in its closing direction. A pair still
// submitting is cancelled without reducing anything; a pair with a hanging
// leg stays with the recovery path.
func (e *Engine) Close(ctx context.Context, planID, reason string) error {
	p, err := e.pairByID(planID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case PairClosed, PairFailed, PairClosing:
		return nil
	case PairPartial:
		return apperrors.Newf(apperrors.KindSingleLegHanging,
			"pair %s has a hanging leg; recovery owns it", planID)
	case PairSubmitting:
		// Nothing filled yet; cancelling the resting legs is the whole close.
		if p.longOrder != nil && !p.longOrder.Status.IsTerminal() {
			e.cancelQuietly(ctx, p.plan.LongOrder.Venue, p.longOrder.Symbol, p.longOrder.OrderID)
		}
		if p.shortOrder != nil && !p.shortOrder.Status.IsTerminal() {
			e.cancelQuietly(ctx, p.plan.ShortOrder.Venue, p.shortOrder.Symbol, p.shortOrder.OrderID)
		}
		p.setState(PairClosed, reason)
		go e.persist(context.WithoutCancel(ctx))
		return nil
	}

	p.setState(PairClosing, reason)
	e.logger.Info("Closing pair", "plan_id", planID, "reason", reason)

	// Never rely on venue auto-cancel.
	for _, leg := range []struct{ venue, symbol string }{
		{p.plan.LongOrder.Venue, p.plan.LongOrder.Symbol},
		{p.plan.ShortOrder.Venue, p.plan.ShortOrder.Symbol},
	} {
		venue, verr := e.venueFor(leg.venue)
		if verr != nil {
			continue
		}
		if cerr := venue.CancelAll(ctx, leg.symbol); cerr != nil {
			e.logger.Warn("Cancel-all before close failed",
				"venue", leg.venue, "symbol", leg.symbol, "error", cerr)
		}
	}

	var firstErr error
	if p.longPos != nil && p.longPos.Size.Sign() > 0 {
		order, ferr := e.flatten(ctx, p.longPos.Venue, p.longPos.Symbol, p.longPos.Side, p.longPos.Size, "close-"+planID[:8]+"-L")
		if ferr != nil {
			firstErr = ferr
		} else {
			p.longPos.Size = p.longPos.Size.Sub(order.ExecutedSize)
		}
	}
	if p.shortPos != nil && p.shortPos.Size.Sign() > 0 {
		order, ferr := e.flatten(ctx, p.shortPos.Venue, p.shortPos.Symbol, p.shortPos.Side, p.shortPos.Size, "close-"+planID[:8]+"-S")
		if ferr != nil {
			if firstErr == nil {
				firstErr = ferr
			}
		} else {
			p.shortPos.Size = p.shortPos.Size.Sub(order.ExecutedSize)
		}
	}

	longFlat := p.longPos == nil || p.longPos.Size.Sign() <= 0
	shortFlat := p.shortPos == nil || p.shortPos.Size.Sign() <= 0
	if longFlat && shortFlat {
		now := time.Now().UTC()
		if p.longPos != nil {
			p.longPos.Status = core.PositionClosed
			p.longPos.ClosedAt = now
		}
		if p.shortPos != nil {
			p.shortPos.Status = core.PositionClosed
			p.shortPos.ClosedAt = now
		}
		p.setState(PairClosed, reason)
		e.logger.Info("Pair closed", "plan_id", planID)
		go e.persist(context.WithoutCancel(ctx))
		return nil
	}

	// One side reduced, the other did not; reconciliation owns the rest.
	p.setState(PairReconciling, "close left a residual leg")
	e.logger.Error("Close left a residual leg",
		"plan_id", planID, "long_flat", longFlat, "short_flat", shortFlat, "error", errString(firstErr))
	go e.persist(context.WithoutCancel(ctx))
	if firstErr != nil {
		return apperrors.Wrap(apperrors.KindOf(firstErr), "close pair", firstErr)
	}
	return apperrors.Newf(apperrors.KindReconciliation, "pair %s close incomplete", planID)
}

// CloseAll unwinds every non-terminal pair, bounded by the context
// deadline. Pairs with hanging legs are skipped; recovery owns them.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	var firstErr error
	for _, p := range e.activePairs() {
		p.mu.Lock()
		id, state := p.id, p.state
		p.mu.Unlock()
		if state.Terminal() || state == PairPartial {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.Close(ctx, id, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
