package engine

import (
	"context"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Submit registers the plan and places both legs concurrently. On return the
// pair is open (both legs filled), submitting (legs resting), partial (one
// leg exposed, recovery armed), or failed. Plans from a scan older than the
// newest completed one are rejected before any order leaves.
func (e *Engine) Submit(ctx context.Context, plan *core.ExecutionPlan) error {
	if e.closed.Load() {
		return apperrors.Wrap(apperrors.KindInvalidRequest, "submit", apperrors.ErrShuttingDown)
	}
	if latest := e.latestScan.Load(); plan.Opportunity.ScanID < latest {
		return apperrors.Newf(apperrors.KindInvalidRequest,
			"plan %s from scan %d is stale, newest is %d", plan.ID, plan.Opportunity.ScanID, latest).
			WithSymbol(plan.Opportunity.Symbol)
	}

	longVenue, err := e.venueFor(plan.LongOrder.Venue)
	if err != nil {
		return err
	}
	shortVenue, err := e.venueFor(plan.ShortOrder.Venue)
	if err != nil {
		return err
	}

	p := &pair{id: plan.ID, plan: plan}
	p.setState(PairSubmitting, "")

	e.mu.Lock()
	if _, exists := e.pairs[plan.ID]; exists {
		e.mu.Unlock()
		return apperrors.Newf(apperrors.KindInvalidRequest, "plan %s already submitted", plan.ID)
	}
	e.pairs[plan.ID] = p
	e.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	var longOrder, shortOrder *core.Order
	var longErr, shortErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		longOrder, longErr = e.placeLeg(gctx, longVenue, plan.LongOrder.Request())
		return nil
	})
	g.Go(func() error {
		shortOrder, shortErr = e.placeLeg(gctx, shortVenue, plan.ShortOrder.Request())
		return nil
	})
	_ = g.Wait()

	p.longOrder = longOrder
	p.shortOrder = shortOrder

	longDown := longErr != nil || failedTerminal(longOrder)
	shortDown := shortErr != nil || failedTerminal(shortOrder)

	switch {
	case longDown && shortDown:
		p.setState(PairFailed, firstError(longErr, shortErr))
		e.logger.Warn("Both legs failed, no exposure",
			"plan_id", plan.ID, "long_error", errString(longErr), "short_error", errString(shortErr))

	case longDown && filled(shortOrder):
		e.resolveExposedLocked(ctx, p, plan.ShortOrder.Venue, plan.LongOrder.Venue, shortOrder,
			"long leg failed: "+firstError(longErr, "rejected"))

	case shortDown && filled(longOrder):
		e.resolveExposedLocked(ctx, p, plan.LongOrder.Venue, plan.ShortOrder.Venue, longOrder,
			"short leg failed: "+firstError(shortErr, "rejected"))

	case longDown || shortDown:
		// The surviving leg is resting, nothing filled: cancel it and bail.
		resting, venueName := longOrder, plan.LongOrder.Venue
		if longDown {
			resting, venueName = shortOrder, plan.ShortOrder.Venue
		}
		if resting != nil {
			e.cancelQuietly(ctx, venueName, resting.Symbol, resting.OrderID)
		}
		p.setState(PairFailed, firstError(longErr, firstError(shortErr, "leg rejected")))

	case filled(longOrder) && filled(shortOrder):
		e.promoteOpenLocked(p)

	case filled(longOrder) || filled(shortOrder):
		e.armPartialLocked(p)

	default:
		// Both legs resting as makers; VerifyFills owns promotion.
	}

	go e.persist(context.WithoutCancel(ctx))
	return nil
}

// promoteOpenLocked turns two filled legs into an open position pair. Caller
// holds p.mu.
func (e *Engine) promoteOpenLocked(p *pair) {
	now := time.Now().UTC()
	p.longPos = positionFromFill(p.plan.ID, p.longOrder)
	p.shortPos = positionFromFill(p.plan.ID, p.shortOrder)
	p.longPos.OpenedAt = now
	p.shortPos.OpenedAt = now
	p.setState(PairOpen, "")

	drift := legDrift(p.longPos.Size, p.shortPos.Size)
	fields := []interface{}{
		"plan_id", p.id,
		"symbol", p.plan.Opportunity.Symbol,
		"long_venue", p.longPos.Venue,
		"short_venue", p.shortPos.Venue,
		"size_long", p.longPos.Size.String(),
		"size_short", p.shortPos.Size.String(),
	}
	if drift.GreaterThan(e.cfg.DriftLimit) {
		e.logger.Warn("Pair open with leg drift above limit", append(fields, "drift", drift.String())...)
	} else {
		e.logger.Info("Pair open", fields...)
	}
}

// armPartialLocked starts the bounded recovery timer for a pair with exactly
// one filled leg. Caller holds p.mu.
func (e *Engine) armPartialLocked(p *pair) {
	p.setState(PairPartial, "one leg filled, polling the lagging side")
	p.partialDeadline = time.Now().Add(e.cfg.PartialFillTimeout)
	planID := p.id
	p.partialTimer = time.AfterFunc(e.cfg.PartialFillTimeout, func() {
		if e.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.settlePartial(ctx, planID); err != nil {
			e.logger.Error("Partial settlement failed", "plan_id", planID, "error", err)
		}
	})
	e.logger.Warn("Single leg filled, recovery armed",
		"plan_id", p.id, "deadline", p.partialDeadline.Format(time.RFC3339))
}

// settlePartial re-polls the lagging leg once the grace period elapsed and,
// if it is still unfilled, cancels it and flattens the filled side.
func (e *Engine) settlePartial(ctx context.Context, planID string) error {
	p, err := e.pairByID(planID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PairPartial {
		return nil
	}

	filledOrder, laggingOrder := p.longOrder, p.shortOrder
	filledVenue, laggingVenue := p.plan.LongOrder.Venue, p.plan.ShortOrder.Venue
	if filled(p.shortOrder) && !filled(p.longOrder) {
		filledOrder, laggingOrder = p.shortOrder, p.longOrder
		filledVenue, laggingVenue = p.plan.ShortOrder.Venue, p.plan.LongOrder.Venue
	}

	if laggingOrder != nil {
		venue, verr := e.venueFor(laggingVenue)
		if verr == nil {
			if latest, qerr := venue.GetOrder(ctx, laggingOrder.Symbol, laggingOrder.OrderID, laggingOrder.ClientOrderID); qerr == nil {
				if p.longOrder == laggingOrder {
					p.longOrder = latest
				} else {
					p.shortOrder = latest
				}
				laggingOrder = latest
			}
		}
	}
	if filled(p.longOrder) && filled(p.shortOrder) {
		if p.partialTimer != nil {
			p.partialTimer.Stop()
			p.partialTimer = nil
		}
		e.promoteOpenLocked(p)
		go e.persist(context.WithoutCancel(ctx))
		return nil
	}

	if laggingOrder != nil && !laggingOrder.Status.IsTerminal() {
		e.cancelQuietly(ctx, laggingVenue, laggingOrder.Symbol, laggingOrder.OrderID)
	}
	e.resolveExposedLocked(ctx, p, filledVenue, laggingVenue, filledOrder, "lagging leg unfilled past deadline")
	go e.persist(context.WithoutCancel(ctx))
	return nil
}

// resolveExposedLocked flattens the filled leg of a half-done pair and
// records the incident. Caller holds p.mu.
func (e *Engine) resolveExposedLocked(ctx context.Context, p *pair, filledVenue, hangingVenue string, filledOrder *core.Order, reason string) {
	if p.partialTimer != nil {
		p.partialTimer.Stop()
		p.partialTimer = nil
	}

	inc := &core.SingleLegIncident{
		ID:           uuid.NewString(),
		PlanID:       p.id,
		Symbol:       p.plan.Opportunity.Symbol,
		FilledVenue:  filledVenue,
		FilledSide:   filledOrder.Side,
		FilledSize:   filledOrder.ExecutedSize,
		HangingVenue: hangingVenue,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := e.flatten(ctx, filledVenue, filledOrder.Symbol, filledOrder.Side, filledOrder.ExecutedSize, "flat-"+inc.ID[:8])
	if err == nil {
		inc.ResolvedAt = time.Now().UTC()
		inc.Resolution = "filled leg market-reduced to flat"
		p.setState(PairFailed, reason)
	} else {
		// Still exposed; the retry loop owns the incident from here.
		p.setState(PairFailed, reason+"; flatten failed: "+err.Error())
		e.logger.Error("Flatten of exposed leg failed",
			"plan_id", p.id, "venue", filledVenue, "symbol", filledOrder.Symbol, "error", err)
	}

	e.mu.Lock()
	e.incidents[inc.ID] = inc
	e.mu.Unlock()

	e.logger.Warn("Single-leg incident recorded",
		"incident_id", inc.ID, "plan_id", p.id, "filled_venue", filledVenue,
		"hanging_venue", hangingVenue, "resolved", inc.Resolved(), "reason", reason)
}

func positionFromFill(strategyID string, order *core.Order) *core.Position {
	entry := order.AvgFillPrice
	if entry.IsZero() {
		entry = order.Price
	}
	return &core.Position{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Venue:      order.Venue,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Size:       order.ExecutedSize,
		EntryPrice: entry,
		Status:     core.PositionOpen,
	}
}

func firstError(err error, fallback ...interface{}) string {
	if err != nil {
		return err.Error()
	}
	for _, f := range fallback {
		switch v := f.(type) {
		case error:
			if v != nil {
				return v.Error()
			}
		case string:
			if v != "" {
				return v
			}
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
