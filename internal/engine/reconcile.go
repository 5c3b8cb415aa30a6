package engine

import (
	"context"
	"time"

	"funding_keeper/internal/core"

	"github.com/google/uuid"
)

// Reconcile compares the local position set against venue reality and
// adopts venue truth. Local legs the venue no longer shows are destroyed
// as ghosts; venue positions with no local record are adopted into a
// matching pending pair, and otherwise surfaced as strays (closed or
// adopted only when the config says so). Running it twice with no venue
// changes makes no further mutations.
func (e *Engine) Reconcile(ctx context.Context) error {
	truth := make(map[string][]*core.Position) // venue -> positions
	for name, venue := range e.venues {
		positions, err := venue.GetPositions(ctx)
		if err != nil {
			e.logger.Warn("Position query failed during reconcile", "venue", name, "error", err)
			return err
		}
		truth[name] = positions
	}

	matched := make(map[*core.Position]bool)
	findVenuePos := func(venueName, symbol string, side core.Side) *core.Position {
		for _, vp := range truth[venueName] {
			if !matched[vp] && vp.Symbol == symbol && vp.Side == side && vp.Size.Sign() > 0 {
				return vp
			}
		}
		return nil
	}

	var mutations int
	for _, p := range e.activePairs() {
		p.mu.Lock()
		switch p.state {
		case PairOpen, PairReconciling:
			legs := []*core.Position{p.longPos, p.shortPos}
			var alive int
			for _, leg := range legs {
				if leg == nil || leg.Status != core.PositionOpen {
					continue
				}
				vp := findVenuePos(leg.Venue, leg.Symbol, leg.Side)
				if vp == nil {
					e.logger.Warn("Ghost leg destroyed: venue shows no position",
						"plan_id", p.id, "venue", leg.Venue, "symbol", leg.Symbol, "side", leg.Side)
					leg.Status = core.PositionClosed
					leg.ClosedAt = time.Now().UTC()
					mutations++
					continue
				}
				matched[vp] = true
				alive++
				if !vp.Size.Equal(leg.Size) {
					e.logger.Warn("Leg size corrected from venue",
						"plan_id", p.id, "venue", leg.Venue, "local", leg.Size.String(), "venue_size", vp.Size.String())
					leg.Size = vp.Size
					mutations++
				}
			}
			if alive == 0 {
				p.setState(PairClosed, "both legs gone at venues")
				mutations++
			} else if alive == 1 && p.state == PairOpen {
				p.setState(PairReconciling, "one leg gone at venue")
				mutations++
			} else if alive == 2 && p.state == PairReconciling {
				p.setState(PairOpen, "both legs confirmed at venues")
				mutations++
			}

		case PairSubmitting:
			// A restart can leave a submitted pair whose fills only the venue
			// remembers; adopt them.
			longVP := findVenuePos(p.plan.LongOrder.Venue, p.plan.LongOrder.Symbol, core.SideBuy)
			shortVP := findVenuePos(p.plan.ShortOrder.Venue, p.plan.ShortOrder.Symbol, core.SideSell)
			if longVP != nil && shortVP != nil {
				matched[longVP] = true
				matched[shortVP] = true
				p.longPos = adoptPosition(p.id, longVP)
				p.shortPos = adoptPosition(p.id, shortVP)
				p.setState(PairOpen, "adopted from venue state after restart")
				e.logger.Info("Pair adopted from venue truth", "plan_id", p.id)
				mutations++
			}
		}
		p.mu.Unlock()
	}

	// Whatever remains unmatched is out-of-band.
	for venueName, positions := range truth {
		for _, vp := range positions {
			if matched[vp] || vp.Size.Sign() <= 0 {
				continue
			}
			key := venueName + ":" + vp.Symbol + ":" + string(vp.Side)
			e.mu.Lock()
			_, known := e.strays[key]
			if !known {
				cp := *vp
				cp.Venue = venueName
				e.strays[key] = &cp
			}
			e.mu.Unlock()
			if known {
				continue
			}
			mutations++
			if e.cfg.CloseUnknown {
				e.logger.Warn("Closing unknown venue position",
					"venue", venueName, "symbol", vp.Symbol, "side", vp.Side, "size", vp.Size.String())
				if _, err := e.flatten(ctx, venueName, vp.Symbol, vp.Side, vp.Size, ""); err != nil {
					e.logger.Error("Unknown-position close failed", "venue", venueName, "symbol", vp.Symbol, "error", err)
				} else {
					e.mu.Lock()
					delete(e.strays, key)
					e.mu.Unlock()
				}
			} else {
				e.logger.Warn("Unknown venue position surfaced, not touching it",
					"venue", venueName, "symbol", vp.Symbol, "side", vp.Side, "size", vp.Size.String())
			}
		}
	}

	// Drop stray records the venues no longer show.
	e.mu.Lock()
	for key, stray := range e.strays {
		still := false
		for _, vp := range truth[stray.Venue] {
			if vp.Symbol == stray.Symbol && vp.Side == stray.Side && vp.Size.Sign() > 0 {
				still = true
				break
			}
		}
		if !still {
			delete(e.strays, key)
		}
	}
	e.mu.Unlock()

	if mutations > 0 {
		e.logger.Info("Reconcile applied corrections", "mutations", mutations)
		e.persist(ctx)
	}
	return nil
}

func adoptPosition(strategyID string, vp *core.Position) *core.Position {
	cp := *vp
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.StrategyID = strategyID
	cp.Status = core.PositionOpen
	if cp.OpenedAt.IsZero() {
		cp.OpenedAt = time.Now().UTC()
	}
	return &cp
}
