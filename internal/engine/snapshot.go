package engine

import (
	"sort"
	"time"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
)

// PairSnapshot is a read-only copy of one pair's state.
type PairSnapshot struct {
	PlanID      string
	Symbol      string
	Strategy    core.StrategyType
	State       PairState
	LongVenue   string
	ShortVenue  string
	NotionalUSD decimal.Decimal
	ExpectedAPR core.APR
	ScanID      uint64
	LongPos     *core.Position
	ShortPos    *core.Position
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Open reports whether both legs are live.
func (s *PairSnapshot) Open() bool {
	return s.State == PairOpen
}

// Snapshot is the engine state handed to the scheduler and diagnostics.
// Everything in it is copied; holders never see later mutations.
type Snapshot struct {
	Pairs     []PairSnapshot
	Incidents []core.SingleLegIncident
	Strays    []core.Position
}

// OpenPairs returns the subset of pairs with both legs live.
func (s *Snapshot) OpenPairs() []PairSnapshot {
	var out []PairSnapshot
	for _, p := range s.Pairs {
		if p.Open() {
			out = append(out, p)
		}
	}
	return out
}

// InFlight reports how many pairs are between submission and settlement.
func (s *Snapshot) InFlight() int {
	var n int
	for _, p := range s.Pairs {
		if p.State == PairSubmitting || p.State == PairPartial {
			n++
		}
	}
	return n
}

// Snapshot copies the current engine state. Sorted by plan id for
// deterministic consumption.
func (e *Engine) Snapshot() *Snapshot {
	snap := &Snapshot{}
	for _, p := range e.activePairs() {
		p.mu.Lock()
		ps := PairSnapshot{
			PlanID:      p.id,
			Symbol:      p.plan.Opportunity.Symbol,
			Strategy:    p.plan.Opportunity.Strategy,
			State:       p.state,
			LongVenue:   p.plan.LongOrder.Venue,
			ShortVenue:  p.plan.ShortOrder.Venue,
			NotionalUSD: p.plan.NotionalUSD,
			ExpectedAPR: p.plan.Opportunity.ExpectedAPR,
			ScanID:      p.plan.Opportunity.ScanID,
			Reason:      p.reason,
			CreatedAt:   p.plan.CreatedAt,
			UpdatedAt:   p.updatedAt,
		}
		if p.longPos != nil {
			cp := *p.longPos
			ps.LongPos = &cp
		}
		if p.shortPos != nil {
			cp := *p.shortPos
			ps.ShortPos = &cp
		}
		snap.Pairs = append(snap.Pairs, ps)
		p.mu.Unlock()
	}
	sort.Slice(snap.Pairs, func(i, j int) bool { return snap.Pairs[i].PlanID < snap.Pairs[j].PlanID })

	e.mu.RLock()
	for _, inc := range e.incidents {
		snap.Incidents = append(snap.Incidents, *inc)
	}
	for _, stray := range e.strays {
		snap.Strays = append(snap.Strays, *stray)
	}
	e.mu.RUnlock()
	sort.Slice(snap.Incidents, func(i, j int) bool { return snap.Incidents[i].ID < snap.Incidents[j].ID })
	sort.Slice(snap.Strays, func(i, j int) bool {
		return snap.Strays[i].Venue+snap.Strays[i].Symbol < snap.Strays[j].Venue+snap.Strays[j].Symbol
	})
	return snap
}

// HasActivePair reports whether any non-terminal pair trades the symbol on
// either venue. The scan loop uses it to avoid stacking duplicate exposure.
func (e *Engine) HasActivePair(symbol string) bool {
	for _, p := range e.activePairs() {
		p.mu.Lock()
		match := !p.state.Terminal() && p.plan.Opportunity.Symbol == symbol
		p.mu.Unlock()
		if match {
			return true
		}
	}
	return false
}

// PruneTerminal drops terminal pairs older than keep and resolved
// incidents with them. Keeps the maps from growing without bound.
func (e *Engine) PruneTerminal(keep time.Duration) int {
	cutoff := time.Now().Add(-keep)

	// Pair locks are never taken under the map lock.
	var drop []string
	for _, p := range e.activePairs() {
		p.mu.Lock()
		if p.state.Terminal() && p.updatedAt.Before(cutoff) {
			drop = append(drop, p.id)
		}
		p.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := len(drop)
	for _, id := range drop {
		delete(e.pairs, id)
	}
	for id, inc := range e.incidents {
		if inc.Resolved() && inc.ResolvedAt.Before(cutoff) {
			delete(e.incidents, id)
			pruned++
		}
	}
	return pruned
}
