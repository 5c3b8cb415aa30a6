// Package engine owns the position set. Every mutation of a pair flows
// through one of its operations; transitions of a single pair are
// serialized, distinct pairs proceed in parallel. Readers get copies.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// PairState is the lifecycle state of a two-leg position pair.
type PairState string

const (
	PairSubmitting  PairState = "submitting"
	PairPartial     PairState = "partial"
	PairOpen        PairState = "open"
	PairClosing     PairState = "closing"
	PairClosed      PairState = "closed"
	PairReconciling PairState = "reconciling"
	PairFailed      PairState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s PairState) Terminal() bool {
	return s == PairClosed || s == PairFailed
}

// Config tunes the engine.
type Config struct {
	PartialFillTimeout time.Duration   // lagging-leg grace, default 60s
	RateLimitBackoff   time.Duration   // fallback when the venue states none, default 1s
	DriftLimit         decimal.Decimal // |long-short|/avg tolerance, default 0.02
	AdoptUnknown       bool            // adopt venue positions with no local record
	CloseUnknown       bool            // flatten venue positions with no local record
}

func (c Config) withDefaults() Config {
	if c.PartialFillTimeout <= 0 {
		c.PartialFillTimeout = 60 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = time.Second
	}
	if c.DriftLimit.Sign() <= 0 {
		c.DriftLimit = decimal.RequireFromString("0.02")
	}
	return c
}

// pair is the engine-internal record of one two-leg position. mu serializes
// every transition; the engine map lock is never held across venue calls.
type pair struct {
	mu sync.Mutex

	id    string
	plan  *core.ExecutionPlan
	state PairState

	longOrder  *core.Order
	shortOrder *core.Order
	longPos    *core.Position
	shortPos   *core.Position

	partialDeadline time.Time
	partialTimer    *time.Timer
	reason          string
	updatedAt       time.Time
}

func (p *pair) setState(s PairState, reason string) {
	p.state = s
	if reason != "" {
		p.reason = reason
	}
	p.updatedAt = time.Now().UTC()
}

// Engine drives pair lifecycles against venue adapters and persists every
// settled transition.
type Engine struct {
	cfg    Config
	venues map[string]core.IVenue
	store  core.IStateStore
	logger core.ILogger

	mu        sync.RWMutex
	pairs     map[string]*pair
	incidents map[string]*core.SingleLegIncident
	strays    map[string]*core.Position // venue:symbol, surfaced only

	latestScan atomic.Uint64
	closed     atomic.Bool
}

// New wires an engine. store may be nil; persistence is then skipped.
func New(cfg Config, venues map[string]core.IVenue, store core.IStateStore, logger core.ILogger) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		venues:    venues,
		store:     store,
		logger:    logger.WithField("component", "engine"),
		pairs:     make(map[string]*pair),
		incidents: make(map[string]*core.SingleLegIncident),
		strays:    make(map[string]*core.Position),
	}
}

// NoteScan records the newest completed scan id. Plans built from older
// scans are rejected at submit.
func (e *Engine) NoteScan(scanID uint64) {
	for {
		cur := e.latestScan.Load()
		if scanID <= cur || e.latestScan.CompareAndSwap(cur, scanID) {
			return
		}
	}
}

// Stop halts pending partial timers. Open positions are left to CloseAll.
func (e *Engine) Stop() {
	e.closed.Store(true)
	for _, p := range e.activePairs() {
		p.mu.Lock()
		if p.partialTimer != nil {
			p.partialTimer.Stop()
			p.partialTimer = nil
		}
		p.mu.Unlock()
	}
}

// Restore rebuilds the pair set from the persisted snapshot. Pairs with two
// open positions come back open; pairs with a plan but no settled positions
// come back submitting and are re-verified before anything new is accepted.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	state, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindFatal, "load snapshot", err)
	}
	if state == nil {
		return nil
	}

	byPlan := make(map[string][]*core.Position)
	for _, pos := range state.Positions {
		byPlan[pos.StrategyID] = append(byPlan[pos.StrategyID], pos)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, plan := range state.Plans {
		p := &pair{id: plan.ID, plan: plan, state: PairSubmitting, updatedAt: time.Now().UTC()}
		for _, pos := range byPlan[plan.ID] {
			switch pos.Venue {
			case plan.LongOrder.Venue:
				p.longPos = pos
			case plan.ShortOrder.Venue:
				p.shortPos = pos
			}
		}
		if p.longPos != nil && p.shortPos != nil &&
			p.longPos.Status == core.PositionOpen && p.shortPos.Status == core.PositionOpen {
			p.state = PairOpen
		}
		e.pairs[plan.ID] = p
	}
	for _, inc := range state.Incidents {
		e.incidents[inc.ID] = inc
	}

	e.logger.Info("Restored engine state",
		"pairs", len(state.Plans), "positions", len(state.Positions), "incidents", len(state.Incidents))
	return nil
}

func (e *Engine) venueFor(name string) (core.IVenue, error) {
	v, ok := e.venues[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInvalidRequest, "no adapter for venue %s", name)
	}
	return v, nil
}

func (e *Engine) pairByID(id string) (*pair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pairs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "pair %s not found", id)
	}
	return p, nil
}

// placeLeg submits one order, honoring a rate-limit backoff with a single
// retry. Any other failure is returned untouched.
func (e *Engine) placeLeg(ctx context.Context, venue core.IVenue, req *core.OrderRequest) (*core.Order, error) {
	order, err := venue.PlaceOrder(ctx, req)
	if err == nil || !apperrors.Is(err, apperrors.KindRateLimited) {
		return order, err
	}

	backoff := apperrors.RetryAfterOf(err)
	if backoff <= 0 {
		backoff = e.cfg.RateLimitBackoff
	}
	e.logger.Warn("Leg rate limited, retrying once",
		"venue", venue.GetName(), "symbol", req.Symbol, "backoff", backoff.String())

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(backoff):
	}
	return venue.PlaceOrder(ctx, req)
}

// flatten market-reduces an exposed leg back to zero. The client order id is
// derived from the original leg so venue-side dedup absorbs retries.
func (e *Engine) flatten(ctx context.Context, venueName, symbol string, side core.Side, size decimal.Decimal, clientOrderID string) (*core.Order, error) {
	venue, err := e.venueFor(venueName)
	if err != nil {
		return nil, err
	}
	opposite := core.SideSell
	if side == core.SideSell {
		opposite = core.SideBuy
	}
	return e.placeLeg(ctx, venue, &core.OrderRequest{
		Symbol:        symbol,
		Side:          opposite,
		Type:          core.OrderTypeMarket,
		Size:          size,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID,
	})
}

// cancelQuietly cancels an order, tolerating races where it already reached
// a terminal state or vanished.
func (e *Engine) cancelQuietly(ctx context.Context, venueName, symbol, orderID string) {
	venue, err := e.venueFor(venueName)
	if err != nil {
		return
	}
	if err := venue.CancelOrder(ctx, symbol, orderID); err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) || apperrors.Is(err, apperrors.KindInvalidRequest) {
			return
		}
		e.logger.Warn("Cancel failed", "venue", venueName, "symbol", symbol, "order_id", orderID, "error", err)
	}
}

func filled(o *core.Order) bool {
	return o != nil && (o.Status == core.OrderStatusFilled ||
		(o.Status == core.OrderStatusPartiallyFilled && o.ExecutedSize.Sign() > 0))
}

func failedTerminal(o *core.Order) bool {
	return o != nil && o.Status.IsTerminal() && o.Status != core.OrderStatusFilled && o.ExecutedSize.Sign() <= 0
}

// persist writes the current snapshot. Callers must not hold any pair lock.
func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	state := e.keeperState()
	if err := e.store.SaveSnapshot(ctx, state); err != nil {
		e.logger.Error("Persist failed", "error", err)
	}
}

func (e *Engine) keeperState() *core.KeeperState {
	e.mu.RLock()
	pairs := make([]*pair, 0, len(e.pairs))
	for _, p := range e.pairs {
		pairs = append(pairs, p)
	}
	incidents := make([]*core.SingleLegIncident, 0, len(e.incidents))
	for _, inc := range e.incidents {
		cp := *inc
		incidents = append(incidents, &cp)
	}
	e.mu.RUnlock()

	state := &core.KeeperState{
		Version:   core.StateSchemaVersion,
		Incidents: incidents,
		SavedAt:   time.Now().UTC(),
	}
	for _, p := range pairs {
		p.mu.Lock()
		if !p.state.Terminal() {
			planCopy := *p.plan
			state.Plans = append(state.Plans, &planCopy)
		}
		for _, pos := range []*core.Position{p.longPos, p.shortPos} {
			if pos != nil && pos.Status == core.PositionOpen {
				cp := *pos
				state.Positions = append(state.Positions, &cp)
			}
		}
		p.mu.Unlock()
	}
	return state
}
