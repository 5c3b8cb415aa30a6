// Package venue builds the adapter set from configuration and wraps every
// adapter in a guard that enforces the venue's API weight budget, trips a
// circuit breaker on repeated failures, serializes in-flight requests, and
// caches the hottest read paths.
package venue

import (
	"context"
	"sync"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/shopspring/decimal"
)

// Request weights mirror the typical exchange schedule: account-wide
// queries cost more than single-symbol reads.
const (
	weightMarkPrice    = 1
	weightBook         = 2
	weightFunding      = 1
	weightOpenInterest = 1
	weightPlaceOrder   = 1
	weightCancel       = 1
	weightCancelAll    = 2
	weightGetOrder     = 2
	weightOpenOrders   = 3
	weightPositions    = 5
	weightBalance      = 5
	weightPayments     = 10
	weightHealth       = 1
)

// GuardConfig tunes one venue guard.
type GuardConfig struct {
	WeightPerMinute int           // venue budget, default 1200
	CallTimeout     time.Duration // per-operation deadline, default 30s
	MarkTTL         time.Duration // mark-price cache, default 5s
	BalanceTTL      time.Duration // balance cache, default 30s
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.WeightPerMinute <= 0 {
		c.WeightPerMinute = 1200
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MarkTTL <= 0 {
		c.MarkTTL = 5 * time.Second
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = 30 * time.Second
	}
	return c
}

type cachedPrice struct {
	value decimal.Decimal
	at    time.Time
}

// weightEntry is one admitted request still inside the window.
type weightEntry struct {
	at     time.Time
	weight int
}

// weightWindow caps the total declared weight admitted inside any rolling
// 60-second window. Admitted entries age out as the window slides; a
// request that would push the window sum past the budget is rejected
// together with the wait until enough weight expires to fit it.
type weightWindow struct {
	mu      sync.Mutex
	budget  int
	used    int
	entries []weightEntry
	now     func() time.Time // swapped in tests
}

func newWeightWindow(budget int) *weightWindow {
	return &weightWindow{budget: budget, now: time.Now}
}

func (w *weightWindow) take(weight int) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-time.Minute)
	for len(w.entries) > 0 && !w.entries[0].at.After(cutoff) {
		w.used -= w.entries[0].weight
		w.entries = w.entries[1:]
	}

	if w.used+weight > w.budget {
		need := w.used + weight - w.budget
		freed := 0
		for _, e := range w.entries {
			freed += e.weight
			if freed >= need {
				return false, e.at.Add(time.Minute).Sub(now)
			}
		}
		// weight alone exceeds the budget; an empty window will not help.
		return false, time.Minute
	}

	w.entries = append(w.entries, weightEntry{at: now, weight: weight})
	w.used += weight
	return true, 0
}

// Guard wraps a venue adapter. One request is in flight at a time, every
// call declares its weight against a rolling 60-second window, and a call
// that would exceed the venue budget fails fast with a back-pressure error
// instead of queuing.
type Guard struct {
	inner   core.IVenue
	cfg     GuardConfig
	window  *weightWindow
	breaker circuitbreaker.CircuitBreaker[any]
	slot    chan struct{}
	logger  core.ILogger

	cacheMu   sync.Mutex
	marks     map[string]cachedPrice
	balance   *cachedPrice
	equityVal *cachedPrice
}

// NewGuard wraps the adapter. The weight admitted to the venue inside any
// 60-second window never exceeds WeightPerMinute.
func NewGuard(inner core.IVenue, cfg GuardConfig, logger core.ILogger) *Guard {
	cfg = cfg.withDefaults()
	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && apperrors.IsRetryable(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Guard{
		inner:   inner,
		cfg:     cfg,
		window:  newWeightWindow(cfg.WeightPerMinute),
		breaker: breaker,
		slot:    make(chan struct{}, 1),
		logger:  logger.WithField("venue", inner.GetName()),
		marks:   make(map[string]cachedPrice),
	}
}

// call runs fn under the budget, the breaker, the serialization slot and
// the per-operation deadline.
func (g *Guard) call(ctx context.Context, op string, weight int, fn func(ctx context.Context) error) error {
	if ok, wait := g.window.take(weight); !ok {
		return apperrors.Wrap(apperrors.KindRateLimited, op, apperrors.ErrBudgetExhausted).
			WithVenue(g.inner.GetName()).
			WithRetryAfter(wait)
	}

	if !g.breaker.TryAcquirePermit() {
		return apperrors.Newf(apperrors.KindNetwork, "%s: circuit open", op).
			WithVenue(g.inner.GetName()).
			WithRetryAfter(g.breaker.RemainingDelay())
	}

	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		g.breaker.RecordSuccess()
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	opCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := fn(opCtx)
	if err != nil && apperrors.IsRetryable(err) {
		g.breaker.RecordFailure()
	} else {
		g.breaker.RecordSuccess()
	}
	return err
}

// --- identity passthrough ---

func (g *Guard) GetName() string { return g.inner.GetName() }

func (g *Guard) Kind() core.VenueKind { return g.inner.Kind() }

func (g *Guard) FundingConvention() core.FundingConvention { return g.inner.FundingConvention() }

func (g *Guard) CheckHealth(ctx context.Context) error {
	return g.call(ctx, "check_health", weightHealth, func(ctx context.Context) error {
		return g.inner.CheckHealth(ctx)
	})
}

// --- market data ---

func (g *Guard) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.cacheMu.Lock()
	if c, ok := g.marks[symbol]; ok && time.Since(c.at) < g.cfg.MarkTTL {
		g.cacheMu.Unlock()
		return c.value, nil
	}
	g.cacheMu.Unlock()

	var mark decimal.Decimal
	err := g.call(ctx, "get_mark_price", weightMarkPrice, func(ctx context.Context) error {
		var err error
		mark, err = g.inner.GetMarkPrice(ctx, symbol)
		return err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	g.cacheMu.Lock()
	g.marks[symbol] = cachedPrice{value: mark, at: time.Now()}
	g.cacheMu.Unlock()
	return mark, nil
}

func (g *Guard) GetBestBidAsk(ctx context.Context, symbol string) (core.BookTop, error) {
	var book core.BookTop
	err := g.call(ctx, "get_book", weightBook, func(ctx context.Context) error {
		var err error
		book, err = g.inner.GetBestBidAsk(ctx, symbol)
		return err
	})
	return book, err
}

func (g *Guard) GetFundingRate(ctx context.Context, symbol string) (*core.FundingSnapshot, error) {
	var snap *core.FundingSnapshot
	err := g.call(ctx, "get_funding", weightFunding, func(ctx context.Context) error {
		var err error
		snap, err = g.inner.GetFundingRate(ctx, symbol)
		return err
	})
	return snap, err
}

func (g *Guard) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var oi decimal.Decimal
	err := g.call(ctx, "get_open_interest", weightOpenInterest, func(ctx context.Context) error {
		var err error
		oi, err = g.inner.GetOpenInterest(ctx, symbol)
		return err
	})
	return oi, err
}

// --- orders ---

func (g *Guard) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	var order *core.Order
	err := g.call(ctx, "place_order", weightPlaceOrder, func(ctx context.Context) error {
		var err error
		order, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	if err == nil {
		g.invalidateBalance()
	}
	return order, err
}

func (g *Guard) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.call(ctx, "cancel_order", weightCancel, func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (g *Guard) CancelAll(ctx context.Context, symbol string) error {
	return g.call(ctx, "cancel_all", weightCancelAll, func(ctx context.Context) error {
		return g.inner.CancelAll(ctx, symbol)
	})
}

func (g *Guard) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	var order *core.Order
	err := g.call(ctx, "get_order", weightGetOrder, func(ctx context.Context) error {
		var err error
		order, err = g.inner.GetOrder(ctx, symbol, orderID, clientOrderID)
		return err
	})
	return order, err
}

func (g *Guard) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	var orders []*core.Order
	err := g.call(ctx, "get_open_orders", weightOpenOrders, func(ctx context.Context) error {
		var err error
		orders, err = g.inner.GetOpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}

// --- account ---

func (g *Guard) GetPositions(ctx context.Context) ([]*core.Position, error) {
	var positions []*core.Position
	err := g.call(ctx, "get_positions", weightPositions, func(ctx context.Context) error {
		var err error
		positions, err = g.inner.GetPositions(ctx)
		return err
	})
	return positions, err
}

func (g *Guard) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	g.cacheMu.Lock()
	if g.balance != nil && time.Since(g.balance.at) < g.cfg.BalanceTTL {
		val := g.balance.value
		g.cacheMu.Unlock()
		return val, nil
	}
	g.cacheMu.Unlock()

	var bal decimal.Decimal
	err := g.call(ctx, "get_balance", weightBalance, func(ctx context.Context) error {
		var err error
		bal, err = g.inner.GetBalance(ctx)
		return err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	g.cacheMu.Lock()
	g.balance = &cachedPrice{value: bal, at: time.Now()}
	g.cacheMu.Unlock()
	return bal, nil
}

func (g *Guard) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	g.cacheMu.Lock()
	if g.equityVal != nil && time.Since(g.equityVal.at) < g.cfg.BalanceTTL {
		val := g.equityVal.value
		g.cacheMu.Unlock()
		return val, nil
	}
	g.cacheMu.Unlock()

	var eq decimal.Decimal
	err := g.call(ctx, "get_equity", weightBalance, func(ctx context.Context) error {
		var err error
		eq, err = g.inner.GetEquity(ctx)
		return err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	g.cacheMu.Lock()
	g.equityVal = &cachedPrice{value: eq, at: time.Now()}
	g.cacheMu.Unlock()
	return eq, nil
}

func (g *Guard) GetFundingPayments(ctx context.Context, from, to time.Time) ([]*core.Payment, error) {
	var payments []*core.Payment
	err := g.call(ctx, "get_funding_payments", weightPayments, func(ctx context.Context) error {
		var err error
		payments, err = g.inner.GetFundingPayments(ctx, from, to)
		return err
	})
	return payments, err
}

func (g *Guard) invalidateBalance() {
	g.cacheMu.Lock()
	g.balance = nil
	g.equityVal = nil
	g.cacheMu.Unlock()
}

// --- streams bypass the budget; they cost no request weight ---

func (g *Guard) StartFundingStream(ctx context.Context, symbols []string, cb func(*core.FundingSnapshot)) error {
	return g.inner.StartFundingStream(ctx, symbols, cb)
}

func (g *Guard) StopFundingStream() error {
	return g.inner.StopFundingStream()
}
