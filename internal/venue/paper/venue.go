// Package paper provides an in-memory venue with scriptable market state.
// It backs dry-run mode and the test suites; fills are deterministic and
// every failure mode is injectable.
package paper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
)

// Venue implements core.IVenue against in-memory state.
type Venue struct {
	name string
	kind core.VenueKind
	conv core.FundingConvention

	mu             sync.RWMutex
	orders         map[string]*core.Order
	clientOrderIDs map[string]string
	orderSeq       int64
	netSize        map[string]decimal.Decimal // signed, per symbol
	entryPrice     map[string]decimal.Decimal
	marks          map[string]decimal.Decimal
	books          map[string]core.BookTop
	funding        map[string]*core.FundingSnapshot
	openInterest   map[string]decimal.Decimal
	balance        decimal.Decimal
	equity         decimal.Decimal
	payments       []*core.Payment
	fillLimits     bool
	failures       map[string][]error

	streamMu sync.Mutex
	streamCb func(*core.FundingSnapshot)
}

type Option func(*Venue)

func WithKind(kind core.VenueKind) Option {
	return func(v *Venue) { v.kind = kind }
}

func WithConvention(conv core.FundingConvention) Option {
	return func(v *Venue) { v.conv = conv }
}

// WithImmediateFills makes resting limit orders fill at their own price on
// placement. Engine tests that exercise the partial-fill path leave this off.
func WithImmediateFills() Option {
	return func(v *Venue) { v.fillLimits = true }
}

func New(name string, opts ...Option) *Venue {
	v := &Venue{
		name:           name,
		kind:           core.VenuePerp,
		conv:           core.LongsPayWhenPositive,
		orders:         make(map[string]*core.Order),
		clientOrderIDs: make(map[string]string),
		orderSeq:       1000,
		netSize:        make(map[string]decimal.Decimal),
		entryPrice:     make(map[string]decimal.Decimal),
		marks:          make(map[string]decimal.Decimal),
		books:          make(map[string]core.BookTop),
		funding:        make(map[string]*core.FundingSnapshot),
		openInterest:   make(map[string]decimal.Decimal),
		balance:        decimal.NewFromInt(10000),
		failures:       make(map[string][]error),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// --- scripting hooks ---

func (v *Venue) SetMark(symbol string, mark decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = mark
}

func (v *Venue) SetBook(symbol string, book core.BookTop) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[symbol] = book
}

// SetFunding scripts the venue's current funding state for a symbol. Mark
// and open interest default from previously scripted values.
func (v *Venue) SetFunding(symbol string, rate decimal.Decimal, intervalsPerDay int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding[symbol] = &core.FundingSnapshot{
		Venue:           v.name,
		Symbol:          symbol,
		Rate:            core.NewRate(rate),
		IntervalsPerDay: intervalsPerDay,
		MarkPrice:       v.marks[symbol],
		OpenInterestUSD: v.openInterest[symbol],
		NextFundingTime: time.Now().Add(time.Hour),
		Timestamp:       time.Now(),
	}
}

func (v *Venue) SetOpenInterest(symbol string, oi decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openInterest[symbol] = oi
	if f, ok := v.funding[symbol]; ok {
		f.OpenInterestUSD = oi
	}
}

func (v *Venue) SetBalance(balance decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = balance
}

func (v *Venue) SetEquity(equity decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.equity = equity
}

// SetPosition overrides the venue-side net position for a symbol.
func (v *Venue) SetPosition(symbol string, signedSize, entryPrice decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.netSize[symbol] = signedSize
	v.entryPrice[symbol] = entryPrice
}

func (v *Venue) AddPayment(p *core.Payment) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.payments = append(v.payments, p)
}

// InjectError queues err for the next call of the named operation:
// place_order, cancel_order, get_order, get_funding, get_mark, get_book,
// get_balance, get_positions, health.
func (v *Venue) InjectError(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = append(v.failures[op], err)
}

func (v *Venue) popFailure(op string) error {
	q := v.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	v.failures[op] = q[1:]
	return err
}

// --- identity ---

func (v *Venue) GetName() string { return v.name }

func (v *Venue) Kind() core.VenueKind { return v.kind }

func (v *Venue) FundingConvention() core.FundingConvention { return v.conv }

func (v *Venue) CheckHealth(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.popFailure("health")
}

// --- market data ---

func (v *Venue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("get_mark"); err != nil {
		return decimal.Zero, err
	}
	mark, ok := v.marks[symbol]
	if !ok {
		return decimal.Zero, apperrors.Newf(apperrors.KindNotFound, "no mark for %s", symbol)
	}
	return mark, nil
}

func (v *Venue) GetBestBidAsk(ctx context.Context, symbol string) (core.BookTop, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("get_book"); err != nil {
		return core.BookTop{}, err
	}
	if book, ok := v.books[symbol]; ok {
		return book, nil
	}
	mark, ok := v.marks[symbol]
	if !ok {
		return core.BookTop{}, apperrors.Newf(apperrors.KindNotFound, "no book for %s", symbol)
	}
	half := mark.Mul(decimal.RequireFromString("0.0005"))
	return core.BookTop{Bid: mark.Sub(half), Ask: mark.Add(half)}, nil
}

func (v *Venue) GetFundingRate(ctx context.Context, symbol string) (*core.FundingSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("get_funding"); err != nil {
		return nil, err
	}
	f, ok := v.funding[symbol]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "no funding for %s", symbol)
	}
	snap := *f
	snap.Timestamp = time.Now()
	return &snap, nil
}

func (v *Venue) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.openInterest[symbol], nil
}

// --- orders ---

func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("place_order"); err != nil {
		return nil, err
	}

	if req.ClientOrderID != "" {
		if id, ok := v.clientOrderIDs[req.ClientOrderID]; ok {
			if existing, ok := v.orders[id]; ok {
				cp := *existing
				return &cp, nil
			}
		}
	}

	v.orderSeq++
	now := time.Now()
	order := &core.Order{
		OrderID:       strconv.FormatInt(v.orderSeq, 10),
		ClientOrderID: req.ClientOrderID,
		Venue:         v.name,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Size:          req.Size,
		Status:        core.OrderStatusNew,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch {
	case req.Type == core.OrderTypeMarket:
		v.fillLocked(order, v.executionPrice(req.Symbol, req.Side))
	case v.fillLimits:
		v.fillLocked(order, req.Price)
	}

	v.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		v.clientOrderIDs[order.ClientOrderID] = order.OrderID
	}

	cp := *order
	return &cp, nil
}

func (v *Venue) executionPrice(symbol string, side core.Side) decimal.Decimal {
	if book, ok := v.books[symbol]; ok {
		if side == core.SideBuy {
			return book.Ask
		}
		return book.Bid
	}
	return v.marks[symbol]
}

func (v *Venue) fillLocked(order *core.Order, price decimal.Decimal) {
	order.ExecutedSize = order.Size
	order.AvgFillPrice = price
	order.Status = core.OrderStatusFilled
	order.UpdatedAt = time.Now()

	delta := order.Size
	if order.Side == core.SideSell {
		delta = delta.Neg()
	}
	prev := v.netSize[order.Symbol]
	next := prev.Add(delta)
	v.netSize[order.Symbol] = next
	if prev.IsZero() || prev.Sign() == delta.Sign() {
		v.entryPrice[order.Symbol] = price
	}
	if next.IsZero() {
		delete(v.netSize, order.Symbol)
		delete(v.entryPrice, order.Symbol)
	}
}

// FillOrder fills a resting order at the given price; zero price uses the
// order's own limit price.
func (v *Venue) FillOrder(orderID string, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[orderID]
	if !ok {
		return apperrors.Newf(apperrors.KindNotFound, "order %s not found", orderID)
	}
	if order.Status.IsTerminal() {
		return apperrors.Newf(apperrors.KindInvalidRequest, "order %s is %s", orderID, order.Status)
	}
	if price.IsZero() {
		price = order.Price
	}
	v.fillLocked(order, price)
	return nil
}

// FillResting fills every non-terminal order at its limit price.
func (v *Venue) FillResting() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, order := range v.orders {
		if !order.Status.IsTerminal() {
			v.fillLocked(order, order.Price)
		}
	}
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("cancel_order"); err != nil {
		return err
	}

	order, ok := v.orders[orderID]
	if !ok {
		return apperrors.Newf(apperrors.KindNotFound, "order %s not found", orderID)
	}
	if order.Status.IsTerminal() {
		return apperrors.Newf(apperrors.KindInvalidRequest, "order %s already %s", orderID, order.Status)
	}
	order.Status = core.OrderStatusCanceled
	order.UpdatedAt = time.Now()
	return nil
}

func (v *Venue) CancelAll(ctx context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, order := range v.orders {
		if order.Symbol == symbol && !order.Status.IsTerminal() {
			order.Status = core.OrderStatusCanceled
			order.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (v *Venue) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("get_order"); err != nil {
		return nil, err
	}

	if orderID == "" && clientOrderID != "" {
		orderID = v.clientOrderIDs[clientOrderID]
	}
	order, ok := v.orders[orderID]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "order %q not found", orderID)
	}
	cp := *order
	return &cp, nil
}

func (v *Venue) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var open []*core.Order
	for _, order := range v.orders {
		if order.Symbol == symbol && !order.Status.IsTerminal() {
			cp := *order
			open = append(open, &cp)
		}
	}
	return open, nil
}

// --- account ---

func (v *Venue) GetPositions(ctx context.Context) ([]*core.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("get_positions"); err != nil {
		return nil, err
	}

	var positions []*core.Position
	for symbol, size := range v.netSize {
		if size.IsZero() {
			continue
		}
		side := core.SideBuy
		abs := size
		if size.Sign() < 0 {
			side = core.SideSell
			abs = size.Neg()
		}
		positions = append(positions, &core.Position{
			Venue:      v.name,
			Symbol:     symbol,
			Side:       side,
			Size:       abs,
			EntryPrice: v.entryPrice[symbol],
			Status:     core.PositionOpen,
		})
	}
	return positions, nil
}

func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("get_balance"); err != nil {
		return decimal.Zero, err
	}
	return v.balance, nil
}

func (v *Venue) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.equity.IsZero() {
		return v.equity, nil
	}
	return v.balance, nil
}

func (v *Venue) GetFundingPayments(ctx context.Context, from, to time.Time) ([]*core.Payment, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []*core.Payment
	for _, p := range v.payments {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// --- streams ---

func (v *Venue) StartFundingStream(ctx context.Context, symbols []string, cb func(*core.FundingSnapshot)) error {
	v.streamMu.Lock()
	defer v.streamMu.Unlock()
	v.streamCb = cb
	return nil
}

func (v *Venue) StopFundingStream() error {
	v.streamMu.Lock()
	defer v.streamMu.Unlock()
	v.streamCb = nil
	return nil
}

// PushFunding delivers a snapshot to the registered stream callback.
func (v *Venue) PushFunding(snap *core.FundingSnapshot) {
	v.streamMu.Lock()
	cb := v.streamCb
	v.streamMu.Unlock()
	if cb != nil {
		cb(snap)
	}
}
