package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueKind classifies what a venue trades.
type VenueKind string

const (
	VenuePerp    VenueKind = "perp"
	VenueSpot    VenueKind = "spot"
	VenueLending VenueKind = "lending"
)

// StrategyType identifies the leg pairing of an opportunity.
type StrategyType string

const (
	StrategyPerpPerp StrategyType = "perp-perp"
	StrategyPerpSpot StrategyType = "perp-spot"
	StrategyPerpLend StrategyType = "perp-lend"
)

// FundingConvention declares who pays funding when the rate is positive.
// Every adapter states its own convention; nothing in the core guesses.
type FundingConvention string

const (
	LongsPayWhenPositive  FundingConvention = "longs_pay_when_positive"
	ShortsPayWhenPositive FundingConvention = "shorts_pay_when_positive"
)

// Side is an order or position direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the flipped side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls how long a resting order stays live.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionStatus is the local lifecycle state of a position leg.
type PositionStatus string

const (
	PositionOpening  PositionStatus = "opening"
	PositionOpen     PositionStatus = "open"
	PositionRescuing PositionStatus = "rescuing"
	PositionClosing  PositionStatus = "closing"
	PositionClosed   PositionStatus = "closed"
	PositionFailed   PositionStatus = "failed"
)

// FundingSnapshot is one venue's funding state for a symbol at a point in time.
type FundingSnapshot struct {
	Venue           string
	Symbol          string
	Rate            Rate
	IntervalsPerDay int
	MarkPrice       decimal.Decimal
	OpenInterestUSD decimal.Decimal
	NextFundingTime time.Time
	Timestamp       time.Time
}

// AnnualizedAPR is the snapshot's rate annualized to percentage points.
func (f *FundingSnapshot) AnnualizedAPR() APR {
	return f.Rate.Annualize(f.IntervalsPerDay)
}

// ReserveSnapshot is one lending reserve's rates at a point in time.
// IncentiveAPR is nil unless the adapter computes real emission value;
// a missing incentive figure is surfaced as unavailable, never estimated.
type ReserveSnapshot struct {
	Venue        string
	Asset        string
	SupplyAPR    APR
	BorrowAPR    APR
	IncentiveAPR *APR
	Timestamp    time.Time
}

// BookTop is the best bid and ask of an order book.
type BookTop struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Mid returns the midpoint price, zero when the book is empty.
func (b BookTop) Mid() decimal.Decimal {
	if b.Bid.IsZero() && b.Ask.IsZero() {
		return decimal.Zero
	}
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// OrderRequest describes an order to be placed on a venue.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Order is a venue order as acknowledged or queried.
type Order struct {
	OrderID       string
	ClientOrderID string
	Venue         string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Size          decimal.Decimal
	ExecutedSize  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingSize returns the unfilled portion of the order.
func (o *Order) RemainingSize() decimal.Decimal {
	return o.Size.Sub(o.ExecutedSize)
}

// Position is one persisted leg of a delta-neutral pair. Two legs share a
// StrategyID.
type Position struct {
	ID            string          `json:"id"`
	StrategyID    string          `json:"strategy_id"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CollateralUSD decimal.Decimal `json:"collateral_usd"`
	BorrowedUSD   decimal.Decimal `json:"borrowed_usd"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitzero"`
	Status        PositionStatus  `json:"status"`
}

// NotionalUSD values the leg at the given mark price.
func (p *Position) NotionalUSD(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark)
}

// Payment is a realized funding payment, positive when received.
type Payment struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Rate      Rate            `json:"rate"`
	Timestamp time.Time       `json:"timestamp"`
}

// AccountHealth is a lending account's margin state.
type AccountHealth struct {
	CollateralUSD        decimal.Decimal
	DebtUSD              decimal.Decimal
	LiquidationThreshold decimal.Decimal
}

// HealthFactor returns collateral × liquidationThreshold / debt.
// ok is false when the account carries no debt and the factor is unbounded.
func (a AccountHealth) HealthFactor() (decimal.Decimal, bool) {
	if a.DebtUSD.IsZero() {
		return decimal.Zero, false
	}
	return a.CollateralUSD.Mul(a.LiquidationThreshold).Div(a.DebtUSD), true
}

// Opportunity is one funding-spread candidate produced by a scan.
// LongVenue is the leg to buy, ShortVenue the leg to sell; for perp-perp the
// two venues always differ. Rates keep their signs.
type Opportunity struct {
	Symbol          string          `json:"symbol"`
	Strategy        StrategyType    `json:"strategy"`
	LongVenue       string          `json:"long_venue"`
	ShortVenue      string          `json:"short_venue"`
	LongRate        Rate            `json:"long_rate"`
	ShortRate       Rate            `json:"short_rate"`
	Spread          Rate            `json:"spread"`
	ExpectedAPR     APR             `json:"expected_apr"`
	LongMark        decimal.Decimal `json:"long_mark"`
	ShortMark       decimal.Decimal `json:"short_mark"`
	LongOI          decimal.Decimal `json:"long_oi"`
	ShortOI         decimal.Decimal `json:"short_oi"`
	IntervalsPerDay int             `json:"intervals_per_day"`
	ScanID          uint64          `json:"scan_id"`
	Timestamp       time.Time       `json:"timestamp"`
}

// MinOI returns the smaller of the two legs' open interest.
func (o *Opportunity) MinOI() decimal.Decimal {
	if o.LongOI.LessThan(o.ShortOI) {
		return o.LongOI
	}
	return o.ShortOI
}

// FeeRates is a venue's maker/taker fee schedule as fractions of notional.
type FeeRates struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// PlannedOrder is one leg of an execution plan.
type PlannedOrder struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Size          decimal.Decimal `json:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	ClientOrderID string          `json:"client_order_id"`
}

// Request converts the leg into a venue order request. Plan legs always
// open exposure, never reduce.
func (p *PlannedOrder) Request() *OrderRequest {
	return &OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side,
		Type:          p.Type,
		Size:          p.Size,
		Price:         p.LimitPrice,
		TimeInForce:   p.TimeInForce,
		ClientOrderID: p.ClientOrderID,
	}
}

// PlanCosts aggregates the estimated entry and exit costs of a plan in USD.
type PlanCosts struct {
	EntryFees decimal.Decimal `json:"entry_fees"`
	ExitFees  decimal.Decimal `json:"exit_fees"`
	Slippage  decimal.Decimal `json:"slippage"`
	Total     decimal.Decimal `json:"total"`
}

// ExecutionPlan is a validated two-leg order pair ready for submission.
// Both orders carry the same base-asset size at construction.
type ExecutionPlan struct {
	ID                 string          `json:"id"`
	Opportunity        Opportunity     `json:"opportunity"`
	LongOrder          PlannedOrder    `json:"long_order"`
	ShortOrder         PlannedOrder    `json:"short_order"`
	SizeBase           decimal.Decimal `json:"size_base"`
	NotionalUSD        decimal.Decimal `json:"notional_usd"`
	Leverage           decimal.Decimal `json:"leverage"`
	Costs              PlanCosts       `json:"costs"`
	HourlyReturnUSD    decimal.Decimal `json:"hourly_return_usd"`
	NetReturnPerPeriod decimal.Decimal `json:"net_return_per_period"`
	BreakEvenHours     decimal.Decimal `json:"break_even_hours"`
	CreatedAt          time.Time       `json:"created_at"`
}

// SingleLegIncident records a failed dual-leg submission where exactly one
// leg ended up filled. The retry loop owns resolution.
type SingleLegIncident struct {
	ID           string          `json:"id"`
	PlanID       string          `json:"plan_id"`
	Symbol       string          `json:"symbol"`
	FilledVenue  string          `json:"filled_venue"`
	FilledSide   Side            `json:"filled_side"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	HangingVenue string          `json:"hanging_venue"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   time.Time       `json:"resolved_at,omitzero"`
	Resolution   string          `json:"resolution,omitempty"`
}

// Resolved reports whether the incident has been handled.
func (i *SingleLegIncident) Resolved() bool {
	return !i.ResolvedAt.IsZero()
}

// KeeperState is the persisted snapshot of everything the keeper must not
// lose across a restart.
type KeeperState struct {
	Version   int                  `json:"version"`
	Positions []*Position          `json:"positions"`
	Plans     []*ExecutionPlan     `json:"plans"`
	Incidents []*SingleLegIncident `json:"incidents"`
	SavedAt   time.Time            `json:"saved_at"`
}

// StateSchemaVersion is the current KeeperState schema version.
const StateSchemaVersion = 1
