// Package core defines the domain types and interfaces shared across the keeper.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenue is the uniform contract every perp or spot venue adapter satisfies.
// Adapters map their wire models onto these operations and never retry
// network errors themselves; retry and backoff policy belongs to the core.
type IVenue interface {
	// Identity
	GetName() string
	Kind() VenueKind
	FundingConvention() FundingConvention
	CheckHealth(ctx context.Context) error

	// Market data
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// GetBestBidAsk falls back to mark × (1 ± 0.0005) when depth is unavailable.
	GetBestBidAsk(ctx context.Context, symbol string) (BookTop, error)
	GetFundingRate(ctx context.Context, symbol string) (*FundingSnapshot, error)
	GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Account operations
	GetPositions(ctx context.Context) ([]*Position, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetFundingPayments(ctx context.Context, from, to time.Time) ([]*Payment, error)

	// Funding stream; adapters without one return ErrStreamUnsupported and
	// are polled instead.
	StartFundingStream(ctx context.Context, symbols []string, cb func(*FundingSnapshot)) error
	StopFundingStream() error
}

// ILendingVenue is the contract for on-chain lending market adapters.
type ILendingVenue interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	GetReserveRates(ctx context.Context, asset string) (*ReserveSnapshot, error)
	GetAccountHealth(ctx context.Context) (*AccountHealth, error)

	Deposit(ctx context.Context, asset string, amount decimal.Decimal) error
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal) error
	Borrow(ctx context.Context, asset string, amount decimal.Decimal) error
	Repay(ctx context.Context, asset string, amount decimal.Decimal) error
}

// IStateStore persists the keeper snapshot and the append-only funding
// payment journal.
type IStateStore interface {
	SaveSnapshot(ctx context.Context, state *KeeperState) error
	LoadSnapshot(ctx context.Context) (*KeeperState, error)
	AppendPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, from, to time.Time) ([]*Payment, error)
	Close() error
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
