package paper

import (
	"context"
	"sync"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
)

// Lender implements core.ILendingVenue against in-memory reserves.
// Deposit and borrow amounts are tracked in USD terms per asset.
type Lender struct {
	name string

	mu           sync.RWMutex
	reserves     map[string]*core.ReserveSnapshot
	collateral   map[string]decimal.Decimal
	debt         map[string]decimal.Decimal
	liqThreshold decimal.Decimal
	failures     map[string][]error
}

func NewLender(name string) *Lender {
	return &Lender{
		name:         name,
		reserves:     make(map[string]*core.ReserveSnapshot),
		collateral:   make(map[string]decimal.Decimal),
		debt:         make(map[string]decimal.Decimal),
		liqThreshold: decimal.RequireFromString("0.8"),
		failures:     make(map[string][]error),
	}
}

// SetReserve scripts the reserve rates for an asset. APRs are annualized
// percentage points; incentive may be nil.
func (l *Lender) SetReserve(asset string, supplyAPR, borrowAPR core.APR, incentive *core.APR) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserves[asset] = &core.ReserveSnapshot{
		Venue:        l.name,
		Asset:        asset,
		SupplyAPR:    supplyAPR,
		BorrowAPR:    borrowAPR,
		IncentiveAPR: incentive,
		Timestamp:    time.Now(),
	}
}

func (l *Lender) SetLiquidationThreshold(t decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.liqThreshold = t
}

// SetAccount overrides the account's aggregate collateral and debt.
func (l *Lender) SetAccount(collateralUSD, debtUSD decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.collateral = map[string]decimal.Decimal{"": collateralUSD}
	l.debt = map[string]decimal.Decimal{"": debtUSD}
}

func (l *Lender) InjectError(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], err)
}

func (l *Lender) popFailure(op string) error {
	q := l.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	l.failures[op] = q[1:]
	return err
}

func (l *Lender) GetName() string { return l.name }

func (l *Lender) CheckHealth(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popFailure("health")
}

func (l *Lender) GetReserveRates(ctx context.Context, asset string) (*core.ReserveSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure("get_reserve"); err != nil {
		return nil, err
	}
	r, ok := l.reserves[asset]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "no reserve for %s", asset)
	}
	cp := *r
	cp.Timestamp = time.Now()
	return &cp, nil
}

func (l *Lender) GetAccountHealth(ctx context.Context) (*core.AccountHealth, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure("get_health"); err != nil {
		return nil, err
	}

	var collateral, debt decimal.Decimal
	for _, c := range l.collateral {
		collateral = collateral.Add(c)
	}
	for _, d := range l.debt {
		debt = debt.Add(d)
	}
	return &core.AccountHealth{
		CollateralUSD:        collateral,
		DebtUSD:              debt,
		LiquidationThreshold: l.liqThreshold,
	}, nil
}

func (l *Lender) Deposit(ctx context.Context, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure("deposit"); err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return apperrors.Newf(apperrors.KindInvalidRequest, "deposit amount must be positive, got %s", amount)
	}
	l.collateral[asset] = l.collateral[asset].Add(amount)
	return nil
}

func (l *Lender) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure("withdraw"); err != nil {
		return err
	}
	if amount.GreaterThan(l.collateral[asset]) {
		return apperrors.Newf(apperrors.KindInsufficientBalance,
			"withdraw %s exceeds collateral %s", amount, l.collateral[asset])
	}
	l.collateral[asset] = l.collateral[asset].Sub(amount)
	return nil
}

func (l *Lender) Borrow(ctx context.Context, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure("borrow"); err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return apperrors.Newf(apperrors.KindInvalidRequest, "borrow amount must be positive, got %s", amount)
	}
	l.debt[asset] = l.debt[asset].Add(amount)
	return nil
}

func (l *Lender) Repay(ctx context.Context, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure("repay"); err != nil {
		return err
	}
	if amount.GreaterThan(l.debt[asset]) {
		amount = l.debt[asset]
	}
	l.debt[asset] = l.debt[asset].Sub(amount)
	return nil
}
