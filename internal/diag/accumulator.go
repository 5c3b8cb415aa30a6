// Package diag serves the operator-facing diagnostics endpoint: realized
// and estimated yield, open positions, health verdicts and recent errors.
package diag

import (
	"sync"
	"time"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
)

const (
	recentErrorKeep = 32
	hoursPerYear    = 8760
)

// RecordedError is one entry of the recent-error ring.
type RecordedError struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Accumulator aggregates realized funding payments and recent errors. The
// metrics loop feeds it; the diagnostics handler reads it. Resetting the
// realized-APY window leaves the error ring alone.
type Accumulator struct {
	mu      sync.Mutex
	since   time.Time
	net     decimal.Decimal
	byVenue map[string]decimal.Decimal
	errors  []RecordedError
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		since:   time.Now(),
		byVenue: make(map[string]decimal.Decimal),
	}
}

// AddPayment folds one realized funding payment into the window.
func (a *Accumulator) AddPayment(p *core.Payment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.net = a.net.Add(p.AmountUSD)
	a.byVenue[p.Venue] = a.byVenue[p.Venue].Add(p.AmountUSD)
}

// RecordError appends to the ring, dropping the oldest past capacity.
func (a *Accumulator) RecordError(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, RecordedError{Time: time.Now(), Message: err.Error()})
	if len(a.errors) > recentErrorKeep {
		a.errors = a.errors[len(a.errors)-recentErrorKeep:]
	}
}

// ResetAPY restarts the realized window. Error history survives.
func (a *Accumulator) ResetAPY() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.since = time.Now()
	a.net = decimal.Zero
	a.byVenue = make(map[string]decimal.Decimal)
}

// NetFunding returns the windowed net funding, total and per venue.
func (a *Accumulator) NetFunding() (decimal.Decimal, map[string]decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byVenue := make(map[string]decimal.Decimal, len(a.byVenue))
	for k, v := range a.byVenue {
		byVenue[k] = v
	}
	return a.net, byVenue
}

// RealizedAPY annualizes the windowed net funding against the deployed
// notional, in percentage points. Zero when nothing is deployed or the
// window is too young to annualize meaningfully.
func (a *Accumulator) RealizedAPY(deployedUSD decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	if deployedUSD.Sign() <= 0 {
		return decimal.Zero
	}
	hours := decimal.NewFromFloat(time.Since(a.since).Hours())
	if hours.LessThan(decimal.NewFromFloat(0.01)) {
		return decimal.Zero
	}
	return a.net.Div(deployedUSD).
		Mul(decimal.NewFromInt(hoursPerYear)).Div(hours).
		Mul(decimal.NewFromInt(100))
}

// RecentErrors returns a copy of the ring, newest last.
func (a *Accumulator) RecentErrors() []RecordedError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RecordedError, len(a.errors))
	copy(out, a.errors)
	return out
}
