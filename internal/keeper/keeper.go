// Package keeper runs the periodic loops that drive the funding keeper:
// scanning, verification, reconciliation, metrics and housekeeping. Every
// shared-state mutation goes through engine operations; loop bodies hold no
// locks across venue or store calls.
package keeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/engine"
	"funding_keeper/internal/trading/aggregator"
	"funding_keeper/internal/trading/planner"
	"funding_keeper/internal/trading/portfolio"
	"funding_keeper/pkg/concurrency"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
)

// HealthChecker is the leveraged-strategy hook run by the emergency loop.
type HealthChecker interface {
	Tick(ctx context.Context) error
}

// PaymentSink receives realized funding payments as the metrics loop
// discovers them. The diagnostics accumulator implements it.
type PaymentSink interface {
	AddPayment(p *core.Payment)
}

// ErrorRecorder is optionally implemented by the payment sink; loop
// failures are forwarded so diagnostics can report recent errors.
type ErrorRecorder interface {
	RecordError(err error)
}

// Deps wires the keeper to the rest of the system.
type Deps struct {
	Config     *config.Config
	Venues     map[string]core.IVenue
	Engine     *engine.Engine
	Aggregator *aggregator.Aggregator
	Portfolio  *portfolio.Optimizer
	Planner    *planner.Builder
	Store      core.IStateStore
	Pool       *concurrency.WorkerPool
	Health     HealthChecker // nil disables the emergency loop body
	Sink       PaymentSink   // nil discards realized payments
	Logger     core.ILogger
}

// defaultPeriods are the built-in loop periods; config loops: overrides them.
var defaultPeriods = map[string]time.Duration{
	"scan_opportunities":     15 * time.Second,
	"emergency_health_check": 30 * time.Second,
	"verify_recent_fills":    45 * time.Second,
	"check_position_balance": 60 * time.Second,
	"refresh_capital":        60 * time.Second,
	"retry_single_leg":       90 * time.Second,
	"verify_position_state":  90 * time.Second,
	"update_metrics":         120 * time.Second,
	"close_unprofitable":     120 * time.Second,
	"cleanup_stale_orders":   300 * time.Second,
	"spread_rotation":        600 * time.Second,
}

const (
	staleOrderMaxAge  = 10 * time.Minute
	terminalPairKeep  = 24 * time.Hour
	unprofitableHold  = 6 * time.Hour  // grace before realized APY is judged
	realizedWindow    = 24 * time.Hour // rolling window for net APY
	shutdownDeadline  = 5 * time.Minute
	hoursPerYear      = 8760
)

type loop struct {
	name    string
	period  time.Duration
	body    func(ctx context.Context) error
	running atomic.Bool

	mu        sync.Mutex
	deferTo   time.Time // back-pressure: skip ticks until this instant
	lastError error
}

// Keeper owns the loop set and the scan-derived state the loops share.
type Keeper struct {
	deps   Deps
	logger core.ILogger
	loops  []*loop

	mu              sync.Mutex
	capitalUSD      decimal.Decimal
	lastScan        []*core.Opportunity
	rotationStreaks map[string]int       // plan id -> consecutive beaten scans
	paymentSync     map[string]time.Time // venue -> last payment fetch
}

// New builds the keeper and its loop table.
func New(deps Deps) *Keeper {
	k := &Keeper{
		deps:            deps,
		logger:          deps.Logger.WithField("component", "keeper"),
		rotationStreaks: make(map[string]int),
		paymentSync:     make(map[string]time.Time),
	}

	k.loops = []*loop{
		k.newLoop("scan_opportunities", k.scanOpportunities),
		k.newLoop("emergency_health_check", k.emergencyHealthCheck),
		k.newLoop("verify_recent_fills", k.verifyRecentFills),
		k.newLoop("check_position_balance", k.checkPositionBalance),
		k.newLoop("refresh_capital", k.refreshCapital),
		k.newLoop("retry_single_leg", k.retrySingleLeg),
		k.newLoop("verify_position_state", k.verifyPositionState),
		k.newLoop("update_metrics", k.updateMetrics),
		k.newLoop("close_unprofitable", k.closeUnprofitable),
		k.newLoop("cleanup_stale_orders", k.cleanupStaleOrders),
		k.newLoop("spread_rotation", k.spreadRotation),
	}
	return k
}

func (k *Keeper) newLoop(name string, body func(ctx context.Context) error) *loop {
	period := defaultPeriods[name]
	if override, ok := k.deps.Config.Loops[name]; ok && override.PeriodSeconds > 0 {
		period = time.Duration(override.PeriodSeconds) * time.Second
	}
	return &loop{name: name, period: period, body: body}
}

// Run drives all loops until ctx is cancelled, then shuts down in order:
// loops finish their current iteration, the engine closes every open
// position under a deadline, and state is persisted by the engine as part
// of those transitions.
func (k *Keeper) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range k.loops {
		wg.Add(1)
		go func(l *loop) {
			defer wg.Done()
			k.runLoop(ctx, l)
		}(l)
	}
	<-ctx.Done()
	wg.Wait()

	k.logger.Info("loops drained, closing open positions")
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDeadline)
	defer cancel()
	if err := k.deps.Engine.CloseAll(closeCtx, "keeper shutdown"); err != nil {
		k.logger.Error("shutdown close failed", "error", err)
	}
	k.deps.Engine.Stop()
	return nil
}

func (k *Keeper) runLoop(ctx context.Context, l *loop) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	// First tick immediately so a fresh keeper scans without waiting a
	// full period.
	k.tick(ctx, l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.tick(ctx, l)
		}
	}
}

// tick dispatches one loop iteration onto the pool. Re-entrancy guard: a
// tick that arrives while the previous body still runs is skipped, as is a
// tick inside a back-pressure window.
func (k *Keeper) tick(ctx context.Context, l *loop) {
	l.mu.Lock()
	deferred := time.Now().Before(l.deferTo)
	l.mu.Unlock()
	if deferred {
		return
	}
	if !l.running.CompareAndSwap(false, true) {
		k.logger.Debug("loop still running, tick skipped", "loop", l.name)
		return
	}

	run := func() {
		defer l.running.Store(false)
		start := time.Now()
		err := l.body(ctx)
		l.mu.Lock()
		l.lastError = err
		l.mu.Unlock()
		if err != nil {
			if rec, ok := k.deps.Sink.(ErrorRecorder); ok {
				rec.RecordError(err)
			}
		}

		switch {
		case err == nil:
			k.logger.Debug("loop iteration done", "loop", l.name, "elapsed", time.Since(start))
		case apperrors.Is(err, apperrors.KindRateLimited), apperrors.Is(err, apperrors.KindNetwork):
			// Back-pressure: defer by the stated backoff or one period.
			backoff := apperrors.RetryAfterOf(err)
			if backoff <= 0 {
				backoff = l.period
			}
			l.mu.Lock()
			l.deferTo = time.Now().Add(backoff)
			l.mu.Unlock()
			k.logger.Warn("loop deferred", "loop", l.name, "backoff", backoff, "error", err)
		default:
			k.logger.Error("loop iteration failed", "loop", l.name, "error", err)
		}
	}

	if k.deps.Pool != nil {
		if err := k.deps.Pool.Submit(run); err != nil {
			l.running.Store(false)
		}
		return
	}
	run()
}

// Capital returns the deployable capital from the last refresh.
func (k *Keeper) Capital() decimal.Decimal {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.capitalUSD
}

// LoopStatus reports each loop's period and last error, for diagnostics.
func (k *Keeper) LoopStatus() map[string]string {
	out := make(map[string]string, len(k.loops))
	for _, l := range k.loops {
		l.mu.Lock()
		if l.lastError != nil {
			out[l.name] = l.lastError.Error()
		} else {
			out[l.name] = "ok"
		}
		l.mu.Unlock()
	}
	return out
}
