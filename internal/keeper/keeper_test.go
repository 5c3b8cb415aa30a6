package keeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/engine"
	"funding_keeper/internal/store"
	"funding_keeper/internal/trading/aggregator"
	"funding_keeper/internal/trading/planner"
	"funding_keeper/internal/trading/portfolio"
	"funding_keeper/internal/venue/paper"
	"funding_keeper/pkg/concurrency"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{ core.ILogger }

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type capturedPayments struct {
	count atomic.Int64
}

func (c *capturedPayments) AddPayment(*core.Payment) { c.count.Add(1) }

func perp(t *testing.T, name, rate string) *paper.Venue {
	t.Helper()
	v := paper.New(name, paper.WithImmediateFills())
	v.SetMark("ETHUSDT", decimal.NewFromInt(3000))
	v.SetOpenInterest("ETHUSDT", decimal.NewFromInt(10_000_000))
	v.SetFunding("ETHUSDT", decimal.RequireFromString(rate), 3)
	v.SetBalance(decimal.NewFromInt(100_000))
	return v
}

type fixture struct {
	keeper  *Keeper
	engine  *engine.Engine
	store   core.IStateStore
	venueA  *paper.Venue
	venueB  *paper.Venue
	sink    *capturedPayments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := nopLogger{}

	a := perp(t, "venue_a", "0.0003")
	b := perp(t, "venue_b", "0.0001")
	venues := map[string]core.IVenue{"venue_a": a, "venue_b": b}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "keeper_test",
		MaxWorkers: 4,
	}, logger)
	t.Cleanup(pool.Stop)

	st := store.NewMemoryStore()
	eng := engine.New(engine.Config{}, venues, st, logger)
	t.Cleanup(eng.Stop)

	cfg := config.DefaultConfig()
	cfg.Symbols = []string{"ETHUSDT"}
	cfg.Venues = map[string]config.VenueConfig{
		"venue_a": {Kind: "perp", Adapter: "paper"},
		"venue_b": {Kind: "perp", Adapter: "paper"},
	}

	sink := &capturedPayments{}
	k := New(Deps{
		Config:     cfg,
		Venues:     venues,
		Engine:     eng,
		Aggregator: aggregator.New(aggregator.Config{}, []core.IVenue{a, b}, nil, aggregator.NewAliases(), nil, pool, logger),
		Portfolio:  portfolio.New(portfolio.Config{}, nil, logger),
		Planner:    planner.New(planner.Config{}, venues, nil, nil, logger),
		Store:      st,
		Sink:       sink,
		Logger:     logger,
	})
	return &fixture{keeper: k, engine: eng, store: st, venueA: a, venueB: b, sink: sink}
}

func TestScanOpportunitiesOpensPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.keeper.scanOpportunities(ctx))

	snap := f.engine.Snapshot()
	require.Len(t, snap.Pairs, 1)
	pair := snap.Pairs[0]
	assert.Equal(t, engine.PairOpen, pair.State)
	assert.Equal(t, "venue_b", pair.LongVenue, "long leg buys the lower rate")
	assert.Equal(t, "venue_a", pair.ShortVenue)

	require.NotNil(t, pair.LongPos)
	require.NotNil(t, pair.ShortPos)
	assert.True(t, pair.LongPos.Size.Equal(pair.ShortPos.Size), "legs must be delta neutral")
}

func TestScanSkipsSymbolsWithActivePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.keeper.scanOpportunities(ctx))
	require.NoError(t, f.keeper.scanOpportunities(ctx))

	assert.Len(t, f.engine.Snapshot().Pairs, 1, "second scan must not stack exposure")
}

func TestSpreadRotationNeedsSustainedStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.keeper.scanOpportunities(ctx))
	require.Len(t, f.engine.Snapshot().Pairs, 1)

	rival := []*core.Opportunity{{
		Symbol:      "ETHUSDT",
		Strategy:    core.StrategyPerpPerp,
		LongVenue:   "venue_b",
		ShortVenue:  "venue_c",
		ExpectedAPR: core.APRFromFloat(40),
	}}

	// One beaten scan is not enough; the dwell count is 3.
	f.keeper.updateRotationStreaks(rival)
	require.NoError(t, f.keeper.spreadRotation(ctx))
	assert.Equal(t, engine.PairOpen, f.engine.Snapshot().Pairs[0].State)

	// A scan without the rival resets the streak.
	f.keeper.updateRotationStreaks(nil)
	f.keeper.updateRotationStreaks(rival)
	f.keeper.updateRotationStreaks(rival)
	require.NoError(t, f.keeper.spreadRotation(ctx))
	assert.Equal(t, engine.PairOpen, f.engine.Snapshot().Pairs[0].State)

	// Three consecutive beaten scans rotate the pair out.
	f.keeper.updateRotationStreaks(rival)
	require.NoError(t, f.keeper.spreadRotation(ctx))
	assert.Equal(t, engine.PairClosed, f.engine.Snapshot().Pairs[0].State)
}

func TestSpreadFlipAloneDoesNotClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.keeper.scanOpportunities(ctx))
	require.Len(t, f.engine.Snapshot().Pairs, 1)

	// The spread flips sign on the venues we hold. The next scans see no
	// rival pairing, so nothing rotates and nothing closes.
	f.venueA.SetFunding("ETHUSDT", decimal.RequireFromString("0.0001"), 3)
	f.venueB.SetFunding("ETHUSDT", decimal.RequireFromString("0.0003"), 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.keeper.scanOpportunities(ctx))
		require.NoError(t, f.keeper.spreadRotation(ctx))
	}
	assert.Equal(t, engine.PairOpen, f.engine.Snapshot().Pairs[0].State)
}

func agedPlan(createdAt time.Time) *core.ExecutionPlan {
	size := decimal.NewFromInt(5)
	price := decimal.NewFromInt(3000)
	return &core.ExecutionPlan{
		ID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Opportunity: core.Opportunity{
			Symbol:      "ETHUSDT",
			Strategy:    core.StrategyPerpPerp,
			LongVenue:   "venue_b",
			ShortVenue:  "venue_a",
			ExpectedAPR: core.APRFromFloat(20),
			ScanID:      1,
		},
		LongOrder: core.PlannedOrder{
			Venue: "venue_b", Symbol: "ETHUSDT", Side: core.SideBuy,
			Type: core.OrderTypeLimit, Size: size, LimitPrice: price,
			TimeInForce: core.TIFGoodTillCancel, ClientOrderID: "aged-L",
		},
		ShortOrder: core.PlannedOrder{
			Venue: "venue_a", Symbol: "ETHUSDT", Side: core.SideSell,
			Type: core.OrderTypeLimit, Size: size, LimitPrice: price,
			TimeInForce: core.TIFGoodTillCancel, ClientOrderID: "aged-S",
		},
		SizeBase:    size,
		NotionalUSD: decimal.NewFromInt(30000),
		Leverage:    decimal.NewFromInt(2),
		CreatedAt:   createdAt,
	}
}

func TestCloseUnprofitableRespectsHoldPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Submit(ctx, agedPlan(time.Now())))
	require.NoError(t, f.keeper.closeUnprofitable(ctx))
	assert.Equal(t, engine.PairOpen, f.engine.Snapshot().Pairs[0].State,
		"young pair must not be judged on realized APY yet")
}

func TestCloseUnprofitableClosesStarvedPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Submit(ctx, agedPlan(time.Now().Add(-12*time.Hour))))
	require.NoError(t, f.keeper.closeUnprofitable(ctx))
	assert.Equal(t, engine.PairClosed, f.engine.Snapshot().Pairs[0].State)
}

func TestCloseUnprofitableKeepsEarningPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Submit(ctx, agedPlan(time.Now().Add(-12*time.Hour))))

	// 100 USD realized over the 12 h window clears a 15% floor on 30k.
	require.NoError(t, f.store.AppendPayment(ctx, &core.Payment{
		Venue:     "venue_a",
		Symbol:    "ETHUSDT",
		AmountUSD: decimal.NewFromInt(100),
		Rate:      core.RateFromFloat(0.0003),
		Timestamp: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, f.keeper.closeUnprofitable(ctx))
	assert.Equal(t, engine.PairOpen, f.engine.Snapshot().Pairs[0].State)
}

func TestRefreshCapitalAppliesUsagePct(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.keeper.refreshCapital(context.Background()))
	// 100k per venue, 90% usable.
	assert.True(t, f.keeper.Capital().Equal(decimal.NewFromInt(180_000)),
		"got %s", f.keeper.Capital())
}

func TestUpdateMetricsJournalsPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.venueA.AddPayment(&core.Payment{
		Venue:     "venue_a",
		Symbol:    "ETHUSDT",
		AmountUSD: decimal.RequireFromString("1.25"),
		Rate:      core.RateFromFloat(0.0003),
		Timestamp: time.Now().Add(-time.Hour),
	})

	require.NoError(t, f.keeper.updateMetrics(ctx))

	listed, err := f.store.ListPayments(ctx, time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].AmountUSD.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, int64(1), f.sink.count.Load())

	// The sync watermark advances; the same payment is not re-journaled.
	require.NoError(t, f.keeper.updateMetrics(ctx))
	listed, err = f.store.ListPayments(ctx, time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestTickSkipsWhileBodyRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var runs atomic.Int64
	release := make(chan struct{})
	l := f.keeper.newLoop("scan_opportunities", func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})

	go f.keeper.tick(ctx, l)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.keeper.tick(ctx, l) // previous body still blocked
	close(release)
	require.Eventually(t, func() bool { return !l.running.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "overlapping tick must be skipped")
}

func TestTickDefersOnBackPressure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var runs atomic.Int64
	l := f.keeper.newLoop("refresh_capital", func(context.Context) error {
		runs.Add(1)
		return apperrors.New(apperrors.KindRateLimited, "budget exhausted").
			WithRetryAfter(time.Minute)
	})

	f.keeper.tick(ctx, l)
	require.Eventually(t, func() bool { return !l.running.Load() }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), runs.Load())

	f.keeper.tick(ctx, l) // inside the back-pressure window
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "deferred loop must skip the tick")
}
