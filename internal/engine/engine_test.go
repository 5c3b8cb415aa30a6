package engine_test

import (
	"context"
	"testing"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/engine"
	"funding_keeper/internal/venue/paper"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	core.ILogger
}

func (m *mockLogger) Debug(msg string, args ...interface{})            {}
func (m *mockLogger) Info(msg string, args ...interface{})             {}
func (m *mockLogger) Warn(msg string, args ...interface{})             {}
func (m *mockLogger) Error(msg string, args ...interface{})            {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func testVenue(name string, opts ...paper.Option) *paper.Venue {
	v := paper.New(name, opts...)
	v.SetMark("ETHUSDT", decimal.NewFromInt(3000))
	v.SetBalance(decimal.NewFromInt(100_000))
	return v
}

func testPlan(size string) *core.ExecutionPlan {
	qty := decimal.RequireFromString(size)
	mark := decimal.NewFromInt(3000)
	return &core.ExecutionPlan{
		ID: "11111111-2222-3333-4444-555555555555",
		Opportunity: core.Opportunity{
			Symbol:     "ETHUSDT",
			Strategy:   core.StrategyPerpPerp,
			LongVenue:  "venue_b",
			ShortVenue: "venue_a",
			ScanID:     1,
		},
		LongOrder: core.PlannedOrder{
			Venue: "venue_b", Symbol: "ETHUSDT", Side: core.SideBuy,
			Type: core.OrderTypeLimit, Size: qty, LimitPrice: mark,
			TimeInForce: core.TIFGoodTillCancel, ClientOrderID: "plan-L",
		},
		ShortOrder: core.PlannedOrder{
			Venue: "venue_a", Symbol: "ETHUSDT", Side: core.SideSell,
			Type: core.OrderTypeLimit, Size: qty, LimitPrice: mark,
			TimeInForce: core.TIFGoodTillCancel, ClientOrderID: "plan-S",
		},
		SizeBase:    qty,
		NotionalUSD: qty.Mul(mark).Mul(decimal.NewFromInt(2)),
		CreatedAt:   time.Now(),
	}
}

func newEngine(long, short *paper.Venue, cfg engine.Config) *engine.Engine {
	venues := map[string]core.IVenue{long.GetName(): long, short.GetName(): short}
	return engine.New(cfg, venues, nil, &mockLogger{})
}

func TestSubmitOpensPairWhenBothLegsFill(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})

	plan := testPlan("5")
	require.NoError(t, e.Submit(context.Background(), plan))

	snap := e.Snapshot()
	require.Len(t, snap.Pairs, 1)
	p := snap.Pairs[0]
	assert.Equal(t, engine.PairOpen, p.State)
	require.NotNil(t, p.LongPos)
	require.NotNil(t, p.ShortPos)
	assert.True(t, p.LongPos.Size.Equal(p.ShortPos.Size), "legs must match")
	assert.Equal(t, core.SideBuy, p.LongPos.Side)
	assert.Equal(t, core.SideSell, p.ShortPos.Side)
}

func TestSubmitRejectsStaleScan(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})
	e.NoteScan(7)

	plan := testPlan("5")
	plan.Opportunity.ScanID = 3
	err := e.Submit(context.Background(), plan)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidRequest))

	// Nothing reached a venue.
	positions, _ := long.GetPositions(context.Background())
	assert.Empty(t, positions)
}

func TestSubmitRetriesOnceAfterRateLimit(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	short.InjectError("place_order",
		apperrors.New(apperrors.KindRateLimited, "429").WithRetryAfter(time.Millisecond))

	e := newEngine(long, short, engine.Config{})
	require.NoError(t, e.Submit(context.Background(), testPlan("5")))

	snap := e.Snapshot()
	require.Len(t, snap.Pairs, 1)
	assert.Equal(t, engine.PairOpen, snap.Pairs[0].State)
	assert.Empty(t, snap.Incidents)
}

func TestSubmitFlattensFilledLegWhenOtherKeepsFailing(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	// Both the first attempt and the single retry fail.
	short.InjectError("place_order",
		apperrors.New(apperrors.KindRateLimited, "429").WithRetryAfter(time.Millisecond))
	short.InjectError("place_order",
		apperrors.New(apperrors.KindRateLimited, "429").WithRetryAfter(time.Millisecond))

	e := newEngine(long, short, engine.Config{})
	require.NoError(t, e.Submit(context.Background(), testPlan("5")))

	snap := e.Snapshot()
	require.Len(t, snap.Pairs, 1)
	assert.Equal(t, engine.PairFailed, snap.Pairs[0].State)
	require.Len(t, snap.Incidents, 1)
	inc := snap.Incidents[0]
	assert.Equal(t, "venue_b", inc.FilledVenue)
	assert.Equal(t, "venue_a", inc.HangingVenue)
	assert.True(t, inc.Resolved())

	// The long fill was market-reduced back to flat.
	positions, err := long.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestVerifyFillsPromotesRestingLegs(t *testing.T) {
	long := testVenue("venue_b")
	short := testVenue("venue_a")
	e := newEngine(long, short, engine.Config{})

	require.NoError(t, e.Submit(context.Background(), testPlan("5")))
	snap := e.Snapshot()
	require.Len(t, snap.Pairs, 1)
	require.Equal(t, engine.PairSubmitting, snap.Pairs[0].State)

	long.FillResting()
	short.FillResting()
	require.NoError(t, e.VerifyFills(context.Background()))

	snap = e.Snapshot()
	assert.Equal(t, engine.PairOpen, snap.Pairs[0].State)
	assert.True(t, snap.Pairs[0].LongPos.Size.Equal(snap.Pairs[0].ShortPos.Size))
}

func TestPartialTimeoutFlattensFilledLeg(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a") // short leg rests unfilled

	e := newEngine(long, short, engine.Config{PartialFillTimeout: 30 * time.Millisecond})
	require.NoError(t, e.Submit(context.Background(), testPlan("5")))

	snap := e.Snapshot()
	require.Equal(t, engine.PairPartial, snap.Pairs[0].State)

	require.Eventually(t, func() bool {
		return e.Snapshot().Pairs[0].State == engine.PairFailed
	}, 2*time.Second, 10*time.Millisecond)

	snap = e.Snapshot()
	require.Len(t, snap.Incidents, 1)
	assert.True(t, snap.Incidents[0].Resolved())

	positions, _ := long.GetPositions(context.Background())
	assert.Empty(t, positions, "filled leg must be flat after recovery")
	open, _ := short.GetOpenOrders(context.Background(), "ETHUSDT")
	assert.Empty(t, open, "lagging leg must be cancelled")
}

func TestCloseFlattensBothLegs(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})

	plan := testPlan("5")
	require.NoError(t, e.Submit(context.Background(), plan))
	require.NoError(t, e.Close(context.Background(), plan.ID, "test exit"))

	snap := e.Snapshot()
	assert.Equal(t, engine.PairClosed, snap.Pairs[0].State)
	for _, v := range []*paper.Venue{long, short} {
		positions, _ := v.GetPositions(context.Background())
		assert.Empty(t, positions)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})

	require.NoError(t, e.Submit(context.Background(), testPlan("5")))
	require.NoError(t, e.Reconcile(context.Background()))
	first := e.Snapshot()
	require.NoError(t, e.Reconcile(context.Background()))
	second := e.Snapshot()

	require.Len(t, second.Pairs, 1)
	assert.Equal(t, first.Pairs[0].State, second.Pairs[0].State)
	assert.True(t, first.Pairs[0].LongPos.Size.Equal(second.Pairs[0].LongPos.Size))
	assert.Equal(t, first.Pairs[0].UpdatedAt, second.Pairs[0].UpdatedAt)
}

func TestReconcileDestroysGhostLeg(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})
	require.NoError(t, e.Submit(context.Background(), testPlan("5")))

	// The venue lost the short leg out-of-band.
	short.SetPosition("ETHUSDT", decimal.Zero, decimal.Zero)
	require.NoError(t, e.Reconcile(context.Background()))

	snap := e.Snapshot()
	assert.Equal(t, engine.PairReconciling, snap.Pairs[0].State)
	assert.Equal(t, core.PositionClosed, snap.Pairs[0].ShortPos.Status)
}

func TestReconcileSurfacesStrayWithoutTouchingIt(t *testing.T) {
	long := testVenue("venue_b")
	short := testVenue("venue_a")
	short.SetPosition("XRPUSDT", decimal.NewFromInt(-100), decimal.NewFromInt(2))

	e := newEngine(long, short, engine.Config{})
	require.NoError(t, e.Reconcile(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap.Strays, 1)
	assert.Equal(t, "XRPUSDT", snap.Strays[0].Symbol)

	// Default config never auto-closes out-of-band positions.
	positions, _ := short.GetPositions(context.Background())
	require.Len(t, positions, 1)
}

func TestCheckBalanceReducesDriftedLeg(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})
	require.NoError(t, e.Submit(context.Background(), testPlan("5")))

	// The long leg grew out-of-band; reconcile pulls venue truth in.
	long.SetPosition("ETHUSDT", decimal.RequireFromString("5.5"), decimal.NewFromInt(3000))
	require.NoError(t, e.Reconcile(context.Background()))
	require.NoError(t, e.CheckBalance(context.Background()))

	snap := e.Snapshot()
	p := snap.Pairs[0]
	drift := p.LongPos.Size.Sub(p.ShortPos.Size).Abs().
		Div(p.LongPos.Size.Add(p.ShortPos.Size).Div(decimal.NewFromInt(2)))
	assert.True(t, drift.LessThanOrEqual(decimal.RequireFromString("0.02")),
		"drift %s still above limit", drift)
}

func TestCloseAllSkipsTerminalPairs(t *testing.T) {
	long := testVenue("venue_b", paper.WithImmediateFills())
	short := testVenue("venue_a", paper.WithImmediateFills())
	e := newEngine(long, short, engine.Config{})

	plan := testPlan("5")
	require.NoError(t, e.Submit(context.Background(), plan))
	require.NoError(t, e.CloseAll(context.Background(), "shutdown"))

	snap := e.Snapshot()
	assert.Equal(t, engine.PairClosed, snap.Pairs[0].State)
	// Second pass is a no-op.
	require.NoError(t, e.CloseAll(context.Background(), "shutdown"))
}
