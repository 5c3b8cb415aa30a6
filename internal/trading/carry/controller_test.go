package carry_test

import (
	"context"
	"testing"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/trading/carry"
	"funding_keeper/internal/venue/paper"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSymbol = "ETHUSDT"
	testAsset  = "ETH"
	testQuote  = "USDT"
)

type nopLogger struct{ core.ILogger }

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newPerp pins bid and ask to the mark so market fills land exactly there.
func newPerp(price decimal.Decimal) *paper.Venue {
	v := paper.New("perp_a", paper.WithImmediateFills())
	v.SetMark(testSymbol, price)
	v.SetBook(testSymbol, core.BookTop{Bid: price, Ask: price})
	v.SetFunding(testSymbol, d("0.0003"), 3) // 32.85% APR
	v.SetBalance(decimal.NewFromInt(1_000_000))
	return v
}

func newLender(t *testing.T, collateralUSD decimal.Decimal) *paper.Lender {
	t.Helper()
	l := paper.NewLender("pool")
	l.SetLiquidationThreshold(d("0.8"))
	l.SetReserve(testQuote, core.APRFromFloat(3), core.APRFromFloat(5), nil)
	require.NoError(t, l.Deposit(context.Background(), testQuote, collateralUSD))
	return l
}

func testConfig() carry.Config {
	return carry.Config{
		MinHF:             d("1.4"),
		TargetHF:          d("2"),
		EmergencyHF:       d("1.3"),
		WarnHF:            d("1.35"),
		MaxLeverage:       d("3"),
		MinCarryAPY:       d("5"),
		MaxPositionUSD:    d("100000"),
		DriftLimit:        d("0.02"),
		RescueCooldown:    time.Hour,
		RebalanceCooldown: time.Millisecond,
	}
}

func newController(cfg carry.Config, perp *paper.Venue, lender *paper.Lender) *carry.Controller {
	return carry.New(cfg, perp, lender, testSymbol, testAsset, testQuote, nopLogger{})
}

// movePrice shifts mark and book together.
func movePrice(v *paper.Venue, price decimal.Decimal) {
	v.SetMark(testSymbol, price)
	v.SetBook(testSymbol, core.BookTop{Bid: price, Ask: price})
}

func TestOpensAtTargetHealthFactor(t *testing.T) {
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(2000))
	lender := newLender(t, decimal.NewFromInt(10000))
	ctrl := newController(testConfig(), perp, lender)

	require.NoError(t, ctrl.Tick(ctx))

	pos := ctrl.Position()
	require.NotNil(t, pos)
	// L = 1 + 0.8/2.0 = 1.4, so 10000 collateral carries 14000 of exposure:
	// 4000 borrowed, 7 units at 2000.
	assert.True(t, pos.SpotSize.Equal(d("7")), "spot size %s", pos.SpotSize)
	assert.True(t, pos.PerpSize.Equal(d("7")), "perp size %s", pos.PerpSize)
	assert.True(t, pos.BorrowedUSD.Equal(d("4000")), "borrowed %s", pos.BorrowedUSD)
	assert.Equal(t, core.PositionOpen, pos.Status)

	health, err := lender.GetAccountHealth(ctx)
	require.NoError(t, err)
	hf, ok := health.HealthFactor()
	require.True(t, ok)
	assert.True(t, hf.Equal(d("2")), "opening leverage must land on the target HF, got %s", hf)
}

func TestOpenGateHoldsBackThinCarry(t *testing.T) {
	ctx := context.Background()

	t.Run("net carry below minimum", func(t *testing.T) {
		perp := newPerp(decimal.NewFromInt(2000))
		lender := newLender(t, decimal.NewFromInt(10000))
		// Borrowing at 30% against 32.85% funding nets under the 5 point gate.
		lender.SetReserve(testQuote, core.APRFromFloat(3), core.APRFromFloat(30), nil)
		ctrl := newController(testConfig(), perp, lender)

		require.NoError(t, ctrl.Tick(ctx))
		assert.Nil(t, ctrl.Position())
	})

	t.Run("funding below flip threshold", func(t *testing.T) {
		perp := newPerp(decimal.NewFromInt(2000))
		perp.SetFunding(testSymbol, d("-0.0001"), 3)
		lender := newLender(t, decimal.NewFromInt(10000))
		ctrl := newController(testConfig(), perp, lender)

		require.NoError(t, ctrl.Tick(ctx))
		assert.Nil(t, ctrl.Position())
	})
}

func TestOpenRespectsLeverageCap(t *testing.T) {
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(2000))
	lender := newLender(t, decimal.NewFromInt(10000))
	cfg := testConfig()
	cfg.MaxLeverage = d("1.2")
	ctrl := newController(cfg, perp, lender)

	require.NoError(t, ctrl.Tick(ctx))

	pos := ctrl.Position()
	require.NotNil(t, pos)
	assert.True(t, pos.SpotSize.Equal(d("6")), "capped at 12000 USD, got %s units", pos.SpotSize)
	assert.True(t, pos.BorrowedUSD.Equal(d("2000")))
}

func TestOpenRespectsPositionCap(t *testing.T) {
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(2000))
	lender := newLender(t, decimal.NewFromInt(10000))
	cfg := testConfig()
	cfg.MaxPositionUSD = d("5000")
	ctrl := newController(cfg, perp, lender)

	require.NoError(t, ctrl.Tick(ctx))

	pos := ctrl.Position()
	require.NotNil(t, pos)
	assert.True(t, pos.SpotSize.Equal(d("2.5")))
	// The cap lands below the collateral, so nothing is borrowed.
	assert.True(t, pos.BorrowedUSD.IsZero(), "borrowed %s", pos.BorrowedUSD)
}

// rescueFixture opens a position at 3000 with a 1.44 target, then forces the
// account to HF 1.2 with ~500 USD of unrealized short profit. Deficit to
// target works out to exactly 300 USD.
func rescueFixture(t *testing.T, cfg carry.Config) (*carry.Controller, *paper.Venue, *paper.Lender, *carry.Position) {
	t.Helper()
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(3000))
	lender := newLender(t, decimal.NewFromInt(1500))
	ctrl := newController(cfg, perp, lender)

	require.NoError(t, ctrl.Tick(ctx))
	pos := ctrl.Position()
	require.NotNil(t, pos)

	lender.SetAccount(decimal.NewFromInt(1500), decimal.NewFromInt(1000))
	movePrice(perp, pos.PerpEntry.Sub(d("500").Div(pos.PerpSize)))
	return ctrl, perp, lender, pos
}

func rescueConfig() carry.Config {
	cfg := testConfig()
	cfg.TargetHF = d("1.44")
	cfg.MinHF = d("1.4")
	cfg.WarnHF = d("1.35")
	cfg.EmergencyHF = d("1.3")
	return cfg
}

func TestRescueRestoresTargetHealthFactor(t *testing.T) {
	ctx := context.Background()
	cfg := rescueConfig()
	ctrl, _, lender, before := rescueFixture(t, cfg)

	require.NoError(t, ctrl.Tick(ctx))

	health, err := lender.GetAccountHealth(ctx)
	require.NoError(t, err)
	// Deficit was 300: collateral 1500 -> 1800 against 1000 debt at 0.8.
	assert.True(t, health.CollateralUSD.Equal(d("1800")),
		"rescue must deposit exactly the deficit, collateral %s", health.CollateralUSD)
	hf, ok := health.HealthFactor()
	require.True(t, ok)
	assert.True(t, hf.GreaterThanOrEqual(cfg.TargetHF.Mul(d("0.95"))),
		"post-rescue HF %s below tolerance", hf)
	assert.True(t, hf.Equal(d("1.44")))

	after := ctrl.Position()
	require.NotNil(t, after)
	assert.True(t, after.PerpSize.Equal(before.PerpSize),
		"rescue must reopen the closed slice, perp %s vs %s", after.PerpSize, before.PerpSize)
	assert.True(t, after.SpotSize.Equal(before.SpotSize))
	assert.Equal(t, core.PositionOpen, after.Status)
}

func TestRescueSkipsTrivialDeficit(t *testing.T) {
	ctx := context.Background()
	cfg := rescueConfig()
	perp := newPerp(decimal.NewFromInt(3000))
	lender := newLender(t, decimal.NewFromInt(1500))
	ctrl := newController(cfg, perp, lender)
	require.NoError(t, ctrl.Tick(ctx))

	// HF 1.376 is under the 1.4 minimum, but the deficit to target is only
	// 8 USD and not worth an order pair.
	lender.SetAccount(decimal.NewFromInt(172), decimal.NewFromInt(100))

	require.NoError(t, ctrl.Tick(ctx))
	health, err := lender.GetAccountHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.CollateralUSD.Equal(d("172")), "collateral moved: %s", health.CollateralUSD)
}

func TestEmergencyWithoutProfitDeleverages(t *testing.T) {
	ctx := context.Background()
	cfg := rescueConfig()
	perp := newPerp(decimal.NewFromInt(3000))
	lender := newLender(t, decimal.NewFromInt(1500))
	ctrl := newController(cfg, perp, lender)
	require.NoError(t, ctrl.Tick(ctx))

	// HF below emergency while the short is under water: there is nothing to
	// realize, so the position is wound down instead of rescued.
	lender.SetAccount(decimal.NewFromInt(1500), decimal.NewFromInt(1000))
	movePrice(perp, decimal.NewFromInt(3100))

	require.NoError(t, ctrl.Tick(ctx))
	assert.Nil(t, ctrl.Position())
}

func TestFundingFlipClosesPosition(t *testing.T) {
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(2000))
	lender := newLender(t, decimal.NewFromInt(10000))
	ctrl := newController(testConfig(), perp, lender)
	require.NoError(t, ctrl.Tick(ctx))
	require.NotNil(t, ctrl.Position())

	perp.SetFunding(testSymbol, d("-0.0001"), 3)

	require.NoError(t, ctrl.Tick(ctx))
	assert.Nil(t, ctrl.Position())

	health, err := lender.GetAccountHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.DebtUSD.IsZero(), "debt must be repaid on close, got %s", health.DebtUSD)
}

func TestReverseRescueRefillsPerpMargin(t *testing.T) {
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(2000))
	lender := newLender(t, decimal.NewFromInt(10000))
	ctrl := newController(testConfig(), perp, lender)
	require.NoError(t, ctrl.Tick(ctx))

	// 500 margin against 14000 notional is under the 5% floor. HF sits at
	// 2.0, so the lender can spare a withdrawal up to the 10% refill.
	perp.SetBalance(decimal.NewFromInt(500))

	require.NoError(t, ctrl.Tick(ctx))
	require.NotNil(t, ctrl.Position())

	health, err := lender.GetAccountHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.CollateralUSD.Equal(d("9100")),
		"900 USD withdrawn toward margin, collateral %s", health.CollateralUSD)
}

func TestMarginCriticalWithoutHeadroomCloses(t *testing.T) {
	ctx := context.Background()
	perp := newPerp(decimal.NewFromInt(2000))
	lender := newLender(t, decimal.NewFromInt(10000))
	ctrl := newController(testConfig(), perp, lender)
	require.NoError(t, ctrl.Tick(ctx))

	// Same margin squeeze, but at HF 1.8 a withdrawal would push the lender
	// account toward liquidation; closing is the only safe move.
	perp.SetBalance(decimal.NewFromInt(500))
	lender.SetAccount(decimal.NewFromInt(9000), decimal.NewFromInt(4000))

	require.NoError(t, ctrl.Tick(ctx))
	assert.Nil(t, ctrl.Position())
}

func TestRescueFailureFallsBackThenRebalances(t *testing.T) {
	ctx := context.Background()
	cfg := rescueConfig()
	ctrl, _, lender, before := rescueFixture(t, cfg)

	// The rescue close fills, then the deposit fails: the fallback chain
	// reduces leverage instead, leaving the hedge smaller than the spot leg.
	lender.InjectError("deposit", apperrors.New(apperrors.KindNetwork, "pool rpc down"))
	require.NoError(t, ctrl.Tick(ctx))

	mid := ctrl.Position()
	require.NotNil(t, mid)
	assert.True(t, mid.SpotSize.Equal(before.SpotSize.Div(d("2"))),
		"reduce step halves the spot leg, got %s", mid.SpotSize)
	assert.True(t, mid.PerpSize.LessThan(mid.SpotSize),
		"failed rescue leaves the perp leg short: perp %s spot %s", mid.PerpSize, mid.SpotSize)

	// With the account healthy again, the drift rebalance restores delta.
	lender.SetAccount(decimal.NewFromInt(5000), decimal.NewFromInt(1000))
	require.NoError(t, ctrl.Tick(ctx))

	after := ctrl.Position()
	require.NotNil(t, after)
	assert.True(t, after.PerpSize.Equal(after.SpotSize),
		"rebalance must re-size the perp to the spot leg: perp %s spot %s",
		after.PerpSize, after.SpotSize)
}
