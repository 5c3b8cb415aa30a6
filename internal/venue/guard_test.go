package venue_test

import (
	"context"
	"testing"
	"time"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/venue"
	"funding_keeper/internal/venue/paper"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{ core.ILogger }

func (mockLogger) Debug(string, ...interface{})                     {}
func (mockLogger) Info(string, ...interface{})                      {}
func (mockLogger) Warn(string, ...interface{})                      {}
func (mockLogger) Error(string, ...interface{})                     {}
func (l mockLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l mockLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func newPaper(name string) *paper.Venue {
	v := paper.New(name, paper.WithImmediateFills())
	v.SetMark("ETHUSDT", decimal.NewFromInt(3000))
	v.SetBalance(decimal.NewFromInt(100000))
	return v
}

func TestGuardStaysWithinWeightBudget(t *testing.T) {
	ctx := context.Background()
	inner := newPaper("venue_a")
	g := venue.NewGuard(inner, venue.GuardConfig{WeightPerMinute: 20}, mockLogger{})

	// get_positions costs 5 weight; four calls exhaust a budget of 20.
	for i := 0; i < 4; i++ {
		_, err := g.GetPositions(ctx)
		require.NoError(t, err, "call %d should fit the budget", i)
	}

	_, err := g.GetPositions(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindRateLimited))
	require.ErrorIs(t, err, apperrors.ErrBudgetExhausted)
	assert.Greater(t, apperrors.RetryAfterOf(err), time.Duration(0))
}

func TestGuardCachesMarkPrice(t *testing.T) {
	ctx := context.Background()
	inner := newPaper("venue_a")
	g := venue.NewGuard(inner, venue.GuardConfig{WeightPerMinute: 1200}, mockLogger{})

	first, err := g.GetMarkPrice(ctx, "ETHUSDT")
	require.NoError(t, err)

	// A second call within the TTL never reaches the venue, so an injected
	// failure stays queued.
	inner.InjectError("get_mark", apperrors.New(apperrors.KindNetwork, "boom"))
	second, err := g.GetMarkPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestGuardOpensBreakerAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	inner := newPaper("venue_a")
	g := venue.NewGuard(inner, venue.GuardConfig{WeightPerMinute: 1200}, mockLogger{})

	for i := 0; i < 5; i++ {
		inner.InjectError("health", apperrors.New(apperrors.KindNetwork, "down"))
		require.Error(t, g.CheckHealth(ctx))
	}

	// Five retryable failures in a row trip the breaker; the next call is
	// rejected before reaching the venue.
	err := g.CheckHealth(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestGuardInvalidatesBalanceAfterOrder(t *testing.T) {
	ctx := context.Background()
	inner := newPaper("venue_a")
	g := venue.NewGuard(inner, venue.GuardConfig{WeightPerMinute: 1200}, mockLogger{})

	before, err := g.GetBalance(ctx)
	require.NoError(t, err)

	// Within the TTL the cache answers, even after the venue moved.
	inner.SetBalance(decimal.NewFromInt(50000))
	cached, err := g.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, before.Equal(cached))

	// Placing an order drops the cache so the next read sees venue truth.
	_, err = g.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "ETHUSDT",
		Side:   core.SideBuy,
		Type:   core.OrderTypeMarket,
		Size:   decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	after, err := g.GetBalance(ctx)
	require.NoError(t, err)
	assert.False(t, after.Equal(decimal.NewFromInt(100000)), "balance cache must be dropped after an order")
}

func TestRegistryBuildsGuardedVenues(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Symbols = []string{"ETHUSDT"}
	cfg.Venues = map[string]config.VenueConfig{
		"venue_a": {Kind: "perp", Adapter: "paper", FundingConvention: "shorts_pay_when_positive"},
		"venue_b": {Kind: "spot", Adapter: "paper"},
	}
	require.NoError(t, cfg.Validate())

	reg, err := venue.Build(cfg, mockLogger{})
	require.NoError(t, err)

	a, err := reg.Get("venue_a")
	require.NoError(t, err)
	assert.Equal(t, "venue_a", a.GetName())
	assert.Equal(t, core.VenuePerp, a.Kind())
	assert.Equal(t, core.ShortsPayWhenPositive, a.FundingConvention())

	_, err = reg.Get("venue_c")
	assert.Error(t, err)

	perps := reg.Perps()
	assert.Len(t, perps, 1)
	_, ok := perps["venue_a"]
	assert.True(t, ok)
}
