package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *core.KeeperState {
	return &core.KeeperState{
		Version: core.StateSchemaVersion,
		Positions: []*core.Position{{
			ID:         "pos-1",
			StrategyID: "plan-1",
			Venue:      "venue_a",
			Symbol:     "ETHUSDT",
			Side:       core.SideSell,
			Size:       decimal.RequireFromString("5"),
			EntryPrice: decimal.NewFromInt(3000),
			OpenedAt:   time.Now().UTC().Truncate(time.Second),
			Status:     core.PositionOpen,
		}},
		Incidents: []*core.SingleLegIncident{{
			ID:     "inc-1",
			PlanID: "plan-2",
			Symbol: "BTCUSDT",
			Reason: "short leg rejected",
		}},
		SavedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func backends(t *testing.T) map[string]core.IStateStore {
	t.Helper()
	dir := t.TempDir()

	file, err := store.NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	sqlite, err := store.NewSQLiteStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)

	stores := map[string]core.IStateStore{
		"memory": store.NewMemoryStore(),
		"file":   file,
		"sql":    sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestSnapshotRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			loaded, err := s.LoadSnapshot(ctx)
			require.NoError(t, err)
			assert.Nil(t, loaded, "fresh store must be empty")

			state := sampleState()
			require.NoError(t, s.SaveSnapshot(ctx, state))

			loaded, err = s.LoadSnapshot(ctx)
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, core.StateSchemaVersion, loaded.Version)
			require.Len(t, loaded.Positions, 1)
			assert.True(t, loaded.Positions[0].Size.Equal(state.Positions[0].Size))
			assert.Equal(t, core.PositionOpen, loaded.Positions[0].Status)
			require.Len(t, loaded.Incidents, 1)
			assert.False(t, loaded.Incidents[0].Resolved())
		})
	}
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveSnapshot(ctx, sampleState()))

			next := sampleState()
			next.Positions = nil
			require.NoError(t, s.SaveSnapshot(ctx, next))

			loaded, err := s.LoadSnapshot(ctx)
			require.NoError(t, err)
			assert.Empty(t, loaded.Positions)
		})
	}
}

func TestPaymentJournalFiltersByWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, s.AppendPayment(ctx, &core.Payment{
					Venue:     "venue_a",
					Symbol:    "ETHUSDT",
					AmountUSD: decimal.NewFromInt(int64(i + 1)),
					Rate:      core.RateFromFloat(0.0001),
					Timestamp: base.Add(time.Duration(i) * time.Hour),
				}))
			}

			got, err := s.ListPayments(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.True(t, got[0].AmountUSD.Equal(decimal.NewFromInt(2)))
			assert.True(t, got[2].AmountUSD.Equal(decimal.NewFromInt(4)))
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(store.KindMemory, "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.Open(store.KindFile, filepath.Join(dir, "s.json"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.Open(store.KindSQL, filepath.Join(dir, "s.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = store.Open("bogus", "")
	assert.Error(t, err)
}
