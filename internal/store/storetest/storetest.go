// Package storetest holds the behaviour every RecordStore backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botkeeper/internal/store"
)

// Run exercises s against a freshly created schema.
func Run(t *testing.T, s store.RecordStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation must be repeatable")

	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	t.Run("accounts", func(t *testing.T) {
		require.NoError(t, s.CreateAccount(ctx, store.Account{ID: "acct-a", Name: "main", Exchange: "paper", Currency: "USD", CreatedAt: t0}))
		require.NoError(t, s.CreateAccount(ctx, store.Account{ID: "acct-b", Name: "alt", Exchange: "paper", Currency: "USD", CreatedAt: t0.Add(time.Minute)}))
		assert.Error(t, s.CreateAccount(ctx, store.Account{ID: "acct-a", Name: "dup", Exchange: "paper", Currency: "USD"}))
		assert.ErrorIs(t, s.CreateAccount(ctx, store.Account{}), store.ErrInvalid)

		a, err := s.GetAccount(ctx, "acct-a")
		require.NoError(t, err)
		assert.Equal(t, "main", a.Name)
		assert.Nil(t, a.SyncedAt)
		assert.True(t, t0.Equal(a.CreatedAt))

		_, err = s.GetAccount(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		list, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "acct-a", list[0].ID)

		synced := t0.Add(time.Hour)
		require.NoError(t, s.UpdateBalance(ctx, "acct-a", 1234.5, synced))
		a, err = s.GetAccount(ctx, "acct-a")
		require.NoError(t, err)
		assert.InDelta(t, 1234.5, a.Balance, 1e-9)
		require.NotNil(t, a.SyncedAt)
		assert.True(t, synced.Equal(*a.SyncedAt))
		assert.ErrorIs(t, s.UpdateBalance(ctx, "missing", 1, synced), store.ErrNotFound)
	})

	t.Run("trades", func(t *testing.T) {
		trades := []store.Trade{
			{ID: "t1", AccountID: "acct-a", WorkerID: "w1", Symbol: "BTC-USD", Side: store.SideBuy, Quantity: 1, Price: 100, ExecutedAt: t0},
			{ID: "t2", AccountID: "acct-a", Symbol: "BTC-USD", Side: store.SideBuy, Quantity: 1, Price: 200, ExecutedAt: t0.Add(time.Minute)},
			{ID: "t3", AccountID: "acct-a", WorkerID: "w1", Symbol: "ETH-USD", Side: store.SideSell, Quantity: 2, Price: 10, Fee: 0.1, ExecutedAt: t0.Add(2 * time.Minute)},
		}
		for _, tr := range trades {
			require.NoError(t, s.RecordTrade(ctx, tr))
		}
		assert.ErrorIs(t, s.RecordTrade(ctx, store.Trade{ID: "bad", AccountID: "acct-a", Symbol: "X", Side: "hold", Quantity: 1}), store.ErrInvalid)

		got, err := s.ListTrades(ctx, "acct-a", 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "t3", got[0].ID, "newest first")
		assert.Equal(t, store.SideSell, got[0].Side)
		assert.Equal(t, "w1", got[0].WorkerID)
		assert.Empty(t, got[1].WorkerID)
		assert.InDelta(t, 0.1, got[0].Fee, 1e-9)

		got, err = s.ListTrades(ctx, "acct-a", 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = s.ListTrades(ctx, "acct-b", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("positions", func(t *testing.T) {
		require.NoError(t, s.ReplacePositions(ctx, "acct-a", []store.Position{
			{Symbol: "BTC-USD", Quantity: 2, AvgPrice: 150},
			{Symbol: "ETH-USD", Quantity: -2, AvgPrice: 0},
		}))
		require.NoError(t, s.ReplacePositions(ctx, "acct-b", []store.Position{{Symbol: "SOL-USD", Quantity: 5, AvgPrice: 20}}))

		ps, err := s.ListPositions(ctx, "acct-a")
		require.NoError(t, err)
		require.Len(t, ps, 2)
		assert.Equal(t, "BTC-USD", ps[0].Symbol)
		assert.InDelta(t, 150.0, ps[0].AvgPrice, 1e-9)
		assert.False(t, ps[0].UpdatedAt.IsZero())

		require.NoError(t, s.ReplacePositions(ctx, "acct-a", []store.Position{{Symbol: "BTC-USD", Quantity: 1, AvgPrice: 150}}))
		ps, err = s.ListPositions(ctx, "acct-a")
		require.NoError(t, err)
		require.Len(t, ps, 1)
		assert.InDelta(t, 1.0, ps[0].Quantity, 1e-9)

		ps, err = s.ListPositions(ctx, "acct-b")
		require.NoError(t, err)
		assert.Len(t, ps, 1, "other accounts untouched")
	})

	t.Run("delete account", func(t *testing.T) {
		require.NoError(t, s.DeleteAccount(ctx, "acct-a"))
		_, err := s.GetAccount(ctx, "acct-a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		trades, err := s.ListTrades(ctx, "acct-a", 0)
		require.NoError(t, err)
		assert.Empty(t, trades)
		ps, err := s.ListPositions(ctx, "acct-a")
		require.NoError(t, err)
		assert.Empty(t, ps)
		assert.ErrorIs(t, s.DeleteAccount(ctx, "acct-a"), store.ErrNotFound)
	})
}
