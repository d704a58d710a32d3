package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narivals/rivals-ledger/internal/model"
)

var errBoom = errors.New("boom")

// runStoreSuite exercises the Store contract. Tests use fresh user IDs and
// compare commodities relative to their starting values so a shared
// database can serve every subtest.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("seeded commodities", func(t *testing.T) {
		st := newStore(t)
		cs, err := st.ListCommodities(context.Background())
		require.NoError(t, err)
		require.Len(t, cs, len(model.Symbols))
		for i, c := range cs {
			assert.Equal(t, model.Symbols[i], c.Symbol)
			assert.GreaterOrEqual(t, c.UnitValue, int64(1))
		}
	})

	t.Run("commits all writes", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		uid := newUserID()
		before := commodity(t, st, model.Fire)

		entryID := uuid.NewString()
		err := st.Update(ctx, func(tx Tx) error {
			if err := tx.PutWallet(ctx, newWallet(uid, 50)); err != nil {
				return err
			}
			if err := tx.PutHolding(ctx, model.Holding{UserID: uid, Symbol: model.Fire, Shares: 3}); err != nil {
				return err
			}
			c, err := tx.GetCommodity(ctx, model.Fire)
			if err != nil {
				return err
			}
			c.OutstandingShares += 3
			if err := tx.PutCommodity(ctx, c); err != nil {
				return err
			}
			return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
				ID: entryID, UserID: uid, Kind: model.EntryPurchase, Symbol: model.Fire,
				Quantity: 3, UnitValue: c.UnitValue, TokenDelta: -100, BalanceAfter: 50,
				CreatedAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)

		w, err := st.GetWallet(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(50), w.Tokens)

		h, err := st.GetHoldings(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(3), h[model.Fire])

		after := commodity(t, st, model.Fire)
		assert.Equal(t, before.OutstandingShares+3, after.OutstandingShares)

		entries, err := st.ListLedgerEntriesByUser(ctx, uid)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entryID, entries[0].ID)
		assert.Equal(t, model.EntryPurchase, entries[0].Kind)
		assert.Equal(t, int64(-100), entries[0].TokenDelta)
	})

	t.Run("failed unit leaves no trace", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		uid := newUserID()
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.PutWallet(ctx, newWallet(uid, model.DefaultTokens))
		}))
		before := commodity(t, st, model.Water)

		err := st.Update(ctx, func(tx Tx) error {
			if err := tx.PutWallet(ctx, newWallet(uid, 0)); err != nil {
				return err
			}
			if err := tx.PutHolding(ctx, model.Holding{UserID: uid, Symbol: model.Water, Shares: 5}); err != nil {
				return err
			}
			c, err := tx.GetCommodity(ctx, model.Water)
			if err != nil {
				return err
			}
			c.OutstandingShares += 5
			if err := tx.PutCommodity(ctx, c); err != nil {
				return err
			}
			if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
				ID: uuid.NewString(), UserID: uid, Kind: model.EntryPurchase, CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		w, err := st.GetWallet(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultTokens, w.Tokens)

		h, err := st.GetHoldings(ctx, uid)
		require.NoError(t, err)
		assert.Zero(t, h[model.Water])

		assert.Equal(t, before, commodity(t, st, model.Water))

		entries, err := st.ListLedgerEntriesByUser(ctx, uid)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unit reads its own writes", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		uid := newUserID()
		err := st.Update(ctx, func(tx Tx) error {
			if err := tx.PutWallet(ctx, newWallet(uid, 7)); err != nil {
				return err
			}
			w, err := tx.GetWallet(ctx, uid)
			if err != nil {
				return err
			}
			assert.Equal(t, int64(7), w.Tokens)

			if err := tx.PutHolding(ctx, model.Holding{UserID: uid, Symbol: model.Air, Shares: 2}); err != nil {
				return err
			}
			h, err := tx.GetHoldings(ctx, uid)
			if err != nil {
				return err
			}
			assert.Equal(t, int64(2), h[model.Air])
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("not found", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		_, err := st.GetWallet(ctx, newUserID())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = st.FindWalletByExternalID(ctx, "nobody-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		err = st.Update(ctx, func(tx Tx) error {
			_, err := tx.GetCommodity(ctx, model.Symbol("gold"))
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)

		err = st.Update(ctx, func(tx Tx) error {
			return tx.PutCommodity(ctx, &model.Commodity{Symbol: "gold", UnitValue: 1})
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("external id is unique", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		a, b := newUserID(), newUserID()
		ext := "player-" + uuid.NewString()

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			w := newWallet(a, model.DefaultTokens)
			w.LinkedExternalID = ext
			return tx.PutWallet(ctx, w)
		}))

		err := st.Update(ctx, func(tx Tx) error {
			w := newWallet(b, model.DefaultTokens)
			w.LinkedExternalID = ext
			return tx.PutWallet(ctx, w)
		})
		assert.ErrorIs(t, err, ErrConflict)

		found, err := st.FindWalletByExternalID(ctx, ext)
		require.NoError(t, err)
		assert.Equal(t, a, found.UserID)

		_, err = st.GetWallet(ctx, b)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("journal is oldest first", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		uid := newUserID()
		base := time.Now().UTC().Truncate(time.Millisecond)

		var ids []string
		for i := 0; i < 3; i++ {
			id := uuid.NewString()
			ids = append(ids, id)
			at := base.Add(time.Duration(i) * time.Second)
			require.NoError(t, st.Update(ctx, func(tx Tx) error {
				return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
					ID: id, UserID: uid, Kind: model.EntryBonus, TokenDelta: int64(i + 1), CreatedAt: at,
				})
			}))
		}

		entries, err := st.ListLedgerEntriesByUser(ctx, uid)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, ids[i], e.ID)
			assert.WithinDuration(t, base.Add(time.Duration(i)*time.Second), e.CreatedAt, time.Millisecond)
		}
	})
}

func newUserID() string {
	return "user-" + uuid.NewString()
}

func newWallet(userID string, tokens int64) *model.Wallet {
	return &model.Wallet{UserID: userID, Alias: "tester", Tokens: tokens, CreatedAt: time.Now().UTC()}
}

func commodity(t *testing.T, st Store, symbol model.Symbol) model.Commodity {
	t.Helper()
	cs, err := st.ListCommodities(context.Background())
	require.NoError(t, err)
	for _, c := range cs {
		if c.Symbol == symbol {
			return c
		}
	}
	t.Fatalf("commodity %s missing", symbol)
	return model.Commodity{}
}
