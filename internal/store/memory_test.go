package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narivals/rivals-ledger/internal/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.PutWallet(ctx, newWallet("u1", 150))
	}))

	w, err := st.GetWallet(ctx, "u1")
	require.NoError(t, err)
	w.Tokens = 0

	again, err := st.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), again.Tokens)
}

func TestMemoryStoreCanceledContextDiscardsUnit(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := st.Update(ctx, func(tx Tx) error {
		cancel()
		return tx.PutWallet(ctx, newWallet("u1", 150))
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = st.GetWallet(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsNegativeHolding(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.Update(ctx, func(tx Tx) error {
		return tx.PutHolding(ctx, model.Holding{UserID: "u1", Symbol: model.Earth, Shares: -1})
	})
	assert.Error(t, err)
}

func TestMemoryStoreRelinkFreesExternalID(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	a := newWallet("a", 150)
	a.LinkedExternalID = "ext"
	require.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.PutWallet(ctx, a) }))

	// Moving the id off a and onto b inside one unit is allowed.
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		a.LinkedExternalID = "other"
		if err := tx.PutWallet(ctx, a); err != nil {
			return err
		}
		b := newWallet("b", 150)
		b.LinkedExternalID = "ext"
		return tx.PutWallet(ctx, b)
	}))

	found, err := st.FindWalletByExternalID(ctx, "ext")
	require.NoError(t, err)
	assert.Equal(t, "b", found.UserID)
}
