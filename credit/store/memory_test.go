package store_test

import (
	"context"
	"testing"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/credit/store"
	"github.com/philtech/credit-engine/credit/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) credit.TxStore {
		return store.NewMemory()
	})
}

func TestMemoryStore_PanicRollsBack(t *testing.T) {
	// GIVEN: A transaction that writes an account and then panics
	// WHEN: The panic propagates out of WithTx
	// THEN: The write is rolled back and the store stays usable

	mem := store.NewMemory()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = mem.WithTx(ctx, func(tx credit.Store) error {
			_, err := tx.CreateAccount(ctx, credit.Account{Name: "ghost"})
			require.NoError(t, err)
			panic("boom")
		})
	})

	_, err := mem.GetAccount(ctx, 1)
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)

	a, err := mem.CreateAccount(ctx, credit.Account{Name: "real"})
	require.NoError(t, err)
	assert.Equal(t, "real", a.Name)
}
