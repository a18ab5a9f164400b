package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/credit/storetest"
	"github.com/philtech/credit-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) credit.TxStore {
		return newTestStore(t)
	})
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	// GIVEN: A file database with one funded account
	// WHEN: The store is closed and opened again
	// THEN: The account and its balance are still there

	path := filepath.Join(t.TempDir(), "credit.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	a, err := store.CreateAccount(ctx, credit.Account{Name: "alice", Package: "Basic"})
	require.NoError(t, err)
	_, err = store.IncrementBalance(ctx, a.ID, credit.MustAmount("123.45"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	got, err := store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "123.45", got.Balance.StringFixed(2))
	assert.NoError(t, store.Ping(ctx))
}
