package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/philtech/credit-engine/cache"
	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/credit/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*cache.BalanceCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewBalanceCache(client, time.Minute, zap.NewNop()), mr
}

func TestBalanceCache_ReadThroughAndInvalidate(t *testing.T) {
	// GIVEN: A ledger wired to the cache
	// WHEN: A balance is read, then changed by a top-up
	// THEN: The first read fills the cache, the top-up drops it

	c, mr := newTestCache(t)
	mem := store.NewMemory()
	ledger := credit.NewLedger(mem, credit.DefaultLimits(), zap.NewNop(), credit.WithCache(c))
	ctx := context.Background()

	a, err := mem.CreateAccount(ctx, credit.Account{Name: "alice"})
	require.NoError(t, err)

	bal, err := c.Balance(ctx, ledger, a.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.Equal(t, "0.00", mustGet(t, mr, "balance:"+a.ID.String()))

	_, err = ledger.TopUp(ctx, a.ID, decimal.NewFromInt(100), credit.PaymentCash, "")
	require.NoError(t, err)
	assert.False(t, mr.Exists("balance:"+a.ID.String()))

	bal, err = c.Balance(ctx, ledger, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", bal.StringFixed(2))
}

func TestBalanceCache_ServesCachedValue(t *testing.T) {
	c, mr := newTestCache(t)
	mem := store.NewMemory()
	ledger := credit.NewLedger(mem, credit.DefaultLimits(), zap.NewNop())
	ctx := context.Background()

	a, err := mem.CreateAccount(ctx, credit.Account{Name: "bob"})
	require.NoError(t, err)
	require.NoError(t, mr.Set("balance:"+a.ID.String(), "42.50"))

	bal, err := c.Balance(ctx, ledger, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "42.50", bal.StringFixed(2))

	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "expired")
}

func TestBalanceCache_RedisDown_FallsBackToStore(t *testing.T) {
	c, mr := newTestCache(t)
	mem := store.NewMemory()
	ledger := credit.NewLedger(mem, credit.DefaultLimits(), zap.NewNop())
	ctx := context.Background()

	a, err := mem.CreateAccount(ctx, credit.Account{Name: "carol"})
	require.NoError(t, err)
	mr.Close()

	bal, err := c.Balance(ctx, ledger, a.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = c.Balance(ctx, ledger, 999)
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
