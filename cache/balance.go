// Package cache keeps recently read balances in Redis.
//
// The store stays authoritative. Entries expire after TTL and are dropped
// by the ledger after every committed posting.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewClient connects to addr and pings it.
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("env REDIS_ADDR is not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          0,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func NewBalanceCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BalanceCache{client: client, ttl: ttl, logger: logger}
}

func balanceKey(id credit.AccountID) string { return "balance:" + id.String() }

// Get returns the cached balance and whether it was present.
func (c *BalanceCache) Get(ctx context.Context, id credit.AccountID) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, balanceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt cached balance for %s: %w", id, err)
	}
	return d, true, nil
}

func (c *BalanceCache) Set(ctx context.Context, id credit.AccountID, balance decimal.Decimal) error {
	return c.client.Set(ctx, balanceKey(id), balance.StringFixed(credit.AmountScale), c.ttl).Err()
}

// Invalidate drops the entries of ids. Implements credit.BalanceInvalidator.
func (c *BalanceCache) Invalidate(ctx context.Context, ids ...credit.AccountID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, balanceKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}

// Balance reads through the cache. Cache errors are logged and the store
// answers instead.
func (c *BalanceCache) Balance(ctx context.Context, ledger *credit.Ledger, id credit.AccountID) (decimal.Decimal, error) {
	cached, ok, err := c.Get(ctx, id)
	if err != nil {
		c.logger.Warn("balance cache read failed", zap.Int64("account_id", int64(id)), zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	balance, err := ledger.Balance(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.Set(ctx, id, balance); err != nil {
		c.logger.Warn("balance cache write failed", zap.Int64("account_id", int64(id)), zap.Error(err))
	}
	return balance, nil
}
