package idempotency

import (
	"context"
	"time"

	"github.com/philtech/credit-engine/credit"
	"go.uber.org/zap"
)

const (
	DefaultTTL       = 10 * time.Minute
	DefaultRetention = 24 * time.Hour
)

// Reaper expires idempotency records.
//
// An in_progress record older than TTL belongs to a request that died
// before finishing. Completion commits together with the request's effects,
// so such a record has no effects behind it and is deleted, freeing the key.
// Terminal records are purged after Retention.
type Reaper struct {
	Store     credit.IdempotencyStore
	TTL       time.Duration
	Retention time.Duration
	Logger    *zap.Logger

	now func() time.Time
}

func NewReaper(store credit.IdempotencyStore, ttl, retention time.Duration, logger *zap.Logger) *Reaper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reaper{Store: store, TTL: ttl, Retention: retention, Logger: logger, now: time.Now}
}

type SweepResult struct {
	Expired int // abandoned in_progress records
	Purged  int // terminal records past retention
}

// Sweep runs one expiry pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	now := r.now().UTC()
	var res SweepResult

	n, err := r.Store.DeleteIdempotencyRecords(ctx, credit.IdempotencyInProgress, now.Add(-r.TTL))
	if err != nil {
		return res, err
	}
	res.Expired = n

	for _, status := range []credit.IdempotencyStatus{credit.IdempotencyCompleted, credit.IdempotencyFailed} {
		n, err := r.Store.DeleteIdempotencyRecords(ctx, status, now.Add(-r.Retention))
		if err != nil {
			return res, err
		}
		res.Purged += n
	}

	reapedTotal.WithLabelValues("expired").Add(float64(res.Expired))
	reapedTotal.WithLabelValues("purged").Add(float64(res.Purged))
	if res.Expired > 0 {
		r.Logger.Warn("expired abandoned idempotency records", zap.Int("count", res.Expired), zap.Duration("ttl", r.TTL))
	}
	return res, nil
}
