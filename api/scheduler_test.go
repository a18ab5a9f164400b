package api

import (
	"context"
	"testing"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/credit/store"
	"github.com/philtech/credit-engine/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedRecord(t *testing.T, mem *store.Memory, key string, status credit.IdempotencyStatus, at time.Time) {
	t.Helper()
	_, _, err := mem.CreateIdempotencyRecord(context.Background(), credit.IdempotencyRecord{
		Key: key, Status: status, RequestHash: "h", CreatedAt: at, UpdatedAt: at,
	})
	require.NoError(t, err)
}

func TestReaperScheduler_RunNow(t *testing.T) {
	// GIVEN: An abandoned in_progress record and a fresh one
	// WHEN: A sweep runs
	// THEN: Only the abandoned key is freed

	mem := store.NewMemory()
	now := time.Now().UTC()
	seedRecord(t, mem, "abandoned", credit.IdempotencyInProgress, now.Add(-time.Hour))
	seedRecord(t, mem, "fresh", credit.IdempotencyInProgress, now)

	rs := NewReaperScheduler(idempotency.NewReaper(mem, 10*time.Minute, 24*time.Hour, zap.NewNop()), zap.NewNop())
	res, err := rs.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	_, err = mem.GetIdempotencyRecord(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestReaperScheduler_StartSweepsImmediately(t *testing.T) {
	mem := store.NewMemory()
	seedRecord(t, mem, "abandoned", credit.IdempotencyInProgress, time.Now().UTC().Add(-time.Hour))

	rs := NewReaperScheduler(idempotency.NewReaper(mem, 10*time.Minute, 24*time.Hour, zap.NewNop()), zap.NewNop())
	rs.CheckInterval = time.Hour
	rs.Start()
	rs.Start()
	defer rs.Stop()

	assert.Eventually(t, func() bool {
		_, err := mem.GetIdempotencyRecord(context.Background(), "abandoned")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestReaperScheduler_Disabled(t *testing.T) {
	rs := NewReaperScheduler(idempotency.NewReaper(store.NewMemory(), 0, 0, zap.NewNop()), zap.NewNop())
	rs.Enabled = false
	rs.Start()
	rs.Stop()
	assert.False(t, rs.running)
}
