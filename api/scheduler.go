/*
scheduler.go - Idempotency record reaper scheduler

PURPOSE:
  Periodically sweeps the idempotency table: in_progress records older
  than the TTL are deleted so their keys can be retried, and terminal
  records older than the retention window are purged.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps immediately on start, then on every tick
  - RunNow performs a synchronous sweep (tests, admin tooling)

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReaperScheduler(reaper, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - idempotency/reaper.go: Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/philtech/credit-engine/idempotency"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

// ReaperScheduler runs idempotency sweeps in the background.
type ReaperScheduler struct {
	Reaper        *idempotency.Reaper
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewReaperScheduler creates a new scheduler.
func NewReaperScheduler(reaper *idempotency.Reaper, logger *zap.Logger) *ReaperScheduler {
	return &ReaperScheduler{
		Reaper:        reaper,
		CheckInterval: time.Minute,
		Enabled:       true,
		Logger:        logger,
	}
}

// Start begins the scheduler. Calling it twice has no effect.
func (rs *ReaperScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("reaper scheduler disabled, not starting")
		return
	}
	if rs.running {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.running = true
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("reaper scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (rs *ReaperScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.running = false
	rs.Logger.Info("reaper scheduler stopped")
}

func (rs *ReaperScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.sweep()

	for {
		select {
		case <-rs.ticker.C:
			rs.sweep()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReaperScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := rs.RunNow(ctx); err != nil {
		rs.Logger.Error("idempotency sweep failed", zap.Error(err))
	}
}

// RunNow sweeps once, synchronously.
func (rs *ReaperScheduler) RunNow(ctx context.Context) (idempotency.SweepResult, error) {
	res, err := rs.Reaper.Sweep(ctx)
	if err != nil {
		return res, err
	}
	if res.Expired > 0 || res.Purged > 0 {
		rs.Logger.Info("idempotency sweep",
			zap.Int("expired", res.Expired),
			zap.Int("purged", res.Purged),
		)
	}
	return res, nil
}
