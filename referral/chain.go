/*
Package referral computes multi-level referral incentives.

KEY CONCEPTS:
  - Chain: the uplines above an account, generation 1 first
  - Tier: Basic, Premium, Elite or ElitePlus, derived from a package name
  - IncentiveProgram: payout per referred tier for (upline tier, generation)
  - Engine: stages payouts for a generation band and commits them atomically

THE UPLINE GRAPH IS NOT TRUSTED:
  Nothing in the store prevents upline_id from forming a cycle or pointing
  at a deleted account. The resolver is an iterative walk with a hard depth
  cap that also stops on a revisited account or a dangling reference.

SEE ALSO:
  - engine.go: Apply / ApplyAll
  - tier.go: package -> tier table
  - programs.go: default incentive table
*/
package referral

import (
	"context"
	"errors"

	"github.com/philtech/credit-engine/credit"
	"go.uber.org/zap"
)

// Resolver walks upline references.
type Resolver struct {
	store  credit.AccountStore
	logger *zap.Logger
}

func NewResolver(store credit.AccountStore, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveChain returns at most maxDepth uplines of start, immediate upline first.
func (r *Resolver) ResolveChain(ctx context.Context, start credit.AccountID, maxDepth int) ([]credit.Account, error) {
	a, err := r.store.GetAccount(ctx, start)
	if err != nil {
		return nil, err
	}
	if a.UplineID == nil {
		return nil, nil
	}
	return r.Walk(ctx, *a.UplineID, maxDepth, start)
}

// Walk collects first and its uplines, at most maxDepth accounts. Accounts
// listed in exclude (typically the purchaser) end the walk like a cycle.
func (r *Resolver) Walk(ctx context.Context, first credit.AccountID, maxDepth int, exclude ...credit.AccountID) ([]credit.Account, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	seen := make(map[credit.AccountID]bool, maxDepth+len(exclude))
	for _, id := range exclude {
		seen[id] = true
	}

	chain := make([]credit.Account, 0, maxDepth)
	next := &first
	for next != nil && len(chain) < maxDepth {
		id := *next
		if seen[id] {
			r.logger.Warn("upline cycle detected, chain truncated",
				zap.Int64("account_id", int64(id)),
				zap.Int("depth", len(chain)),
			)
			break
		}
		seen[id] = true

		a, err := r.store.GetAccount(ctx, id)
		if errors.Is(err, credit.ErrAccountNotFound) {
			r.logger.Warn("dangling upline reference, chain truncated",
				zap.Int64("account_id", int64(id)),
				zap.Int("depth", len(chain)),
			)
			break
		}
		if err != nil {
			return nil, err
		}

		chain = append(chain, a)
		next = a.UplineID
	}
	return chain, nil
}
