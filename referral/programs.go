package referral

import (
	"context"
	"fmt"

	"github.com/philtech/credit-engine/credit"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// defaultTable holds, per upline tier, one row per generation with the payout
// for a referred Basic, Premium, Elite and ElitePlus purchase.
var defaultTable = map[credit.Tier][][4]int64{
	credit.TierBasic: {
		{10, 25, 40, 60},
		{5, 10, 20, 30},
		{2, 5, 10, 15},
	},
	credit.TierPremium: {
		{20, 35, 50, 75},
		{10, 20, 30, 45},
		{5, 10, 15, 25},
		{2, 5, 10, 15},
		{1, 2, 5, 10},
	},
	credit.TierElite: {
		{25, 45, 70, 100},
		{15, 25, 40, 60},
		{10, 15, 25, 35},
		{5, 10, 15, 25},
		{2, 5, 10, 15},
		{1, 2, 5, 10},
		{1, 2, 5, 10},
		{1, 2, 5, 10},
	},
	credit.TierElitePlus: {
		{30, 55, 85, 125},
		{20, 30, 50, 75},
		{10, 20, 30, 45},
		{5, 10, 20, 30},
		{5, 10, 15, 20},
		{2, 5, 10, 15},
		{2, 5, 10, 15},
		{2, 5, 10, 15},
		{1, 2, 5, 10},
		{1, 2, 5, 10},
	},
}

// DefaultPrograms returns the built-in incentive table.
func DefaultPrograms() []credit.IncentiveProgram {
	var out []credit.IncentiveProgram
	for _, upline := range credit.Tiers {
		for i, row := range defaultTable[upline] {
			amounts := make(map[credit.Tier]decimal.Decimal, len(credit.Tiers))
			for j, referred := range credit.Tiers {
				amounts[referred] = decimal.NewFromInt(row[j])
			}
			out = append(out, credit.IncentiveProgram{Tier: upline, Generation: i + 1, Amounts: amounts})
		}
	}
	return out
}

// SeedPrograms stores the default table when the store holds no programs.
// Returns the number of rows written.
func SeedPrograms(ctx context.Context, store credit.IncentiveStore, logger *zap.Logger) (int, error) {
	existing, err := store.ListIncentivePrograms(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	programs := DefaultPrograms()
	for _, p := range programs {
		if err := store.SaveIncentiveProgram(ctx, p); err != nil {
			return 0, fmt.Errorf("seed program %s/%d: %w", p.Tier, p.Generation, err)
		}
	}
	logger.Info("seeded default incentive programs", zap.Int("rows", len(programs)))
	return len(programs), nil
}

// ValidateProgram checks an admin supplied program row.
func ValidateProgram(p credit.IncentiveProgram, maxGenerations int) error {
	if _, err := ParseTier(string(p.Tier)); err != nil {
		return err
	}
	if p.Generation < 1 || p.Generation > maxGenerations {
		return &credit.ValidationError{
			Field:   "generation",
			Message: fmt.Sprintf("generation must be between 1 and %d", maxGenerations),
		}
	}
	for t, amount := range p.Amounts {
		if _, err := ParseTier(string(t)); err != nil {
			return err
		}
		if amount.IsNegative() {
			return &credit.ValidationError{Field: "amounts", Message: fmt.Sprintf("amount for %s is negative", t)}
		}
		if !amount.Equal(amount.Truncate(credit.AmountScale)) {
			return &credit.ValidationError{Field: "amounts", Message: fmt.Sprintf("amount for %s has more than %d decimals", t, credit.AmountScale)}
		}
	}
	return nil
}
