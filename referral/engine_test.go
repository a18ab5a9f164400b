package referral_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/credit/store"
	"github.com/philtech/credit-engine/events"
	"github.com/philtech/credit-engine/referral"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// =============================================================================
// HELPERS
// =============================================================================

func newTestEngine(t *testing.T, s credit.TxStore, cfg referral.Config, ledgerOpts []credit.Option, opts ...referral.Option) *referral.Engine {
	ledger := credit.NewLedger(s, credit.DefaultLimits(), zap.NewNop(), ledgerOpts...)
	return referral.NewEngine(ledger, cfg, zap.NewNop(), opts...)
}

func createAccount(t *testing.T, s credit.Store, name, pkg string, upline *credit.AccountID) credit.Account {
	a, err := s.CreateAccount(context.Background(), credit.Account{Name: name, Package: pkg, UplineID: upline})
	require.NoError(t, err)
	return a
}

func idPtr(id credit.AccountID) *credit.AccountID { return &id }

func saveProgram(t *testing.T, s credit.Store, tier credit.Tier, gen int, amounts map[credit.Tier]int64) {
	p := credit.IncentiveProgram{Tier: tier, Generation: gen, Amounts: map[credit.Tier]decimal.Decimal{}}
	for k, v := range amounts {
		p.Amounts[k] = decimal.NewFromInt(v)
	}
	require.NoError(t, s.SaveIncentiveProgram(context.Background(), p))
}

func assertBalance(t *testing.T, s credit.Store, id credit.AccountID, want string) {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString(want).Equal(a.Balance), "account %d: want %s, got %s", id, want, a.Balance)
}

// twoLevelChain builds purchaser -> U1 (Premium) -> U2 (Basic) with matching program rows.
func twoLevelChain(t *testing.T, mem *store.Memory) (purchaser, u1, u2 credit.Account) {
	u2 = createAccount(t, mem, "u2", "Basic_Merchant_Package", nil)
	u1 = createAccount(t, mem, "u1", "Premium_Merchant_Package", idPtr(u2.ID))
	purchaser = createAccount(t, mem, "buyer", "Elite_Distributor_Package", idPtr(u1.ID))

	saveProgram(t, mem, credit.TierPremium, 1, map[credit.Tier]int64{credit.TierElite: 50})
	saveProgram(t, mem, credit.TierBasic, 2, map[credit.Tier]int64{credit.TierElite: 20})
	return purchaser, u1, u2
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_TwoGenerationExample(t *testing.T) {
	// GIVEN: Chain [U1 Premium, U2 Basic], referred package Elite_Distributor_Package
	// WHEN: Generations 1..2 are applied
	// THEN: U1 +50 at level 1, U2 +20 at level 2, no next generation

	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()
	purchaser, u1, u2 := twoLevelChain(t, mem)

	res, err := engine.Apply(ctx, referral.ApplyInput{
		UplineStart:     u1.ID,
		ReferredPackage: "Elite_Distributor_Package",
		Purchaser:       purchaser.ID,
		ReferralCode:    "REF-U1",
		StartGen:        1,
		EndGen:          2,
	})
	require.NoError(t, err)
	assert.Nil(t, res.NextGeneration)
	require.Len(t, res.Payouts, 2)
	assert.Equal(t, u1.ID, res.Payouts[0].Recipient)
	assert.Equal(t, 1, res.Payouts[0].Generation)
	assert.Equal(t, u2.ID, res.Payouts[1].Recipient)
	assert.Equal(t, 2, res.Payouts[1].Generation)
	assert.NotEmpty(t, res.Payouts[0].Transaction)

	assertBalance(t, mem, u1.ID, "50")
	assertBalance(t, mem, u2.ID, "20")

	rows, err := mem.ListPayouts(ctx, u1.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, purchaser.ID, rows[0].SenderID)
	assert.Equal(t, 1, rows[0].Level)
	assert.Equal(t, "REF-U1", rows[0].ReferralCode)
	assert.True(t, decimal.NewFromInt(50).Equal(rows[0].Amount))

	rows, err = mem.ListPayouts(ctx, u2.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Level)

	txs, err := mem.ListTransactions(ctx, u2.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credit.TxReferralIncome, txs[0].Type)
	assert.True(t, txs[0].PreviousBalance.IsZero())
	assert.True(t, decimal.NewFromInt(20).Equal(txs[0].NewBalance))
}

func TestApply_Twice_PaysOnce(t *testing.T) {
	// GIVEN: A purchase already paid out
	// WHEN: The same generation band is applied again
	// THEN: Nothing is staged and balances stay the same

	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()
	purchaser, u1, u2 := twoLevelChain(t, mem)

	in := referral.ApplyInput{
		UplineStart:     u1.ID,
		ReferredPackage: "Elite_Distributor_Package",
		Purchaser:       purchaser.ID,
		StartGen:        1,
		EndGen:          2,
	}
	_, err := engine.Apply(ctx, in)
	require.NoError(t, err)

	res, err := engine.Apply(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)

	assertBalance(t, mem, u1.ID, "50")
	assertBalance(t, mem, u2.ID, "20")
	rows, err := mem.ListPayouts(ctx, u1.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestApply_ChainBeyondBand_ReturnsNextGeneration(t *testing.T) {
	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()

	u3 := createAccount(t, mem, "u3", "Elite", nil)
	u2 := createAccount(t, mem, "u2", "Elite", idPtr(u3.ID))
	u1 := createAccount(t, mem, "u1", "Elite", idPtr(u2.ID))
	buyer := createAccount(t, mem, "buyer", "Basic", idPtr(u1.ID))

	res, err := engine.Apply(ctx, referral.ApplyInput{
		UplineStart: u1.ID, ReferredPackage: "Basic", Purchaser: buyer.ID, StartGen: 1, EndGen: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, res.NextGeneration)
	assert.Equal(t, 3, *res.NextGeneration)
	assert.Empty(t, res.Payouts, "no programs configured")
}

func TestApply_SkipsUplinesWithoutTierOrProgram(t *testing.T) {
	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()

	u3 := createAccount(t, mem, "u3", "Premium", nil)
	u2 := createAccount(t, mem, "u2", "", idPtr(u3.ID)) // no package
	u1 := createAccount(t, mem, "u1", "Elite", idPtr(u2.ID))
	buyer := createAccount(t, mem, "buyer", "Basic", idPtr(u1.ID))

	saveProgram(t, mem, credit.TierElite, 1, map[credit.Tier]int64{credit.TierBasic: 0, credit.TierElite: 70})
	saveProgram(t, mem, credit.TierPremium, 3, map[credit.Tier]int64{credit.TierBasic: 5})

	res, err := engine.Apply(ctx, referral.ApplyInput{
		UplineStart: u1.ID, ReferredPackage: "Basic", Purchaser: buyer.ID, StartGen: 1, EndGen: 3,
	})
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, u3.ID, res.Payouts[0].Recipient)
	assert.Equal(t, 3, res.Payouts[0].Generation)

	assertBalance(t, mem, u1.ID, "0")
	assertBalance(t, mem, u2.ID, "0")
	assertBalance(t, mem, u3.ID, "5")
}

func TestApply_UnknownPackage(t *testing.T) {
	t.Run("strict rejects", func(t *testing.T) {
		mem := store.NewMemory()
		engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
		purchaser, u1, _ := twoLevelChain(t, mem)

		_, err := engine.Apply(context.Background(), referral.ApplyInput{
			UplineStart: u1.ID, ReferredPackage: "Elite_Distributor", Purchaser: purchaser.ID, StartGen: 1, EndGen: 2,
		})
		assert.ErrorIs(t, err, referral.ErrUnknownPackage)
		assert.ErrorIs(t, err, credit.ErrValidation)
		assert.Equal(t, 400, credit.StatusCode(err))
		assertBalance(t, mem, u1.ID, "0")
	})

	t.Run("lenient pays as Basic", func(t *testing.T) {
		mem := store.NewMemory()
		cfg := referral.DefaultConfig()
		cfg.Lenient = true
		engine := newTestEngine(t, mem, cfg, nil)
		purchaser, u1, _ := twoLevelChain(t, mem)
		saveProgram(t, mem, credit.TierPremium, 1, map[credit.Tier]int64{credit.TierBasic: 20, credit.TierElite: 50})

		res, err := engine.Apply(context.Background(), referral.ApplyInput{
			UplineStart: u1.ID, ReferredPackage: "elite_distributor_package", Purchaser: purchaser.ID, StartGen: 1, EndGen: 1,
		})
		require.NoError(t, err)
		require.Len(t, res.Payouts, 1)
		assertBalance(t, mem, u1.ID, "20")
	})
}

func TestApply_Validation(t *testing.T) {
	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()

	cases := []referral.ApplyInput{
		{UplineStart: 0, ReferredPackage: "Basic", Purchaser: 1, StartGen: 1, EndGen: 1},
		{UplineStart: 1, ReferredPackage: "Basic", Purchaser: 0, StartGen: 1, EndGen: 1},
		{UplineStart: 1, ReferredPackage: "Basic", Purchaser: 2, StartGen: 0, EndGen: 1},
		{UplineStart: 1, ReferredPackage: "Basic", Purchaser: 2, StartGen: 3, EndGen: 2},
		{UplineStart: 1, ReferredPackage: "Basic", Purchaser: 2, StartGen: 1, EndGen: 11},
	}
	for _, in := range cases {
		_, err := engine.Apply(ctx, in)
		assert.ErrorIs(t, err, credit.ErrValidation, "%+v", in)
	}
}

func TestApply_PurchaserInOwnChain_NotPaid(t *testing.T) {
	// GIVEN: The purchaser appears above its own upline
	// WHEN: Incentives are applied
	// THEN: Only the upline is paid; the walk stops at the purchaser

	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()

	buyer := createAccount(t, mem, "buyer", "Premium", idPtr(2))
	u1 := createAccount(t, mem, "u1", "Premium", idPtr(buyer.ID))
	require.Equal(t, credit.AccountID(2), u1.ID)

	saveProgram(t, mem, credit.TierPremium, 1, map[credit.Tier]int64{credit.TierPremium: 35})
	saveProgram(t, mem, credit.TierPremium, 2, map[credit.Tier]int64{credit.TierPremium: 20})

	res, err := engine.Apply(ctx, referral.ApplyInput{
		UplineStart: u1.ID, ReferredPackage: "Premium", Purchaser: buyer.ID, StartGen: 1, EndGen: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Nil(t, res.NextGeneration)
	assertBalance(t, mem, buyer.ID, "0")
	assertBalance(t, mem, u1.ID, "35")
}

// staleExists reports "not paid" for the first n PayoutExists calls, the
// view a request has when another one commits right after its staging.
type staleExists struct {
	credit.TxStore
	remaining atomic.Int32
}

func (s *staleExists) PayoutExists(ctx context.Context, sender, recipient credit.AccountID, level int) (bool, error) {
	if s.remaining.Add(-1) >= 0 {
		return false, nil
	}
	return s.TxStore.PayoutExists(ctx, sender, recipient, level)
}

func TestApply_ConcurrentDuplicate_Restaged(t *testing.T) {
	// GIVEN: A payout committed by another request after our staging read
	// WHEN: Our commit hits the unique triple
	// THEN: The engine restages, skips the paid triple and credits nothing twice

	mem := store.NewMemory()
	stale := &staleExists{TxStore: mem}
	stale.remaining.Store(1)
	engine := newTestEngine(t, stale, referral.DefaultConfig(), nil)
	ctx := context.Background()

	u1 := createAccount(t, mem, "u1", "Premium", nil)
	buyer := createAccount(t, mem, "buyer", "Elite", idPtr(u1.ID))
	saveProgram(t, mem, credit.TierPremium, 1, map[credit.Tier]int64{credit.TierElite: 50})

	require.NoError(t, mem.InsertPayouts(ctx, []credit.ReferralIncome{{
		SenderID: buyer.ID, RecipientID: u1.ID, Amount: decimal.NewFromInt(50), Level: 1,
	}}))

	res, err := engine.Apply(ctx, referral.ApplyInput{
		UplineStart: u1.ID, ReferredPackage: "Elite", Purchaser: buyer.ID, StartGen: 1, EndGen: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)
	assertBalance(t, mem, u1.ID, "0")

	txs, err := mem.ListTransactions(ctx, u1.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs, "rolled back commit left no ledger row")
}

func TestApply_PublishesAfterCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := events.NewMockPublisher(ctrl)

	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(),
		[]credit.Option{credit.WithPublisher(pub)}, referral.WithPublisher(pub))
	purchaser, u1, _ := twoLevelChain(t, mem)

	var got []events.Type
	pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, evs ...events.Event) error {
			for _, e := range evs {
				got = append(got, e.Type)
			}
			return nil
		}).Times(2)

	_, err := engine.Apply(context.Background(), referral.ApplyInput{
		UplineStart: u1.ID, ReferredPackage: "Elite_Distributor_Package", Purchaser: purchaser.ID, StartGen: 1, EndGen: 2,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []events.Type{
		events.LedgerPosted, events.LedgerPosted,
		events.ReferralPayout, events.ReferralPayout,
	}, got)
}

// =============================================================================
// APPLY ALL
// =============================================================================

func TestApplyAll_WalksBandsWithDefaultPrograms(t *testing.T) {
	// GIVEN: Seven ElitePlus uplines and the default program table
	// WHEN: A Basic purchase is applied across all bands
	// THEN: Generations 1..7 are paid from the ElitePlus rows

	mem := store.NewMemory()
	engine := newTestEngine(t, mem, referral.DefaultConfig(), nil)
	ctx := context.Background()

	_, err := referral.SeedPrograms(ctx, mem, zap.NewNop())
	require.NoError(t, err)

	var upline *credit.AccountID
	var chain []credit.Account
	for i := 0; i < 7; i++ {
		a := createAccount(t, mem, "up", "ElitePlus_Distributor_Package", upline)
		chain = append([]credit.Account{a}, chain...)
		upline = idPtr(a.ID)
	}
	buyer := createAccount(t, mem, "buyer", "Basic_Merchant_Package", upline)

	res, err := engine.ApplyAll(ctx, chain[0].ID, buyer.Package, buyer.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Payouts, 7)
	assert.Nil(t, res.NextGeneration)

	want := []string{"30", "20", "10", "5", "5", "2", "2"}
	for i, a := range chain {
		assert.Equal(t, i+1, res.Payouts[i].Generation)
		assertBalance(t, mem, a.ID, want[i])
	}
}

func TestApplyAll_StopsAtMaxGenerations(t *testing.T) {
	mem := store.NewMemory()
	cfg := referral.Config{MaxGenerations: 3, GenerationBand: 2}
	engine := newTestEngine(t, mem, cfg, nil)
	ctx := context.Background()

	for gen := 1; gen <= 3; gen++ {
		saveProgram(t, mem, credit.TierBasic, gen, map[credit.Tier]int64{credit.TierBasic: 1})
	}

	var upline *credit.AccountID
	for i := 0; i < 5; i++ {
		a := createAccount(t, mem, "up", "Basic", upline)
		upline = idPtr(a.ID)
	}
	buyer := createAccount(t, mem, "buyer", "Basic", upline)

	res, err := engine.ApplyAll(ctx, *upline, "Basic", buyer.ID, "")
	require.NoError(t, err)
	assert.Len(t, res.Payouts, 3)
}
