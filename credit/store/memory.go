// Package store provides an in-memory credit.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philtech/credit-engine/credit"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.Mutex
	st *state
}

type programKey struct {
	tier       credit.Tier
	generation int
}

type payoutKey struct {
	sender, recipient credit.AccountID
	level             int
}

type state struct {
	nextID       int64
	accounts     map[credit.AccountID]credit.Account
	transactions map[credit.AccountID][]credit.Transaction // append order
	programs     map[programKey]credit.IncentiveProgram
	payouts      []credit.ReferralIncome
	payoutKeys   map[payoutKey]bool
	codes        map[string]credit.InvitationCode
	idempotency  map[string]credit.IdempotencyRecord
}

func newState() *state {
	return &state{
		accounts:     make(map[credit.AccountID]credit.Account),
		transactions: make(map[credit.AccountID][]credit.Transaction),
		programs:     make(map[programKey]credit.IncentiveProgram),
		payoutKeys:   make(map[payoutKey]bool),
		codes:        make(map[string]credit.InvitationCode),
		idempotency:  make(map[string]credit.IdempotencyRecord),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	defer func() {
		if p := recover(); p != nil {
			m.st = snapshot
			panic(p)
		}
	}()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// locked runs fn against the current state under the store mutex.
func (m *Memory) locked(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// Store methods - each one locks and delegates to the state
// =============================================================================

func (m *Memory) CreateAccount(ctx context.Context, a credit.Account) (out credit.Account, err error) {
	err = m.locked(func(s *state) error { out, err = s.createAccount(a); return err })
	return out, err
}

func (m *Memory) GetAccount(ctx context.Context, id credit.AccountID) (out credit.Account, err error) {
	err = m.locked(func(s *state) error { out, err = s.getAccount(id); return err })
	return out, err
}

func (m *Memory) FindByReferralCode(ctx context.Context, code string) (out credit.Account, err error) {
	err = m.locked(func(s *state) error { out, err = s.findByReferralCode(code); return err })
	return out, err
}

func (m *Memory) UpdateAccountField(ctx context.Context, id credit.AccountID, field credit.AccountField, value string) error {
	return m.locked(func(s *state) error { return s.updateAccountField(id, field, value) })
}

func (m *Memory) IncrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (out decimal.Decimal, err error) {
	err = m.locked(func(s *state) error { out, err = s.incrementBalance(id, delta); return err })
	return out, err
}

func (m *Memory) DecrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (out decimal.Decimal, err error) {
	err = m.locked(func(s *state) error { out, err = s.decrementBalance(id, delta); return err })
	return out, err
}

func (m *Memory) AppendTransaction(ctx context.Context, tx credit.Transaction) error {
	return m.locked(func(s *state) error { return s.appendTransaction(tx) })
}

func (m *Memory) ListTransactions(ctx context.Context, id credit.AccountID, limit int) (out []credit.Transaction, err error) {
	err = m.locked(func(s *state) error { out = s.listTransactions(id, limit); return nil })
	return out, err
}

func (m *Memory) GetIncentiveProgram(ctx context.Context, tier credit.Tier, generation int) (out credit.IncentiveProgram, err error) {
	err = m.locked(func(s *state) error { out, err = s.getProgram(tier, generation); return err })
	return out, err
}

func (m *Memory) SaveIncentiveProgram(ctx context.Context, p credit.IncentiveProgram) error {
	return m.locked(func(s *state) error { s.saveProgram(p); return nil })
}

func (m *Memory) ListIncentivePrograms(ctx context.Context) (out []credit.IncentiveProgram, err error) {
	err = m.locked(func(s *state) error { out = s.listPrograms(); return nil })
	return out, err
}

func (m *Memory) PayoutExists(ctx context.Context, sender, recipient credit.AccountID, level int) (ok bool, err error) {
	err = m.locked(func(s *state) error { ok = s.payoutKeys[payoutKey{sender, recipient, level}]; return nil })
	return ok, err
}

func (m *Memory) InsertPayouts(ctx context.Context, rows []credit.ReferralIncome) error {
	return m.locked(func(s *state) error { return s.insertPayouts(rows) })
}

func (m *Memory) ListPayouts(ctx context.Context, recipient credit.AccountID) (out []credit.ReferralIncome, err error) {
	err = m.locked(func(s *state) error { out = s.listPayouts(recipient); return nil })
	return out, err
}

func (m *Memory) CreateInvitationCode(ctx context.Context, c credit.InvitationCode) error {
	return m.locked(func(s *state) error { return s.createCode(c) })
}

func (m *Memory) GetInvitationCode(ctx context.Context, code string) (out credit.InvitationCode, err error) {
	err = m.locked(func(s *state) error { out, err = s.getCode(code); return err })
	return out, err
}

func (m *Memory) RedeemInvitationCode(ctx context.Context, code string, by credit.AccountID, at time.Time) error {
	return m.locked(func(s *state) error { return s.redeemCode(code, by, at) })
}

func (m *Memory) ListInvitationCodes(ctx context.Context, owner credit.AccountID) (out []credit.InvitationCode, err error) {
	err = m.locked(func(s *state) error { out = s.listCodes(owner); return nil })
	return out, err
}

func (m *Memory) CreateIdempotencyRecord(ctx context.Context, rec credit.IdempotencyRecord) (created bool, existing credit.IdempotencyRecord, err error) {
	err = m.locked(func(s *state) error { created, existing = s.createIdempotency(rec); return nil })
	return created, existing, err
}

func (m *Memory) GetIdempotencyRecord(ctx context.Context, key string) (out credit.IdempotencyRecord, err error) {
	err = m.locked(func(s *state) error { out, err = s.getIdempotency(key); return err })
	return out, err
}

func (m *Memory) FinishIdempotencyRecord(ctx context.Context, key string, status credit.IdempotencyStatus, response []byte, code int) error {
	return m.locked(func(s *state) error { return s.finishIdempotency(key, status, response, code) })
}

func (m *Memory) ReleaseIdempotencyRecord(ctx context.Context, key string) error {
	return m.locked(func(s *state) error { return s.releaseIdempotency(key) })
}

func (m *Memory) DeleteIdempotencyRecords(ctx context.Context, status credit.IdempotencyStatus, before time.Time) (n int, err error) {
	err = m.locked(func(s *state) error { n = s.deleteIdempotency(status, before); return nil })
	return n, err
}

// =============================================================================
// TRANSACTIONAL VIEW - used inside WithTx, the mutex is already held
// =============================================================================

type view struct {
	st *state
}

func (v *view) CreateAccount(_ context.Context, a credit.Account) (credit.Account, error) {
	return v.st.createAccount(a)
}

func (v *view) GetAccount(_ context.Context, id credit.AccountID) (credit.Account, error) {
	return v.st.getAccount(id)
}

func (v *view) FindByReferralCode(_ context.Context, code string) (credit.Account, error) {
	return v.st.findByReferralCode(code)
}

func (v *view) UpdateAccountField(_ context.Context, id credit.AccountID, field credit.AccountField, value string) error {
	return v.st.updateAccountField(id, field, value)
}

func (v *view) IncrementBalance(_ context.Context, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	return v.st.incrementBalance(id, delta)
}

func (v *view) DecrementBalance(_ context.Context, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	return v.st.decrementBalance(id, delta)
}

func (v *view) AppendTransaction(_ context.Context, tx credit.Transaction) error {
	return v.st.appendTransaction(tx)
}

func (v *view) ListTransactions(_ context.Context, id credit.AccountID, limit int) ([]credit.Transaction, error) {
	return v.st.listTransactions(id, limit), nil
}

func (v *view) GetIncentiveProgram(_ context.Context, tier credit.Tier, generation int) (credit.IncentiveProgram, error) {
	return v.st.getProgram(tier, generation)
}

func (v *view) SaveIncentiveProgram(_ context.Context, p credit.IncentiveProgram) error {
	v.st.saveProgram(p)
	return nil
}

func (v *view) ListIncentivePrograms(_ context.Context) ([]credit.IncentiveProgram, error) {
	return v.st.listPrograms(), nil
}

func (v *view) PayoutExists(_ context.Context, sender, recipient credit.AccountID, level int) (bool, error) {
	return v.st.payoutKeys[payoutKey{sender, recipient, level}], nil
}

func (v *view) InsertPayouts(_ context.Context, rows []credit.ReferralIncome) error {
	return v.st.insertPayouts(rows)
}

func (v *view) ListPayouts(_ context.Context, recipient credit.AccountID) ([]credit.ReferralIncome, error) {
	return v.st.listPayouts(recipient), nil
}

func (v *view) CreateInvitationCode(_ context.Context, c credit.InvitationCode) error {
	return v.st.createCode(c)
}

func (v *view) GetInvitationCode(_ context.Context, code string) (credit.InvitationCode, error) {
	return v.st.getCode(code)
}

func (v *view) RedeemInvitationCode(_ context.Context, code string, by credit.AccountID, at time.Time) error {
	return v.st.redeemCode(code, by, at)
}

func (v *view) ListInvitationCodes(_ context.Context, owner credit.AccountID) ([]credit.InvitationCode, error) {
	return v.st.listCodes(owner), nil
}

func (v *view) CreateIdempotencyRecord(_ context.Context, rec credit.IdempotencyRecord) (bool, credit.IdempotencyRecord, error) {
	created, existing := v.st.createIdempotency(rec)
	return created, existing, nil
}

func (v *view) GetIdempotencyRecord(_ context.Context, key string) (credit.IdempotencyRecord, error) {
	return v.st.getIdempotency(key)
}

func (v *view) FinishIdempotencyRecord(_ context.Context, key string, status credit.IdempotencyStatus, response []byte, code int) error {
	return v.st.finishIdempotency(key, status, response, code)
}

func (v *view) ReleaseIdempotencyRecord(_ context.Context, key string) error {
	return v.st.releaseIdempotency(key)
}

func (v *view) DeleteIdempotencyRecords(_ context.Context, status credit.IdempotencyStatus, before time.Time) (int, error) {
	return v.st.deleteIdempotency(status, before), nil
}

// =============================================================================
// STATE - unlocked operations
// =============================================================================

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]credit.Transaction{}, v...)
	}
	for k, v := range s.programs {
		c.programs[k] = cloneProgram(v)
	}
	c.payouts = append([]credit.ReferralIncome{}, s.payouts...)
	for k, v := range s.payoutKeys {
		c.payoutKeys[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

func cloneProgram(p credit.IncentiveProgram) credit.IncentiveProgram {
	amounts := make(map[credit.Tier]decimal.Decimal, len(p.Amounts))
	for t, a := range p.Amounts {
		amounts[t] = a
	}
	p.Amounts = amounts
	return p
}

func (s *state) createAccount(a credit.Account) (credit.Account, error) {
	for _, existing := range s.accounts {
		if a.ReferralCode != "" && strings.EqualFold(existing.ReferralCode, a.ReferralCode) {
			return credit.Account{}, credit.ErrDuplicateKey
		}
		if a.Email != "" && strings.EqualFold(existing.Email, a.Email) {
			return credit.Account{}, credit.ErrDuplicateKey
		}
	}
	s.nextID++
	a.ID = credit.AccountID(s.nextID)
	if a.Role == "" {
		a.Role = credit.RoleUser
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *state) getAccount(id credit.AccountID) (credit.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return credit.Account{}, credit.ErrAccountNotFound
	}
	return a, nil
}

func (s *state) findByReferralCode(code string) (credit.Account, error) {
	for _, a := range s.accounts {
		if a.ReferralCode != "" && strings.EqualFold(a.ReferralCode, code) {
			return a, nil
		}
	}
	return credit.Account{}, credit.ErrAccountNotFound
}

func (s *state) updateAccountField(id credit.AccountID, field credit.AccountField, value string) error {
	a, ok := s.accounts[id]
	if !ok {
		return credit.ErrAccountNotFound
	}
	switch field {
	case credit.FieldName:
		a.Name = value
	case credit.FieldEmail:
		for oid, o := range s.accounts {
			if oid != id && value != "" && strings.EqualFold(o.Email, value) {
				return credit.ErrDuplicateKey
			}
		}
		a.Email = value
	case credit.FieldPackage:
		a.Package = value
	case credit.FieldReferralCode:
		for oid, o := range s.accounts {
			if oid != id && value != "" && strings.EqualFold(o.ReferralCode, value) {
				return credit.ErrDuplicateKey
			}
		}
		a.ReferralCode = value
	default:
		return &credit.ValidationError{Field: "field", Message: "unknown account field " + string(field)}
	}
	s.accounts[id] = a
	return nil
}

func (s *state) incrementBalance(id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, credit.ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(delta)
	s.accounts[id] = a
	return a.Balance, nil
}

func (s *state) decrementBalance(id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, credit.ErrAccountNotFound
	}
	if a.Balance.LessThan(delta) {
		return decimal.Zero, &credit.InsufficientFundsError{AccountID: id, Available: a.Balance, Requested: delta}
	}
	a.Balance = a.Balance.Sub(delta)
	s.accounts[id] = a
	return a.Balance, nil
}

func (s *state) appendTransaction(tx credit.Transaction) error {
	if _, ok := s.accounts[tx.AccountID]; !ok {
		return credit.ErrAccountNotFound
	}
	s.transactions[tx.AccountID] = append(s.transactions[tx.AccountID], tx)
	return nil
}

func (s *state) listTransactions(id credit.AccountID, limit int) []credit.Transaction {
	txs := s.transactions[id]
	out := make([]credit.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		out = append(out, txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *state) getProgram(tier credit.Tier, generation int) (credit.IncentiveProgram, error) {
	p, ok := s.programs[programKey{tier, generation}]
	if !ok {
		return credit.IncentiveProgram{}, credit.ErrProgramNotFound
	}
	return cloneProgram(p), nil
}

func (s *state) saveProgram(p credit.IncentiveProgram) {
	s.programs[programKey{p.Tier, p.Generation}] = cloneProgram(p)
}

func (s *state) listPrograms() []credit.IncentiveProgram {
	out := make([]credit.IncentiveProgram, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, cloneProgram(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Generation < out[j].Generation
	})
	return out
}

func (s *state) insertPayouts(rows []credit.ReferralIncome) error {
	// Check all triples first (atomic check)
	seen := make(map[payoutKey]bool, len(rows))
	for _, r := range rows {
		k := payoutKey{r.SenderID, r.RecipientID, r.Level}
		if s.payoutKeys[k] || seen[k] {
			return credit.ErrDuplicatePayout
		}
		seen[k] = true
	}
	for _, r := range rows {
		s.payoutKeys[payoutKey{r.SenderID, r.RecipientID, r.Level}] = true
		s.payouts = append(s.payouts, r)
	}
	return nil
}

func (s *state) listPayouts(recipient credit.AccountID) []credit.ReferralIncome {
	var out []credit.ReferralIncome
	for _, r := range s.payouts {
		if r.RecipientID == recipient {
			out = append(out, r)
		}
	}
	return out
}

func (s *state) createCode(c credit.InvitationCode) error {
	if _, ok := s.codes[c.Code]; ok {
		return credit.ErrDuplicateKey
	}
	s.codes[c.Code] = c
	return nil
}

func (s *state) getCode(code string) (credit.InvitationCode, error) {
	c, ok := s.codes[code]
	if !ok {
		return credit.InvitationCode{}, credit.ErrCodeNotFound
	}
	return c, nil
}

func (s *state) redeemCode(code string, by credit.AccountID, at time.Time) error {
	c, ok := s.codes[code]
	if !ok {
		return credit.ErrCodeNotFound
	}
	if c.Redeemed() {
		return credit.ErrCodeRedeemed
	}
	c.RedeemedBy = &by
	c.RedeemedAt = &at
	s.codes[code] = c
	return nil
}

func (s *state) listCodes(owner credit.AccountID) []credit.InvitationCode {
	var out []credit.InvitationCode
	for _, c := range s.codes {
		if c.OwnerID == owner {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].PurchasedAt.After(out[j].PurchasedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func (s *state) createIdempotency(rec credit.IdempotencyRecord) (bool, credit.IdempotencyRecord) {
	if existing, ok := s.idempotency[rec.Key]; ok {
		return false, existing
	}
	s.idempotency[rec.Key] = rec
	return true, rec
}

func (s *state) getIdempotency(key string) (credit.IdempotencyRecord, error) {
	rec, ok := s.idempotency[key]
	if !ok {
		return credit.IdempotencyRecord{}, credit.ErrIdempotencyMissing
	}
	return rec, nil
}

func (s *state) finishIdempotency(key string, status credit.IdempotencyStatus, response []byte, code int) error {
	rec, ok := s.idempotency[key]
	if !ok {
		return credit.ErrIdempotencyMissing
	}
	if rec.Status != credit.IdempotencyInProgress {
		return credit.ErrInvalidTransition
	}
	rec.Status = status
	rec.Response = response
	rec.ResponseCode = code
	rec.UpdatedAt = time.Now().UTC()
	s.idempotency[key] = rec
	return nil
}

func (s *state) releaseIdempotency(key string) error {
	rec, ok := s.idempotency[key]
	if !ok {
		return credit.ErrIdempotencyMissing
	}
	if rec.Status != credit.IdempotencyInProgress {
		return credit.ErrInvalidTransition
	}
	delete(s.idempotency, key)
	return nil
}

func (s *state) deleteIdempotency(status credit.IdempotencyStatus, before time.Time) int {
	n := 0
	for k, rec := range s.idempotency {
		if rec.Status == status && rec.UpdatedAt.Before(before) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n
}
