/*
Package sqlite provides a SQLite-backed implementation of credit.TxStore.

PURPOSE:
  Single-node storage for development and small deployments. The same
  contracts are implemented for PostgreSQL in store/postgres; the domain
  packages cannot tell them apart.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on credit_transactions
  - No UPDATE or DELETE statements on referral_income
  - Corrections are new ledger rows (DEDUCTION, TOP_UP)

KEY TABLES:
  accounts:            balance holders, balance kept in integer cents
  credit_transactions: immutable ledger, one row per balance change
  incentive_programs:  payout amounts per (tier, generation)
  referral_income:     payout history, UNIQUE(sender, recipient, level)
  invitation_codes:    purchased codes, redeemed_by set once
  idempotency_keys:    request records, PRIMARY KEY(key)

ATOMIC BALANCE UPDATES:
  Balances change with single statements:
    UPDATE accounts SET balance_cents = balance_cents + ? ... RETURNING
    UPDATE accounts SET balance_cents = balance_cents - ?
      WHERE id = ? AND balance_cents >= ? RETURNING
  The conditional decrement is what keeps balances non-negative.

CONCURRENCY:
  One open connection, so ":memory:" databases are shared by all callers
  and SQLite never sees two writers. WithTx holds the store mutex for the
  whole transaction; operations on the tx-scoped view never take it again.

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credit.NewLedger(store, credit.DefaultLimits(), logger)

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/philtech/credit-engine/credit"
	"github.com/shopspring/decimal"
)

// Fixed width so that stored timestamps compare correctly as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements credit.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL DEFAULT 'user',
		package TEXT NOT NULL DEFAULT '',
		upline_id INTEGER REFERENCES accounts(id),
		referral_code TEXT,
		balance_cents INTEGER NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email
		ON accounts(email COLLATE NOCASE) WHERE email IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_referral_code
		ON accounts(referral_code COLLATE NOCASE) WHERE referral_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_accounts_upline
		ON accounts(upline_id);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		previous_balance TEXT NOT NULL,
		new_balance TEXT NOT NULL,
		payment_method TEXT,
		reference TEXT,
		description TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_account
		ON credit_transactions(account_id, seq DESC);

	CREATE TABLE IF NOT EXISTS incentive_programs (
		tier TEXT NOT NULL,
		generation INTEGER NOT NULL,
		amounts_json TEXT NOT NULL,
		PRIMARY KEY (tier, generation)
	);

	-- Payout history (append-only). The unique index is the dedup guarantee.
	CREATE TABLE IF NOT EXISTS referral_income (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL,
		recipient_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		level INTEGER NOT NULL,
		referral_code TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_referral_income_triple
		ON referral_income(sender_id, recipient_id, level);
	CREATE INDEX IF NOT EXISTS idx_referral_income_recipient
		ON referral_income(recipient_id);

	CREATE TABLE IF NOT EXISTS invitation_codes (
		code TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL REFERENCES accounts(id),
		package TEXT NOT NULL,
		amount TEXT NOT NULL,
		redeemed_by INTEGER REFERENCES accounts(id),
		redeemed_at TEXT,
		purchased_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invitation_codes_owner
		ON invitation_codes(owner_id);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		request BLOB,
		response BLOB,
		response_code INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_status_updated
		ON idempotency_keys(status, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// locked runs fn against the database under the store mutex.
func (s *Store) locked(fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}

// inTx runs fn in its own transaction, for multi-statement writes
// called outside WithTx.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the view handed to WithTx callbacks. The mutex is already held.
type txStore struct {
	q querier
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a credit.Account) (out credit.Account, err error) {
	err = s.locked(func(q querier) error { out, err = createAccount(ctx, q, a); return err })
	return out, err
}

func (ts *txStore) CreateAccount(ctx context.Context, a credit.Account) (credit.Account, error) {
	return createAccount(ctx, ts.q, a)
}

func createAccount(ctx context.Context, q querier, a credit.Account) (credit.Account, error) {
	if a.Role == "" {
		a.Role = credit.RoleUser
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var upline sql.NullInt64
	if a.UplineID != nil {
		upline = sql.NullInt64{Int64: int64(*a.UplineID), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO accounts (name, email, role, package, upline_id, referral_code, balance_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name,
		nullString(a.Email),
		string(a.Role),
		a.Package,
		upline,
		nullString(a.ReferralCode),
		toCents(a.Balance),
		a.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.Account{}, credit.ErrDuplicateKey
		}
		return credit.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return credit.Account{}, fmt.Errorf("failed to read account id: %w", err)
	}
	a.ID = credit.AccountID(id)
	return a, nil
}

const accountColumns = `id, name, email, role, package, upline_id, referral_code, balance_cents, created_at`

func (s *Store) GetAccount(ctx context.Context, id credit.AccountID) (out credit.Account, err error) {
	err = s.locked(func(q querier) error { out, err = getAccount(ctx, q, id); return err })
	return out, err
}

func (ts *txStore) GetAccount(ctx context.Context, id credit.AccountID) (credit.Account, error) {
	return getAccount(ctx, ts.q, id)
}

func getAccount(ctx context.Context, q querier, id credit.AccountID) (credit.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, int64(id))
	return scanAccount(row)
}

func (s *Store) FindByReferralCode(ctx context.Context, code string) (out credit.Account, err error) {
	err = s.locked(func(q querier) error { out, err = findByReferralCode(ctx, q, code); return err })
	return out, err
}

func (ts *txStore) FindByReferralCode(ctx context.Context, code string) (credit.Account, error) {
	return findByReferralCode(ctx, ts.q, code)
}

func findByReferralCode(ctx context.Context, q querier, code string) (credit.Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE referral_code = ? COLLATE NOCASE`, code)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (credit.Account, error) {
	var (
		a            credit.Account
		id           int64
		email        sql.NullString
		role         string
		upline       sql.NullInt64
		referralCode sql.NullString
		cents        int64
		createdAt    string
	)
	err := row.Scan(&id, &a.Name, &email, &role, &a.Package, &upline, &referralCode, &cents, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Account{}, credit.ErrAccountNotFound
	}
	if err != nil {
		return credit.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	a.ID = credit.AccountID(id)
	a.Email = email.String
	a.Role = credit.Role(role)
	if upline.Valid {
		u := credit.AccountID(upline.Int64)
		a.UplineID = &u
	}
	a.ReferralCode = referralCode.String
	a.Balance = fromCents(cents)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// accountColumnFor maps the closed field set to column names. Nothing else
// ever reaches the UPDATE statement.
var accountColumnFor = map[credit.AccountField]string{
	credit.FieldName:         "name",
	credit.FieldEmail:        "email",
	credit.FieldPackage:      "package",
	credit.FieldReferralCode: "referral_code",
}

func (s *Store) UpdateAccountField(ctx context.Context, id credit.AccountID, field credit.AccountField, value string) error {
	return s.locked(func(q querier) error { return updateAccountField(ctx, q, id, field, value) })
}

func (ts *txStore) UpdateAccountField(ctx context.Context, id credit.AccountID, field credit.AccountField, value string) error {
	return updateAccountField(ctx, ts.q, id, field, value)
}

func updateAccountField(ctx context.Context, q querier, id credit.AccountID, field credit.AccountField, value string) error {
	col, ok := accountColumnFor[field]
	if !ok {
		return &credit.ValidationError{Field: "field", Message: "unknown account field " + string(field)}
	}
	var arg any = value
	if field == credit.FieldEmail || field == credit.FieldReferralCode {
		arg = nullString(value)
	}
	res, err := q.ExecContext(ctx, `UPDATE accounts SET `+col+` = ? WHERE id = ?`, arg, int64(id))
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateKey
		}
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credit.ErrAccountNotFound
	}
	return nil
}

func (s *Store) IncrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (out decimal.Decimal, err error) {
	err = s.locked(func(q querier) error { out, err = incrementBalance(ctx, q, id, delta); return err })
	return out, err
}

func (ts *txStore) IncrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	return incrementBalance(ctx, ts.q, id, delta)
}

func incrementBalance(ctx context.Context, q querier, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	var cents int64
	err := q.QueryRowContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ? RETURNING balance_cents`,
		toCents(delta), int64(id),
	).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, credit.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to increment balance: %w", err)
	}
	return fromCents(cents), nil
}

func (s *Store) DecrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (out decimal.Decimal, err error) {
	err = s.locked(func(q querier) error { out, err = decrementBalance(ctx, q, id, delta); return err })
	return out, err
}

func (ts *txStore) DecrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	return decrementBalance(ctx, ts.q, id, delta)
}

func decrementBalance(ctx context.Context, q querier, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	c := toCents(delta)
	var cents int64
	err := q.QueryRowContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents - ?
		 WHERE id = ? AND balance_cents >= ? RETURNING balance_cents`,
		c, int64(id), c,
	).Scan(&cents)
	if err == nil {
		return fromCents(cents), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("failed to decrement balance: %w", err)
	}

	// No row updated: either the account is missing or the balance is short.
	var available int64
	err = q.QueryRowContext(ctx, `SELECT balance_cents FROM accounts WHERE id = ?`, int64(id)).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, credit.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return decimal.Zero, &credit.InsufficientFundsError{AccountID: id, Available: fromCents(available), Requested: delta}
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx credit.Transaction) error {
	return s.locked(func(q querier) error { return appendTransaction(ctx, q, tx) })
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx credit.Transaction) error {
	return appendTransaction(ctx, ts.q, tx)
}

func appendTransaction(ctx context.Context, q querier, tx credit.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, account_id, amount, tx_type, previous_balance, new_balance,
		 payment_method, reference, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		int64(tx.AccountID),
		tx.Amount.String(),
		string(tx.Type),
		tx.PreviousBalance.String(),
		tx.NewBalance.String(),
		nullString(tx.PaymentMethod),
		nullString(tx.Reference),
		nullString(tx.Description),
		string(tx.Status),
		tx.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, id credit.AccountID, limit int) (out []credit.Transaction, err error) {
	err = s.locked(func(q querier) error { out, err = listTransactions(ctx, q, id, limit); return err })
	return out, err
}

func (ts *txStore) ListTransactions(ctx context.Context, id credit.AccountID, limit int) ([]credit.Transaction, error) {
	return listTransactions(ctx, ts.q, id, limit)
}

func listTransactions(ctx context.Context, q querier, id credit.AccountID, limit int) ([]credit.Transaction, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, amount, tx_type, previous_balance, new_balance,
		       payment_method, reference, description, status, created_at
		FROM credit_transactions
		WHERE account_id = ?
		ORDER BY seq DESC
		LIMIT ?`, int64(id), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []credit.Transaction
	for rows.Next() {
		var (
			tx                        credit.Transaction
			accountID                 int64
			amount, prev, next        string
			txType, status, createdAt string
			method, ref, desc         sql.NullString
		)
		if err := rows.Scan(&tx.ID, &accountID, &amount, &txType, &prev, &next,
			&method, &ref, &desc, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.AccountID = credit.AccountID(accountID)
		tx.Amount = decimal.RequireFromString(amount)
		tx.Type = credit.TransactionType(txType)
		tx.PreviousBalance = decimal.RequireFromString(prev)
		tx.NewBalance = decimal.RequireFromString(next)
		tx.PaymentMethod = method.String
		tx.Reference = ref.String
		tx.Description = desc.String
		tx.Status = credit.TransactionStatus(status)
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// INCENTIVE PROGRAMS AND PAYOUTS
// =============================================================================

func (s *Store) GetIncentiveProgram(ctx context.Context, tier credit.Tier, generation int) (out credit.IncentiveProgram, err error) {
	err = s.locked(func(q querier) error { out, err = getProgram(ctx, q, tier, generation); return err })
	return out, err
}

func (ts *txStore) GetIncentiveProgram(ctx context.Context, tier credit.Tier, generation int) (credit.IncentiveProgram, error) {
	return getProgram(ctx, ts.q, tier, generation)
}

func getProgram(ctx context.Context, q querier, tier credit.Tier, generation int) (credit.IncentiveProgram, error) {
	var amountsJSON string
	err := q.QueryRowContext(ctx,
		`SELECT amounts_json FROM incentive_programs WHERE tier = ? AND generation = ?`,
		string(tier), generation,
	).Scan(&amountsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.IncentiveProgram{}, credit.ErrProgramNotFound
	}
	if err != nil {
		return credit.IncentiveProgram{}, fmt.Errorf("failed to get incentive program: %w", err)
	}
	amounts, err := decodeAmounts(amountsJSON)
	if err != nil {
		return credit.IncentiveProgram{}, err
	}
	return credit.IncentiveProgram{Tier: tier, Generation: generation, Amounts: amounts}, nil
}

func (s *Store) SaveIncentiveProgram(ctx context.Context, p credit.IncentiveProgram) error {
	return s.locked(func(q querier) error { return saveProgram(ctx, q, p) })
}

func (ts *txStore) SaveIncentiveProgram(ctx context.Context, p credit.IncentiveProgram) error {
	return saveProgram(ctx, ts.q, p)
}

func saveProgram(ctx context.Context, q querier, p credit.IncentiveProgram) error {
	amountsJSON, err := encodeAmounts(p.Amounts)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO incentive_programs (tier, generation, amounts_json) VALUES (?, ?, ?)
		ON CONFLICT(tier, generation) DO UPDATE SET amounts_json = excluded.amounts_json`,
		string(p.Tier), p.Generation, amountsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save incentive program: %w", err)
	}
	return nil
}

func (s *Store) ListIncentivePrograms(ctx context.Context) (out []credit.IncentiveProgram, err error) {
	err = s.locked(func(q querier) error { out, err = listPrograms(ctx, q); return err })
	return out, err
}

func (ts *txStore) ListIncentivePrograms(ctx context.Context) ([]credit.IncentiveProgram, error) {
	return listPrograms(ctx, ts.q)
}

func listPrograms(ctx context.Context, q querier) ([]credit.IncentiveProgram, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT tier, generation, amounts_json FROM incentive_programs ORDER BY tier, generation`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incentive programs: %w", err)
	}
	defer rows.Close()

	var out []credit.IncentiveProgram
	for rows.Next() {
		var (
			p           credit.IncentiveProgram
			tier        string
			amountsJSON string
		)
		if err := rows.Scan(&tier, &p.Generation, &amountsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan incentive program: %w", err)
		}
		p.Tier = credit.Tier(tier)
		if p.Amounts, err = decodeAmounts(amountsJSON); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PayoutExists(ctx context.Context, sender, recipient credit.AccountID, level int) (ok bool, err error) {
	err = s.locked(func(q querier) error { ok, err = payoutExists(ctx, q, sender, recipient, level); return err })
	return ok, err
}

func (ts *txStore) PayoutExists(ctx context.Context, sender, recipient credit.AccountID, level int) (bool, error) {
	return payoutExists(ctx, ts.q, sender, recipient, level)
}

func payoutExists(ctx context.Context, q querier, sender, recipient credit.AccountID, level int) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referral_income WHERE sender_id = ? AND recipient_id = ? AND level = ?`,
		int64(sender), int64(recipient), level,
	).Scan(&count)
	return count > 0, err
}

// InsertPayouts adds payout rows atomically.
func (s *Store) InsertPayouts(ctx context.Context, rows []credit.ReferralIncome) error {
	return s.inTx(ctx, func(q querier) error { return insertPayouts(ctx, q, rows) })
}

func (ts *txStore) InsertPayouts(ctx context.Context, rows []credit.ReferralIncome) error {
	return insertPayouts(ctx, ts.q, rows)
}

func insertPayouts(ctx context.Context, q querier, rows []credit.ReferralIncome) error {
	for _, r := range rows {
		_, err := q.ExecContext(ctx, `
			INSERT INTO referral_income (sender_id, recipient_id, amount, level, referral_code, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			int64(r.SenderID), int64(r.RecipientID), r.Amount.String(), r.Level,
			nullString(r.ReferralCode), r.CreatedAt.UTC().Format(timeFormat),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return credit.ErrDuplicatePayout
			}
			return fmt.Errorf("failed to insert payout: %w", err)
		}
	}
	return nil
}

func (s *Store) ListPayouts(ctx context.Context, recipient credit.AccountID) (out []credit.ReferralIncome, err error) {
	err = s.locked(func(q querier) error { out, err = listPayouts(ctx, q, recipient); return err })
	return out, err
}

func (ts *txStore) ListPayouts(ctx context.Context, recipient credit.AccountID) ([]credit.ReferralIncome, error) {
	return listPayouts(ctx, ts.q, recipient)
}

func listPayouts(ctx context.Context, q querier, recipient credit.AccountID) ([]credit.ReferralIncome, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sender_id, recipient_id, amount, level, referral_code, created_at
		FROM referral_income WHERE recipient_id = ? ORDER BY id`, int64(recipient))
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var out []credit.ReferralIncome
	for rows.Next() {
		var (
			r                 credit.ReferralIncome
			sender, recip     int64
			amount, createdAt string
			code              sql.NullString
		)
		if err := rows.Scan(&sender, &recip, &amount, &r.Level, &code, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		r.SenderID = credit.AccountID(sender)
		r.RecipientID = credit.AccountID(recip)
		r.Amount = decimal.RequireFromString(amount)
		r.ReferralCode = code.String
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// INVITATION CODES
// =============================================================================

func (s *Store) CreateInvitationCode(ctx context.Context, c credit.InvitationCode) error {
	return s.locked(func(q querier) error { return createCode(ctx, q, c) })
}

func (ts *txStore) CreateInvitationCode(ctx context.Context, c credit.InvitationCode) error {
	return createCode(ctx, ts.q, c)
}

func createCode(ctx context.Context, q querier, c credit.InvitationCode) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO invitation_codes (code, owner_id, package, amount, purchased_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Code, int64(c.OwnerID), c.Package, c.Amount.String(), c.PurchasedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create invitation code: %w", err)
	}
	return nil
}

const codeColumns = `code, owner_id, package, amount, redeemed_by, redeemed_at, purchased_at`

func (s *Store) GetInvitationCode(ctx context.Context, code string) (out credit.InvitationCode, err error) {
	err = s.locked(func(q querier) error { out, err = getCode(ctx, q, code); return err })
	return out, err
}

func (ts *txStore) GetInvitationCode(ctx context.Context, code string) (credit.InvitationCode, error) {
	return getCode(ctx, ts.q, code)
}

func getCode(ctx context.Context, q querier, code string) (credit.InvitationCode, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+codeColumns+` FROM invitation_codes WHERE code = ?`, code)
	if err != nil {
		return credit.InvitationCode{}, fmt.Errorf("failed to get invitation code: %w", err)
	}
	defer rows.Close()
	codes, err := scanCodes(rows)
	if err != nil {
		return credit.InvitationCode{}, err
	}
	if len(codes) == 0 {
		return credit.InvitationCode{}, credit.ErrCodeNotFound
	}
	return codes[0], nil
}

func (s *Store) RedeemInvitationCode(ctx context.Context, code string, by credit.AccountID, at time.Time) error {
	return s.locked(func(q querier) error { return redeemCode(ctx, q, code, by, at) })
}

func (ts *txStore) RedeemInvitationCode(ctx context.Context, code string, by credit.AccountID, at time.Time) error {
	return redeemCode(ctx, ts.q, code, by, at)
}

func redeemCode(ctx context.Context, q querier, code string, by credit.AccountID, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE invitation_codes SET redeemed_by = ?, redeemed_at = ? WHERE code = ? AND redeemed_by IS NULL`,
		int64(by), at.UTC().Format(timeFormat), code,
	)
	if err != nil {
		return fmt.Errorf("failed to redeem invitation code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getCode(ctx, q, code); err != nil {
		return err
	}
	return credit.ErrCodeRedeemed
}

func (s *Store) ListInvitationCodes(ctx context.Context, owner credit.AccountID) (out []credit.InvitationCode, err error) {
	err = s.locked(func(q querier) error { out, err = listCodes(ctx, q, owner); return err })
	return out, err
}

func (ts *txStore) ListInvitationCodes(ctx context.Context, owner credit.AccountID) ([]credit.InvitationCode, error) {
	return listCodes(ctx, ts.q, owner)
}

func listCodes(ctx context.Context, q querier, owner credit.AccountID) ([]credit.InvitationCode, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+codeColumns+` FROM invitation_codes WHERE owner_id = ? ORDER BY purchased_at DESC, code`,
		int64(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list invitation codes: %w", err)
	}
	defer rows.Close()
	return scanCodes(rows)
}

func scanCodes(rows *sql.Rows) ([]credit.InvitationCode, error) {
	var out []credit.InvitationCode
	for rows.Next() {
		var (
			c                   credit.InvitationCode
			owner               int64
			amount, purchasedAt string
			redeemedBy          sql.NullInt64
			redeemedAt          sql.NullString
		)
		if err := rows.Scan(&c.Code, &owner, &c.Package, &amount, &redeemedBy, &redeemedAt, &purchasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invitation code: %w", err)
		}
		c.OwnerID = credit.AccountID(owner)
		c.Amount = decimal.RequireFromString(amount)
		c.PurchasedAt = parseTime(purchasedAt)
		if redeemedBy.Valid {
			by := credit.AccountID(redeemedBy.Int64)
			c.RedeemedBy = &by
		}
		if redeemedAt.Valid {
			at := parseTime(redeemedAt.String)
			c.RedeemedAt = &at
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (s *Store) CreateIdempotencyRecord(ctx context.Context, rec credit.IdempotencyRecord) (created bool, existing credit.IdempotencyRecord, err error) {
	err = s.locked(func(q querier) error {
		created, existing, err = createIdempotency(ctx, q, rec)
		return err
	})
	return created, existing, err
}

func (ts *txStore) CreateIdempotencyRecord(ctx context.Context, rec credit.IdempotencyRecord) (bool, credit.IdempotencyRecord, error) {
	return createIdempotency(ctx, ts.q, rec)
}

func createIdempotency(ctx context.Context, q querier, rec credit.IdempotencyRecord) (bool, credit.IdempotencyRecord, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, status, request_hash, request, response, response_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		rec.Key, string(rec.Status), rec.RequestHash, rec.Request, rec.Response, rec.ResponseCode,
		rec.CreatedAt.UTC().Format(timeFormat), rec.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return false, credit.IdempotencyRecord{}, fmt.Errorf("failed to create idempotency record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, rec, nil
	}
	existing, err := getIdempotency(ctx, q, rec.Key)
	return false, existing, err
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (out credit.IdempotencyRecord, err error) {
	err = s.locked(func(q querier) error { out, err = getIdempotency(ctx, q, key); return err })
	return out, err
}

func (ts *txStore) GetIdempotencyRecord(ctx context.Context, key string) (credit.IdempotencyRecord, error) {
	return getIdempotency(ctx, ts.q, key)
}

func getIdempotency(ctx context.Context, q querier, key string) (credit.IdempotencyRecord, error) {
	var (
		rec                  credit.IdempotencyRecord
		status               string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT key, status, request_hash, request, response, response_code, created_at, updated_at
		FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&rec.Key, &status, &rec.RequestHash, &rec.Request, &rec.Response, &rec.ResponseCode, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.IdempotencyRecord{}, credit.ErrIdempotencyMissing
	}
	if err != nil {
		return credit.IdempotencyRecord{}, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	rec.Status = credit.IdempotencyStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func (s *Store) FinishIdempotencyRecord(ctx context.Context, key string, status credit.IdempotencyStatus, response []byte, code int) error {
	return s.locked(func(q querier) error { return finishIdempotency(ctx, q, key, status, response, code) })
}

func (ts *txStore) FinishIdempotencyRecord(ctx context.Context, key string, status credit.IdempotencyStatus, response []byte, code int) error {
	return finishIdempotency(ctx, ts.q, key, status, response, code)
}

func finishIdempotency(ctx context.Context, q querier, key string, status credit.IdempotencyStatus, response []byte, code int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = ?, response = ?, response_code = ?, updated_at = ?
		WHERE key = ? AND status = ?`,
		string(status), response, code, time.Now().UTC().Format(timeFormat),
		key, string(credit.IdempotencyInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to finish idempotency record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getIdempotency(ctx, q, key); err != nil {
		return err
	}
	return credit.ErrInvalidTransition
}

func (s *Store) ReleaseIdempotencyRecord(ctx context.Context, key string) error {
	return s.locked(func(q querier) error { return releaseIdempotency(ctx, q, key) })
}

func (ts *txStore) ReleaseIdempotencyRecord(ctx context.Context, key string) error {
	return releaseIdempotency(ctx, ts.q, key)
}

func releaseIdempotency(ctx context.Context, q querier, key string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND status = ?`,
		key, string(credit.IdempotencyInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getIdempotency(ctx, q, key); err != nil {
		return err
	}
	return credit.ErrInvalidTransition
}

func (s *Store) DeleteIdempotencyRecords(ctx context.Context, status credit.IdempotencyStatus, before time.Time) (n int, err error) {
	err = s.locked(func(q querier) error { n, err = deleteIdempotency(ctx, q, status, before); return err })
	return n, err
}

func (ts *txStore) DeleteIdempotencyRecords(ctx context.Context, status credit.IdempotencyStatus, before time.Time) (int, error) {
	return deleteIdempotency(ctx, ts.q, status, before)
}

func deleteIdempotency(ctx context.Context, q querier, status credit.IdempotencyStatus, before time.Time) (int, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE status = ? AND updated_at < ?`,
		string(status), before.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(credit.AmountScale).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -credit.AmountScale)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func encodeAmounts(amounts map[credit.Tier]decimal.Decimal) (string, error) {
	raw := make(map[string]string, len(amounts))
	for t, a := range amounts {
		raw[string(t)] = a.String()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encode program amounts: %w", err)
	}
	return string(b), nil
}

func decodeAmounts(s string) (map[credit.Tier]decimal.Decimal, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode program amounts: %w", err)
	}
	out := make(map[credit.Tier]decimal.Decimal, len(raw))
	for t, a := range raw {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return nil, fmt.Errorf("program amount for %s: %w", t, err)
		}
		out[credit.Tier(t)] = d
	}
	return out, nil
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
