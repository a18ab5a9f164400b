/*
Package postgres provides a PostgreSQL implementation of credit.TxStore.

PURPOSE:
  Production storage. Queries are built with squirrel using dollar
  placeholders and run on a pgx connection pool. Inside WithTx every
  query goes through the same pgx.Tx.

ATOMIC BALANCE UPDATES:
  UPDATE accounts SET balance = balance + $1 WHERE id = $2 RETURNING balance
  UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1 RETURNING balance
  Row locks taken by these statements serialize concurrent writers on the
  same account; the CHECK (balance >= 0) constraint is the backstop.

UNIQUENESS:
  Unique violations (SQLSTATE 23505) are mapped to credit sentinels by
  the constraint that fired.

USAGE:
  store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
  if err != nil {
      return err
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/philtech/credit-engine/credit"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT,
	role TEXT NOT NULL DEFAULT 'user',
	package TEXT NOT NULL DEFAULT '',
	upline_id BIGINT REFERENCES accounts(id),
	referral_code TEXT,
	balance NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_key ON accounts (lower(email)) WHERE email IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS accounts_referral_code_key ON accounts (lower(referral_code)) WHERE referral_code IS NOT NULL;
CREATE INDEX IF NOT EXISTS accounts_upline_idx ON accounts (upline_id);

CREATE TABLE IF NOT EXISTS credit_transactions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	amount NUMERIC(18,2) NOT NULL,
	tx_type TEXT NOT NULL,
	previous_balance NUMERIC(18,2) NOT NULL,
	new_balance NUMERIC(18,2) NOT NULL,
	payment_method TEXT NOT NULL DEFAULT '',
	reference TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS credit_transactions_account_idx ON credit_transactions (account_id, seq DESC);

CREATE TABLE IF NOT EXISTS incentive_programs (
	tier TEXT NOT NULL,
	generation INT NOT NULL,
	amounts JSONB NOT NULL,
	PRIMARY KEY (tier, generation)
);

CREATE TABLE IF NOT EXISTS referral_income (
	id BIGSERIAL PRIMARY KEY,
	sender_id BIGINT NOT NULL,
	recipient_id BIGINT NOT NULL,
	amount NUMERIC(18,2) NOT NULL,
	level INT NOT NULL,
	referral_code TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT referral_income_triple_key UNIQUE (sender_id, recipient_id, level)
);
CREATE INDEX IF NOT EXISTS referral_income_recipient_idx ON referral_income (recipient_id);

CREATE TABLE IF NOT EXISTS invitation_codes (
	code TEXT PRIMARY KEY,
	owner_id BIGINT NOT NULL REFERENCES accounts(id),
	package TEXT NOT NULL,
	amount NUMERIC(18,2) NOT NULL,
	redeemed_by BIGINT REFERENCES accounts(id),
	redeemed_at TIMESTAMPTZ,
	purchased_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS invitation_codes_owner_idx ON invitation_codes (owner_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	request BYTEA,
	response BYTEA,
	response_code INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_status_idx ON idempotency_keys (status, updated_at);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	ops
}

// ops holds every operation against a querier. Store runs them on the
// pool, the WithTx view on the transaction.
type ops struct {
	q      querier
	logger *zap.Logger
}

// New connects to dsn and creates the schema when missing.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("env DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool, logger: logger, ops: ops{q: pool, logger: logger}}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset deletes all data. Test databases only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE idempotency_keys, invitation_codes, referral_income,
		incentive_programs, credit_transactions, accounts RESTART IDENTITY CASCADE`)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = fn(&ops{q: tx, logger: s.logger}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertPayouts on the pool runs in its own transaction so the batch is all or nothing.
func (s *Store) InsertPayouts(ctx context.Context, rows []credit.ReferralIncome) error {
	return s.WithTx(ctx, func(tx credit.Store) error { return tx.InsertPayouts(ctx, rows) })
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = "id, name, coalesce(email, ''), role, package, upline_id, coalesce(referral_code, ''), balance::text, created_at"

func (o *ops) CreateAccount(ctx context.Context, a credit.Account) (credit.Account, error) {
	if a.Role == "" {
		a.Role = credit.RoleUser
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var upline *int64
	if a.UplineID != nil {
		u := int64(*a.UplineID)
		upline = &u
	}

	sql, args, err := psql.Insert("accounts").
		Columns("name", "email", "role", "package", "upline_id", "referral_code", "balance", "created_at").
		Values(a.Name, nullable(a.Email), string(a.Role), a.Package, upline, nullable(a.ReferralCode), a.Balance.String(), a.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return credit.Account{}, o.sqlError(err, sql, args)
	}

	var id int64
	if err := o.q.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return credit.Account{}, credit.ErrDuplicateKey
		}
		return credit.Account{}, o.sqlError(err, sql, args)
	}
	a.ID = credit.AccountID(id)
	return a, nil
}

func (o *ops) GetAccount(ctx context.Context, id credit.AccountID) (credit.Account, error) {
	sql, args, err := psql.Select(accountColumns).From("accounts").Where(sq.Eq{"id": int64(id)}).ToSql()
	if err != nil {
		return credit.Account{}, o.sqlError(err, sql, args)
	}
	return scanAccount(o.q.QueryRow(ctx, sql, args...))
}

func (o *ops) FindByReferralCode(ctx context.Context, code string) (credit.Account, error) {
	sql, args, err := psql.Select(accountColumns).From("accounts").
		Where("lower(referral_code) = lower(?)", code).
		ToSql()
	if err != nil {
		return credit.Account{}, o.sqlError(err, sql, args)
	}
	return scanAccount(o.q.QueryRow(ctx, sql, args...))
}

func scanAccount(row pgx.Row) (credit.Account, error) {
	var (
		a       credit.Account
		id      int64
		role    string
		upline  *int64
		balance string
	)
	err := row.Scan(&id, &a.Name, &a.Email, &role, &a.Package, &upline, &a.ReferralCode, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.Account{}, credit.ErrAccountNotFound
	}
	if err != nil {
		return credit.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	a.ID = credit.AccountID(id)
	a.Role = credit.Role(role)
	if upline != nil {
		u := credit.AccountID(*upline)
		a.UplineID = &u
	}
	a.Balance, err = decimal.NewFromString(balance)
	return a, err
}

var accountColumnFor = map[credit.AccountField]string{
	credit.FieldName:         "name",
	credit.FieldEmail:        "email",
	credit.FieldPackage:      "package",
	credit.FieldReferralCode: "referral_code",
}

func (o *ops) UpdateAccountField(ctx context.Context, id credit.AccountID, field credit.AccountField, value string) error {
	col, ok := accountColumnFor[field]
	if !ok {
		return &credit.ValidationError{Field: "field", Message: "unknown account field " + string(field)}
	}
	var arg any = value
	if field == credit.FieldEmail || field == credit.FieldReferralCode {
		arg = nullable(value)
	}

	sql, args, err := psql.Update("accounts").Set(col, arg).Where(sq.Eq{"id": int64(id)}).ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	tag, err := o.q.Exec(ctx, sql, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return credit.ErrDuplicateKey
		}
		return o.sqlError(err, sql, args)
	}
	if tag.RowsAffected() == 0 {
		return credit.ErrAccountNotFound
	}
	return nil
}

func (o *ops) IncrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	sql, args, err := psql.Update("accounts").
		Set("balance", sq.Expr("balance + ?::numeric", delta.String())).
		Where(sq.Eq{"id": int64(id)}).
		Suffix("RETURNING balance::text").
		ToSql()
	if err != nil {
		return decimal.Zero, o.sqlError(err, sql, args)
	}

	var balance string
	err = o.q.QueryRow(ctx, sql, args...).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, credit.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, o.sqlError(err, sql, args)
	}
	return decimal.NewFromString(balance)
}

func (o *ops) DecrementBalance(ctx context.Context, id credit.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	sql, args, err := psql.Update("accounts").
		Set("balance", sq.Expr("balance - ?::numeric", delta.String())).
		Where(sq.Eq{"id": int64(id)}).
		Where("balance >= ?::numeric", delta.String()).
		Suffix("RETURNING balance::text").
		ToSql()
	if err != nil {
		return decimal.Zero, o.sqlError(err, sql, args)
	}

	var balance string
	err = o.q.QueryRow(ctx, sql, args...).Scan(&balance)
	if err == nil {
		return decimal.NewFromString(balance)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, o.sqlError(err, sql, args)
	}

	// No row updated: either the account is missing or the balance is short.
	a, err := o.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, &credit.InsufficientFundsError{AccountID: id, Available: a.Balance, Requested: delta}
}

// =============================================================================
// LEDGER
// =============================================================================

func (o *ops) AppendTransaction(ctx context.Context, tx credit.Transaction) error {
	sql, args, err := psql.Insert("credit_transactions").
		Columns("id", "account_id", "amount", "tx_type", "previous_balance", "new_balance",
			"payment_method", "reference", "description", "status", "created_at").
		Values(string(tx.ID), int64(tx.AccountID), tx.Amount.String(), string(tx.Type),
			tx.PreviousBalance.String(), tx.NewBalance.String(),
			tx.PaymentMethod, tx.Reference, tx.Description, string(tx.Status), tx.CreatedAt).
		ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if _, err := o.q.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return credit.ErrDuplicateKey
		}
		return o.sqlError(err, sql, args)
	}
	return nil
}

func (o *ops) ListTransactions(ctx context.Context, id credit.AccountID, limit int) ([]credit.Transaction, error) {
	b := psql.Select("id", "account_id", "amount::text", "tx_type", "previous_balance::text", "new_balance::text",
		"payment_method", "reference", "description", "status", "created_at").
		From("credit_transactions").
		Where(sq.Eq{"account_id": int64(id)}).
		OrderBy("seq DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}

	rows, err := o.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	defer rows.Close()

	var out []credit.Transaction
	for rows.Next() {
		var (
			tx                   credit.Transaction
			txID, txType, status string
			accountID            int64
			amount, prev, next   string
		)
		if err := rows.Scan(&txID, &accountID, &amount, &txType, &prev, &next,
			&tx.PaymentMethod, &tx.Reference, &tx.Description, &status, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = credit.TransactionID(txID)
		tx.AccountID = credit.AccountID(accountID)
		tx.Type = credit.TransactionType(txType)
		tx.Status = credit.TransactionStatus(status)
		tx.Amount = decimal.RequireFromString(amount)
		tx.PreviousBalance = decimal.RequireFromString(prev)
		tx.NewBalance = decimal.RequireFromString(next)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// INCENTIVE PROGRAMS AND PAYOUTS
// =============================================================================

func (o *ops) GetIncentiveProgram(ctx context.Context, tier credit.Tier, generation int) (credit.IncentiveProgram, error) {
	sql, args, err := psql.Select("amounts").From("incentive_programs").
		Where(sq.Eq{"tier": string(tier), "generation": generation}).
		ToSql()
	if err != nil {
		return credit.IncentiveProgram{}, o.sqlError(err, sql, args)
	}

	var raw []byte
	err = o.q.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.IncentiveProgram{}, credit.ErrProgramNotFound
	}
	if err != nil {
		return credit.IncentiveProgram{}, o.sqlError(err, sql, args)
	}
	amounts, err := decodeAmounts(raw)
	if err != nil {
		return credit.IncentiveProgram{}, err
	}
	return credit.IncentiveProgram{Tier: tier, Generation: generation, Amounts: amounts}, nil
}

func (o *ops) SaveIncentiveProgram(ctx context.Context, p credit.IncentiveProgram) error {
	raw, err := encodeAmounts(p.Amounts)
	if err != nil {
		return err
	}
	sql, args, err := psql.Insert("incentive_programs").
		Columns("tier", "generation", "amounts").
		Values(string(p.Tier), p.Generation, string(raw)).
		Suffix("ON CONFLICT (tier, generation) DO UPDATE SET amounts = EXCLUDED.amounts").
		ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if _, err := o.q.Exec(ctx, sql, args...); err != nil {
		return o.sqlError(err, sql, args)
	}
	return nil
}

func (o *ops) ListIncentivePrograms(ctx context.Context) ([]credit.IncentiveProgram, error) {
	sql, args, err := psql.Select("tier", "generation", "amounts").From("incentive_programs").
		OrderBy("tier", "generation").
		ToSql()
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	rows, err := o.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	defer rows.Close()

	var out []credit.IncentiveProgram
	for rows.Next() {
		var (
			p    credit.IncentiveProgram
			tier string
			raw  []byte
		)
		if err := rows.Scan(&tier, &p.Generation, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan incentive program: %w", err)
		}
		p.Tier = credit.Tier(tier)
		if p.Amounts, err = decodeAmounts(raw); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (o *ops) PayoutExists(ctx context.Context, sender, recipient credit.AccountID, level int) (bool, error) {
	sql, args, err := psql.Select("1").From("referral_income").
		Where(sq.Eq{"sender_id": int64(sender), "recipient_id": int64(recipient), "level": level}).
		Prefix("SELECT EXISTS (").Suffix(")").
		ToSql()
	if err != nil {
		return false, o.sqlError(err, sql, args)
	}
	var exists bool
	if err := o.q.QueryRow(ctx, sql, args...).Scan(&exists); err != nil {
		return false, o.sqlError(err, sql, args)
	}
	return exists, nil
}

func (o *ops) InsertPayouts(ctx context.Context, rows []credit.ReferralIncome) error {
	if len(rows) == 0 {
		return nil
	}
	b := psql.Insert("referral_income").
		Columns("sender_id", "recipient_id", "amount", "level", "referral_code", "created_at")
	for _, r := range rows {
		b = b.Values(int64(r.SenderID), int64(r.RecipientID), r.Amount.String(), r.Level, r.ReferralCode, r.CreatedAt)
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if _, err := o.q.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return credit.ErrDuplicatePayout
		}
		return o.sqlError(err, sql, args)
	}
	return nil
}

func (o *ops) ListPayouts(ctx context.Context, recipient credit.AccountID) ([]credit.ReferralIncome, error) {
	sql, args, err := psql.Select("sender_id", "recipient_id", "amount::text", "level", "referral_code", "created_at").
		From("referral_income").
		Where(sq.Eq{"recipient_id": int64(recipient)}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	rows, err := o.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	defer rows.Close()

	var out []credit.ReferralIncome
	for rows.Next() {
		var (
			r             credit.ReferralIncome
			sender, recip int64
			amount        string
		)
		if err := rows.Scan(&sender, &recip, &amount, &r.Level, &r.ReferralCode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		r.SenderID = credit.AccountID(sender)
		r.RecipientID = credit.AccountID(recip)
		r.Amount = decimal.RequireFromString(amount)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// INVITATION CODES
// =============================================================================

func (o *ops) CreateInvitationCode(ctx context.Context, c credit.InvitationCode) error {
	sql, args, err := psql.Insert("invitation_codes").
		Columns("code", "owner_id", "package", "amount", "purchased_at").
		Values(c.Code, int64(c.OwnerID), c.Package, c.Amount.String(), c.PurchasedAt).
		ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if _, err := o.q.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return credit.ErrDuplicateKey
		}
		return o.sqlError(err, sql, args)
	}
	return nil
}

var codeColumns = []string{"code", "owner_id", "package", "amount::text", "redeemed_by", "redeemed_at", "purchased_at"}

func (o *ops) GetInvitationCode(ctx context.Context, code string) (credit.InvitationCode, error) {
	codes, err := o.queryCodes(ctx, psql.Select(codeColumns...).From("invitation_codes").Where(sq.Eq{"code": code}))
	if err != nil {
		return credit.InvitationCode{}, err
	}
	if len(codes) == 0 {
		return credit.InvitationCode{}, credit.ErrCodeNotFound
	}
	return codes[0], nil
}

func (o *ops) RedeemInvitationCode(ctx context.Context, code string, by credit.AccountID, at time.Time) error {
	sql, args, err := psql.Update("invitation_codes").
		Set("redeemed_by", int64(by)).
		Set("redeemed_at", at).
		Where(sq.Eq{"code": code, "redeemed_by": nil}).
		ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	tag, err := o.q.Exec(ctx, sql, args...)
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := o.GetInvitationCode(ctx, code); err != nil {
		return err
	}
	return credit.ErrCodeRedeemed
}

func (o *ops) ListInvitationCodes(ctx context.Context, owner credit.AccountID) ([]credit.InvitationCode, error) {
	return o.queryCodes(ctx, psql.Select(codeColumns...).From("invitation_codes").
		Where(sq.Eq{"owner_id": int64(owner)}).
		OrderBy("purchased_at DESC", "code"))
}

func (o *ops) queryCodes(ctx context.Context, b sq.SelectBuilder) ([]credit.InvitationCode, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	rows, err := o.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, o.sqlError(err, sql, args)
	}
	defer rows.Close()

	var out []credit.InvitationCode
	for rows.Next() {
		var (
			c          credit.InvitationCode
			owner      int64
			amount     string
			redeemedBy *int64
		)
		if err := rows.Scan(&c.Code, &owner, &c.Package, &amount, &redeemedBy, &c.RedeemedAt, &c.PurchasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invitation code: %w", err)
		}
		c.OwnerID = credit.AccountID(owner)
		c.Amount = decimal.RequireFromString(amount)
		if redeemedBy != nil {
			by := credit.AccountID(*redeemedBy)
			c.RedeemedBy = &by
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

var idempotencyColumns = []string{"key", "status", "request_hash", "request", "response", "response_code", "created_at", "updated_at"}

func (o *ops) CreateIdempotencyRecord(ctx context.Context, rec credit.IdempotencyRecord) (bool, credit.IdempotencyRecord, error) {
	sql, args, err := psql.Insert("idempotency_keys").
		Columns(idempotencyColumns...).
		Values(rec.Key, string(rec.Status), rec.RequestHash, rec.Request, rec.Response, rec.ResponseCode, rec.CreatedAt, rec.UpdatedAt).
		Suffix("ON CONFLICT (key) DO NOTHING").
		ToSql()
	if err != nil {
		return false, credit.IdempotencyRecord{}, o.sqlError(err, sql, args)
	}
	tag, err := o.q.Exec(ctx, sql, args...)
	if err != nil {
		return false, credit.IdempotencyRecord{}, o.sqlError(err, sql, args)
	}
	if tag.RowsAffected() == 1 {
		return true, rec, nil
	}
	existing, err := o.GetIdempotencyRecord(ctx, rec.Key)
	return false, existing, err
}

func (o *ops) GetIdempotencyRecord(ctx context.Context, key string) (credit.IdempotencyRecord, error) {
	sql, args, err := psql.Select(idempotencyColumns...).From("idempotency_keys").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return credit.IdempotencyRecord{}, o.sqlError(err, sql, args)
	}
	var (
		rec    credit.IdempotencyRecord
		status string
	)
	err = o.q.QueryRow(ctx, sql, args...).Scan(&rec.Key, &status, &rec.RequestHash, &rec.Request,
		&rec.Response, &rec.ResponseCode, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.IdempotencyRecord{}, credit.ErrIdempotencyMissing
	}
	if err != nil {
		return credit.IdempotencyRecord{}, o.sqlError(err, sql, args)
	}
	rec.Status = credit.IdempotencyStatus(status)
	return rec, nil
}

func (o *ops) FinishIdempotencyRecord(ctx context.Context, key string, status credit.IdempotencyStatus, response []byte, code int) error {
	sql, args, err := psql.Update("idempotency_keys").
		Set("status", string(status)).
		Set("response", response).
		Set("response_code", code).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"key": key, "status": string(credit.IdempotencyInProgress)}).
		ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	tag, err := o.q.Exec(ctx, sql, args...)
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := o.GetIdempotencyRecord(ctx, key); err != nil {
		return err
	}
	return credit.ErrInvalidTransition
}

func (o *ops) ReleaseIdempotencyRecord(ctx context.Context, key string) error {
	sql, args, err := psql.Delete("idempotency_keys").
		Where(sq.Eq{"key": key, "status": string(credit.IdempotencyInProgress)}).
		ToSql()
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	tag, err := o.q.Exec(ctx, sql, args...)
	if err != nil {
		return o.sqlError(err, sql, args)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := o.GetIdempotencyRecord(ctx, key); err != nil {
		return err
	}
	return credit.ErrInvalidTransition
}

func (o *ops) DeleteIdempotencyRecords(ctx context.Context, status credit.IdempotencyStatus, before time.Time) (int, error) {
	sql, args, err := psql.Delete("idempotency_keys").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{"updated_at": before}).
		ToSql()
	if err != nil {
		return 0, o.sqlError(err, sql, args)
	}
	tag, err := o.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, o.sqlError(err, sql, args)
	}
	return int(tag.RowsAffected()), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *ops) sqlError(err error, sql string, args []any) error {
	o.logger.Error("SQL error",
		zap.Error(err),
		zap.String("query", sql),
		zap.Any("args", args),
	)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func encodeAmounts(amounts map[credit.Tier]decimal.Decimal) ([]byte, error) {
	raw := make(map[string]string, len(amounts))
	for t, a := range amounts {
		raw[string(t)] = a.String()
	}
	return json.Marshal(raw)
}

func decodeAmounts(b []byte) (map[credit.Tier]decimal.Decimal, error) {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
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
