package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"vtu-ledger/pkg/utils"
)

// NOTE: This repository assumes the tables from migrations/0001_init.sql:
// - wallets (one row per user, balance projection)
// - transactions (append-only, UNIQUE payment_reference)
// - payouts
// - spending_limits

// postLockTimeout turns a stuck wallet lock into ErrStoreConflict, which the
// Ledger Core retries.
const postLockTimeout = 3 * time.Second

// PostgresStore is the Store backed by Postgres through database/sql + pgx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func lockingTx() utils.TxOptions {
	return utils.TxOptions{Isolation: sql.LevelReadCommitted, LockTimeout: postLockTimeout}
}

func (s *PostgresStore) Post(ctx context.Context, postings []Posting) ([]Transaction, error) {
	var out []Transaction
	err := utils.WithTx(ctx, s.db, lockingTx(), func(ctx context.Context, tx *sql.Tx) error {
		res, err := post(ctx, &pgTx{tx: tx}, time.Now().UTC(), postings)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

const walletColumns = `user_id, balance, total_deposits, total_withdrawals, is_frozen, COALESCE(freeze_reason, ''), created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.UserID,
		&w.Balance,
		&w.TotalDeposits,
		&w.TotalWithdrawals,
		&w.IsFrozen,
		&w.FreezeReason,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	return w, err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	w, err := scanWallet(s.db.QueryRowContext(ctx, q, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) EnsureWallet(ctx context.Context, userID string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	const ins = `
INSERT INTO wallets (user_id, created_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := s.db.ExecContext(ctx, ins, userID, time.Now().UTC()); err != nil {
		return Wallet{}, mapPgError(err)
	}
	return s.GetWallet(ctx, userID)
}

func (s *PostgresStore) SetFrozen(ctx context.Context, userID string, frozen bool, reason string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	if !frozen {
		reason = ""
	}
	q := `
INSERT INTO wallets (user_id, is_frozen, freeze_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (user_id)
DO UPDATE SET is_frozen = EXCLUDED.is_frozen,
              freeze_reason = EXCLUDED.freeze_reason,
              updated_at = EXCLUDED.updated_at
RETURNING ` + walletColumns
	w, err := scanWallet(s.db.QueryRowContext(ctx, q, userID, frozen, reason, time.Now().UTC()))
	if err != nil {
		return Wallet{}, mapPgError(err)
	}
	return w, nil
}

const txColumns = `id, user_id, type, amount, status, payment_reference,
       COALESCE(transfer_reference, ''), COALESCE(description, ''),
       balance_before, balance_after, metadata, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (Transaction, error) {
	var (
		t    Transaction
		meta []byte
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Type,
		&t.Amount,
		&t.Status,
		&t.PaymentReference,
		&t.TransferReference,
		&t.Description,
		&t.BalanceBefore,
		&t.BalanceAfter,
		&meta,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (s *PostgresStore) FindByReference(ctx context.Context, reference string) (Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE payment_reference = $1`
	t, err := scanTransaction(s.db.QueryRowContext(ctx, q, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, f TransactionFilter) (TransactionPage, error) {
	f = f.normalized()

	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if !f.StartDate.IsZero() {
		args = append(args, f.StartDate)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.EndDate.IsZero() {
		args = append(args, f.EndDate)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	page := TransactionPage{Page: f.Page, Limit: f.Limit, Transactions: []Transaction{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return TransactionPage{}, err
	}

	q := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		txColumns, cond, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, q, append(args, f.Limit, f.Offset())...)
	if err != nil {
		return TransactionPage{}, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return TransactionPage{}, err
		}
		page.Transactions = append(page.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return TransactionPage{}, err
	}
	return page, nil
}

const sumDebitsQuery = `
SELECT COALESCE(SUM(amount), 0)
FROM transactions
WHERE user_id = $1 AND status = 'completed' AND type = ANY($2) AND created_at >= $3
`

func debitTypeNames() []string {
	out := make([]string, len(DebitTypes))
	for i, t := range DebitTypes {
		out[i] = string(t)
	}
	return out
}

func (s *PostgresStore) SumDebits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := s.db.QueryRowContext(ctx, sumDebitsQuery, userID, debitTypeNames(), since).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, t Transaction) (Transaction, error) {
	if t.UserID == "" || t.PaymentReference == "" || !t.Type.Valid() {
		return Transaction{}, ErrInvalidArgument
	}
	if !ValidAmount(t.Amount) {
		return Transaction{}, ErrInvalidAmount
	}
	err := utils.WithTx(ctx, s.db, lockingTx(), func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		w, _, err := (&pgTx{tx: tx}).lockWallet(ctx, t.UserID, true, now)
		if err != nil {
			return err
		}
		t = newPending(t, w.Balance, now)
		return insertTransaction(ctx, tx, t)
	})
	if err != nil {
		return Transaction{}, mapPgError(err)
	}
	return t, nil
}

func (s *PostgresStore) FailPending(ctx context.Context, reference, reason string) (Transaction, error) {
	patch, err := json.Marshal(map[string]any{"failure_reason": reason})
	if err != nil {
		return Transaction{}, err
	}
	q := `
UPDATE transactions
SET status = 'failed',
    metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
    updated_at = $3
WHERE payment_reference = $1 AND status = 'pending'
RETURNING ` + txColumns
	t, err := scanTransaction(s.db.QueryRowContext(ctx, q, reference, patch, time.Now().UTC()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, err
	}
	// Not pending any more (or never existed).
	return s.FindByReference(ctx, reference)
}

func (s *PostgresStore) GetSpendingLimit(ctx context.Context, userID string) (SpendingLimit, bool, error) {
	const q = `
SELECT user_id, daily_limit, monthly_limit, updated_at
FROM spending_limits
WHERE user_id = $1
`
	var l SpendingLimit
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&l.UserID, &l.DailyLimit, &l.MonthlyLimit, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SpendingLimit{}, false, nil
		}
		return SpendingLimit{}, false, err
	}
	return l, true, nil
}

func (s *PostgresStore) SetSpendingLimit(ctx context.Context, l SpendingLimit) error {
	if l.UserID == "" || l.DailyLimit.IsNegative() || l.MonthlyLimit.IsNegative() {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO spending_limits (user_id, daily_limit, monthly_limit, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id)
DO UPDATE SET daily_limit = EXCLUDED.daily_limit,
              monthly_limit = EXCLUDED.monthly_limit,
              updated_at = EXCLUDED.updated_at
`
	_, err := s.db.ExecContext(ctx, q, l.UserID, l.DailyLimit, l.MonthlyLimit, time.Now().UTC())
	return err
}

// pgTx runs the ledger rules against one database transaction.
type pgTx struct {
	tx *sql.Tx
}

func (p *pgTx) lockWallet(ctx context.Context, userID string, create bool, now time.Time) (Wallet, bool, error) {
	if create {
		const ins = `
INSERT INTO wallets (user_id, created_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (user_id) DO NOTHING
`
		if _, err := p.tx.ExecContext(ctx, ins, userID, now); err != nil {
			return Wallet{}, false, err
		}
	}
	// Lock the wallet row to serialize concurrent money operations per wallet.
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 FOR UPDATE`
	w, err := scanWallet(p.tx.QueryRowContext(ctx, q, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, false, nil
		}
		return Wallet{}, false, err
	}
	return w, true, nil
}

func (p *pgTx) findByReference(ctx context.Context, reference string) (Transaction, bool, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE payment_reference = $1 FOR UPDATE`
	t, err := scanTransaction(p.tx.QueryRowContext(ctx, q, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return t, true, nil
}

func (p *pgTx) sumDebits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := p.tx.QueryRowContext(ctx, sumDebitsQuery, userID, debitTypeNames(), since).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (p *pgTx) insertTransaction(ctx context.Context, t Transaction) error {
	return insertTransaction(ctx, p.tx, t)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO transactions (
  id, user_id, type, amount, status, payment_reference, transfer_reference,
  description, balance_before, balance_after, metadata, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,NULLIF($7, ''),$8,$9,$10,$11,$12,$13
)
`
	_, err = tx.ExecContext(ctx, q,
		t.ID,
		t.UserID,
		string(t.Type),
		t.Amount,
		string(t.Status),
		t.PaymentReference,
		t.TransferReference,
		t.Description,
		t.BalanceBefore,
		t.BalanceAfter,
		meta,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return err
}

func (p *pgTx) completePending(ctx context.Context, t Transaction) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE transactions
SET status = 'completed',
    description = $2,
    balance_before = $3,
    balance_after = $4,
    metadata = $5,
    updated_at = $6
WHERE payment_reference = $1 AND status IN ('pending', 'failed')
`
	res, err := p.tx.ExecContext(ctx, q, t.PaymentReference, t.Description, t.BalanceBefore, t.BalanceAfter, meta, t.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrDuplicateReference
	}
	return nil
}

func (p *pgTx) insertPayout(ctx context.Context, po Payout) error {
	bank, err := json.Marshal(po.BankDetails)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO payouts (id, user_id, transaction_id, reference, amount, bank_details, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err = p.tx.ExecContext(ctx, q, po.ID, po.UserID, po.TransactionID, po.Reference, po.Amount, bank, string(po.Status), po.CreatedAt)
	return err
}

func (p *pgTx) saveWallet(ctx context.Context, w Wallet) error {
	const q = `
UPDATE wallets
SET balance = $2, total_deposits = $3, total_withdrawals = $4, updated_at = $5
WHERE user_id = $1
`
	_, err := p.tx.ExecContext(ctx, q, w.UserID, w.Balance, w.TotalDeposits, w.TotalWithdrawals, w.UpdatedAt)
	return err
}

// balanceConstraint is the wallets CHECK that keeps balances non-negative.
const balanceConstraint = "wallets_balance_non_negative"

// mapPgError turns driver errors into ledger sentinels. Unknown errors pass through.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return ErrDuplicateReference
	case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
		return ErrStoreConflict
	case "23514": // check_violation
		if pgErr.ConstraintName == balanceConstraint {
			return ErrInsufficientFunds
		}
		return err
	default:
		return err
	}
}
