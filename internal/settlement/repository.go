package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists PaymentLogs. Mark* transitions are conditional on the
// current status and are no-ops on a terminal row.
type Repository interface {
	Create(ctx context.Context, p PaymentLog) error
	Get(ctx context.Context, txRef string) (PaymentLog, error)
	AttachCheckout(ctx context.Context, txRef, providerRef string, data map[string]any) error
	RecordWebhook(ctx context.Context, txRef string, data map[string]any) error
	MarkVerifying(ctx context.Context, txRef, providerRef string) error
	// MarkCompleted also closes a failed log; the credit is the stronger fact.
	MarkCompleted(ctx context.Context, txRef, transactionID, providerRef string) error
	MarkFailed(ctx context.Context, txRef, reason string) error
	// Reopen moves a failed log back to verifying once the gateway confirms it.
	Reopen(ctx context.Context, txRef, providerRef string) error
	// ListStale returns non-terminal logs last updated before olderThan, oldest first.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]PaymentLog, error)
}

// PostgresRepo stores payment_logs (see migrations/0001_init.sql).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const paymentColumns = `tx_ref, user_id, amount, currency, status, provider, COALESCE(provider_ref, ''),
       payment_data, webhook_data, COALESCE(transaction_id, ''), COALESCE(failure_reason, ''),
       created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (PaymentLog, error) {
	var (
		p                 PaymentLog
		payData, hookData []byte
	)
	err := row.Scan(
		&p.TxRef,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.Provider,
		&p.ProviderRef,
		&payData,
		&hookData,
		&p.TransactionID,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return PaymentLog{}, err
	}
	if len(payData) > 0 {
		if err := json.Unmarshal(payData, &p.PaymentData); err != nil {
			return PaymentLog{}, err
		}
	}
	if len(hookData) > 0 {
		if err := json.Unmarshal(hookData, &p.WebhookData); err != nil {
			return PaymentLog{}, err
		}
	}
	return p, nil
}

func encodeJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (r *PostgresRepo) Create(ctx context.Context, p PaymentLog) error {
	data, err := encodeJSON(p.PaymentData)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO payment_logs (tx_ref, user_id, amount, currency, status, provider, payment_data, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
`
	_, err = r.db.ExecContext(ctx, q, p.TxRef, p.UserID, p.Amount, p.Currency, string(p.Status), p.Provider, data, p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicatePayment
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, txRef string) (PaymentLog, error) {
	q := `SELECT ` + paymentColumns + ` FROM payment_logs WHERE tx_ref = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, txRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentLog{}, ErrPaymentNotFound
		}
		return PaymentLog{}, err
	}
	return p, nil
}

func (r *PostgresRepo) AttachCheckout(ctx context.Context, txRef, providerRef string, data map[string]any) error {
	b, err := encodeJSON(data)
	if err != nil {
		return err
	}
	const q = `
UPDATE payment_logs
SET provider_ref = COALESCE(NULLIF($2, ''), provider_ref),
    payment_data = COALESCE(payment_data, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
    updated_at = now()
WHERE tx_ref = $1
`
	return r.exec(ctx, q, txRef, providerRef, b)
}

func (r *PostgresRepo) RecordWebhook(ctx context.Context, txRef string, data map[string]any) error {
	b, err := encodeJSON(data)
	if err != nil {
		return err
	}
	const q = `UPDATE payment_logs SET webhook_data = $2, updated_at = now() WHERE tx_ref = $1`
	return r.exec(ctx, q, txRef, b)
}

func (r *PostgresRepo) MarkVerifying(ctx context.Context, txRef, providerRef string) error {
	const q = `
UPDATE payment_logs
SET status = 'verifying', provider_ref = COALESCE(NULLIF($2, ''), provider_ref), updated_at = now()
WHERE tx_ref = $1 AND status = 'initiated'
`
	_, err := r.db.ExecContext(ctx, q, txRef, providerRef)
	return err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, txRef, transactionID, providerRef string) error {
	const q = `
UPDATE payment_logs
SET status = 'completed',
    transaction_id = $2,
    provider_ref = COALESCE(NULLIF($3, ''), provider_ref),
    updated_at = now()
WHERE tx_ref = $1 AND status <> 'completed'
`
	_, err := r.db.ExecContext(ctx, q, txRef, transactionID, providerRef)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, txRef, reason string) error {
	const q = `
UPDATE payment_logs
SET status = 'failed', failure_reason = $2, updated_at = now()
WHERE tx_ref = $1 AND status IN ('initiated', 'verifying')
`
	_, err := r.db.ExecContext(ctx, q, txRef, reason)
	return err
}

func (r *PostgresRepo) Reopen(ctx context.Context, txRef, providerRef string) error {
	const q = `
UPDATE payment_logs
SET status = 'verifying',
    failure_reason = NULL,
    provider_ref = COALESCE(NULLIF($2, ''), provider_ref),
    updated_at = now()
WHERE tx_ref = $1 AND status = 'failed'
`
	_, err := r.db.ExecContext(ctx, q, txRef, providerRef)
	return err
}

func (r *PostgresRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]PaymentLog, error) {
	q := `SELECT ` + paymentColumns + `
FROM payment_logs
WHERE status IN ('initiated', 'verifying') AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentLog
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
