package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the per-user balance projection.
// Invariant: Balance >= 0 in every committed state.
// No code should ever mutate Balance without writing a corresponding Transaction.
type Wallet struct {
	UserID           string          `json:"user_id" db:"user_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	TotalDeposits    decimal.Decimal `json:"total_deposits" db:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals" db:"total_withdrawals"`

	IsFrozen     bool   `json:"is_frozen" db:"is_frozen"`
	FreezeReason string `json:"freeze_reason,omitempty" db:"freeze_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable audit record of one balance mutation.
// PaymentReference is unique across the table; it is the idempotency key.
type Transaction struct {
	ID     string            `json:"id" db:"id"`
	UserID string            `json:"user_id" db:"user_id"`
	Type   TransactionType   `json:"type" db:"type"`
	Amount decimal.Decimal   `json:"amount" db:"amount"`
	Status TransactionStatus `json:"status" db:"status"`

	PaymentReference  string `json:"payment_reference" db:"payment_reference"`
	TransferReference string `json:"transfer_reference,omitempty" db:"transfer_reference"`
	Description       string `json:"description,omitempty" db:"description"`

	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`

	// Metadata is stored as JSONB.
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type TransactionType string

const (
	TypeCredit              TransactionType = "credit"
	TypeDebit               TransactionType = "debit"
	TypeDeposit             TransactionType = "deposit"
	TypeWithdrawal          TransactionType = "withdrawal"
	TypeTransferIn          TransactionType = "transfer_in"
	TypeTransferOut         TransactionType = "transfer_out"
	TypeAirtimePurchase     TransactionType = "airtime_purchase"
	TypeDataPurchase        TransactionType = "data_purchase"
	TypeCablePurchase       TransactionType = "cable_purchase"
	TypeElectricityPurchase TransactionType = "electricity_purchase"
	TypeReferralWithdrawal  TransactionType = "referral_withdrawal"
	TypeRefund              TransactionType = "refund"
)

// Direction reports whether the type adds to or removes from a balance.
func (t TransactionType) Direction() Direction {
	switch t {
	case TypeCredit, TypeDeposit, TypeTransferIn, TypeRefund, TypeReferralWithdrawal:
		return DirectionCredit
	default:
		return DirectionDebit
	}
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeCredit, TypeDebit, TypeDeposit, TypeWithdrawal, TypeTransferIn, TypeTransferOut,
		TypeAirtimePurchase, TypeDataPurchase, TypeCablePurchase, TypeElectricityPurchase,
		TypeReferralWithdrawal, TypeRefund:
		return true
	default:
		return false
	}
}

// DebitTypes are the outgoing types counted against spending limits.
var DebitTypes = []TransactionType{
	TypeDebit,
	TypeWithdrawal,
	TypeTransferOut,
	TypeAirtimePurchase,
	TypeDataPurchase,
	TypeCablePurchase,
	TypeElectricityPurchase,
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// SpendingLimit caps outgoing value per user. A zero value means no cap.
type SpendingLimit struct {
	UserID       string          `json:"user_id" db:"user_id"`
	DailyLimit   decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit" db:"monthly_limit"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// ValidAmount reports whether d is positive and fits the two-decimal
// amount columns exactly.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}

// Unlimited reports whether neither cap is set.
func (l SpendingLimit) Unlimited() bool {
	return !l.DailyLimit.IsPositive() && !l.MonthlyLimit.IsPositive()
}

// Payout is the pending external leg of a withdrawal. The ledger debit is
// already completed when the payout is recorded.
type Payout struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	Reference     string          `json:"reference" db:"reference"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BankDetails   BankDetails     `json:"bank_details" db:"bank_details"`
	Status        PayoutStatus    `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

type BankDetails struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankCode      string `json:"bank_code"`
	BankName      string `json:"bank_name,omitempty"`
}

type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "pending"
)

// Result is what every ledger mutation reports back.
// Duplicate is set when the reference had already been applied and the
// original transaction is returned instead of a new one.
type Result struct {
	NewBalance  decimal.Decimal `json:"new_balance"`
	Transaction Transaction     `json:"transaction"`
	Duplicate   bool            `json:"duplicate,omitempty"`
}

// TransferResult carries both legs of a transfer.
type TransferResult struct {
	TransferReference string `json:"transfer_reference"`
	Sender            Result `json:"sender"`
	Recipient         Result `json:"recipient"`
}

// TransactionFilter narrows history queries. Zero values disable a filter.
type TransactionFilter struct {
	Page      int
	Limit     int
	Type      TransactionType
	StartDate time.Time
	EndDate   time.Time
}

func (f TransactionFilter) normalized() TransactionFilter {
	out := f
	if out.Page <= 0 {
		out.Page = 1
	}
	if out.Limit <= 0 {
		out.Limit = 20
	}
	if out.Limit > 100 {
		out.Limit = 100
	}
	return out
}

// Offset is the row offset for the requested page.
func (f TransactionFilter) Offset() int {
	n := f.normalized()
	return (n.Page - 1) * n.Limit
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Total        int           `json:"total"`
	Page         int           `json:"page"`
	Limit        int           `json:"limit"`
}
