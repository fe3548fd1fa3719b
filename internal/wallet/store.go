package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the Balance Store contract.
//
// Money invariants:
// - Post is the only way balances change, and it is atomic across all legs
// - payment_reference is unique; a second insert with the same reference fails
//   with ErrDuplicateReference
// - Transactions are never deleted; a pending row moves to completed or failed,
//   and a failed row may still complete through Post with ReopenFailed
type Store interface {
	Post(ctx context.Context, postings []Posting) ([]Transaction, error)

	GetWallet(ctx context.Context, userID string) (Wallet, error)
	EnsureWallet(ctx context.Context, userID string) (Wallet, error)
	SetFrozen(ctx context.Context, userID string, frozen bool, reason string) (Wallet, error)

	FindByReference(ctx context.Context, reference string) (Transaction, error)
	ListTransactions(ctx context.Context, userID string, f TransactionFilter) (TransactionPage, error)
	SumDebits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)

	// CreatePending records a transaction awaiting external confirmation.
	// It does not touch the balance.
	CreatePending(ctx context.Context, t Transaction) (Transaction, error)
	// FailPending moves a pending transaction to failed. Completed rows are
	// left untouched and returned as-is.
	FailPending(ctx context.Context, reference, reason string) (Transaction, error)

	GetSpendingLimit(ctx context.Context, userID string) (SpendingLimit, bool, error)
	SetSpendingLimit(ctx context.Context, l SpendingLimit) error
}
