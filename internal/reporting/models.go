package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SpendSummaryRequest asks for aggregates over one user's completed
// transactions in [From, To).
type SpendSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type TypeTotal struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type SpendSummary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	TotalCredit decimal.Decimal `json:"total_credit"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	NetDelta    decimal.Decimal `json:"net_delta"`

	// PurchaseDebit is spend on VTU products net of refunds.
	PurchaseDebit decimal.Decimal `json:"purchase_debit"`
	AdminAdjust   decimal.Decimal `json:"admin_adjust"`

	TransactionCount int                                  `json:"transaction_count"`
	ByType           map[wallet.TransactionType]TypeTotal `json:"by_type"`
}
