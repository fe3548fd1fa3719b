package settlement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

var (
	ErrPaymentNotFound   = errors.New("settlement: payment not found")
	ErrAmountMismatch    = errors.New("settlement: amount does not match payment")
	ErrReferenceMismatch = errors.New("settlement: reference does not match payment")
	ErrDuplicatePayment  = errors.New("settlement: payment reference already exists")
	ErrInvalidRequest    = errors.New("settlement: invalid request")
)

// PaymentStatus is the provider-side lifecycle of one funding attempt.
//
//	initiated -> verifying -> completed
//	     \            \-----> failed
//	      \-----------------> failed -> verifying (gateway confirms later)
type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "initiated"
	PaymentVerifying PaymentStatus = "verifying"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether the poller stops tracking the payment. A failed
// payment can still be reopened by a later gateway confirmation.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// PaymentLog records one external funding attempt. TxRef is also the
// payment_reference of the deposit Transaction it settles into.
type PaymentLog struct {
	TxRef       string          `json:"tx_ref" db:"tx_ref"`
	UserID      string          `json:"user_id" db:"user_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Currency    string          `json:"currency" db:"currency"`
	Status      PaymentStatus   `json:"status" db:"status"`
	Provider    string          `json:"provider" db:"provider"`
	ProviderRef string          `json:"provider_ref,omitempty" db:"provider_ref"`

	PaymentData map[string]any `json:"payment_data,omitempty" db:"payment_data"`
	WebhookData map[string]any `json:"webhook_data,omitempty" db:"webhook_data"`

	TransactionID string `json:"transaction_id,omitempty" db:"transaction_id"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Path names the entry point that drove a settlement attempt.
type Path string

const (
	PathVerify  Path = "verify"
	PathWebhook Path = "webhook"
	PathPoll    Path = "poll"
	PathPoller  Path = "poller"
)

type FundingRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Email       string
	Name        string
	Phone       string
	Description string
	RedirectURL string
}

type FundingResult struct {
	CheckoutLink string `json:"checkout_link"`
	Reference    string `json:"reference"`
	ProviderRef  string `json:"provider_ref,omitempty"`
}

// VerifyRequest identifies a payment by our reference or the provider's id.
type VerifyRequest struct {
	Reference             string
	ProviderTransactionID string
}

// Settlement is what every entry point reports for a reference. Callers
// racing on one reference all see the same Transaction and NewBalance.
type Settlement struct {
	Reference        string              `json:"reference"`
	Status           PaymentStatus       `json:"status"`
	NewBalance       *decimal.Decimal    `json:"new_balance,omitempty"`
	Transaction      *wallet.Transaction `json:"transaction,omitempty"`
	AlreadyProcessed bool                `json:"already_processed"`
}

func settled(ref string, t wallet.Transaction, dup bool) Settlement {
	bal := t.BalanceAfter
	return Settlement{
		Reference:        ref,
		Status:           PaymentCompleted,
		NewBalance:       &bal,
		Transaction:      &t,
		AlreadyProcessed: dup,
	}
}
