package vtu

import (
	"errors"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

var (
	ErrInvalidRequest = errors.New("vtu: invalid request")
	ErrDisabled       = errors.New("vtu: purchases are not configured")
	// ErrDeliveryFailed means the provider did not deliver and the debit was refunded.
	ErrDeliveryFailed = errors.New("vtu: delivery failed")
	// ErrDeliveryUnknown means the provider may have delivered. The debit
	// stands until the order is reviewed.
	ErrDeliveryUnknown = errors.New("vtu: delivery outcome unknown")
)

type Kind string

const (
	KindAirtime     Kind = "airtime"
	KindData        Kind = "data"
	KindCable       Kind = "cable"
	KindElectricity Kind = "electricity"
)

// TransactionType is the ledger type a purchase of this kind debits with.
func (k Kind) TransactionType() (wallet.TransactionType, bool) {
	switch k {
	case KindAirtime:
		return wallet.TypeAirtimePurchase, true
	case KindData:
		return wallet.TypeDataPurchase, true
	case KindCable:
		return wallet.TypeCablePurchase, true
	case KindElectricity:
		return wallet.TypeElectricityPurchase, true
	default:
		return "", false
	}
}

// Order is what the provider is asked to deliver.
type Order struct {
	Reference string            `json:"request_id"`
	Kind      Kind              `json:"service"`
	Recipient string            `json:"recipient"`
	Amount    decimal.Decimal   `json:"amount"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type Delivery struct {
	ProviderRef string `json:"provider_ref,omitempty"`

	// Token carries the electricity token or voucher, when the product has one.
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type PurchaseStatus string

const (
	PurchaseDelivered PurchaseStatus = "delivered"
	PurchaseRefunded  PurchaseStatus = "refunded"

	// PurchaseRefundFailed needs manual attention: debited, not delivered, not refunded.
	PurchaseRefundFailed PurchaseStatus = "refund_failed"
	// PurchasePendingReview is debited with no provider answer; never auto-refunded.
	PurchasePendingReview PurchaseStatus = "pending_review"
)

type PurchaseRequest struct {
	UserID    string
	Kind      Kind
	Amount    decimal.Decimal
	Recipient string
	// Reference is an optional client idempotency key.
	Reference string
	Meta      map[string]string
}

type Purchase struct {
	Reference string          `json:"reference"`
	Kind      Kind            `json:"kind"`
	Status    PurchaseStatus  `json:"status"`
	Debit     wallet.Result   `json:"debit"`
	Refund    *wallet.Result  `json:"refund,omitempty"`
	Delivery  *Delivery       `json:"delivery,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}
