package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers network failures, timeouts and 5xx responses.
	// The payment may still succeed; callers must not mark it failed.
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrNotFound means the gateway has no transaction for the lookup key yet.
	ErrNotFound = errors.New("gateway: transaction not found")
	// ErrInvalidSignature rejects a webhook that fails signature verification.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	// ErrRejected is a 4xx answer to a request we built (bad key, bad payload).
	ErrRejected = errors.New("gateway: request rejected")
)

type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusPending    Status = "pending"
)

type CheckoutRequest struct {
	Reference   string
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Name        string
	Phone       string
	Description string
	RedirectURL string
}

type Checkout struct {
	Link        string `json:"checkout_link"`
	Reference   string `json:"reference"`
	ProviderRef string `json:"provider_ref,omitempty"`
}

// Verification is the gateway's view of one payment.
type Verification struct {
	Status      Status          `json:"status"`
	Reference   string          `json:"reference"`
	ProviderRef string          `json:"provider_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	UserID      string          `json:"user_id,omitempty"`
	Raw         map[string]any  `json:"raw,omitempty"`
}

// WebhookEvent is a signature-verified inbound notification.
type WebhookEvent struct {
	Event string `json:"event"`
	Verification
}

// Gateway is the external payment collaborator.
type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	VerifyByReference(ctx context.Context, reference string) (Verification, error)
	VerifyByID(ctx context.Context, providerID string) (Verification, error)
	// ParseWebhook verifies the signature before decoding anything.
	ParseWebhook(header http.Header, body []byte) (WebhookEvent, error)
}

// normalizeStatus maps provider vocabularies onto Status.
func normalizeStatus(s string) Status {
	switch s {
	case "successful", "success", "completed", "captured", "paid":
		return StatusSuccessful
	case "failed", "cancelled", "canceled", "expired", "error":
		return StatusFailed
	default:
		return StatusPending
	}
}
