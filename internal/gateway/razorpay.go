package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	razorpay "github.com/razorpay/razorpay-go"
	rzputils "github.com/razorpay/razorpay-go/utils"
	"github.com/shopspring/decimal"
)

// razorpayOrders and razorpayPayments are the SDK resources used here.
type razorpayOrders interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	All(queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPayments interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// Razorpay funds wallets through Razorpay orders. The order receipt carries
// our reference and the order notes carry the user id, so both verification
// paths and the webhook can map back to a PaymentLog.
//
// Razorpay orders have no hosted page; Checkout.Link is empty and the client
// opens Razorpay Checkout with Checkout.ProviderRef (the order id).
type Razorpay struct {
	orders        razorpayOrders
	payments      razorpayPayments
	webhookSecret string
}

func NewRazorpay(keyID, keySecret, webhookSecret string) *Razorpay {
	client := razorpay.NewClient(keyID, keySecret)
	return &Razorpay{orders: client.Order, payments: client.Payment, webhookSecret: webhookSecret}
}

func (r *Razorpay) Name() string { return "razorpay" }

var hundred = decimal.NewFromInt(100)

func (r *Razorpay) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	order, err := r.orders.Create(map[string]interface{}{
		"amount":   req.Amount.Mul(hundred).IntPart(),
		"currency": req.Currency,
		"receipt":  req.Reference,
		"notes": map[string]interface{}{
			"user_id": req.UserID,
			"tx_ref":  req.Reference,
		},
	}, nil)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: create order: %v", ErrUnavailable, err)
	}
	id := str(order["id"])
	if id == "" {
		return Checkout{}, fmt.Errorf("%w: order id missing", ErrRejected)
	}
	return Checkout{Reference: req.Reference, ProviderRef: id}, nil
}

func (r *Razorpay) VerifyByReference(ctx context.Context, reference string) (Verification, error) {
	res, err := r.orders.All(map[string]interface{}{"receipt": reference}, nil)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: list orders: %v", ErrUnavailable, err)
	}
	items, _ := res["items"].([]interface{})
	if len(items) == 0 {
		return Verification{}, ErrNotFound
	}
	order, _ := items[0].(map[string]interface{})
	return orderVerification(order), nil
}

// VerifyByID looks up a payment id (pay_...) and its order.
func (r *Razorpay) VerifyByID(ctx context.Context, providerID string) (Verification, error) {
	p, err := r.payments.Fetch(providerID, nil, nil)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: fetch payment: %v", ErrUnavailable, err)
	}
	v := paymentVerification(p)
	if v.Reference == "" {
		if orderID := str(p["order_id"]); orderID != "" {
			order, err := r.orders.Fetch(orderID, nil, nil)
			if err != nil {
				return Verification{}, fmt.Errorf("%w: fetch order: %v", ErrUnavailable, err)
			}
			v.Reference = str(order["receipt"])
		}
	}
	return v, nil
}

func (r *Razorpay) ParseWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	sig := header.Get("X-Razorpay-Signature")
	if r.webhookSecret == "" || sig == "" || !rzputils.VerifyWebhookSignature(string(body), sig, r.webhookSecret) {
		return WebhookEvent{}, ErrInvalidSignature
	}
	var payload struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity map[string]interface{} `json:"entity"`
			} `json:"payment"`
			Order struct {
				Entity map[string]interface{} `json:"entity"`
			} `json:"order"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	v := paymentVerification(payload.Payload.Payment.Entity)
	if order := payload.Payload.Order.Entity; order != nil {
		ov := orderVerification(order)
		if v.Reference == "" {
			v.Reference = ov.Reference
		}
		if v.UserID == "" {
			v.UserID = ov.UserID
		}
		if payload.Event == "order.paid" {
			v.Status = ov.Status
		}
	}
	// A failed payment leaves its order open for another attempt.
	if v.Status == StatusFailed {
		v.Status = StatusPending
	}
	return WebhookEvent{Event: payload.Event, Verification: v}, nil
}

func orderVerification(order map[string]interface{}) Verification {
	notes, _ := order["notes"].(map[string]interface{})
	amount := minor(order["amount_paid"])
	if amount.IsZero() {
		amount = minor(order["amount"])
	}
	return Verification{
		Status:      normalizeStatus(strings.ToLower(str(order["status"]))),
		Reference:   firstNonEmpty(str(order["receipt"]), str(notes["tx_ref"])),
		ProviderRef: str(order["id"]),
		Amount:      amount,
		Currency:    str(order["currency"]),
		UserID:      str(notes["user_id"]),
		Raw:         order,
	}
}

func paymentVerification(p map[string]interface{}) Verification {
	notes, _ := p["notes"].(map[string]interface{})
	return Verification{
		Status:      normalizeStatus(strings.ToLower(str(p["status"]))),
		Reference:   str(notes["tx_ref"]),
		ProviderRef: str(p["id"]),
		Amount:      minor(p["amount"]),
		Currency:    str(p["currency"]),
		UserID:      str(notes["user_id"]),
		Raw:         p,
	}
}

// minor converts a paise amount from the SDK's untyped JSON to major units.
func minor(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n).Div(hundred)
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero
		}
		return d.Div(hundred)
	case int64:
		return decimal.NewFromInt(n).Div(hundred)
	case int:
		return decimal.NewFromInt(int64(n)).Div(hundred)
	default:
		return decimal.Zero
	}
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
