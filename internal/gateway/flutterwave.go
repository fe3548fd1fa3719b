package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Flutterwave talks to the Flutterwave v3 REST API.
type Flutterwave struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	title         string
	http          *http.Client
}

type FlutterwaveConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Title         string
	Timeout       time.Duration
}

func NewFlutterwave(cfg FlutterwaveConfig) *Flutterwave {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Title == "" {
		cfg.Title = "Wallet Funding"
	}
	return &Flutterwave{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		title:         cfg.Title,
		http:          &http.Client{Timeout: cfg.Timeout},
	}
}

func (f *Flutterwave) Name() string { return "flutterwave" }

type flwEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flwTransaction struct {
	ID       int64           `json:"id"`
	TxRef    string          `json:"tx_ref"`
	FlwRef   string          `json:"flw_ref"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Meta     map[string]any  `json:"meta"`
	MetaData map[string]any  `json:"meta_data"`
}

func (t flwTransaction) verification() Verification {
	v := Verification{
		Status:      normalizeStatus(strings.ToLower(t.Status)),
		Reference:   t.TxRef,
		ProviderRef: strconv.FormatInt(t.ID, 10),
		Amount:      t.Amount,
		Currency:    t.Currency,
	}
	for _, m := range []map[string]any{t.Meta, t.MetaData} {
		if uid, ok := m["user_id"]; ok && v.UserID == "" {
			v.UserID = fmt.Sprint(uid)
		}
	}
	return v
}

func (f *Flutterwave) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	body := map[string]any{
		"tx_ref":       req.Reference,
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"redirect_url": req.RedirectURL,
		"customer": map[string]any{
			"email":       req.Email,
			"name":        req.Name,
			"phonenumber": req.Phone,
		},
		"customizations": map[string]any{
			"title":       f.title,
			"description": req.Description,
		},
		"meta": map[string]any{"user_id": req.UserID},
	}
	var data struct {
		Link string `json:"link"`
	}
	if err := f.do(ctx, http.MethodPost, "/v3/payments", body, &data); err != nil {
		return Checkout{}, err
	}
	if data.Link == "" {
		return Checkout{}, fmt.Errorf("%w: empty checkout link", ErrRejected)
	}
	return Checkout{Link: data.Link, Reference: req.Reference}, nil
}

func (f *Flutterwave) VerifyByReference(ctx context.Context, reference string) (Verification, error) {
	var t flwTransaction
	path := "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	if err := f.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return Verification{}, err
	}
	return t.verification(), nil
}

func (f *Flutterwave) VerifyByID(ctx context.Context, providerID string) (Verification, error) {
	if _, err := strconv.ParseInt(providerID, 10, 64); err != nil {
		return Verification{}, fmt.Errorf("%w: transaction id must be numeric", ErrRejected)
	}
	var t flwTransaction
	if err := f.do(ctx, http.MethodGet, "/v3/transactions/"+providerID+"/verify", nil, &t); err != nil {
		return Verification{}, err
	}
	return t.verification(), nil
}

// ParseWebhook accepts either the legacy verif-hash header (the shared
// secret itself) or the flutterwave-signature HMAC-SHA256 of the body.
func (f *Flutterwave) ParseWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	if !f.validSignature(header, body) {
		return WebhookEvent{}, ErrInvalidSignature
	}
	var payload struct {
		Event string         `json:"event"`
		Data  flwTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	v := payload.Data.verification()
	// A declined charge on a hosted link can be retried by the customer.
	if v.Status == StatusFailed {
		v.Status = StatusPending
	}
	return WebhookEvent{Event: payload.Event, Verification: v}, nil
}

func (f *Flutterwave) validSignature(header http.Header, body []byte) bool {
	if f.webhookSecret == "" {
		return false
	}
	if sig := header.Get("flutterwave-signature"); sig != "" {
		mac := hmac.New(sha256.New, []byte(f.webhookSecret))
		mac.Write(body)
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
	hash := header.Get("verif-hash")
	return hash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(f.webhookSecret)) == 1
}

func (f *Flutterwave) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+f.secretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	var env flwEnvelope
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode >= 400 && strings.Contains(strings.ToLower(env.Message), "no transaction"):
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, env.Message)
	}
	if env.Status != "success" {
		return fmt.Errorf("%w: %s", ErrRejected, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// IsUnavailable reports whether err means the payment state is unknown.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound)
}
