package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func newFlutterwaveServer(t *testing.T, h http.HandlerFunc) *Flutterwave {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewFlutterwave(FlutterwaveConfig{BaseURL: srv.URL, SecretKey: "sk_test", WebhookSecret: "whsec"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFlutterwaveCreateCheckout(t *testing.T) {
	var got map[string]any
	fw := newFlutterwaveServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/payments" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, 200, map[string]any{"status": "success", "data": map[string]any{"link": "https://pay.test/abc"}})
	})

	co, err := fw.CreateCheckout(context.Background(), CheckoutRequest{
		Reference: "DEP_1", UserID: "u1", Amount: decimal.NewFromInt(1000), Currency: "NGN",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if co.Link != "https://pay.test/abc" || co.Reference != "DEP_1" {
		t.Fatalf("unexpected checkout %+v", co)
	}
	if got["tx_ref"] != "DEP_1" || got["amount"] != "1000.00" {
		t.Fatalf("unexpected request body %v", got)
	}
}

func TestFlutterwaveVerifyByReference(t *testing.T) {
	fw := newFlutterwaveServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tx_ref") != "DEP_1" {
			t.Errorf("tx_ref not forwarded: %s", r.URL.RawQuery)
		}
		writeJSON(w, 200, map[string]any{"status": "success", "data": map[string]any{
			"id": 991, "tx_ref": "DEP_1", "status": "successful", "amount": 1000, "currency": "NGN",
			"meta": map[string]any{"user_id": "u1"},
		}})
	})

	v, err := fw.VerifyByReference(context.Background(), "DEP_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Status != StatusSuccessful || v.ProviderRef != "991" || v.UserID != "u1" {
		t.Fatalf("unexpected verification %+v", v)
	}
	if !v.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("amount = %s", v.Amount)
	}
}

func TestFlutterwaveErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{"server error", 502, "bad gateway", ErrUnavailable},
		{"rate limited", 429, "slow down", ErrUnavailable},
		{"not found", 404, "", ErrNotFound},
		{"no transaction", 400, "No transaction was found for this id", ErrNotFound},
		{"bad request", 400, "invalid key", ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fw := newFlutterwaveServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]any{"status": "error", "message": tc.msg})
			})
			_, err := fw.VerifyByID(context.Background(), "42")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFlutterwaveVerifyByIDRejectsNonNumeric(t *testing.T) {
	fw := NewFlutterwave(FlutterwaveConfig{BaseURL: "http://127.0.0.1:1"})
	if _, err := fw.VerifyByID(context.Background(), "abc"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestFlutterwaveNetworkFailureIsUnavailable(t *testing.T) {
	fw := NewFlutterwave(FlutterwaveConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := fw.VerifyByReference(context.Background(), "DEP_1")
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestFlutterwaveWebhookSignatures(t *testing.T) {
	fw := NewFlutterwave(FlutterwaveConfig{WebhookSecret: "whsec"})
	body := []byte(`{"event":"charge.completed","data":{"id":7,"tx_ref":"DEP_9","status":"successful","amount":250,"currency":"NGN"}}`)

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	signed := http.Header{}
	signed.Set("flutterwave-signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	ev, err := fw.ParseWebhook(signed, body)
	if err != nil {
		t.Fatalf("hmac webhook: %v", err)
	}
	if ev.Event != "charge.completed" || ev.Reference != "DEP_9" || ev.Status != StatusSuccessful {
		t.Fatalf("unexpected event %+v", ev)
	}

	legacy := http.Header{}
	legacy.Set("verif-hash", "whsec")
	if _, err := fw.ParseWebhook(legacy, body); err != nil {
		t.Fatalf("verif-hash webhook: %v", err)
	}

	bad := http.Header{}
	bad.Set("verif-hash", "nope")
	if _, err := fw.ParseWebhook(bad, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := fw.ParseWebhook(http.Header{}, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("missing header must be rejected, got %v", err)
	}
}

func TestFlutterwaveDeclinedChargeWebhookIsPending(t *testing.T) {
	fw := NewFlutterwave(FlutterwaveConfig{WebhookSecret: "whsec"})
	body := []byte(`{"event":"charge.completed","data":{"id":8,"tx_ref":"DEP_9","status":"failed","amount":250,"currency":"NGN"}}`)
	h := http.Header{}
	h.Set("verif-hash", "whsec")

	ev, err := fw.ParseWebhook(h, body)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if ev.Status != StatusPending {
		t.Fatalf("declined charge should stay pending, got %s", ev.Status)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"successful": StatusSuccessful,
		"captured":   StatusSuccessful,
		"failed":     StatusFailed,
		"cancelled":  StatusFailed,
		"pending":    StatusPending,
		"":           StatusPending,
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
