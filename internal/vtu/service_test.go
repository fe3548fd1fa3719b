package vtu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubProvider struct {
	err    error
	orders []Order
}

func (p *stubProvider) Deliver(ctx context.Context, o Order) (Delivery, error) {
	p.orders = append(p.orders, o)
	if p.err != nil {
		return Delivery{}, p.err
	}
	return Delivery{ProviderRef: "prov-" + o.Reference}, nil
}

func newService(t *testing.T, p Provider) (*Service, *wallet.Ledger, *wallet.MemoryStore) {
	t.Helper()
	store := wallet.NewMemoryStore()
	l := wallet.NewLedger(store, wallet.Config{RejectCreditsToFrozen: true})
	if _, err := l.Credit(context.Background(), wallet.CreditRequest{UserID: "u1", Amount: d("1000")}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return NewService(l, p, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil))), l, store
}

func balance(t *testing.T, s wallet.Store, userID string) decimal.Decimal {
	t.Helper()
	w, err := s.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w.Balance
}

func TestPurchase_Delivered(t *testing.T) {
	p := &stubProvider{}
	svc, _, store := newService(t, p)

	out, err := svc.Purchase(context.Background(), PurchaseRequest{UserID: "u1", Kind: KindAirtime, Amount: d("200"), Recipient: "08030000000"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if out.Status != PurchaseDelivered || out.Debit.Transaction.Type != wallet.TypeAirtimePurchase {
		t.Fatalf("unexpected purchase %+v", out)
	}
	if !balance(t, store, "u1").Equal(d("800")) {
		t.Fatalf("expected 800 after purchase")
	}
	if len(p.orders) != 1 || p.orders[0].Reference != out.Reference {
		t.Fatalf("provider saw %+v", p.orders)
	}
}

func TestPurchase_FailedDeliveryIsRefunded(t *testing.T) {
	svc, _, store := newService(t, &stubProvider{err: errors.New("network busy")})

	out, err := svc.Purchase(context.Background(), PurchaseRequest{UserID: "u1", Kind: KindData, Amount: d("300"), Recipient: "08030000000"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if out.Status != PurchaseRefunded || out.Refund == nil {
		t.Fatalf("expected refund, got %+v", out)
	}
	if out.Refund.Transaction.PaymentReference != out.Reference+"_REFUND" {
		t.Fatalf("unexpected refund reference %s", out.Refund.Transaction.PaymentReference)
	}
	if !balance(t, store, "u1").Equal(d("1000")) {
		t.Fatalf("refund did not restore the balance")
	}
}

func TestPurchase_RefundLandsOnFrozenWallet(t *testing.T) {
	svc, _, store := newService(t, nil)
	// freeze between debit and refund
	svc.provider = providerFunc(func(ctx context.Context, o Order) (Delivery, error) {
		if _, err := store.SetFrozen(ctx, "u1", true, "review"); err != nil {
			t.Fatalf("freeze: %v", err)
		}
		return Delivery{}, errors.New("declined")
	})

	out, err := svc.Purchase(context.Background(), PurchaseRequest{UserID: "u1", Kind: KindCable, Amount: d("100"), Recipient: "IUC123"})
	if !errors.Is(err, ErrDeliveryFailed) || out.Status != PurchaseRefunded {
		t.Fatalf("expected refunded purchase, got %+v %v", out, err)
	}
	if !balance(t, store, "u1").Equal(d("1000")) {
		t.Fatalf("refund must land on a frozen wallet")
	}
}

type providerFunc func(ctx context.Context, o Order) (Delivery, error)

func (f providerFunc) Deliver(ctx context.Context, o Order) (Delivery, error) { return f(ctx, o) }

func TestPurchase_ClientDisconnectDoesNotCancelDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, _, store := newService(t, providerFunc(func(dctx context.Context, o Order) (Delivery, error) {
		cancel()
		if err := dctx.Err(); err != nil {
			return Delivery{}, err
		}
		return Delivery{ProviderRef: "prov-" + o.Reference}, nil
	}))

	out, err := svc.Purchase(ctx, PurchaseRequest{UserID: "u1", Kind: KindAirtime, Amount: d("200"), Recipient: "08030000000"})
	if err != nil || out.Status != PurchaseDelivered {
		t.Fatalf("delivery should survive the caller going away, got %+v %v", out, err)
	}
	if !balance(t, store, "u1").Equal(d("800")) {
		t.Fatalf("expected 800, got %s", balance(t, store, "u1"))
	}
}

func TestPurchase_TimeoutIsHeldForReview(t *testing.T) {
	svc, _, store := newService(t, providerFunc(func(ctx context.Context, o Order) (Delivery, error) {
		<-ctx.Done()
		return Delivery{}, ctx.Err()
	}))
	svc.timeout = 20 * time.Millisecond

	out, err := svc.Purchase(context.Background(), PurchaseRequest{UserID: "u1", Kind: KindElectricity, Amount: d("250"), Recipient: "METER9"})
	if !errors.Is(err, ErrDeliveryUnknown) {
		t.Fatalf("expected ErrDeliveryUnknown, got %v", err)
	}
	if out.Status != PurchasePendingReview || out.Refund != nil {
		t.Fatalf("unknown outcome must not refund, got %+v", out)
	}
	if !balance(t, store, "u1").Equal(d("750")) {
		t.Fatalf("debit should stand pending review, got %s", balance(t, store, "u1"))
	}
	if _, err := store.FindByReference(context.Background(), out.Reference+"_REFUND"); !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("no refund row expected, got %v", err)
	}
}

func TestPurchase_ReplayDoesNotDeliverTwice(t *testing.T) {
	p := &stubProvider{}
	svc, _, store := newService(t, p)
	req := PurchaseRequest{UserID: "u1", Kind: KindElectricity, Amount: d("150"), Recipient: "METER1", Reference: "CLIENT-KEY-1"}

	if _, err := svc.Purchase(context.Background(), req); err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := svc.Purchase(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Debit.Duplicate || again.Status != PurchaseDelivered {
		t.Fatalf("expected duplicate delivered replay, got %+v", again)
	}
	if len(p.orders) != 1 {
		t.Fatalf("provider called %d times", len(p.orders))
	}
	if !balance(t, store, "u1").Equal(d("850")) {
		t.Fatalf("replay debited twice")
	}
}

func TestPurchase_RejectsBadInput(t *testing.T) {
	svc, _, _ := newService(t, &stubProvider{})
	ctx := context.Background()

	if _, err := svc.Purchase(ctx, PurchaseRequest{UserID: "u1", Kind: "lottery", Amount: d("1"), Recipient: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown kind: %v", err)
	}
	if _, err := svc.Purchase(ctx, PurchaseRequest{UserID: "u1", Kind: KindAirtime, Amount: d("0"), Recipient: "x"}); !errors.Is(err, wallet.ErrInvalidAmount) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := svc.Purchase(ctx, PurchaseRequest{UserID: "u1", Kind: KindAirtime, Amount: d("5000"), Recipient: "x"}); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("overdraft: %v", err)
	}

	disabled := NewService(nil, nil, 0, nil)
	if _, err := disabled.Purchase(ctx, PurchaseRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/purchase/airtime" || r.Header.Get("Authorization") != "Token key" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var o Order
		_ = json.NewDecoder(r.Body).Decode(&o)
		switch o.Recipient {
		case "ok":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "reference": "P1"})
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed", "message": "invalid number"})
		}
	}))
	defer srv.Close()
	p := NewHTTPProvider(srv.URL, "key", time.Second)
	ctx := context.Background()

	got, err := p.Deliver(ctx, Order{Reference: "R1", Kind: KindAirtime, Recipient: "ok", Amount: d("100")})
	if err != nil || got.ProviderRef != "P1" {
		t.Fatalf("deliver: %+v %v", got, err)
	}
	if _, err := p.Deliver(ctx, Order{Reference: "R2", Kind: KindAirtime, Recipient: "down", Amount: d("100")}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := p.Deliver(ctx, Order{Reference: "R3", Kind: KindAirtime, Recipient: "bad", Amount: d("100")}); err == nil {
		t.Fatal("expected a declined delivery")
	}
}

func TestHTTPProviderTimeoutIsUnknown(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "reference": "late"})
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTPProvider(srv.URL, "key", 50*time.Millisecond)
	_, err := p.Deliver(context.Background(), Order{Reference: "R1", Kind: KindAirtime, Recipient: "ok", Amount: d("100")})
	if !errors.Is(err, ErrDeliveryUnknown) {
		t.Fatalf("expected ErrDeliveryUnknown, got %v", err)
	}
}
