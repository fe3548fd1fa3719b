package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"vtu-ledger/internal/audit"
	"vtu-ledger/internal/auth"
	"vtu-ledger/internal/gateway"
	"vtu-ledger/internal/idempotency"
	"vtu-ledger/internal/rbac"
	"vtu-ledger/internal/reporting"
	"vtu-ledger/internal/risk"
	"vtu-ledger/internal/settlement"
	"vtu-ledger/internal/vtu"
	"vtu-ledger/internal/wallet"
)

type testAPI struct {
	r      *gin.Engine
	store  *wallet.MemoryStore
	ledger *wallet.Ledger
	gw     *gateway.Fake
	audit  *audit.MemoryRepo
}

type deliverFunc func(ctx context.Context, o vtu.Order) (vtu.Delivery, error)

func (f deliverFunc) Deliver(ctx context.Context, o vtu.Order) (vtu.Delivery, error) { return f(ctx, o) }

// withIdentity stands in for the JWT middleware: X-Test-User / X-Test-Role.
func withIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := auth.Identity{UserID: c.GetHeader("X-Test-User"), Role: c.GetHeader("X-Test-Role")}
		if id.UserID != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		}
		c.Next()
	}
}

func newTestAPI(t *testing.T, provider vtu.Provider) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := wallet.NewMemoryStore()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	gate := risk.NewGate(store, risk.Config{FailOpen: true}, auditSvc, log)
	ledger := wallet.NewLedger(store, wallet.Config{MaxRetries: 3, RejectCreditsToFrozen: true},
		wallet.WithGate(gate), wallet.WithAudit(auditSvc), wallet.WithLogger(log))
	gw := gateway.NewFake("whsec")
	reg := idempotency.NewRegistry(store, nil, time.Hour, log)
	rec := settlement.NewReconciler(settlement.NewMemoryRepo(), ledger, reg, gw, settlement.Config{Currency: "NGN"}, log)

	h := Handlers{
		Ledger:     ledger,
		Settlement: rec,
		Risk:       gate,
		VTU:        vtu.NewService(ledger, provider, time.Second, log),
		Reporting:  reporting.NewService(reporting.NewStoreRepo(store)),
	}

	r := gin.New()
	r.POST("/wallet/webhook", h.Webhook)
	w := r.Group("/wallet", withIdentity(), rbac.RequireIdentity())
	w.GET("", h.GetWallet)
	w.GET("/transactions", h.ListTransactions)
	w.GET("/transactions/:reference", h.GetTransaction)
	w.GET("/summary", h.Summary)
	w.POST("/fund", h.Fund)
	w.POST("/verify", h.Verify)
	w.POST("/poll", h.Poll)
	active := w.Group("", wallet.RequireActiveWallet(store))
	active.POST("/withdraw", h.Withdraw)
	active.POST("/transfer", h.Transfer)
	r.POST("/vtu/purchase", withIdentity(), rbac.RequireIdentity(), wallet.RequireActiveWallet(store), h.Purchase)
	admin := r.Group("/admin", withIdentity(), rbac.RequireAdmin())
	admin.POST("/wallets/:user_id/freeze", h.FreezeWallet)
	admin.POST("/wallets/:user_id/unfreeze", h.UnfreezeWallet)
	admin.PUT("/wallets/:user_id/limits", h.SetLimits)
	admin.POST("/wallets/:user_id/credit", h.AdminCredit)

	return &testAPI{r: r, store: store, ledger: ledger, gw: gw, audit: auditRepo}
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *testAPI) do(t *testing.T, method, path, user, role string, body any) (int, response) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Role", role)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)

	var out response
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, out
}

func (a *testAPI) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := a.ledger.Credit(context.Background(), wallet.CreditRequest{
		UserID: userID, Amount: decimal.RequireFromString(amount), Type: wallet.TypeDeposit,
		Reference: "SEED_" + userID,
	})
	if err != nil {
		t.Fatalf("seed credit: %v", err)
	}
}

func (a *testAPI) balance(t *testing.T, userID string) string {
	t.Helper()
	w, err := a.store.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w.Balance.StringFixed(2)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	a := newTestAPI(t, nil)
	code, out := a.do(t, http.MethodGet, "/wallet", "", "", nil)
	if code != http.StatusUnauthorized || out.Success {
		t.Fatalf("expected 401, got %d %+v", code, out)
	}
}

func TestGetWalletCreatesEmptyWallet(t *testing.T) {
	a := newTestAPI(t, nil)
	code, out := a.do(t, http.MethodGet, "/wallet", "u1", rbac.RoleUser, nil)
	if code != http.StatusOK || !out.Success {
		t.Fatalf("expected 200, got %d %+v", code, out)
	}
	var w wallet.Wallet
	if err := json.Unmarshal(out.Data, &w); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if w.UserID != "u1" || !w.Balance.IsZero() || w.IsFrozen {
		t.Fatalf("unexpected wallet %+v", w)
	}
}

func TestFundThenWebhookCreditsWallet(t *testing.T) {
	a := newTestAPI(t, nil)

	code, out := a.do(t, http.MethodPost, "/wallet/fund", "u1", rbac.RoleUser, map[string]any{"amount": "1500"})
	if code != http.StatusOK || !out.Success {
		t.Fatalf("fund: %d %+v", code, out)
	}
	var fr settlement.FundingResult
	if err := json.Unmarshal(out.Data, &fr); err != nil {
		t.Fatalf("decode funding result: %v", err)
	}
	if fr.Reference == "" || fr.CheckoutLink == "" {
		t.Fatalf("expected reference and link, got %+v", fr)
	}

	ev := gateway.WebhookEvent{Event: "charge.completed", Verification: gateway.Verification{
		Status: gateway.StatusSuccessful, Reference: fr.Reference, ProviderRef: "flw-1",
		Amount: decimal.RequireFromString("1500"), Currency: "NGN", UserID: "u1",
	}}
	raw, _ := json.Marshal(ev)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/wallet/webhook", bytes.NewReader(raw))
		req.Header.Set("x-fake-signature", "whsec")
		w := httptest.NewRecorder()
		a.r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("webhook delivery %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	if got := a.balance(t, "u1"); got != "1500.00" {
		t.Fatalf("expected single credit of 1500.00, got %s", got)
	}

	a.gw.SetVerification(ev.Verification)
	code, out = a.do(t, http.MethodPost, "/wallet/verify", "u1", rbac.RoleUser, map[string]any{"reference": fr.Reference})
	if code != http.StatusOK || out.Message != "Payment already processed" {
		t.Fatalf("verify after webhook: %d %+v", code, out)
	}
}

func TestWebhookBadSignatureIsUnauthorized(t *testing.T) {
	a := newTestAPI(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/wallet/webhook", bytes.NewReader([]byte(`{"event":"x"}`)))
	req.Header.Set("x-fake-signature", "nope")
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestVerifyWithGatewayDownIsPending(t *testing.T) {
	a := newTestAPI(t, nil)
	_, out := a.do(t, http.MethodPost, "/wallet/fund", "u1", rbac.RoleUser, map[string]any{"amount": "200"})
	var fr settlement.FundingResult
	_ = json.Unmarshal(out.Data, &fr)

	a.gw.SetUnavailable(true)
	code, out := a.do(t, http.MethodPost, "/wallet/verify", "u1", rbac.RoleUser, map[string]any{"reference": fr.Reference})
	if code != http.StatusAccepted || !out.Success {
		t.Fatalf("expected 202 pending, got %d %+v", code, out)
	}
}

func TestTransferAndErrors(t *testing.T) {
	a := newTestAPI(t, nil)
	a.fund(t, "alice", "100")
	a.fund(t, "bob", "1")

	code, out := a.do(t, http.MethodPost, "/wallet/transfer", "alice", rbac.RoleUser,
		map[string]any{"recipient_id": "bob", "amount": "40"})
	if code != http.StatusOK || !out.Success {
		t.Fatalf("transfer: %d %+v", code, out)
	}
	if a.balance(t, "alice") != "60.00" || a.balance(t, "bob") != "41.00" {
		t.Fatalf("unexpected balances alice=%s bob=%s", a.balance(t, "alice"), a.balance(t, "bob"))
	}

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"insufficient", map[string]any{"recipient_id": "bob", "amount": "1000"}, http.StatusUnprocessableEntity},
		{"self", map[string]any{"recipient_id": "alice", "amount": "1"}, http.StatusBadRequest},
		{"zero", map[string]any{"recipient_id": "bob", "amount": "0"}, http.StatusBadRequest},
		{"unknown recipient", map[string]any{"recipient_id": "carol", "amount": "1"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := a.do(t, http.MethodPost, "/wallet/transfer", "alice", rbac.RoleUser, tc.body)
			if code != tc.want || out.Success {
				t.Fatalf("expected %d, got %d %+v", tc.want, code, out)
			}
		})
	}
	if a.balance(t, "alice") != "60.00" {
		t.Fatalf("failed transfers must not move money, alice=%s", a.balance(t, "alice"))
	}
}

func TestFrozenWalletBlocksWithdraw(t *testing.T) {
	a := newTestAPI(t, nil)
	a.fund(t, "u1", "500")

	code, _ := a.do(t, http.MethodPost, "/admin/wallets/u1/freeze", "u1", rbac.RoleUser, map[string]any{"reason": "x"})
	if code != http.StatusForbidden {
		t.Fatalf("non-admin freeze should be 403, got %d", code)
	}
	code, out := a.do(t, http.MethodPost, "/admin/wallets/u1/freeze", "ops", rbac.RoleAdmin, map[string]any{"reason": "chargeback"})
	if code != http.StatusOK {
		t.Fatalf("freeze: %d %+v", code, out)
	}

	body := map[string]any{"amount": "100", "bank_details": map[string]any{
		"account_number": "0123456789", "bank_code": "058", "account_name": "U One",
	}}
	code, _ = a.do(t, http.MethodPost, "/wallet/withdraw", "u1", rbac.RoleUser, body)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 on frozen wallet, got %d", code)
	}

	if code, _ = a.do(t, http.MethodPost, "/admin/wallets/u1/unfreeze", "ops", rbac.RoleAdmin, nil); code != http.StatusOK {
		t.Fatalf("unfreeze: %d", code)
	}
	code, out = a.do(t, http.MethodPost, "/wallet/withdraw", "u1", rbac.RoleUser, body)
	if code != http.StatusOK {
		t.Fatalf("withdraw after unfreeze: %d %+v", code, out)
	}
	if a.balance(t, "u1") != "400.00" {
		t.Fatalf("expected 400.00, got %s", a.balance(t, "u1"))
	}
	if n := len(a.audit.EventsFor("u1")); n < 2 {
		t.Fatalf("expected freeze and unfreeze audit events, got %d", n)
	}
}

func TestSpendingLimitEnforced(t *testing.T) {
	a := newTestAPI(t, nil)
	a.fund(t, "u1", "1000")
	a.fund(t, "u2", "1")

	code, out := a.do(t, http.MethodPut, "/admin/wallets/u1/limits", "ops", rbac.RoleAdmin,
		map[string]any{"daily_limit": "50", "monthly_limit": "500"})
	if code != http.StatusOK {
		t.Fatalf("set limits: %d %+v", code, out)
	}
	code, _ = a.do(t, http.MethodPost, "/wallet/transfer", "u1", rbac.RoleUser,
		map[string]any{"recipient_id": "u2", "amount": "60"})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 over daily limit, got %d", code)
	}
}

func TestAdminCreditIsIdempotent(t *testing.T) {
	a := newTestAPI(t, nil)
	body := map[string]any{"amount": "25", "reason": "goodwill", "idempotency_key": "k1"}
	for i := 0; i < 2; i++ {
		code, out := a.do(t, http.MethodPost, "/admin/wallets/u9/credit", "ops", rbac.RoleAdmin, body)
		if code != http.StatusOK {
			t.Fatalf("admin credit %d: %d %+v", i, code, out)
		}
	}
	if got := a.balance(t, "u9"); got != "25.00" {
		t.Fatalf("expected 25.00, got %s", got)
	}

	code, _ := a.do(t, http.MethodPost, "/admin/wallets/u9/credit", "ops", rbac.RoleAdmin, map[string]any{"amount": "5"})
	if code != http.StatusBadRequest {
		t.Fatalf("missing reason/key should be 400, got %d", code)
	}
}

func TestPurchaseDeliveredAndRefunded(t *testing.T) {
	down := false
	a := newTestAPI(t, deliverFunc(func(ctx context.Context, o vtu.Order) (vtu.Delivery, error) {
		if down {
			return vtu.Delivery{}, vtu.ErrProviderUnavailable
		}
		return vtu.Delivery{ProviderRef: "p-" + o.Reference}, nil
	}))
	a.fund(t, "u1", "300")

	body := map[string]any{"kind": "airtime", "amount": "100", "recipient": "08030000000"}
	code, out := a.do(t, http.MethodPost, "/vtu/purchase", "u1", rbac.RoleUser, body)
	if code != http.StatusOK || !out.Success {
		t.Fatalf("purchase: %d %+v", code, out)
	}
	if a.balance(t, "u1") != "200.00" {
		t.Fatalf("expected 200.00, got %s", a.balance(t, "u1"))
	}

	down = true
	code, out = a.do(t, http.MethodPost, "/vtu/purchase", "u1", rbac.RoleUser, body)
	if code != http.StatusBadGateway || out.Success {
		t.Fatalf("expected 502 with refund, got %d %+v", code, out)
	}
	if a.balance(t, "u1") != "200.00" {
		t.Fatalf("refund should restore balance, got %s", a.balance(t, "u1"))
	}
}

func TestPurchaseWithUnknownOutcomeIsAccepted(t *testing.T) {
	a := newTestAPI(t, deliverFunc(func(ctx context.Context, o vtu.Order) (vtu.Delivery, error) {
		return vtu.Delivery{}, vtu.ErrDeliveryUnknown
	}))
	a.fund(t, "u1", "300")

	code, out := a.do(t, http.MethodPost, "/vtu/purchase", "u1", rbac.RoleUser,
		map[string]any{"kind": "data", "amount": "100", "recipient": "08030000000"})
	if code != http.StatusAccepted || out.Success {
		t.Fatalf("expected 202 pending review, got %d %+v", code, out)
	}
	var p vtu.Purchase
	if err := json.Unmarshal(out.Data, &p); err != nil {
		t.Fatalf("decode purchase: %v", err)
	}
	if p.Status != vtu.PurchasePendingReview || a.balance(t, "u1") != "200.00" {
		t.Fatalf("debit should stand for review, got %s balance %s", p.Status, a.balance(t, "u1"))
	}
}

func TestVerifyRejectedProviderIDIsBadRequest(t *testing.T) {
	a := newTestAPI(t, nil)
	a.gw.Reject("abc")
	code, out := a.do(t, http.MethodPost, "/wallet/verify", "u1", rbac.RoleUser, map[string]any{"transaction_id": "abc"})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %+v", code, out)
	}
}

func TestSubCentAmountIsBadRequest(t *testing.T) {
	a := newTestAPI(t, nil)
	a.fund(t, "alice", "100")
	a.fund(t, "bob", "50")
	code, _ := a.do(t, http.MethodPost, "/wallet/transfer", "alice", rbac.RoleUser, map[string]any{"recipient_id": "bob", "amount": "0.005"})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if a.balance(t, "alice") != "100.00" || a.balance(t, "bob") != "50.00" {
		t.Fatalf("balances moved: alice=%s bob=%s", a.balance(t, "alice"), a.balance(t, "bob"))
	}
}

func TestPurchaseWithoutProviderIsUnavailable(t *testing.T) {
	a := newTestAPI(t, nil)
	a.fund(t, "u1", "300")
	code, _ := a.do(t, http.MethodPost, "/vtu/purchase", "u1", rbac.RoleUser,
		map[string]any{"kind": "airtime", "amount": "100", "recipient": "0803"})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestListTransactionsAndSummary(t *testing.T) {
	a := newTestAPI(t, nil)
	a.fund(t, "alice", "100")
	a.fund(t, "bob", "1")
	a.do(t, http.MethodPost, "/wallet/transfer", "alice", rbac.RoleUser, map[string]any{"recipient_id": "bob", "amount": "30"})

	code, out := a.do(t, http.MethodGet, "/wallet/transactions?limit=1&page=1", "alice", rbac.RoleUser, nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %+v", code, out)
	}
	var page wallet.TransactionPage
	if err := json.Unmarshal(out.Data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 2 || len(page.Transactions) != 1 {
		t.Fatalf("expected total=2 with one row, got %+v", page)
	}

	code, _ = a.do(t, http.MethodGet, "/wallet/transactions?type=bogus", "alice", rbac.RoleUser, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("unknown type should be 400, got %d", code)
	}
	code, _ = a.do(t, http.MethodGet, "/wallet/transactions/SEED_bob", "alice", rbac.RoleUser, nil)
	if code != http.StatusNotFound {
		t.Fatalf("other user's transaction should be hidden, got %d", code)
	}

	code, out = a.do(t, http.MethodGet, "/wallet/summary", "alice", rbac.RoleUser, nil)
	if code != http.StatusOK {
		t.Fatalf("summary: %d %+v", code, out)
	}
	var s reporting.SpendSummary
	if err := json.Unmarshal(out.Data, &s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !s.TotalDebit.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("expected debit 30, got %s", s.TotalDebit)
	}
}
