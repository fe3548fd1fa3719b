package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"vtu-ledger/internal/audit"
	"vtu-ledger/internal/auth"
	"vtu-ledger/internal/gateway"
	"vtu-ledger/internal/reporting"
	"vtu-ledger/internal/risk"
	"vtu-ledger/internal/settlement"
	"vtu-ledger/internal/vtu"
	"vtu-ledger/internal/wallet"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Ledger     *wallet.Ledger
	Settlement *settlement.Reconciler
	Risk       *risk.Gate
	VTU        *vtu.Service
	Reporting  *reporting.Service
}

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

func callerID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		reject(c, http.StatusUnauthorized, "user_id required")
		return "", false
	}
	return uid, true
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		reject(c, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// --- Wallet ---

func (h Handlers) GetWallet(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	w, err := h.Ledger.GetWallet(c.Request.Context(), uid)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Wallet retrieved", w)
}

func (h Handlers) ListTransactions(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	f := wallet.TransactionFilter{
		Page:  atoi(c.Query("page")),
		Limit: atoi(c.Query("limit")),
		Type:  wallet.TransactionType(c.Query("type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		reject(c, http.StatusBadRequest, "Unknown transaction type")
		return
	}
	var err error
	if f.StartDate, err = parseDate(c.Query("startDate"), false); err != nil {
		reject(c, http.StatusBadRequest, "Invalid startDate")
		return
	}
	if f.EndDate, err = parseDate(c.Query("endDate"), true); err != nil {
		reject(c, http.StatusBadRequest, "Invalid endDate")
		return
	}
	page, err := h.Ledger.ListTransactions(c.Request.Context(), uid, f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Transactions retrieved", page)
}

func (h Handlers) GetTransaction(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	t, err := h.Ledger.GetTransaction(c.Request.Context(), uid, c.Param("reference"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Transaction retrieved", t)
}

type fundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	RedirectURL string          `json:"redirect_url"`
}

func (h Handlers) Fund(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	var req fundRequest
	if !bind(c, &req) {
		return
	}
	id, _ := auth.IdentityFrom(c.Request.Context())
	res, err := h.Settlement.InitiateFunding(c.Request.Context(), settlement.FundingRequest{
		UserID:      uid,
		Amount:      req.Amount,
		Email:       id.Email,
		Name:        id.Name,
		Phone:       id.Phone,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Payment initialized", res)
}

type verifyRequest struct {
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
}

func (h Handlers) Verify(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	var req verifyRequest
	if !bind(c, &req) {
		return
	}
	s, err := h.Settlement.Verify(c.Request.Context(), uid, settlement.VerifyRequest{
		Reference:             strings.TrimSpace(req.Reference),
		ProviderTransactionID: strings.TrimSpace(req.TransactionID),
	})
	h.settlementResponse(c, s, err)
}

type pollRequest struct {
	Reference string `json:"reference"`
}

func (h Handlers) Poll(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	var req pollRequest
	if !bind(c, &req) {
		return
	}
	s, err := h.Settlement.Poll(c.Request.Context(), uid, strings.TrimSpace(req.Reference))
	h.settlementResponse(c, s, err)
}

// settlementResponse never reports a payment as failed because the gateway
// could not be reached.
func (h Handlers) settlementResponse(c *gin.Context, s settlement.Settlement, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnavailable):
		ok(c, http.StatusAccepted, "Payment pending, please retry verification", s)
		return
	case err != nil:
		fail(c, err)
		return
	}
	switch s.Status {
	case settlement.PaymentCompleted:
		msg := "Wallet funded successfully"
		if s.AlreadyProcessed {
			msg = "Payment already processed"
		}
		ok(c, http.StatusOK, msg, s)
	case settlement.PaymentFailed:
		c.JSON(http.StatusOK, envelope{Success: false, Message: "Payment failed", Data: s})
	default:
		ok(c, http.StatusAccepted, "Payment pending", s)
	}
}

// Webhook answers 200 for everything except a bad signature so the gateway
// does not retry deliveries we have already seen or cannot use.
func (h Handlers) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		reject(c, http.StatusBadRequest, "Unreadable body")
		return
	}
	_, err = h.Settlement.HandleWebhook(c.Request.Context(), c.Request.Header, body)
	if errors.Is(err, gateway.ErrInvalidSignature) {
		reject(c, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if err != nil {
		_ = c.Error(err)
	}
	ok(c, http.StatusOK, "Webhook received", nil)
}

type withdrawRequest struct {
	Amount      decimal.Decimal    `json:"amount"`
	BankDetails wallet.BankDetails `json:"bank_details"`
	Reference   string             `json:"reference"`
}

func (h Handlers) Withdraw(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	var req withdrawRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.Ledger.Withdraw(c.Request.Context(), wallet.WithdrawRequest{
		UserID:      uid,
		Amount:      req.Amount,
		BankDetails: req.BankDetails,
		Reference:   req.Reference,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Withdrawal request submitted", res)
}

type transferRequest struct {
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
}

func (h Handlers) Transfer(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	var req transferRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.Ledger.Transfer(c.Request.Context(), wallet.TransferRequest{
		FromUserID:  uid,
		ToUserID:    strings.TrimSpace(req.RecipientID),
		Amount:      req.Amount,
		Description: req.Description,
		Reference:   req.Reference,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Transfer successful", res)
}

func (h Handlers) Summary(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	now := time.Now().UTC()
	from, err := parseDate(c.Query("from"), false)
	if err != nil {
		reject(c, http.StatusBadRequest, "Invalid from")
		return
	}
	to, err := parseDate(c.Query("to"), true)
	if err != nil {
		reject(c, http.StatusBadRequest, "Invalid to")
		return
	}
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	out, err := h.Reporting.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		UserID: uid,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Summary retrieved", out)
}

// --- VTU ---

type purchaseRequest struct {
	Kind      vtu.Kind          `json:"kind"`
	Amount    decimal.Decimal   `json:"amount"`
	Recipient string            `json:"recipient"`
	Reference string            `json:"reference"`
	Meta      map[string]string `json:"meta"`
}

func (h Handlers) Purchase(c *gin.Context) {
	uid, okID := callerID(c)
	if !okID {
		return
	}
	var req purchaseRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.VTU.Purchase(c.Request.Context(), vtu.PurchaseRequest{
		UserID:    uid,
		Kind:      req.Kind,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		Reference: req.Reference,
		Meta:      req.Meta,
	})
	if errors.Is(err, vtu.ErrDeliveryFailed) {
		msg := "Purchase failed; your wallet has been refunded"
		if out.Status == vtu.PurchaseRefundFailed {
			msg = "Purchase failed; refund is being reviewed"
		}
		c.JSON(http.StatusBadGateway, envelope{Success: false, Message: msg, Data: out})
		return
	}
	if errors.Is(err, vtu.ErrDeliveryUnknown) {
		c.JSON(http.StatusAccepted, envelope{Success: false, Message: "Purchase is being confirmed with the provider", Data: out})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Purchase successful", out)
}

// --- Admin ---

func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) FreezeWallet(c *gin.Context) {
	var req freezeRequest
	if !bind(c, &req) {
		return
	}
	w, err := h.Risk.Freeze(c.Request.Context(), actor(c), c.Param("user_id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Wallet frozen", w)
}

func (h Handlers) UnfreezeWallet(c *gin.Context) {
	w, err := h.Risk.Unfreeze(c.Request.Context(), actor(c), c.Param("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Wallet unfrozen", w)
}

type limitsRequest struct {
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
}

func (h Handlers) SetLimits(c *gin.Context) {
	var req limitsRequest
	if !bind(c, &req) {
		return
	}
	l, err := h.Risk.SetLimits(c.Request.Context(), actor(c), c.Param("user_id"), req.DailyLimit, req.MonthlyLimit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Spending limits updated", l)
}

type adminCreditRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// AdminCredit performs an admin-only wallet credit.
// RBAC: admin or super_admin.
func (h Handlers) AdminCredit(c *gin.Context) {
	var req adminCreditRequest
	if !bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" || strings.TrimSpace(req.Reason) == "" {
		reject(c, http.StatusBadRequest, "reason and idempotency_key required")
		return
	}
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	res, err := h.Ledger.AdminCredit(ctx, wallet.AdminCreditRequest{
		Actor:          actor(c),
		UserID:         c.Param("user_id"),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Wallet credited", res)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// parseDate accepts RFC3339 or YYYY-MM-DD. A bare end date covers that
// whole day.
func parseDate(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
