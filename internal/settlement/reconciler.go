package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"vtu-ledger/internal/gateway"
	"vtu-ledger/internal/idempotency"
	"vtu-ledger/internal/metrics"
	"vtu-ledger/internal/wallet"
)

type creditor interface {
	Credit(ctx context.Context, req wallet.CreditRequest) (wallet.Result, error)
}

type pendingStore interface {
	CreatePending(ctx context.Context, t wallet.Transaction) (wallet.Transaction, error)
	FailPending(ctx context.Context, reference, reason string) (wallet.Transaction, error)
}

type Config struct {
	Currency    string
	RedirectURL string

	// SettleTimeout bounds one settlement once it has started. The caller's
	// cancellation does not interrupt a settlement in flight.
	SettleTimeout time.Duration

	// AbandonAfter is how long a payment the gateway has never seen stays open
	// before the poller fails it.
	AbandonAfter time.Duration
}

// Reconciler converges the verify, webhook and poll paths on one settle
// routine per payment reference.
//
// Exactly-once crediting rests on the transaction table's unique
// payment_reference; singleflight only collapses concurrent work in-process.
type Reconciler struct {
	payments Repository
	ledger   creditor
	pending  pendingStore
	registry *idempotency.Registry
	gw       gateway.Gateway
	cfg      Config
	log      *slog.Logger
	clock    func() time.Time
	group    singleflight.Group
}

func NewReconciler(payments Repository, ledger *wallet.Ledger, registry *idempotency.Registry, gw gateway.Gateway, cfg Config, log *slog.Logger) *Reconciler {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		payments: payments,
		ledger:   ledger,
		pending:  ledger.Store(),
		registry: registry,
		gw:       gw,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
	}
}

// InitiateFunding opens a PaymentLog and a pending deposit under one fresh
// reference, then asks the gateway for a checkout.
func (r *Reconciler) InitiateFunding(ctx context.Context, req FundingRequest) (FundingResult, error) {
	if req.UserID == "" {
		return FundingResult{}, ErrInvalidRequest
	}
	if !wallet.ValidAmount(req.Amount) {
		return FundingResult{}, wallet.ErrInvalidAmount
	}

	now := r.clock().UTC()
	ref := wallet.NewReference("DEP", now)
	p := PaymentLog{
		TxRef:     ref,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  r.cfg.Currency,
		Status:    PaymentInitiated,
		Provider:  r.gw.Name(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.payments.Create(ctx, p); err != nil {
		return FundingResult{}, fmt.Errorf("create payment log: %w", err)
	}

	desc := req.Description
	if desc == "" {
		desc = "Wallet funding"
	}
	_, err := r.pending.CreatePending(ctx, wallet.Transaction{
		UserID:           req.UserID,
		Type:             wallet.TypeDeposit,
		Amount:           p.Amount,
		PaymentReference: ref,
		Description:      desc,
		Metadata:         map[string]any{"provider": p.Provider},
	})
	if err != nil {
		_ = r.payments.MarkFailed(ctx, ref, "pending deposit not recorded")
		return FundingResult{}, fmt.Errorf("create pending deposit: %w", err)
	}

	redirect := req.RedirectURL
	if redirect == "" {
		redirect = r.cfg.RedirectURL
	}
	co, err := r.gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		Reference:   ref,
		UserID:      req.UserID,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Email:       req.Email,
		Name:        req.Name,
		Phone:       req.Phone,
		Description: desc,
		RedirectURL: redirect,
	})
	if err != nil {
		// An unavailable gateway may still have created the checkout; the
		// poller resolves it or abandons it later.
		if errors.Is(err, gateway.ErrRejected) {
			r.fail(ctx, ref, "checkout rejected by gateway")
		}
		r.log.Warn("checkout creation failed", "user_id", req.UserID, "reference", ref, "err", err)
		return FundingResult{}, err
	}

	data := map[string]any{"checkout_link": co.Link}
	if err := r.payments.AttachCheckout(ctx, ref, co.ProviderRef, data); err != nil {
		r.log.Warn("attach checkout to payment log failed", "reference", ref, "err", err)
	}
	r.log.Info("funding initiated", "user_id", req.UserID, "reference", ref, "amount", p.Amount.StringFixed(2), "provider", p.Provider)
	return FundingResult{CheckoutLink: co.Link, Reference: ref, ProviderRef: co.ProviderRef}, nil
}

// Verify is the synchronous client callback path.
func (r *Reconciler) Verify(ctx context.Context, userID string, req VerifyRequest) (Settlement, error) {
	switch {
	case req.Reference != "":
		p, err := r.owned(ctx, userID, req.Reference)
		if err != nil {
			return Settlement{}, err
		}
		return pendingIsNotAnError(r.check(ctx, PathVerify, p))

	case req.ProviderTransactionID != "":
		v, err := r.gw.VerifyByID(ctx, req.ProviderTransactionID)
		if errors.Is(err, gateway.ErrNotFound) {
			return Settlement{}, ErrPaymentNotFound
		}
		if errors.Is(err, gateway.ErrRejected) {
			return Settlement{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if err != nil {
			r.record(PathVerify, "gateway_unavailable")
			return Settlement{}, err
		}
		p, err := r.owned(ctx, userID, v.Reference)
		if err != nil {
			return Settlement{}, err
		}
		return r.settle(ctx, PathVerify, p, v)

	default:
		return Settlement{}, ErrInvalidRequest
	}
}

// Poll re-queries the gateway for a payment that is still open.
func (r *Reconciler) Poll(ctx context.Context, userID, reference string) (Settlement, error) {
	if reference == "" {
		return Settlement{}, ErrInvalidRequest
	}
	p, err := r.owned(ctx, userID, reference)
	if err != nil {
		return Settlement{}, err
	}
	return pendingIsNotAnError(r.check(ctx, PathPoll, p))
}

// HandleWebhook verifies the signature before anything else is read. Only
// gateway.ErrInvalidSignature should change the HTTP answer; every other
// outcome is acknowledged so the gateway does not retry.
func (r *Reconciler) HandleWebhook(ctx context.Context, header http.Header, body []byte) (Settlement, error) {
	ev, err := r.gw.ParseWebhook(header, body)
	if err != nil {
		label := "malformed"
		if errors.Is(err, gateway.ErrInvalidSignature) {
			label = "invalid_signature"
		}
		metrics.Webhooks.WithLabelValues(label).Inc()
		r.log.Warn("webhook rejected", "provider", r.gw.Name(), "err", err)
		return Settlement{}, err
	}
	metrics.Webhooks.WithLabelValues("accepted").Inc()

	if ev.Reference == "" {
		r.log.Info("webhook without reference ignored", "event", ev.Event)
		return Settlement{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		if err := r.payments.RecordWebhook(ctx, ev.Reference, raw); err != nil && !errors.Is(err, ErrPaymentNotFound) {
			r.log.Warn("record webhook payload failed", "reference", ev.Reference, "err", err)
		}
	}

	p, err := r.payments.Get(ctx, ev.Reference)
	if errors.Is(err, ErrPaymentNotFound) {
		r.log.Warn("webhook for unknown payment", "reference", ev.Reference, "event", ev.Event)
		return Settlement{Reference: ev.Reference}, nil
	}
	if err != nil {
		return Settlement{}, err
	}
	return r.settle(ctx, PathWebhook, p, ev.Verification)
}

func (r *Reconciler) owned(ctx context.Context, userID, reference string) (PaymentLog, error) {
	p, err := r.payments.Get(ctx, reference)
	if err != nil {
		return PaymentLog{}, err
	}
	if userID != "" && p.UserID != userID {
		return PaymentLog{}, ErrPaymentNotFound
	}
	return p, nil
}

// check asks the gateway about a payment that is not completed and settles
// on the answer. gateway.ErrNotFound is returned as-is so the poller can
// abandon payments the gateway never saw.
func (r *Reconciler) check(ctx context.Context, path Path, p PaymentLog) (Settlement, error) {
	if p.Status == PaymentCompleted {
		return r.current(ctx, p)
	}
	if s, ok, err := r.alreadySettled(ctx, p); err != nil || ok {
		return s, err
	}

	v, err := r.gw.VerifyByReference(ctx, p.TxRef)
	if err != nil {
		if p.Status == PaymentFailed {
			return r.current(ctx, p)
		}
		open := Settlement{Reference: p.TxRef, Status: p.Status}
		if errors.Is(err, gateway.ErrNotFound) {
			r.record(path, "pending")
			return open, err
		}
		r.record(path, "gateway_unavailable")
		r.log.Warn("gateway verification failed; payment left open", "path", path, "reference", p.TxRef, "err", err)
		return open, err
	}
	return r.settle(ctx, path, p, v)
}

// settle collapses concurrent settlements of one reference and status.
func (r *Reconciler) settle(ctx context.Context, path Path, p PaymentLog, v gateway.Verification) (Settlement, error) {
	key := p.TxRef + "|" + string(v.Status)
	ch := r.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SettleTimeout)
		defer cancel()
		return r.apply(sctx, path, p.TxRef, v)
	})
	select {
	case res := <-ch:
		s, _ := res.Val.(Settlement)
		return s, res.Err
	case <-ctx.Done():
		return Settlement{Reference: p.TxRef, Status: p.Status}, ctx.Err()
	}
}

func (r *Reconciler) apply(ctx context.Context, path Path, ref string, v gateway.Verification) (Settlement, error) {
	p, err := r.payments.Get(ctx, ref)
	if err != nil {
		return Settlement{}, err
	}
	if p.Status == PaymentCompleted {
		return r.current(ctx, p)
	}
	if s, ok, err := r.alreadySettled(ctx, p); err != nil || ok {
		if ok {
			r.record(path, "duplicate")
		}
		return s, err
	}
	// Only a confirmed success can move a failed payment.
	if p.Status == PaymentFailed && v.Status != gateway.StatusSuccessful {
		return r.current(ctx, p)
	}

	switch v.Status {
	case gateway.StatusPending:
		r.record(path, "pending")
		return Settlement{Reference: ref, Status: p.Status}, nil
	case gateway.StatusFailed:
		r.fail(ctx, ref, "gateway reported payment failed")
		r.record(path, "failed")
		return Settlement{Reference: ref, Status: PaymentFailed}, nil
	}

	if err := crossCheck(p, v); err != nil {
		r.log.Error("payment verification mismatch", "path", path, "reference", ref, "user_id", p.UserID,
			"expected_amount", p.Amount.StringFixed(2), "reported_amount", v.Amount.StringFixed(2), "err", err)
		r.fail(ctx, ref, err.Error())
		r.record(path, "mismatch")
		return Settlement{Reference: ref, Status: PaymentFailed}, err
	}
	if p.Status == PaymentFailed {
		metrics.LateSettlements.WithLabelValues(string(path)).Inc()
		r.log.Warn("gateway confirmed a failed payment; reopening", "path", path, "reference", ref,
			"user_id", p.UserID, "failure_reason", p.FailureReason, "provider_ref", v.ProviderRef)
		if err := r.payments.Reopen(ctx, ref, v.ProviderRef); err != nil {
			r.log.Error("reopen failed payment", "reference", ref, "err", err)
		}
	} else if err := r.payments.MarkVerifying(ctx, ref, v.ProviderRef); err != nil {
		r.log.Warn("mark payment verifying failed", "reference", ref, "err", err)
	}

	res, err := r.ledger.Credit(ctx, wallet.CreditRequest{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Type:        wallet.TypeDeposit,
		Description: "Wallet funding",
		Reference:   ref,
		Metadata: map[string]any{
			"provider":     p.Provider,
			"provider_ref": v.ProviderRef,
			"settled_via":  string(path),
		},
		// A racing failure report may have closed the pending deposit.
		ReopenFailed: true,
	})
	if err != nil {
		// The payment stays verifying; a later verify or poll retries it.
		r.record(path, "ledger_error")
		r.log.Error("settlement credit failed", "path", path, "reference", ref, "user_id", p.UserID, "err", err)
		return Settlement{Reference: ref, Status: PaymentVerifying}, err
	}

	if err := r.payments.MarkCompleted(ctx, ref, res.Transaction.ID, v.ProviderRef); err != nil {
		r.log.Error("mark payment completed failed", "reference", ref, "transaction_id", res.Transaction.ID, "err", err)
	}
	r.registry.MarkProcessed(ctx, ref)

	if res.Duplicate {
		r.record(path, "duplicate")
	} else {
		r.record(path, "settled")
		r.log.Info("payment settled", "path", path, "reference", ref, "user_id", p.UserID,
			"amount", p.Amount.StringFixed(2), "balance_after", res.NewBalance.StringFixed(2))
	}
	return settled(ref, res.Transaction, res.Duplicate), nil
}

// alreadySettled is the idempotency pre-check. It also repairs a PaymentLog
// left open after its credit committed.
func (r *Reconciler) alreadySettled(ctx context.Context, p PaymentLog) (Settlement, bool, error) {
	t, ok, err := r.registry.Settled(ctx, p.TxRef)
	if err != nil || !ok {
		return Settlement{}, false, err
	}
	if p.Status != PaymentCompleted {
		if err := r.payments.MarkCompleted(ctx, p.TxRef, t.ID, ""); err != nil {
			r.log.Warn("repair payment log failed", "reference", p.TxRef, "err", err)
		}
	}
	return settled(p.TxRef, t, true), true, nil
}

func (r *Reconciler) current(ctx context.Context, p PaymentLog) (Settlement, error) {
	if p.Status == PaymentCompleted {
		t, ok, err := r.registry.Settled(ctx, p.TxRef)
		if err != nil {
			return Settlement{}, err
		}
		if ok {
			return settled(p.TxRef, t, true), nil
		}
	}
	return Settlement{Reference: p.TxRef, Status: p.Status, AlreadyProcessed: p.Status == PaymentCompleted}, nil
}

// fail closes both the PaymentLog and its pending deposit. Only explicit
// gateway answers reach here. A deposit that completed concurrently wins and
// the log is closed as completed instead.
func (r *Reconciler) fail(ctx context.Context, ref, reason string) {
	t, err := r.pending.FailPending(ctx, ref, reason)
	if err != nil && !errors.Is(err, wallet.ErrNotFound) {
		r.log.Error("fail pending deposit", "reference", ref, "err", err)
	}
	if err == nil && t.Status == wallet.StatusCompleted {
		r.log.Warn("failure report for a credited payment ignored", "reference", ref, "reason", reason)
		if err := r.payments.MarkCompleted(ctx, ref, t.ID, ""); err != nil {
			r.log.Error("mark payment completed failed", "reference", ref, "err", err)
		}
		return
	}
	if err := r.payments.MarkFailed(ctx, ref, reason); err != nil {
		r.log.Error("mark payment failed", "reference", ref, "err", err)
	}
}

func (r *Reconciler) record(path Path, result string) {
	metrics.Settlements.WithLabelValues(string(path), result).Inc()
}

func crossCheck(p PaymentLog, v gateway.Verification) error {
	if v.Reference != "" && v.Reference != p.TxRef {
		return fmt.Errorf("%w: gateway reported %q", ErrReferenceMismatch, v.Reference)
	}
	if v.UserID != "" && v.UserID != p.UserID {
		return fmt.Errorf("%w: payer %q", ErrReferenceMismatch, v.UserID)
	}
	if !v.Amount.Equal(p.Amount) {
		return ErrAmountMismatch
	}
	if v.Currency != "" && p.Currency != "" && v.Currency != p.Currency {
		return fmt.Errorf("%w: currency %s", ErrAmountMismatch, v.Currency)
	}
	return nil
}

func pendingIsNotAnError(s Settlement, err error) (Settlement, error) {
	if errors.Is(err, gateway.ErrNotFound) {
		return s, nil
	}
	return s, err
}
