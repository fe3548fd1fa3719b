package vtu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vtu-ledger/internal/metrics"
	"vtu-ledger/internal/wallet"
	"vtu-ledger/pkg/logger"
)

// Provider delivers airtime, data, cable and electricity products.
type Provider interface {
	Deliver(ctx context.Context, o Order) (Delivery, error)
}

type ledger interface {
	Debit(ctx context.Context, req wallet.DebitRequest) (wallet.Result, error)
	Credit(ctx context.Context, req wallet.CreditRequest) (wallet.Result, error)
	Store() wallet.Store
}

// Service sells VTU products against the wallet: debit first, then deliver,
// refunding the debit when the provider declines. Timeouts are held for review.
type Service struct {
	ledger   ledger
	provider Provider
	timeout  time.Duration
	log      *slog.Logger
}

func NewService(l *wallet.Ledger, provider Provider, timeout time.Duration, log *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{ledger: l, provider: provider, timeout: timeout, log: log}
}

func refundReference(ref string) string { return ref + "_REFUND" }

func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (Purchase, error) {
	if s.provider == nil {
		return Purchase{}, ErrDisabled
	}
	typ, ok := req.Kind.TransactionType()
	req.Recipient = strings.TrimSpace(req.Recipient)
	if !ok || req.UserID == "" || req.Recipient == "" {
		return Purchase{}, ErrInvalidRequest
	}
	if !wallet.ValidAmount(req.Amount) {
		return Purchase{}, wallet.ErrInvalidAmount
	}

	meta := map[string]any{"recipient": req.Recipient}
	for k, v := range req.Meta {
		meta[k] = v
	}
	debit, err := s.ledger.Debit(ctx, wallet.DebitRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        typ,
		Description: fmt.Sprintf("%s purchase for %s", req.Kind, req.Recipient),
		Reference:   req.Reference,
		Metadata:    meta,
	})
	if err != nil {
		metrics.VTUPurchases.WithLabelValues(string(req.Kind), "rejected").Inc()
		return Purchase{}, err
	}
	ref := debit.Transaction.PaymentReference
	out := Purchase{Reference: ref, Kind: req.Kind, Debit: debit, Balance: debit.NewBalance}

	if debit.Duplicate {
		return s.replay(ctx, out)
	}

	log := logger.FromOr(ctx, s.log)
	// The order outlives the caller; a disconnect must not look like a decline.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	delivery, err := s.provider.Deliver(dctx, Order{
		Reference: ref,
		Kind:      req.Kind,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Meta:      req.Meta,
	})
	cancel()
	if err == nil {
		metrics.VTUPurchases.WithLabelValues(string(req.Kind), "delivered").Inc()
		log.Info("vtu purchase delivered", "user_id", req.UserID, "kind", req.Kind, "reference", ref, "provider_ref", delivery.ProviderRef)
		out.Status = PurchaseDelivered
		out.Delivery = &delivery
		return out, nil
	}

	if uncertain(err) {
		metrics.VTUPurchases.WithLabelValues(string(req.Kind), "pending_review").Inc()
		log.Error("vtu delivery outcome unknown; holding debit for review",
			"user_id", req.UserID, "kind", req.Kind, "reference", ref, "amount", req.Amount.StringFixed(2), "err", err)
		out.Status = PurchasePendingReview
		return out, fmt.Errorf("%w: %v", ErrDeliveryUnknown, err)
	}

	log.Warn("vtu delivery failed; refunding", "user_id", req.UserID, "kind", req.Kind, "reference", ref, "err", err)
	refund, rerr := s.ledger.Credit(context.WithoutCancel(ctx), wallet.CreditRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        wallet.TypeRefund,
		Description: fmt.Sprintf("Refund: %s purchase for %s", req.Kind, req.Recipient),
		Reference:   refundReference(ref),
		Metadata:    map[string]any{"original_reference": ref, "reason": err.Error()},
	})
	if rerr != nil {
		metrics.VTUPurchases.WithLabelValues(string(req.Kind), "refund_failed").Inc()
		log.Error("vtu refund failed", "user_id", req.UserID, "reference", ref, "err", rerr)
		out.Status = PurchaseRefundFailed
		return out, fmt.Errorf("%w: refund failed: %v", ErrDeliveryFailed, rerr)
	}
	metrics.VTUPurchases.WithLabelValues(string(req.Kind), "refunded").Inc()
	out.Status = PurchaseRefunded
	out.Refund = &refund
	out.Balance = refund.NewBalance
	return out, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
}

// uncertain reports delivery errors after which the provider may still have
// fulfilled the order.
func uncertain(err error) bool {
	return errors.Is(err, ErrDeliveryUnknown) || errors.Is(err, context.DeadlineExceeded)
}

// replay reports an earlier purchase without delivering again.
func (s *Service) replay(ctx context.Context, out Purchase) (Purchase, error) {
	t, err := s.ledger.Store().FindByReference(ctx, refundReference(out.Reference))
	switch {
	case err == nil:
		out.Status = PurchaseRefunded
		out.Refund = &wallet.Result{NewBalance: t.BalanceAfter, Transaction: t, Duplicate: true}
		out.Balance = t.BalanceAfter
	case errors.Is(err, wallet.ErrNotFound):
		out.Status = PurchaseDelivered
	default:
		return Purchase{}, err
	}
	metrics.VTUPurchases.WithLabelValues(string(out.Kind), "duplicate").Inc()
	return out, nil
}
