package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/audit"
	"vtu-ledger/internal/metrics"
	"vtu-ledger/internal/wallet"
)

// ErrUnavailable is returned when limits cannot be evaluated and the gate
// is configured to fail closed.
var ErrUnavailable = errors.New("risk: limit check unavailable")

type Config struct {
	// FailOpen allows debits when the limit evaluation itself fails.
	FailOpen bool

	// Defaults apply to users without a stored SpendingLimit. Zero means no cap.
	DefaultDailyLimit   decimal.Decimal
	DefaultMonthlyLimit decimal.Decimal
}

// Gate is the Risk Control Gate. It is consulted before every debit; the
// Balance Store re-checks the same rules under the wallet lock.
type Gate struct {
	store wallet.Store
	audit *audit.Service
	cfg   Config
	log   *slog.Logger
	clock func() time.Time
}

func NewGate(store wallet.Store, cfg Config, auditSvc *audit.Service, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{store: store, audit: auditSvc, cfg: cfg, log: log, clock: time.Now}
}

type FreezeStatus struct {
	Frozen bool   `json:"frozen"`
	Reason string `json:"reason,omitempty"`
}

// IsFrozen reports the freeze flag. A user without a wallet is not frozen.
func (g *Gate) IsFrozen(ctx context.Context, userID string) (FreezeStatus, error) {
	w, err := g.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return FreezeStatus{}, nil
		}
		return FreezeStatus{}, err
	}
	return FreezeStatus{Frozen: w.IsFrozen, Reason: w.FreezeReason}, nil
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Limits returns the effective limit for userID: the stored per-user limit
// when present, the configured defaults otherwise.
func (g *Gate) Limits(ctx context.Context, userID string) (wallet.SpendingLimit, error) {
	l, ok, err := g.store.GetSpendingLimit(ctx, userID)
	if err != nil {
		return wallet.SpendingLimit{}, err
	}
	if ok {
		return l, nil
	}
	return wallet.SpendingLimit{
		UserID:       userID,
		DailyLimit:   g.cfg.DefaultDailyLimit,
		MonthlyLimit: g.cfg.DefaultMonthlyLimit,
	}, nil
}

// CheckSpendingLimit sums same-day and same-month debits and rejects when
// amount would push either past its cap. A non-nil error means the check
// could not be evaluated; Decision then reflects the fail-open policy.
func (g *Gate) CheckSpendingLimit(ctx context.Context, userID string, amount decimal.Decimal) (Decision, error) {
	l, err := g.Limits(ctx, userID)
	if err != nil {
		return g.unavailable(userID, err)
	}
	if l.Unlimited() {
		return Decision{Allowed: true}, nil
	}

	day, month := wallet.LimitWindows(g.clock())
	if l.DailyLimit.IsPositive() {
		spent, err := g.store.SumDebits(ctx, userID, day)
		if err != nil {
			return g.unavailable(userID, err)
		}
		if spent.Add(amount).GreaterThan(l.DailyLimit) {
			return Decision{Reason: fmt.Sprintf("daily limit of %s exceeded", l.DailyLimit.StringFixed(2))}, nil
		}
	}
	if l.MonthlyLimit.IsPositive() {
		spent, err := g.store.SumDebits(ctx, userID, month)
		if err != nil {
			return g.unavailable(userID, err)
		}
		if spent.Add(amount).GreaterThan(l.MonthlyLimit) {
			return Decision{Reason: fmt.Sprintf("monthly limit of %s exceeded", l.MonthlyLimit.StringFixed(2))}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

func (g *Gate) unavailable(userID string, err error) (Decision, error) {
	if g.cfg.FailOpen {
		metrics.RiskDecisions.WithLabelValues("fail_open").Inc()
		g.log.Warn("spending limit check failed, allowing", "user_id", userID, "err", err)
		return Decision{Allowed: true, Reason: "limit check unavailable"}, err
	}
	metrics.RiskDecisions.WithLabelValues("fail_closed").Inc()
	g.log.Error("spending limit check failed, rejecting", "user_id", userID, "err", err)
	return Decision{Reason: "limit check unavailable"}, err
}

// Approve implements wallet.Gate. It returns the limit the store must
// re-check under lock, or nil when no cap applies.
func (g *Gate) Approve(ctx context.Context, userID string, amount decimal.Decimal) (*wallet.SpendingLimit, error) {
	st, err := g.IsFrozen(ctx, userID)
	if err != nil && !g.cfg.FailOpen {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if st.Frozen {
		metrics.RiskDecisions.WithLabelValues("frozen").Inc()
		return nil, wallet.ErrWalletFrozen
	}

	dec, err := g.CheckSpendingLimit(ctx, userID, amount)
	if err != nil && !dec.Allowed {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !dec.Allowed {
		metrics.RiskDecisions.WithLabelValues("limit_exceeded").Inc()
		return nil, wallet.ErrSpendingLimitExceeded
	}
	metrics.RiskDecisions.WithLabelValues("allowed").Inc()
	if err != nil {
		// fail-open: nothing reliable to hand to the store
		return nil, nil
	}

	l, err := g.Limits(ctx, userID)
	if err != nil || l.Unlimited() {
		return nil, nil
	}
	return &l, nil
}

// Freeze blocks the wallet. reason is required and kept on the wallet.
func (g *Gate) Freeze(ctx context.Context, actor audit.Actor, userID, reason string) (wallet.Wallet, error) {
	reason = strings.TrimSpace(reason)
	if userID == "" || reason == "" {
		return wallet.Wallet{}, wallet.ErrInvalidArgument
	}
	w, err := g.store.SetFrozen(ctx, userID, true, reason)
	if err != nil {
		return wallet.Wallet{}, err
	}
	g.log.Info("wallet frozen", "user_id", userID, "actor", actor.UserID)
	g.record(ctx, audit.EventTypeWalletFrozen, actor, userID, "wallet frozen", map[string]any{"reason": reason})
	return w, nil
}

func (g *Gate) Unfreeze(ctx context.Context, actor audit.Actor, userID string) (wallet.Wallet, error) {
	if userID == "" {
		return wallet.Wallet{}, wallet.ErrInvalidArgument
	}
	w, err := g.store.SetFrozen(ctx, userID, false, "")
	if err != nil {
		return wallet.Wallet{}, err
	}
	g.log.Info("wallet unfrozen", "user_id", userID, "actor", actor.UserID)
	g.record(ctx, audit.EventTypeWalletUnfrozen, actor, userID, "wallet unfrozen", nil)
	return w, nil
}

// SetLimits stores per-user caps. Zero disables a window.
func (g *Gate) SetLimits(ctx context.Context, actor audit.Actor, userID string, daily, monthly decimal.Decimal) (wallet.SpendingLimit, error) {
	if userID == "" || daily.IsNegative() || monthly.IsNegative() ||
		!daily.Equal(daily.Round(2)) || !monthly.Equal(monthly.Round(2)) {
		return wallet.SpendingLimit{}, wallet.ErrInvalidArgument
	}
	if daily.IsPositive() && monthly.IsPositive() && daily.GreaterThan(monthly) {
		return wallet.SpendingLimit{}, wallet.ErrInvalidArgument
	}
	l := wallet.SpendingLimit{UserID: userID, DailyLimit: daily, MonthlyLimit: monthly}
	if err := g.store.SetSpendingLimit(ctx, l); err != nil {
		return wallet.SpendingLimit{}, err
	}
	l.UpdatedAt = g.clock().UTC()
	g.record(ctx, audit.EventTypeLimitsChanged, actor, userID, "spending limits changed", map[string]any{
		"daily_limit":   daily.StringFixed(2),
		"monthly_limit": monthly.StringFixed(2),
	})
	return l, nil
}

func (g *Gate) record(ctx context.Context, typ audit.EventType, actor audit.Actor, userID, msg string, meta map[string]any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogAdminAction(ctx, typ, actor, userID, "", msg, meta); err != nil {
		g.log.Warn("audit write failed", "type", typ, "user_id", userID, "err", err)
	}
}
