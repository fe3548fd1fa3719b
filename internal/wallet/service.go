package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vtu-ledger/internal/audit"
	"vtu-ledger/internal/metrics"
	"vtu-ledger/pkg/utils"
)

// Gate approves outgoing value before the ledger debits a wallet.
// The returned limit, if any, is re-checked by the store under the wallet lock.
type Gate interface {
	Approve(ctx context.Context, userID string, amount decimal.Decimal) (*SpendingLimit, error)
}

// Notifier receives committed ledger facts. Implementations must not block
// and must not fail the caller.
type Notifier interface {
	TransactionCreated(ctx context.Context, t Transaction)
	BalanceChanged(ctx context.Context, userID string, balance decimal.Decimal)
}

type Config struct {
	// MaxRetries is how many times a StoreConflict is retried.
	MaxRetries   int
	RetryBackoff time.Duration

	// RejectCreditsToFrozen blocks credits to frozen wallets as well as debits.
	RejectCreditsToFrozen bool
}

// Ledger is the Ledger Core: the only entry point that mutates balances.
//
// Money invariants:
// - No balance update without a transaction record
// - Balance never goes negative in a committed state
// - A payment reference is applied at most once
type Ledger struct {
	store    Store
	gate     Gate
	notifier Notifier
	audit    *audit.Service
	log      *slog.Logger
	cfg      Config
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type Option func(*Ledger)

func WithGate(g Gate) Option             { return func(l *Ledger) { l.gate = g } }
func WithNotifier(n Notifier) Option     { return func(l *Ledger) { l.notifier = n } }
func WithAudit(a *audit.Service) Option  { return func(l *Ledger) { l.audit = a } }
func WithLogger(log *slog.Logger) Option { return func(l *Ledger) { l.log = log } }

func NewLedger(store Store, cfg Config, opts ...Option) *Ledger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 20 * time.Millisecond
	}
	l := &Ledger{store: store, cfg: cfg, clock: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Store exposes the underlying Balance Store for read-side collaborators.
func (l *Ledger) Store() Store { return l.store }

type CreditRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	Reference   string
	Metadata    map[string]any

	// ReopenFailed completes a failed pending row under Reference.
	ReopenFailed bool
}

type DebitRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	Reference   string
	Metadata    map[string]any
}

type TransferRequest struct {
	FromUserID  string
	ToUserID    string
	Amount      decimal.Decimal
	Description string
	Reference   string
}

type WithdrawRequest struct {
	UserID      string
	Amount      decimal.Decimal
	BankDetails BankDetails
	Description string
	Reference   string
}

type WithdrawResult struct {
	Result
	// Payout is nil when the request was an idempotent duplicate.
	Payout *Payout `json:"payout,omitempty"`
}

type AdminCreditRequest struct {
	Actor          audit.Actor
	UserID         string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// Credit adds amount to the user's wallet. Type defaults to credit and must
// be an incoming type.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	if req.Type == "" {
		req.Type = TypeCredit
	}
	if !ValidAmount(req.Amount) {
		return Result{}, ErrInvalidAmount
	}
	if req.UserID == "" || !req.Type.Valid() || req.Type.Direction() != DirectionCredit {
		return Result{}, ErrInvalidArgument
	}
	if req.Reference == "" {
		req.Reference = NewReference(referencePrefix(req.Type), l.clock())
	}
	return l.postOne(ctx, "credit", Posting{
		UserID:      req.UserID,
		Type:        req.Type,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
		Metadata:    req.Metadata,
		// Refunds return value that already left this wallet.
		AllowFrozen:  !l.cfg.RejectCreditsToFrozen || req.Type == TypeRefund,
		ReopenFailed: req.ReopenFailed,
	})
}

// Debit removes amount from the user's wallet after risk approval.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	if req.Type == "" {
		req.Type = TypeDebit
	}
	if !ValidAmount(req.Amount) {
		return Result{}, ErrInvalidAmount
	}
	if req.UserID == "" || !req.Type.Valid() || req.Type.Direction() != DirectionDebit {
		return Result{}, ErrInvalidArgument
	}
	prior := Posting{UserID: req.UserID, Type: req.Type, Amount: req.Amount, Reference: req.Reference}
	if res, ok, err := l.replay(ctx, "debit", prior); err != nil || ok {
		return res, err
	}
	limit, err := l.approve(ctx, req.UserID, req.Amount)
	if err != nil {
		l.record("debit", err)
		return Result{}, err
	}
	if req.Reference == "" {
		req.Reference = NewReference(referencePrefix(req.Type), l.clock())
	}
	return l.postOne(ctx, "debit", Posting{
		UserID:      req.UserID,
		Type:        req.Type,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
		Metadata:    req.Metadata,
		Limit:       limit,
	})
}

// Transfer moves amount between two wallets as one atomic unit. The legs use
// <ref>_OUT and <ref>_IN as payment references and share ref as the transfer
// reference. The recipient must already have a wallet.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if !ValidAmount(req.Amount) {
		return TransferResult{}, ErrInvalidAmount
	}
	if req.FromUserID == "" || req.ToUserID == "" {
		return TransferResult{}, ErrInvalidArgument
	}
	if req.FromUserID == req.ToUserID {
		return TransferResult{}, ErrSelfTransfer
	}
	if req.Reference != "" {
		out, ok, err := l.replay(ctx, "transfer", Posting{UserID: req.FromUserID, Type: TypeTransferOut, Amount: req.Amount, Reference: req.Reference + "_OUT"})
		if err != nil {
			return TransferResult{}, err
		}
		if ok {
			in, ierr := l.duplicate(ctx, Posting{UserID: req.ToUserID, Type: TypeTransferIn, Amount: req.Amount, Reference: req.Reference + "_IN"})
			if ierr != nil {
				return TransferResult{}, ErrDuplicateReference
			}
			return TransferResult{TransferReference: req.Reference, Sender: out, Recipient: in}, nil
		}
	}
	limit, err := l.approve(ctx, req.FromUserID, req.Amount)
	if err != nil {
		l.record("transfer", err)
		return TransferResult{}, err
	}

	ref := req.Reference
	if ref == "" {
		ref = NewReference("TRF", l.clock())
	}
	outDesc, inDesc := req.Description, req.Description
	if outDesc == "" {
		outDesc = "Transfer to " + req.ToUserID
		inDesc = "Transfer from " + req.FromUserID
	}

	postings := []Posting{
		{
			UserID:            req.FromUserID,
			Type:              TypeTransferOut,
			Amount:            req.Amount,
			Reference:         ref + "_OUT",
			TransferReference: ref,
			Description:       outDesc,
			Metadata:          map[string]any{"counterparty_user_id": req.ToUserID},
			Limit:             limit,
		},
		{
			UserID:            req.ToUserID,
			Type:              TypeTransferIn,
			Amount:            req.Amount,
			Reference:         ref + "_IN",
			TransferReference: ref,
			Description:       inDesc,
			Metadata:          map[string]any{"counterparty_user_id": req.FromUserID},
			RequireWallet:     true,
		},
	}

	txs, err := l.post(ctx, "transfer", postings)
	if errors.Is(err, ErrDuplicateReference) {
		out, oerr := l.duplicate(ctx, postings[0])
		in, ierr := l.duplicate(ctx, postings[1])
		if oerr != nil || ierr != nil {
			return TransferResult{}, ErrDuplicateReference
		}
		return TransferResult{TransferReference: ref, Sender: out, Recipient: in}, nil
	}
	if err != nil {
		return TransferResult{}, err
	}

	l.notify(ctx, txs...)
	return TransferResult{
		TransferReference: ref,
		Sender:            Result{NewBalance: txs[0].BalanceAfter, Transaction: txs[0]},
		Recipient:         Result{NewBalance: txs[1].BalanceAfter, Transaction: txs[1]},
	}, nil
}

// Withdraw debits the wallet and records a pending payout in the same unit.
// The external bank payout itself happens elsewhere.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	if !ValidAmount(req.Amount) {
		return WithdrawResult{}, ErrInvalidAmount
	}
	bd := req.BankDetails
	if req.UserID == "" || strings.TrimSpace(bd.AccountNumber) == "" || strings.TrimSpace(bd.BankCode) == "" {
		return WithdrawResult{}, ErrInvalidArgument
	}
	prior := Posting{UserID: req.UserID, Type: TypeWithdrawal, Amount: req.Amount, Reference: req.Reference}
	if res, ok, err := l.replay(ctx, "withdraw", prior); err != nil || ok {
		return WithdrawResult{Result: res}, err
	}
	limit, err := l.approve(ctx, req.UserID, req.Amount)
	if err != nil {
		l.record("withdraw", err)
		return WithdrawResult{}, err
	}
	if req.Reference == "" {
		req.Reference = NewReference("WDR", l.clock())
	}
	desc := req.Description
	if desc == "" {
		desc = "Withdrawal to " + bd.BankCode + " " + maskAccount(bd.AccountNumber)
	}

	payout := &Payout{ID: uuid.NewString(), BankDetails: bd}
	res, err := l.postOne(ctx, "withdraw", Posting{
		UserID:      req.UserID,
		Type:        TypeWithdrawal,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: desc,
		Metadata:    map[string]any{"payout_id": payout.ID, "bank_code": bd.BankCode},
		Limit:       limit,
		Payout:      payout,
	})
	if err != nil {
		return WithdrawResult{}, err
	}
	if res.Duplicate {
		return WithdrawResult{Result: res}, nil
	}
	payout.UserID = req.UserID
	payout.TransactionID = res.Transaction.ID
	payout.Reference = req.Reference
	payout.Amount = req.Amount
	payout.Status = PayoutStatusPending
	payout.CreatedAt = res.Transaction.CreatedAt
	return WithdrawResult{Result: res, Payout: payout}, nil
}

// AdminCredit credits a wallet on behalf of an admin. The idempotency key is
// namespaced so it cannot collide with gateway references.
func (l *Ledger) AdminCredit(ctx context.Context, req AdminCreditRequest) (Result, error) {
	if req.Actor.UserID == "" || strings.TrimSpace(req.Reason) == "" || strings.TrimSpace(req.IdempotencyKey) == "" {
		return Result{}, ErrInvalidArgument
	}
	ref := "ADMIN_" + strings.TrimSpace(req.IdempotencyKey)
	res, err := l.Credit(ctx, CreditRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        TypeCredit,
		Description: "Admin credit: " + req.Reason,
		Reference:   ref,
		Metadata:    map[string]any{"admin_user_id": req.Actor.UserID, "reason": req.Reason},
	})
	if err != nil || res.Duplicate {
		return res, err
	}
	if l.audit != nil {
		meta := map[string]any{"amount": req.Amount.StringFixed(2), "reason": req.Reason}
		if aerr := l.audit.LogAdminAction(ctx, audit.EventTypeAdminCredit, req.Actor, req.UserID, ref, "admin credit", meta); aerr != nil {
			l.log.Warn("audit admin credit failed", "user_id", req.UserID, "reference", ref, "err", aerr)
		}
	}
	return res, nil
}

// GetWallet returns the user's wallet, creating an empty one on first use.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	return l.store.EnsureWallet(ctx, userID)
}

func (l *Ledger) ListTransactions(ctx context.Context, userID string, f TransactionFilter) (TransactionPage, error) {
	if userID == "" {
		return TransactionPage{}, ErrInvalidArgument
	}
	if f.Type != "" && !f.Type.Valid() {
		return TransactionPage{}, ErrInvalidArgument
	}
	return l.store.ListTransactions(ctx, userID, f)
}

// GetTransaction looks up one of the user's transactions by payment reference.
// Other users' references are reported as not found.
func (l *Ledger) GetTransaction(ctx context.Context, userID, reference string) (Transaction, error) {
	if userID == "" || reference == "" {
		return Transaction{}, ErrInvalidArgument
	}
	t, err := l.store.FindByReference(ctx, reference)
	if err != nil {
		return Transaction{}, err
	}
	if t.UserID != userID {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

// replay answers a retried debit whose reference already completed, before
// the risk gate can reject it for the wallet's current state. Anything other
// than an exact completed match is left to the store.
func (l *Ledger) replay(ctx context.Context, op string, p Posting) (Result, bool, error) {
	if p.Reference == "" {
		return Result{}, false, nil
	}
	res, err := l.duplicate(ctx, p)
	switch {
	case err == nil:
		l.record(op, ErrDuplicateReference)
		return res, true, nil
	case errors.Is(err, ErrDuplicateReference):
		return Result{}, false, nil
	default:
		return Result{}, false, err
	}
}

func (l *Ledger) approve(ctx context.Context, userID string, amount decimal.Decimal) (*SpendingLimit, error) {
	if l.gate == nil {
		return nil, nil
	}
	return l.gate.Approve(ctx, userID, amount)
}

func (l *Ledger) postOne(ctx context.Context, op string, p Posting) (Result, error) {
	txs, err := l.post(ctx, op, []Posting{p})
	if errors.Is(err, ErrDuplicateReference) {
		return l.duplicate(ctx, p)
	}
	if err != nil {
		return Result{}, err
	}
	t := txs[0]
	l.notify(ctx, t)
	return Result{NewBalance: t.BalanceAfter, Transaction: t}, nil
}

// post runs the store primitive, retrying concurrent-write conflicts.
func (l *Ledger) post(ctx context.Context, op string, postings []Posting) ([]Transaction, error) {
	var out []Transaction
	err := utils.Retry(ctx, l.cfg.MaxRetries+1, l.cfg.RetryBackoff, isConflict, func(attempt int) error {
		if attempt > 1 {
			metrics.LedgerRetries.WithLabelValues(op).Inc()
			l.log.Warn("retrying ledger post after conflict", "op", op, "attempt", attempt, "user_id", postings[0].UserID)
		}
		txs, err := l.store.Post(ctx, postings)
		if err != nil {
			return err
		}
		out = txs
		return nil
	})
	l.record(op, err)
	if err != nil {
		if !isExpected(err) {
			l.log.Error("ledger post failed", "op", op, "user_id", postings[0].UserID, "reference", postings[0].Reference, "err", err)
		}
		return nil, err
	}
	for _, t := range out {
		l.log.Info("ledger posted",
			"op", op,
			"user_id", t.UserID,
			"type", t.Type,
			"amount", t.Amount.StringFixed(2),
			"reference", t.PaymentReference,
			"balance_after", t.BalanceAfter.StringFixed(2),
		)
	}
	return out, nil
}

// duplicate resolves a reference that was already consumed. A completed
// transaction with identical user, type and amount is the same logical event
// and is returned as an idempotent success.
func (l *Ledger) duplicate(ctx context.Context, p Posting) (Result, error) {
	existing, err := l.store.FindByReference(ctx, p.Reference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{}, ErrDuplicateReference
		}
		return Result{}, err
	}
	if existing.Status != StatusCompleted || existing.UserID != p.UserID ||
		existing.Type != p.Type || !existing.Amount.Equal(p.Amount) {
		return Result{}, ErrDuplicateReference
	}
	return Result{NewBalance: existing.BalanceAfter, Transaction: existing, Duplicate: true}, nil
}

func (l *Ledger) notify(ctx context.Context, txs ...Transaction) {
	if l.notifier == nil {
		return
	}
	for _, t := range txs {
		l.notifier.TransactionCreated(ctx, t)
		l.notifier.BalanceChanged(ctx, t.UserID, t.BalanceAfter)
	}
}

func (l *Ledger) record(op string, err error) {
	metrics.LedgerOperations.WithLabelValues(op, resultLabel(err)).Inc()
}

func isConflict(err error) bool { return errors.Is(err, ErrStoreConflict) }

// isExpected reports business rejections that are not worth an error log.
func isExpected(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrWalletFrozen),
		errors.Is(err, ErrSpendingLimitExceeded),
		errors.Is(err, ErrDuplicateReference),
		errors.Is(err, ErrRecipientNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidArgument):
		return true
	default:
		return false
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWalletFrozen):
		return "frozen"
	case errors.Is(err, ErrSpendingLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrStoreConflict):
		return "conflict"
	case isExpected(err):
		return "rejected"
	default:
		return "error"
	}
}

func maskAccount(n string) string {
	n = strings.TrimSpace(n)
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
