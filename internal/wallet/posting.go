package wallet

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Posting is one leg of an atomic ledger mutation.
type Posting struct {
	UserID            string
	Type              TransactionType
	Amount            decimal.Decimal
	Reference         string
	TransferReference string
	Description       string
	Metadata          map[string]any

	// RequireWallet fails the whole post with ErrRecipientNotFound when the
	// wallet does not exist yet instead of creating it.
	RequireWallet bool

	// AllowFrozen lets a credit leg land on a frozen wallet.
	AllowFrozen bool

	// ReopenFailed lets the leg complete a row that was marked failed, for
	// external payments confirmed after an attempt was reported failed.
	ReopenFailed bool

	// Limit is re-checked against completed debits under the wallet lock.
	Limit *SpendingLimit

	// Payout is recorded in the same atomic unit as this leg.
	Payout *Payout
}

// ledgerTx is the set of row operations one atomic post needs. Both stores
// implement it; post holds the rules so they are enforced identically.
type ledgerTx interface {
	lockWallet(ctx context.Context, userID string, create bool, now time.Time) (Wallet, bool, error)
	findByReference(ctx context.Context, reference string) (Transaction, bool, error)
	sumDebits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	insertTransaction(ctx context.Context, t Transaction) error
	completePending(ctx context.Context, t Transaction) error
	insertPayout(ctx context.Context, p Payout) error
	saveWallet(ctx context.Context, w Wallet) error
}

// post applies postings inside tx. Wallets are locked in ascending user id
// order so two transfers between the same pair cannot deadlock.
func post(ctx context.Context, tx ledgerTx, now time.Time, postings []Posting) ([]Transaction, error) {
	if len(postings) == 0 {
		return nil, ErrInvalidArgument
	}

	required := map[string]bool{}
	for _, p := range postings {
		if p.UserID == "" || p.Reference == "" || !p.Type.Valid() {
			return nil, ErrInvalidArgument
		}
		if !ValidAmount(p.Amount) {
			return nil, ErrInvalidAmount
		}
		required[p.UserID] = required[p.UserID] || p.RequireWallet
	}

	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	wallets := make(map[string]*Wallet, len(ids))
	for _, id := range ids {
		w, found, err := tx.lockWallet(ctx, id, !required[id], now)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrRecipientNotFound
		}
		wallets[id] = &w
	}

	out := make([]Transaction, 0, len(postings))
	for _, p := range postings {
		w := wallets[p.UserID]
		dir := p.Type.Direction()

		existing, found, err := tx.findByReference(ctx, p.Reference)
		if err != nil {
			return nil, err
		}
		completing := false
		if found {
			open := existing.Status == StatusPending || (existing.Status == StatusFailed && p.ReopenFailed)
			if !open || existing.UserID != p.UserID ||
				existing.Type != p.Type || !existing.Amount.Equal(p.Amount) {
				return nil, ErrDuplicateReference
			}
			completing = true
		}

		if w.IsFrozen && !(dir == DirectionCredit && p.AllowFrozen) {
			return nil, ErrWalletFrozen
		}

		before := w.Balance
		var after decimal.Decimal
		switch dir {
		case DirectionCredit:
			after = before.Add(p.Amount)
			w.TotalDeposits = w.TotalDeposits.Add(p.Amount)
		default:
			if p.Limit != nil {
				if err := checkLimit(ctx, tx, p.UserID, p.Amount, *p.Limit, now); err != nil {
					return nil, err
				}
			}
			if before.LessThan(p.Amount) {
				return nil, ErrInsufficientFunds
			}
			after = before.Sub(p.Amount)
			w.TotalWithdrawals = w.TotalWithdrawals.Add(p.Amount)
		}
		w.Balance = after
		w.UpdatedAt = now

		t := Transaction{
			ID:                uuid.NewString(),
			UserID:            p.UserID,
			Type:              p.Type,
			Amount:            p.Amount,
			Status:            StatusCompleted,
			PaymentReference:  p.Reference,
			TransferReference: p.TransferReference,
			Description:       p.Description,
			BalanceBefore:     before,
			BalanceAfter:      after,
			Metadata:          p.Metadata,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if completing {
			t.ID = existing.ID
			t.CreatedAt = existing.CreatedAt
			t.Metadata = mergeMetadata(existing.Metadata, p.Metadata)
			if t.Description == "" {
				t.Description = existing.Description
			}
			if err := tx.completePending(ctx, t); err != nil {
				return nil, err
			}
		} else if err := tx.insertTransaction(ctx, t); err != nil {
			return nil, err
		}

		if p.Payout != nil {
			po := *p.Payout
			if po.ID == "" {
				po.ID = uuid.NewString()
			}
			po.UserID = p.UserID
			po.TransactionID = t.ID
			po.Reference = p.Reference
			po.Amount = p.Amount
			po.Status = PayoutStatusPending
			po.CreatedAt = now
			if err := tx.insertPayout(ctx, po); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}

	for _, id := range ids {
		if err := tx.saveWallet(ctx, *wallets[id]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkLimit(ctx context.Context, tx ledgerTx, userID string, amount decimal.Decimal, l SpendingLimit, now time.Time) error {
	day, month := limitWindows(now)
	if l.DailyLimit.IsPositive() {
		spent, err := tx.sumDebits(ctx, userID, day)
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(l.DailyLimit) {
			return ErrSpendingLimitExceeded
		}
	}
	if l.MonthlyLimit.IsPositive() {
		spent, err := tx.sumDebits(ctx, userID, month)
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(l.MonthlyLimit) {
			return ErrSpendingLimitExceeded
		}
	}
	return nil
}

// limitWindows returns the start of the current UTC day and month.
func limitWindows(now time.Time) (day, month time.Time) {
	n := now.UTC()
	day = time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	month = time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	return day, month
}

// LimitWindows is exported for the risk gate so both checks agree on the
// same day and month boundaries.
func LimitWindows(now time.Time) (day, month time.Time) { return limitWindows(now) }

func mergeMetadata(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
