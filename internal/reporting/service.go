package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds one summary query.
const MaxRange = 366 * 24 * time.Hour

// Repository abstracts data access for reporting.
// Implementations must scope reads to userID and return only rows created
// in [from, to).
type Repository interface {
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.UserID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListTransactions(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{
		UserID: req.UserID,
		Range:  req.Range,
		ByType: map[wallet.TransactionType]TypeTotal{},
	}
	for _, t := range rows {
		if t.Status != wallet.StatusCompleted {
			continue
		}
		out.TransactionCount++
		tt := out.ByType[t.Type]
		tt.Count++
		tt.Amount = tt.Amount.Add(t.Amount)
		out.ByType[t.Type] = tt

		if t.Type.Direction() == wallet.DirectionCredit {
			out.TotalCredit = out.TotalCredit.Add(t.Amount)
		} else {
			out.TotalDebit = out.TotalDebit.Add(t.Amount)
		}

		switch {
		case strings.HasPrefix(t.PaymentReference, "ADMIN_"):
			out.AdminAdjust = out.AdminAdjust.Add(t.Amount)
		case isPurchase(t.Type):
			out.PurchaseDebit = out.PurchaseDebit.Add(t.Amount)
		case t.Type == wallet.TypeRefund:
			out.PurchaseDebit = out.PurchaseDebit.Sub(t.Amount)
		}
	}
	out.NetDelta = out.TotalCredit.Sub(out.TotalDebit)
	if out.PurchaseDebit.IsNegative() {
		out.PurchaseDebit = decimal.Zero
	}
	return out, nil
}

func isPurchase(t wallet.TransactionType) bool {
	switch t {
	case wallet.TypeAirtimePurchase, wallet.TypeDataPurchase, wallet.TypeCablePurchase, wallet.TypeElectricityPurchase:
		return true
	default:
		return false
	}
}
