package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tx(user string, typ wallet.TransactionType, amount, ref string, at time.Time) wallet.Transaction {
	return wallet.Transaction{
		ID: ref, UserID: user, Type: typ, Amount: d(amount), Status: wallet.StatusCompleted,
		PaymentReference: ref, CreatedAt: at,
	}
}

func TestReporting_UserIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	repo.Transactions = []wallet.Transaction{
		tx("u1", wallet.TypeDeposit, "100", "a", now),
		tx("u2", wallet.TypeDeposit, "900", "b", now),
	}
	svc := NewService(repo)

	out, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{UserID: "u1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TransactionCount != 1 || !out.TotalCredit.Equal(d("100")) {
		t.Fatalf("expected only u1 rows, got %+v", out)
	}
}

func TestReporting_SpendSummaryAggregates(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	pending := tx("u", wallet.TypeDeposit, "5000", "p", now)
	pending.Status = wallet.StatusPending
	repo.Transactions = []wallet.Transaction{
		tx("u", wallet.TypeDeposit, "1000", "d1", now),
		tx("u", wallet.TypeAirtimePurchase, "200", "a1", now),
		tx("u", wallet.TypeDataPurchase, "50", "a2", now),
		tx("u", wallet.TypeRefund, "50", "a2_REFUND", now),
		tx("u", wallet.TypeCredit, "25", "ADMIN_k1", now),
		tx("u", wallet.TypeTransferOut, "100", "t1_OUT", now),
		tx("u", wallet.TypeDeposit, "999", "old", now.Add(-48*time.Hour)),
		pending,
	}
	svc := NewService(repo)

	out, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{UserID: "u", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !out.TotalDebit.Equal(d("350")) {
		t.Fatalf("expected total debit 350, got %s", out.TotalDebit)
	}
	if !out.TotalCredit.Equal(d("1075")) {
		t.Fatalf("expected total credit 1075, got %s", out.TotalCredit)
	}
	if !out.NetDelta.Equal(d("725")) {
		t.Fatalf("expected net 725, got %s", out.NetDelta)
	}
	if !out.PurchaseDebit.Equal(d("200")) || !out.AdminAdjust.Equal(d("25")) {
		t.Fatalf("unexpected categories: purchase %s admin %s", out.PurchaseDebit, out.AdminAdjust)
	}
	if out.TransactionCount != 6 || out.ByType[wallet.TypeDeposit].Count != 1 {
		t.Fatalf("unexpected counts %+v", out.ByType)
	}
}

func TestReporting_InvalidRange(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	now := time.Now()
	cases := []SpendSummaryRequest{
		{UserID: "", Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{UserID: "u", Range: TimeRange{From: now, To: now}},
		{UserID: "u", Range: TimeRange{From: now.Add(-400 * 24 * time.Hour), To: now}},
	}
	for i, req := range cases {
		if _, err := svc.SpendSummary(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestStoreRepo_PagesThroughHistory(t *testing.T) {
	store := wallet.NewMemoryStore()
	l := wallet.NewLedger(store, wallet.Config{})
	ctx := context.Background()
	for i := 0; i < 130; i++ {
		if _, err := l.Credit(ctx, wallet.CreditRequest{UserID: "u1", Amount: d("1")}); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	now := time.Now()
	rows, err := NewStoreRepo(store).ListTransactions(ctx, "u1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 130 {
		t.Fatalf("expected 130 rows, got %d", len(rows))
	}
}
