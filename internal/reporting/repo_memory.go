package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"vtu-ledger/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces user isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Transactions []wallet.Transaction
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.Transaction, 0)
	for _, t := range r.Transactions {
		if t.UserID != userID {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// StoreRepo reads history through the Balance Store's paginated listing.
type StoreRepo struct {
	store wallet.Store
}

func NewStoreRepo(store wallet.Store) *StoreRepo { return &StoreRepo{store: store} }

func (r *StoreRepo) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error) {
	var out []wallet.Transaction
	f := wallet.TransactionFilter{Page: 1, Limit: 100, StartDate: from, EndDate: to}
	for {
		page, err := r.store.ListTransactions(ctx, userID, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Transactions...)
		if len(page.Transactions) == 0 || len(out) >= page.Total {
			return out, nil
		}
		f.Page++
	}
}
