package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
// A single mutex serializes every Post, which gives the same per-wallet
// linearizability the Postgres row locks provide.
type MemoryStore struct {
	mu sync.Mutex

	wallets map[string]Wallet
	txs     []Transaction
	byRef   map[string]int
	payouts []Payout
	limits  map[string]SpendingLimit

	clock func() time.Time

	// conflicts makes the next n Post calls fail with ErrStoreConflict.
	conflicts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: map[string]Wallet{},
		byRef:   map[string]int{},
		limits:  map[string]SpendingLimit{},
		clock:   time.Now,
	}
}

func (s *MemoryStore) Post(ctx context.Context, postings []Posting) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		return nil, ErrStoreConflict
	}

	tx := &memTx{
		s:       s,
		wallets: map[string]Wallet{},
		pending: map[string]Transaction{},
	}
	out, err := post(ctx, tx, s.clock().UTC(), postings)
	if err != nil {
		return nil, err
	}
	tx.commit()
	return out, nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (s *MemoryStore) EnsureWallet(ctx context.Context, userID string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(userID, s.clock().UTC()), nil
}

func (s *MemoryStore) ensureLocked(userID string, now time.Time) Wallet {
	if w, ok := s.wallets[userID]; ok {
		return w
	}
	w := Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.wallets[userID] = w
	return w
}

func (s *MemoryStore) SetFrozen(ctx context.Context, userID string, frozen bool, reason string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	w := s.ensureLocked(userID, now)
	w.IsFrozen = frozen
	w.FreezeReason = ""
	if frozen {
		w.FreezeReason = reason
	}
	w.UpdatedAt = now
	s.wallets[userID] = w
	return w, nil
}

func (s *MemoryStore) FindByReference(ctx context.Context, reference string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byRef[reference]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txs[i], nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, f TransactionFilter) (TransactionPage, error) {
	f = f.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Transaction, 0)
	for _, t := range s.txs {
		if t.UserID != userID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if !f.StartDate.IsZero() && t.CreatedAt.Before(f.StartDate) {
			continue
		}
		if !f.EndDate.IsZero() && !t.CreatedAt.Before(f.EndDate) {
			continue
		}
		matched = append(matched, t)
	}
	// newest first, insertion order breaks ties
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	page := TransactionPage{Total: len(matched), Page: f.Page, Limit: f.Limit, Transactions: []Transaction{}}
	start := f.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Transactions = append(page.Transactions, matched[start:end]...)
	return page, nil
}

func (s *MemoryStore) SumDebits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumDebitsLocked(userID, since), nil
}

func (s *MemoryStore) sumDebitsLocked(userID string, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, t := range s.txs {
		if t.UserID != userID || t.Status != StatusCompleted || t.CreatedAt.Before(since) {
			continue
		}
		if t.Type.Direction() == DirectionDebit {
			total = total.Add(t.Amount)
		}
	}
	return total
}

func (s *MemoryStore) CreatePending(ctx context.Context, t Transaction) (Transaction, error) {
	if t.UserID == "" || t.PaymentReference == "" || !t.Type.Valid() {
		return Transaction{}, ErrInvalidArgument
	}
	if !ValidAmount(t.Amount) {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRef[t.PaymentReference]; ok {
		return Transaction{}, ErrDuplicateReference
	}
	now := s.clock().UTC()
	w := s.ensureLocked(t.UserID, now)
	t = newPending(t, w.Balance, now)
	s.byRef[t.PaymentReference] = len(s.txs)
	s.txs = append(s.txs, t)
	return t, nil
}

func (s *MemoryStore) FailPending(ctx context.Context, reference, reason string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byRef[reference]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	t := s.txs[i]
	if t.Status != StatusPending {
		return t, nil
	}
	t.Status = StatusFailed
	t.Metadata = mergeMetadata(t.Metadata, map[string]any{"failure_reason": reason})
	t.UpdatedAt = s.clock().UTC()
	s.txs[i] = t
	return t, nil
}

func (s *MemoryStore) GetSpendingLimit(ctx context.Context, userID string) (SpendingLimit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[userID]
	return l, ok, nil
}

func (s *MemoryStore) SetSpendingLimit(ctx context.Context, l SpendingLimit) error {
	if l.UserID == "" || l.DailyLimit.IsNegative() || l.MonthlyLimit.IsNegative() {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l.UpdatedAt = s.clock().UTC()
	s.limits[l.UserID] = l
	return nil
}

// Payouts returns a copy of recorded payouts.
func (s *MemoryStore) Payouts() []Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payout, len(s.payouts))
	copy(out, s.payouts)
	return out
}

// memTx stages writes so a failed post leaves the store untouched.
type memTx struct {
	s *MemoryStore

	wallets  map[string]Wallet
	inserted []Transaction
	pending  map[string]Transaction
	payouts  []Payout
}

func (t *memTx) lockWallet(ctx context.Context, userID string, create bool, now time.Time) (Wallet, bool, error) {
	if w, ok := t.wallets[userID]; ok {
		return w, true, nil
	}
	if w, ok := t.s.wallets[userID]; ok {
		return w, true, nil
	}
	if !create {
		return Wallet{}, false, nil
	}
	w := Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	t.wallets[userID] = w
	return w, true, nil
}

func (t *memTx) findByReference(ctx context.Context, reference string) (Transaction, bool, error) {
	for _, tr := range t.inserted {
		if tr.PaymentReference == reference {
			return tr, true, nil
		}
	}
	if i, ok := t.s.byRef[reference]; ok {
		return t.s.txs[i], true, nil
	}
	return Transaction{}, false, nil
}

func (t *memTx) sumDebits(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	total := t.s.sumDebitsLocked(userID, since)
	for _, tr := range t.inserted {
		if tr.UserID == userID && tr.Type.Direction() == DirectionDebit && !tr.CreatedAt.Before(since) {
			total = total.Add(tr.Amount)
		}
	}
	return total, nil
}

func (t *memTx) insertTransaction(ctx context.Context, tr Transaction) error {
	if _, ok := t.s.byRef[tr.PaymentReference]; ok {
		return ErrDuplicateReference
	}
	for _, x := range t.inserted {
		if x.PaymentReference == tr.PaymentReference {
			return ErrDuplicateReference
		}
	}
	t.inserted = append(t.inserted, tr)
	return nil
}

func (t *memTx) completePending(ctx context.Context, tr Transaction) error {
	i, ok := t.s.byRef[tr.PaymentReference]
	if !ok || (t.s.txs[i].Status != StatusPending && t.s.txs[i].Status != StatusFailed) {
		return ErrDuplicateReference
	}
	t.pending[tr.PaymentReference] = tr
	return nil
}

func (t *memTx) insertPayout(ctx context.Context, p Payout) error {
	t.payouts = append(t.payouts, p)
	return nil
}

func (t *memTx) saveWallet(ctx context.Context, w Wallet) error {
	t.wallets[w.UserID] = w
	return nil
}

func (t *memTx) commit() {
	for id, w := range t.wallets {
		t.s.wallets[id] = w
	}
	for _, tr := range t.inserted {
		t.s.byRef[tr.PaymentReference] = len(t.s.txs)
		t.s.txs = append(t.s.txs, tr)
	}
	for ref, tr := range t.pending {
		t.s.txs[t.s.byRef[ref]] = tr
	}
	t.s.payouts = append(t.s.payouts, t.payouts...)
}

func newPending(t Transaction, balance decimal.Decimal, now time.Time) Transaction {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = StatusPending
	t.BalanceBefore = balance
	t.BalanceAfter = balance
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}
