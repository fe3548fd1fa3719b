package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	logs  map[string]PaymentLog
	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{logs: map[string]PaymentLog{}, clock: time.Now}
}

func (r *MemoryRepo) Create(ctx context.Context, p PaymentLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[p.TxRef]; ok {
		return ErrDuplicatePayment
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	r.logs[p.TxRef] = p
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, txRef string) (PaymentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.logs[txRef]
	if !ok {
		return PaymentLog{}, ErrPaymentNotFound
	}
	return p, nil
}

func (r *MemoryRepo) AttachCheckout(ctx context.Context, txRef, providerRef string, data map[string]any) error {
	return r.update(txRef, false, func(p *PaymentLog) {
		if providerRef != "" {
			p.ProviderRef = providerRef
		}
		if p.PaymentData == nil {
			p.PaymentData = map[string]any{}
		}
		for k, v := range data {
			p.PaymentData[k] = v
		}
	})
}

func (r *MemoryRepo) RecordWebhook(ctx context.Context, txRef string, data map[string]any) error {
	return r.update(txRef, false, func(p *PaymentLog) { p.WebhookData = data })
}

func (r *MemoryRepo) MarkVerifying(ctx context.Context, txRef, providerRef string) error {
	err := r.update(txRef, true, func(p *PaymentLog) {
		if p.Status != PaymentInitiated {
			return
		}
		p.Status = PaymentVerifying
		if providerRef != "" {
			p.ProviderRef = providerRef
		}
	})
	return ignoreMissing(err)
}

func (r *MemoryRepo) MarkCompleted(ctx context.Context, txRef, transactionID, providerRef string) error {
	err := r.update(txRef, false, func(p *PaymentLog) {
		if p.Status == PaymentCompleted {
			return
		}
		p.Status = PaymentCompleted
		p.TransactionID = transactionID
		if providerRef != "" {
			p.ProviderRef = providerRef
		}
	})
	return ignoreMissing(err)
}

func (r *MemoryRepo) MarkFailed(ctx context.Context, txRef, reason string) error {
	err := r.update(txRef, true, func(p *PaymentLog) {
		p.Status = PaymentFailed
		p.FailureReason = reason
	})
	return ignoreMissing(err)
}

func (r *MemoryRepo) Reopen(ctx context.Context, txRef, providerRef string) error {
	err := r.update(txRef, false, func(p *PaymentLog) {
		if p.Status != PaymentFailed {
			return
		}
		p.Status = PaymentVerifying
		p.FailureReason = ""
		if providerRef != "" {
			p.ProviderRef = providerRef
		}
	})
	return ignoreMissing(err)
}

func (r *MemoryRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]PaymentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PaymentLog
	for _, p := range r.logs {
		if !p.Status.Terminal() && p.UpdatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// update applies fn to the log. With onlyOpen, terminal logs are left alone.
func (r *MemoryRepo) update(txRef string, onlyOpen bool, fn func(p *PaymentLog)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.logs[txRef]
	if !ok {
		return ErrPaymentNotFound
	}
	if onlyOpen && p.Status.Terminal() {
		return nil
	}
	fn(&p)
	p.UpdatedAt = r.clock().UTC()
	r.logs[txRef] = p
	return nil
}

// Conditional transitions match zero rows in Postgres without error.
func ignoreMissing(err error) error {
	if err == ErrPaymentNotFound {
		return nil
	}
	return err
}
