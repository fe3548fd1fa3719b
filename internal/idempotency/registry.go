package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"vtu-ledger/internal/wallet"
)

// Lookup is the authoritative side of the registry: the transaction table
// with its unique payment_reference index.
type Lookup interface {
	FindByReference(ctx context.Context, reference string) (wallet.Transaction, error)
}

// Registry answers "has this reference already been settled".
//
// Two layers:
// - a Redis marker written after a successful settlement (fast path, optional)
// - the transaction table, which is authoritative
//
// Neither layer is a lock. Two callers can both see "not processed"; the
// store's unique reference constraint decides which one applies the credit.
type Registry struct {
	lookup Lookup
	rdb    *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

const keyPrefix = "settled:"

func NewRegistry(lookup Lookup, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{lookup: lookup, rdb: rdb, ttl: ttl, log: log}
}

// IsProcessed is true when a completed transaction exists for reference.
func (r *Registry) IsProcessed(ctx context.Context, reference string) (bool, error) {
	if reference == "" {
		return false, wallet.ErrInvalidArgument
	}
	if r.rdb != nil {
		n, err := r.rdb.Exists(ctx, keyPrefix+reference).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		if err != nil {
			r.log.Warn("idempotency marker lookup failed", "reference", reference, "err", err)
		}
	}
	_, ok, err := r.Settled(ctx, reference)
	return ok, err
}

// Settled returns the completed transaction for reference, if any.
// Pending and failed rows are reported as not settled.
func (r *Registry) Settled(ctx context.Context, reference string) (wallet.Transaction, bool, error) {
	t, err := r.lookup.FindByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return wallet.Transaction{}, false, nil
		}
		return wallet.Transaction{}, false, err
	}
	if t.Status != wallet.StatusCompleted {
		return wallet.Transaction{}, false, nil
	}
	r.MarkProcessed(ctx, reference)
	return t, true, nil
}

// MarkProcessed writes the fast-path marker. Failures are logged only.
func (r *Registry) MarkProcessed(ctx context.Context, reference string) {
	if r.rdb == nil || reference == "" {
		return
	}
	if err := r.rdb.Set(ctx, keyPrefix+reference, "1", r.ttl).Err(); err != nil {
		r.log.Warn("idempotency marker write failed", "reference", reference, "err", err)
	}
}
