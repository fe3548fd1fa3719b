package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"vtu-ledger/internal/gateway"
	"vtu-ledger/pkg/utils"
)

const pollerLeaseKey = "settlement:poller:lease"

type PollerConfig struct {
	Interval   time.Duration
	Batch      int
	StaleAfter time.Duration
	// Concurrency caps gateway calls per sweep.
	Concurrency int
}

// sweepLease keeps two instances from sweeping at the same time.
type sweepLease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

type redisLease struct {
	rdb   *redis.Client
	owner string
}

func (l redisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return utils.AcquireLease(ctx, l.rdb, pollerLeaseKey, l.owner, ttl)
}

func (l redisLease) Release(ctx context.Context) error {
	return utils.ReleaseLease(ctx, l.rdb, pollerLeaseKey, l.owner)
}

// Poller sweeps payments that are still open and drives them through the
// same settlement path as client polls. With Redis configured only one
// instance sweeps at a time.
type Poller struct {
	rec      *Reconciler
	payments Repository
	lease    sweepLease
	cfg      PollerConfig
	log      *slog.Logger
	clock    func() time.Time
}

func NewPoller(rec *Reconciler, payments Repository, rdb *redis.Client, cfg PollerConfig, log *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Poller{
		rec:      rec,
		payments: payments,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
	}
	if rdb != nil {
		p.lease = redisLease{rdb: rdb, owner: uuid.NewString()}
	}
	return p
}

// Run sweeps every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	p.log.Info("settlement poller started", "interval", p.cfg.Interval.String(), "batch", p.cfg.Batch)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("settlement poller stopped")
			return
		case <-t.C:
			if _, err := p.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("settlement sweep failed", "err", err)
			}
		}
	}
}

// release hands the sweep lease back as soon as a sweep ends. The TTL only
// matters when an instance dies mid-sweep.
func (p *Poller) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.lease.Release(ctx); err != nil {
		p.log.Warn("release poller lease failed", "err", err)
	}
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Checked   int
	Settled   int
	Failed    int
	Abandoned int
	Open      int
}

// Sweep checks one batch of stale open payments.
func (p *Poller) Sweep(ctx context.Context) (SweepStats, error) {
	if p.lease != nil {
		ok, err := p.lease.Acquire(ctx, p.cfg.Interval)
		switch {
		case err != nil:
			p.log.Warn("poller lease unavailable; sweeping anyway", "err", err)
		case !ok:
			return SweepStats{}, nil
		default:
			defer p.release()
		}
	}

	now := p.clock().UTC()
	logs, err := p.payments.ListStale(ctx, now.Add(-p.cfg.StaleAfter), p.cfg.Batch)
	if err != nil {
		return SweepStats{}, err
	}

	outcomes := make([]PaymentStatus, len(logs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, pl := range logs {
		i, pl := i, pl
		g.Go(func() error {
			outcomes[i] = p.checkOne(gctx, pl, now)
			return nil
		})
	}
	_ = g.Wait()

	stats := SweepStats{Checked: len(logs)}
	for _, s := range outcomes {
		switch s {
		case PaymentCompleted:
			stats.Settled++
		case PaymentFailed:
			stats.Failed++
		case abandoned:
			stats.Abandoned++
		default:
			stats.Open++
		}
	}
	if stats.Checked > 0 {
		p.log.Info("settlement sweep done",
			"checked", stats.Checked, "settled", stats.Settled, "failed", stats.Failed,
			"abandoned", stats.Abandoned, "open", stats.Open)
	}
	return stats, ctx.Err()
}

// abandoned is a sweep-local outcome, stored as failed.
const abandoned PaymentStatus = "abandoned"

func (p *Poller) checkOne(ctx context.Context, pl PaymentLog, now time.Time) PaymentStatus {
	s, err := p.rec.check(ctx, PathPoller, pl)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		if now.Sub(pl.CreatedAt) >= p.rec.cfg.AbandonAfter {
			p.rec.fail(ctx, pl.TxRef, "checkout abandoned")
			p.log.Info("payment abandoned", "reference", pl.TxRef, "user_id", pl.UserID)
			return abandoned
		}
		return pl.Status
	case err != nil:
		p.log.Warn("poll payment failed", "reference", pl.TxRef, "err", err)
		return pl.Status
	}
	return s.Status
}
