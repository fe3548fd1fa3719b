package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"vtu-ledger/internal/metrics"
	"vtu-ledger/internal/wallet"
)

// Dispatcher implements wallet.Notifier. Ledger calls only enqueue; a
// background loop fans events out to every sink. A full queue drops the
// event rather than block a ledger caller.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger
	clock   func() time.Time
	done    chan struct{}
}

var _ wallet.Notifier = (*Dispatcher)(nil)

func NewDispatcher(log *slog.Logger, buffer int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		log:     log,
		clock:   time.Now,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) TransactionCreated(ctx context.Context, t wallet.Transaction) {
	e := newEvent(TypeTransactionCreated, t.UserID, d.clock())
	e.Transaction = &t
	d.enqueue(e)
}

func (d *Dispatcher) BalanceChanged(ctx context.Context, userID string, balance decimal.Decimal) {
	e := newEvent(TypeBalanceChanged, userID, d.clock())
	e.Balance = &balance
	d.enqueue(e)
}

func (d *Dispatcher) enqueue(e Event) {
	if len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- e:
	default:
		metrics.EventPublishes.WithLabelValues("queue", "dropped").Inc()
		d.log.Warn("event queue full; event dropped", "type", e.Type, "user_id", e.UserID)
	}
}

// Run delivers events until ctx is cancelled, then flushes what is queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for _, s := range d.sinks {
		err := s.Publish(ctx, e)
		metrics.EventPublishes.WithLabelValues(s.Name(), metrics.Result(err)).Inc()
		if err != nil {
			d.log.Warn("event publish failed", "sink", s.Name(), "type", e.Type, "user_id", e.UserID, "err", err)
		}
	}
}
