package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return cancel
}

func TestDispatcher_LedgerMutationsPublish(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(quiet(), 16, time.Second, sink)
	stop := runDispatcher(t, d)

	ledger := wallet.NewLedger(wallet.NewMemoryStore(), wallet.Config{}, wallet.WithNotifier(d))
	if _, err := ledger.Credit(context.Background(), wallet.CreditRequest{UserID: "u1", Amount: decimal.NewFromInt(500)}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	stop()
	d.Wait()

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeTransactionCreated || got[0].Transaction == nil || got[0].UserID != "u1" {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].Type != TypeBalanceChanged || !got[1].Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected second event %+v", got[1])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("events need distinct ids")
	}
}

func TestDispatcher_FailingSinkDoesNotStopOthers(t *testing.T) {
	broken := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	d := NewDispatcher(quiet(), 16, time.Second, broken, ok)
	stop := runDispatcher(t, d)

	d.BalanceChanged(context.Background(), "u1", decimal.NewFromInt(1))
	stop()
	d.Wait()

	if len(ok.snapshot()) != 1 {
		t.Fatalf("healthy sink missed the event")
	}
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(quiet(), 1, time.Second, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.BalanceChanged(context.Background(), "u1", decimal.NewFromInt(int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	if len(d.queue) != 1 {
		t.Fatalf("expected one queued event, got %d", len(d.queue))
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{w: w}
	e := newEvent(TypeBalanceChanged, "u42", time.Now())
	if err := sink.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "u42" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var decoded Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeBalanceChanged || decoded.ID != e.ID {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestRedisSink_UnreachableReturnsError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	sink := NewRedisSink(rdb, "")
	if err := sink.Publish(context.Background(), newEvent(TypeBalanceChanged, "u1", time.Now())); err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
}
