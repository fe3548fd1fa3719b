package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"vtu-ledger/internal/wallet"
)

type Type string

const (
	TypeTransactionCreated Type = "transaction.created"
	TypeBalanceChanged     Type = "balance.changed"
)

// Event is the published contract. Consumers key on UserID and must
// tolerate duplicates and gaps; events are best-effort.
type Event struct {
	ID          string              `json:"id"`
	Type        Type                `json:"type"`
	UserID      string              `json:"user_id"`
	Balance     *decimal.Decimal    `json:"balance,omitempty"`
	Transaction *wallet.Transaction `json:"transaction,omitempty"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

func newEvent(typ Type, userID string, now time.Time) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       typ,
		UserID:     userID,
		OccurredAt: now.UTC(),
	}
}

// Sink delivers one event to a downstream channel.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}
