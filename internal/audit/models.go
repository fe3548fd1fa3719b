package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block money flows on audit failures.
//
// Storage: table audit_events with an INSERT-only policy.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated admin causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// TargetUserID is the wallet owner the action applies to.
	TargetUserID string `json:"target_user_id,omitempty" db:"target_user_id"`
	// Reference links the event to a ledger transaction, if any.
	Reference string `json:"reference,omitempty" db:"reference"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeWalletFrozen   EventType = "wallet_frozen"
	EventTypeWalletUnfrozen EventType = "wallet_unfrozen"
	EventTypeLimitsChanged  EventType = "spending_limits_changed"
	EventTypeAdminCredit    EventType = "admin_credit"
)

// Actor identifies who performed an admin action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
