package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP, when known.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`
	SocketID  string `json:"socket_id,omitempty" db:"socket_id"`

	// Action is the inbound socket event type or HTTP route that was attempted.
	Action string `json:"action,omitempty" db:"action"`
	Code   string `json:"code,omitempty" db:"code"`

	// Target identifiers (optional, depending on the event type).
	CallID         string `json:"call_id,omitempty" db:"call_id"`
	RoomID         string `json:"room_id,omitempty" db:"room_id"`
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeDenied    EventType = "authorization_denied"
	EventTypeExtension EventType = "call_extension"
)
