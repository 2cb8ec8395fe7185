// Package events defines the outbound socket envelope and the Sink every
// component emits through. Components never hold sockets; they address users
// or single sockets by id and the gateway resolves the rest.
package events

// Type names an outbound event. Names mirror the inbound event with a
// "-received" or "-changed" suffix.
type Type string

const (
	UserConnected      Type = "user-connected"
	UserDisconnected   Type = "user-disconnected"
	MessageReceived    Type = "send-message-received"
	SessionStatus      Type = "session-status-changed"
	CallIncoming       Type = "call-initiate-received"
	CallAnswer         Type = "call-answer-received"
	CallOffer          Type = "call-offer-received"
	CallICECandidate   Type = "call-ice-candidate-received"
	CallStatus         Type = "call-status-changed"
	CallEnded          Type = "call-end-received"
	CallMissed         Type = "call-missed"
	MediaToggle        Type = "media-toggle-changed"
	ExtensionRequested Type = "extension-request-received"
	ExtensionResolved  Type = "extension-response-received"
	Typing             Type = "typing-changed"
	ReadReceipt        Type = "read-receipt-changed"
	DeliveryReceipt    Type = "delivery-receipt-changed"
	MessageUpdated     Type = "message-updated"
	DeliveryFailed     Type = "delivery-failed"
	PresenceSnapshot   Type = "presence-snapshot"
	PresenceChanged    Type = "presence-changed"
	RoomJoined         Type = "join-room-received"
	Error              Type = "error"
)

// Event is the outbound envelope written to sockets as JSON.
type Event struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// ErrorPayload is sent to the offending socket only.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// Sink delivers events. Implementations must not block the caller on network
// I/O and must preserve the order of calls made for the same recipient.
type Sink interface {
	// SendToUser delivers to every live socket of userID; offline users get nothing.
	SendToUser(userID string, ev Event)
	// SendToSocket delivers to one socket only.
	SendToSocket(socketID string, ev Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) SendToUser(string, Event)   {}
func (Discard) SendToSocket(string, Event) {}
