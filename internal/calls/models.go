package calls

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Status is the lifecycle state of a call session. Sessions start RINGING
// and are never reused once terminal.
type Status string

const (
	StatusRinging    Status = "RINGING"
	StatusConnecting Status = "CONNECTING"
	StatusActive     Status = "ACTIVE"
	StatusExtending  Status = "EXTENDING"
	StatusRejected   Status = "REJECTED"
	StatusEnded      Status = "ENDED"
	StatusTimeout    Status = "TIMEOUT"
)

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded || s == StatusTimeout
}

// Relayable reports whether signaling may flow in this state.
func (s Status) Relayable() bool {
	switch s {
	case StatusRinging, StatusConnecting, StatusActive, StatusExtending:
		return true
	}
	return false
}

type EndReason string

const (
	EndReasonHangup           EndReason = "HANGUP"
	EndReasonRejected         EndReason = "REJECTED"
	EndReasonTimeout          EndReason = "TIMEOUT"
	EndReasonPeerDisconnected EndReason = "PEER_DISCONNECTED"
)

type MediaKind string

const (
	MediaAudio       MediaKind = "audio"
	MediaVideo       MediaKind = "video"
	MediaScreenShare MediaKind = "screenShare"
)

type MediaState struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	ScreenShare bool `json:"screenShare"`
}

func defaultMedia() MediaState { return MediaState{Audio: true, Video: true} }

func (m *MediaState) set(kind MediaKind, enabled bool) bool {
	switch kind {
	case MediaAudio:
		m.Audio = enabled
	case MediaVideo:
		m.Video = enabled
	case MediaScreenShare:
		m.ScreenShare = enabled
	default:
		return false
	}
	return true
}

type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionAccepted Decision = "ACCEPTED"
	DecisionRejected Decision = "REJECTED"
)

// ExtensionRequest asks the peer for more time in an ACTIVE call.
type ExtensionRequest struct {
	RequesterID string     `json:"requesterId"`
	ResponderID string     `json:"responderId"`
	Message     string     `json:"message"`
	RequestedAt time.Time  `json:"requestedAt"`
	Decision    Decision   `json:"decision"`
	Reason      string     `json:"reason,omitempty"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
}

// Session is a snapshot of one call. Extension is set only while a request
// is pending; resolved requests move to Extensions.
type Session struct {
	CallID     string                `json:"callId"`
	RoomID     string                `json:"roomId"`
	CallerID   string                `json:"callerId"`
	CalleeID   string                `json:"calleeId"`
	Status     Status                `json:"status"`
	Media      map[string]MediaState `json:"media"`
	StartedAt  time.Time             `json:"startedAt"`
	AnsweredAt *time.Time            `json:"answeredAt,omitempty"`
	EndedAt    *time.Time            `json:"endedAt,omitempty"`
	EndReason  EndReason             `json:"endReason,omitempty"`
	Extension  *ExtensionRequest     `json:"extension,omitempty"`
	Extensions []ExtensionRequest    `json:"extensions,omitempty"`
}

func (s Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.CalleeID)
}

// Peer returns the other participant.
func (s Session) Peer(userID string) string {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// CallLog is the persisted record of a finished call.
type CallLog struct {
	CallID   string    `json:"call_id" db:"call_id"`
	RoomID   string    `json:"room_id" db:"room_id"`
	CallerID string    `json:"caller_id" db:"caller_id"`
	CalleeID string    `json:"callee_id" db:"callee_id"`
	Status   Status    `json:"status" db:"status"`
	Reason   EndReason `json:"end_reason" db:"end_reason"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    time.Time  `json:"ended_at" db:"ended_at"`

	// DurationSeconds counts from answer to end; zero for unanswered calls.
	DurationSeconds int `json:"duration" db:"duration"`

	ExtensionsRequested int `json:"extensions_requested" db:"extensions_requested"`
	ExtensionsAccepted  int `json:"extensions_accepted" db:"extensions_accepted"`
}

// Outbound payloads.

type IncomingPayload struct {
	CallID   string                    `json:"callId"`
	RoomID   string                    `json:"roomId"`
	CallerID string                    `json:"callerId"`
	Offer    webrtc.SessionDescription `json:"sdpOffer"`
}

type AnswerPayload struct {
	CallID   string                     `json:"callId"`
	From     string                     `json:"from"`
	Accepted bool                       `json:"accepted"`
	Answer   *webrtc.SessionDescription `json:"sdpAnswer,omitempty"`
}

type StatusPayload struct {
	CallID string    `json:"callId"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

type EndedPayload struct {
	CallID  string    `json:"callId"`
	Status  Status    `json:"status"`
	Reason  EndReason `json:"reason"`
	EndedBy string    `json:"endedBy,omitempty"`
	At      time.Time `json:"at"`
}

type MissedPayload struct {
	CallID   string    `json:"callId"`
	CalleeID string    `json:"calleeId"`
	At       time.Time `json:"at"`
}

type MediaPayload struct {
	CallID  string     `json:"callId"`
	UserID  string     `json:"userId"`
	Kind    MediaKind  `json:"kind"`
	Enabled bool       `json:"enabled"`
	State   MediaState `json:"state"`
}

type ExtensionPayload struct {
	CallID  string           `json:"callId"`
	Status  Status           `json:"status"`
	Request ExtensionRequest `json:"request"`
}
