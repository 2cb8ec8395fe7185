// Package signaling forwards SDP descriptions and ICE candidates between the
// two participants of a call. It never inspects media and never changes call
// state; whether a message may flow is decided by the Gate.
package signaling

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
	"telehealth-rtc/pkg/logger"
)

const (
	maxSDPBytes       = 64 << 10
	maxCandidateBytes = 1024
)

// Gate resolves the peer of senderID in callID and runs fn while the call is
// held in a relayable state. Implementations serialize fn with every other
// mutation of the same call so relayed messages keep their order.
type Gate interface {
	WithPeer(ctx context.Context, callID, senderID string, fn func(peerID string) error) error
}

type DescriptionPayload struct {
	CallID      string                    `json:"callId"`
	From        string                    `json:"from"`
	Description webrtc.SessionDescription `json:"sdp"`
}

// AnswerPayload matches the shape of the ring answer so clients handle
// renegotiation answers the same way.
type AnswerPayload struct {
	CallID   string                    `json:"callId"`
	From     string                    `json:"from"`
	Accepted bool                      `json:"accepted"`
	Answer   webrtc.SessionDescription `json:"sdpAnswer"`
}

type CandidatePayload struct {
	CallID    string                  `json:"callId"`
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type Relay struct {
	gate Gate
	sink events.Sink
	log  *slog.Logger
}

func NewRelay(gate Gate, sink events.Sink, log *slog.Logger) *Relay {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Relay{gate: gate, sink: sink, log: logger.OrDiscard(log)}
}

func (r *Relay) RelayOffer(ctx context.Context, callID, senderID string, desc webrtc.SessionDescription) error {
	if err := ValidateDescription(desc, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	return r.forward(ctx, callID, senderID, events.CallOffer, DescriptionPayload{CallID: callID, From: senderID, Description: desc})
}

func (r *Relay) RelayAnswer(ctx context.Context, callID, senderID string, desc webrtc.SessionDescription) error {
	if err := ValidateDescription(desc, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer); err != nil {
		return err
	}
	return r.forward(ctx, callID, senderID, events.CallAnswer, AnswerPayload{CallID: callID, From: senderID, Accepted: true, Answer: desc})
}

func (r *Relay) RelayICECandidate(ctx context.Context, callID, senderID string, c webrtc.ICECandidateInit) error {
	if err := ValidateCandidate(c); err != nil {
		return err
	}
	return r.forward(ctx, callID, senderID, events.CallICECandidate, CandidatePayload{CallID: callID, From: senderID, Candidate: c})
}

func (r *Relay) forward(ctx context.Context, callID, senderID string, t events.Type, payload any) error {
	return r.gate.WithPeer(ctx, callID, senderID, func(peerID string) error {
		r.sink.SendToUser(peerID, events.Event{Type: t, Payload: payload})
		r.log.Debug("signaling: relayed", "call_id", callID, "from", senderID, "event", string(t))
		return nil
	})
}

// ValidateDescription checks the type and parses the SDP body.
func ValidateDescription(desc webrtc.SessionDescription, allowed ...webrtc.SDPType) error {
	typeOK := false
	for _, t := range allowed {
		if desc.Type == t {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return apperr.Invalid("unexpected sdp type %q", desc.Type.String())
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return apperr.Invalid("sdp is required")
	}
	if len(desc.SDP) > maxSDPBytes {
		return apperr.Invalid("sdp exceeds %d bytes", maxSDPBytes)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return apperr.Wrap(apperr.ErrInvalidPayload, "malformed sdp", err)
	}
	return nil
}

func ValidateCandidate(c webrtc.ICECandidateInit) error {
	if strings.TrimSpace(c.Candidate) == "" {
		return apperr.Invalid("candidate is required")
	}
	if len(c.Candidate) > maxCandidateBytes {
		return apperr.Invalid("candidate exceeds %d bytes", maxCandidateBytes)
	}
	return nil
}
