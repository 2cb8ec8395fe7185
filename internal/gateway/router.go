package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/audit"
	"telehealth-rtc/internal/calls"
	"telehealth-rtc/internal/chat"
	"telehealth-rtc/internal/events"
	"telehealth-rtc/internal/presence"
	"telehealth-rtc/internal/rooms"
	"telehealth-rtc/internal/signaling"
	"telehealth-rtc/pkg/logger"
)

// Identity is the authenticated owner of a socket. Payload user ids are
// never trusted; every operation runs as Identity.UserID.
type Identity struct {
	SocketID string
	UserID   string
	Role     string
	IP       string
}

func (id Identity) actor() calls.Actor {
	return calls.Actor{UserID: id.UserID, Role: id.Role, SocketID: id.SocketID}
}

// Deps are the components inbound events are routed to. Audit is optional.
type Deps struct {
	Rooms    *rooms.Manager
	Calls    *calls.Service
	Relay    *signaling.Relay
	Chat     *chat.Engine
	Presence *presence.Broadcaster
	Audit    *audit.Service
}

type handlerFunc func(ctx context.Context, id Identity, raw json.RawMessage) error

// Router maps inbound event types to component operations. Every failure is
// answered with a private error event on the originating socket.
type Router struct {
	d        Deps
	sink     events.Sink
	log      *slog.Logger
	handlers map[string]handlerFunc
}

func NewRouter(d Deps, sink events.Sink, log *slog.Logger) *Router {
	r := &Router{d: d, sink: sink, log: logger.OrDiscard(log)}
	r.handlers = map[string]handlerFunc{
		"join-room":          r.joinRoom,
		"leave-room":         r.leaveRoom,
		"send-message":       r.sendMessage,
		"session-status":     r.sessionStatus,
		"call-initiate":      r.callInitiate,
		"call-answer":        r.callAnswer,
		"call-offer":         r.callOffer,
		"call-ice-candidate": r.callICECandidate,
		"call-connected":     r.callConnected,
		"call-end":           r.callEnd,
		"media-toggle":       r.mediaToggle,
		"extension-request":  r.extensionRequest,
		"extension-response": r.extensionResponse,
		"typing":             r.typing,
		"read-receipt":       r.readReceipt,
		"delivery-receipt":   r.deliveryReceipt,
		"message-edit":       r.messageEdit,
		"message-delete":     r.messageDelete,
		"presence-subscribe": r.presenceSubscribe,
	}
	return r
}

// Dispatch runs one inbound event to completion.
func (r *Router) Dispatch(ctx context.Context, id Identity, env envelope) {
	h, ok := r.handlers[env.Type]
	var err error
	if !ok {
		err = apperr.Invalid("unknown event %q", env.Type)
	} else {
		err = h(ctx, id, env.Payload)
	}
	if err != nil {
		r.fail(ctx, id, env, err)
	}
}

func (r *Router) fail(ctx context.Context, id Identity, env envelope, err error) {
	ae := apperr.As(err)
	log := logger.From(ctx)
	switch ae.Kind {
	case apperr.KindAuthorization:
		log.Warn("gateway: denied", "event", env.Type, "code", ae.Code, "user_id", id.UserID, "role", id.Role)
		r.audit(ctx, id, env, ae)
	case apperr.KindInfrastructure:
		log.Error("gateway: event failed", "event", env.Type, "code", ae.Code, "err", err)
	default:
		log.Debug("gateway: event rejected", "event", env.Type, "code", ae.Code, "err", err)
	}
	r.sink.SendToSocket(id.SocketID, errorEvent(env, ae))
}

// targets picks the entity ids out of a rejected payload for the audit trail.
type targets struct {
	CallID         string `json:"callId"`
	RoomID         string `json:"roomId"`
	ConversationID string `json:"conversationId"`
}

func (r *Router) audit(ctx context.Context, id Identity, env envelope, ae *apperr.Error) {
	if r.d.Audit == nil {
		return
	}
	var t targets
	_ = json.Unmarshal(env.Payload, &t)
	err := r.d.Audit.LogDenied(ctx, audit.Denial{
		UserID: id.UserID, Role: id.Role, IP: id.IP, SocketID: id.SocketID,
		Action: env.Type, Code: ae.Code, Message: ae.Message,
		CallID: t.CallID, RoomID: t.RoomID, ConversationID: t.ConversationID,
	})
	if err != nil {
		logger.From(ctx).Warn("gateway: audit append failed", "err", err)
	}
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.Invalid("payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.ErrInvalidPayload, "malformed payload", err)
	}
	return nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.Invalid("%s is required", name)
	}
	return nil
}

/* ===================== ROOMS ===================== */

type joinRoomReq struct {
	RoomID string     `json:"roomId"`
	Kind   rooms.Kind `json:"kind"`
}

func (r *Router) joinRoom(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req joinRoomReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	room, err := r.d.Rooms.Join(req.RoomID, req.Kind, id.UserID)
	if err != nil {
		return err
	}
	// A room's conversation, once started, takes in later joiners.
	if _, err := r.d.Chat.JoinConversation(ctx, room.ID, id.UserID); err != nil && !errors.Is(err, apperr.ErrConversationNotFound) {
		logger.From(ctx).Warn("gateway: join room conversation failed", "room_id", room.ID, "err", err)
	}
	r.sink.SendToSocket(id.SocketID, events.Event{Type: events.RoomJoined, Payload: room})
	return nil
}

type roomReq struct {
	RoomID string `json:"roomId"`
}

func (r *Router) leaveRoom(_ context.Context, id Identity, raw json.RawMessage) error {
	var req roomReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	return r.d.Rooms.Leave(req.RoomID, id.UserID)
}

type sessionStatusReq struct {
	RoomID string `json:"roomId"`
	Status string `json:"status"`
}

func (r *Router) sessionStatus(_ context.Context, id Identity, raw json.RawMessage) error {
	var req sessionStatusReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	return r.d.Rooms.PublishStatus(req.RoomID, id.UserID, req.Status)
}

/* ===================== CALLS ===================== */

type callInitiateReq struct {
	CalleeID string                    `json:"calleeId"`
	RoomID   string                    `json:"roomId"`
	Offer    webrtc.SessionDescription `json:"sdpOffer"`
}

func (r *Router) callInitiate(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req callInitiateReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	// Calls in a named room are for its members only: the caller must be in
	// it and the callee must have joined it at some point.
	if roomID := strings.TrimSpace(req.RoomID); roomID != "" {
		if !r.d.Rooms.IsMember(roomID, id.UserID) || !r.d.Rooms.InRoster(roomID, strings.TrimSpace(req.CalleeID)) {
			return apperr.ErrNotParticipant
		}
	}
	_, err := r.d.Calls.Initiate(ctx, id.actor(), req.CalleeID, req.RoomID, req.Offer)
	return err
}

type callAnswerReq struct {
	CallID string                     `json:"callId"`
	Accept *bool                      `json:"accept"`
	Answer *webrtc.SessionDescription `json:"sdpAnswer"`
}

func (r *Router) callAnswer(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req callAnswerReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	if err := required("callId", req.CallID); err != nil {
		return err
	}
	// Without an explicit flag, carrying an answer means accept.
	accept := req.Answer != nil
	if req.Accept != nil {
		accept = *req.Accept
	}
	_, err := r.d.Calls.Answer(ctx, id.actor(), req.CallID, accept, req.Answer)
	return err
}

type callOfferReq struct {
	CallID string                    `json:"callId"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// callOffer relays renegotiation. Offers and answers share the event; the
// description type decides the direction.
func (r *Router) callOffer(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req callOfferReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	if err := required("callId", req.CallID); err != nil {
		return err
	}
	switch req.SDP.Type {
	case webrtc.SDPTypeOffer:
		return r.d.Relay.RelayOffer(ctx, req.CallID, id.UserID, req.SDP)
	case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		return r.d.Relay.RelayAnswer(ctx, req.CallID, id.UserID, req.SDP)
	default:
		return apperr.Invalid("unexpected sdp type %q", req.SDP.Type.String())
	}
}

type callCandidateReq struct {
	CallID    string                  `json:"callId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (r *Router) callICECandidate(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req callCandidateReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	if err := required("callId", req.CallID); err != nil {
		return err
	}
	return r.d.Relay.RelayICECandidate(ctx, req.CallID, id.UserID, req.Candidate)
}

type callReq struct {
	CallID string `json:"callId"`
}

func (r *Router) callConnected(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req callReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Calls.MarkConnected(ctx, id.actor(), req.CallID)
	return err
}

func (r *Router) callEnd(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req callReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Calls.End(ctx, id.actor(), req.CallID)
	return err
}

type mediaToggleReq struct {
	CallID  string          `json:"callId"`
	Kind    calls.MediaKind `json:"kind"`
	Enabled bool            `json:"enabled"`
}

func (r *Router) mediaToggle(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req mediaToggleReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Calls.ToggleMedia(ctx, id.actor(), req.CallID, req.Kind, req.Enabled)
	return err
}

type extensionRequestReq struct {
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

func (r *Router) extensionRequest(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req extensionRequestReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Calls.RequestExtension(ctx, id.actor(), req.CallID, req.Message)
	return err
}

type extensionResponseReq struct {
	CallID   string `json:"callId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

func (r *Router) extensionResponse(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req extensionResponseReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	if _, err := r.d.Calls.RespondExtension(ctx, id.actor(), req.CallID, req.Accepted, req.Reason); err != nil {
		return err
	}
	if r.d.Audit != nil {
		if err := r.d.Audit.LogExtension(ctx, id.UserID, id.Role, req.CallID, req.Accepted); err != nil {
			logger.From(ctx).Warn("gateway: audit append failed", "err", err)
		}
	}
	return nil
}

/* ===================== CHAT ===================== */

type sendMessageReq struct {
	RoomID          string           `json:"roomId"`
	ConversationID  string           `json:"conversationId"`
	Message         string           `json:"message"`
	Type            chat.MessageType `json:"type"`
	ClientMessageID string           `json:"clientMessageId"`
}

// sendMessage treats the room id as the conversation id. Room members get
// the conversation created on first use with everyone on the room's roster,
// so peers that are offline right now still receive it.
func (r *Router) sendMessage(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req sendMessageReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	convID := req.RoomID
	if convID == "" {
		convID = req.ConversationID
	}
	if err := required("roomId", convID); err != nil {
		return err
	}
	if r.d.Rooms.IsMember(convID, id.UserID) {
		if _, err := r.d.Chat.EnsureConversation(ctx, convID, id.UserID, r.d.Rooms.Roster(convID)); err != nil {
			return err
		}
	}
	_, err := r.d.Chat.SendMessage(ctx, chat.SendRequest{
		ConversationID:  convID,
		SenderID:        id.UserID,
		Content:         req.Message,
		Type:            req.Type,
		ClientMessageID: req.ClientMessageID,
	})
	return err
}

type typingReq struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

func (r *Router) typing(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req typingReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Chat.Typing(ctx, req.ConversationID, id.UserID, req.IsTyping)
	return err
}

type receiptReq struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

func (r *Router) readReceipt(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req receiptReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Chat.MarkRead(ctx, req.ConversationID, id.UserID, req.MessageID)
	return err
}

func (r *Router) deliveryReceipt(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req receiptReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Chat.MarkDelivered(ctx, req.ConversationID, id.UserID, req.MessageID)
	return err
}

type messageEditReq struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func (r *Router) messageEdit(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req messageEditReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Chat.EditMessage(ctx, id.UserID, req.MessageID, req.Content)
	return err
}

type messageReq struct {
	MessageID string `json:"messageId"`
}

func (r *Router) messageDelete(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req messageReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Chat.DeleteMessage(ctx, id.UserID, req.MessageID)
	return err
}

/* ===================== PRESENCE ===================== */

type presenceSubscribeReq struct {
	UserIDs []string `json:"userIds"`
}

func (r *Router) presenceSubscribe(ctx context.Context, id Identity, raw json.RawMessage) error {
	var req presenceSubscribeReq
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := r.d.Presence.Subscribe(ctx, id.SocketID, req.UserIDs)
	return err
}
