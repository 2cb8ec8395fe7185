// Package calls owns the lifecycle of two-party call sessions: ringing,
// answer or reject, connection, the in-call extension negotiation and the
// end of the call. Every mutation of a session happens under that session's
// lock and emits its events before the lock is released, so both peers see
// one call's events in the order they were decided.
package calls

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
	"telehealth-rtc/internal/signaling"
	"telehealth-rtc/pkg/logger"
	"telehealth-rtc/pkg/utils"
)

const (
	DefaultRingTimeout = 30 * time.Second
	defaultRetention   = 2 * time.Minute
	persistTimeout     = 10 * time.Second
	maxExtensionMsg    = 500

	reasonCallEnded = "call ended"
)

type Config struct {
	RingTimeout time.Duration

	// RequesterRole and ResponderRole restrict who may ask for and approve
	// an extension. Empty means either participant.
	RequesterRole string
	ResponderRole string

	// Retention keeps terminal sessions in memory so late events get a
	// STATE_CONFLICT instead of CALL_NOT_FOUND.
	Retention time.Duration

	Persist utils.RetryPolicy
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingTimeout <= 0 {
		out.RingTimeout = DefaultRingTimeout
	}
	if out.Retention <= 0 {
		out.Retention = defaultRetention
	}
	return out
}

// Actor is the authenticated party driving an operation.
type Actor struct {
	UserID   string
	Role     string
	SocketID string
}

type session struct {
	mu sync.Mutex
	s  Session

	roles   map[string]string
	sockets map[string]string // userID -> socket the participant acted from
	ring    *time.Timer
	retain  *time.Timer // drops the terminal session from memory
}

type Service struct {
	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	rooms    map[string]string              // roomID -> live callID
	byUser   map[string]map[string]struct{} // userID -> live callIDs

	cfg   Config
	repo  Repository
	sink  events.Sink
	guard Guard
	log   *slog.Logger
	clock func() time.Time
	newID func() string
}

type Option func(*Service)

// WithGuard adds a cross-replica room claim to Initiate.
func WithGuard(g Guard) Option { return func(s *Service) { s.guard = g } }

func WithClock(fn func() time.Time) Option { return func(s *Service) { s.clock = fn } }

func NewService(cfg Config, repo Repository, sink events.Sink, log *slog.Logger, opts ...Option) *Service {
	if repo == nil {
		repo = NewMemoryRepo()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	s := &Service{
		sessions: map[string]*session{},
		rooms:    map[string]string{},
		byUser:   map[string]map[string]struct{}{},
		cfg:      cfg.withDefaults(),
		repo:     repo,
		sink:     sink,
		log:      logger.OrDiscard(log),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DirectRoomID is the room used when a caller does not name one.
func DirectRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "call:" + ids[0] + ":" + ids[1]
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// Initiate starts ringing calleeID. At most one live session exists per room.
func (s *Service) Initiate(ctx context.Context, caller Actor, calleeID, roomID string, offer webrtc.SessionDescription) (Session, error) {
	calleeID = strings.TrimSpace(calleeID)
	if caller.UserID == "" || calleeID == "" {
		return Session{}, apperr.Invalid("calleeId is required")
	}
	if caller.UserID == calleeID {
		return Session{}, apperr.Invalid("cannot call yourself")
	}
	if err := signaling.ValidateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return Session{}, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		roomID = DirectRoomID(caller.UserID, calleeID)
	}

	callID := s.newID()
	s.mu.Lock()
	if _, busy := s.rooms[roomID]; busy {
		s.mu.Unlock()
		return Session{}, apperr.ErrAlreadyInCall
	}
	s.rooms[roomID] = callID
	s.mu.Unlock()

	if s.guard != nil {
		ok, err := s.guard.Acquire(ctx, roomID)
		if err != nil || !ok {
			s.mu.Lock()
			if s.rooms[roomID] == callID {
				delete(s.rooms, roomID)
			}
			s.mu.Unlock()
			if err != nil {
				return Session{}, fmt.Errorf("calls: claim room: %w", err)
			}
			return Session{}, apperr.ErrAlreadyInCall
		}
	}

	now := s.now()
	sess := &session{
		s: Session{
			CallID:    callID,
			RoomID:    roomID,
			CallerID:  caller.UserID,
			CalleeID:  calleeID,
			Status:    StatusRinging,
			Media:     map[string]MediaState{caller.UserID: defaultMedia(), calleeID: defaultMedia()},
			StartedAt: now,
		},
		roles:   map[string]string{caller.UserID: caller.Role},
		sockets: map[string]string{caller.UserID: caller.SocketID},
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.mu.Lock()
	s.sessions[callID] = sess
	s.indexLocked(caller.UserID, callID)
	s.indexLocked(calleeID, callID)
	s.mu.Unlock()

	sess.ring = time.AfterFunc(s.cfg.RingTimeout, func() { s.expireRing(callID) })

	s.sink.SendToUser(calleeID, events.Event{Type: events.CallIncoming, Payload: IncomingPayload{
		CallID: callID, RoomID: roomID, CallerID: caller.UserID, Offer: offer,
	}})
	s.sink.SendToUser(caller.UserID, events.Event{Type: events.CallStatus, Payload: StatusPayload{
		CallID: callID, Status: StatusRinging, At: now,
	}})

	s.log.Info("call initiated", "call_id", callID, "room_id", roomID, "caller_id", caller.UserID, "callee_id", calleeID)
	return sess.snapshot(), nil
}

// Answer is the callee's decision on a ringing call.
func (s *Service) Answer(ctx context.Context, callee Actor, callID string, accept bool, answer *webrtc.SessionDescription) (Session, error) {
	if accept {
		if answer == nil {
			return Session{}, apperr.Invalid("sdpAnswer is required to accept")
		}
		if err := signaling.ValidateDescription(*answer, webrtc.SDPTypeAnswer); err != nil {
			return Session{}, err
		}
	}

	sess, err := s.lookup(callID)
	if err != nil {
		return Session{}, err
	}

	sess.mu.Lock()
	if err := sess.checkParticipant(callee.UserID); err != nil {
		sess.mu.Unlock()
		return Session{}, err
	}
	if callee.UserID != sess.s.CalleeID {
		sess.mu.Unlock()
		return Session{}, apperr.Wrap(apperr.ErrForbidden, "only the callee can answer", nil)
	}
	if !canTransition(sess.s.Status, StatusConnecting) {
		sess.mu.Unlock()
		return Session{}, conflict(sess.s.Status, "answer")
	}

	now := s.now()
	sess.roles[callee.UserID] = callee.Role
	sess.sockets[callee.UserID] = callee.SocketID

	if !accept {
		l := s.finishLocked(sess, StatusRejected, EndReasonRejected)
		s.sink.SendToUser(sess.s.CallerID, events.Event{Type: events.CallAnswer, Payload: AnswerPayload{
			CallID: callID, From: callee.UserID, Accepted: false,
		}})
		s.broadcastStatus(sess, now)
		snap := sess.snapshot()
		sess.mu.Unlock()
		s.afterFinish(ctx, l)
		return snap, nil
	}

	sess.ring.Stop()
	sess.s.Status = StatusConnecting
	sess.s.AnsweredAt = &now
	s.sink.SendToUser(sess.s.CallerID, events.Event{Type: events.CallAnswer, Payload: AnswerPayload{
		CallID: callID, From: callee.UserID, Accepted: true, Answer: answer,
	}})
	s.broadcastStatus(sess, now)
	snap := sess.snapshot()
	sess.mu.Unlock()
	return snap, nil
}

// MarkConnected reports that signaling completed. Repeated reports from an
// ACTIVE or EXTENDING call are no-ops.
func (s *Service) MarkConnected(_ context.Context, actor Actor, callID string) (Session, error) {
	sess, err := s.lookup(callID)
	if err != nil {
		return Session{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.checkParticipant(actor.UserID); err != nil {
		return Session{}, err
	}
	if sess.s.Status == StatusActive || sess.s.Status == StatusExtending {
		return sess.snapshot(), nil
	}
	if !canTransition(sess.s.Status, StatusActive) {
		return Session{}, conflict(sess.s.Status, "connect")
	}
	sess.s.Status = StatusActive
	s.broadcastStatus(sess, s.now())
	return sess.snapshot(), nil
}

// End hangs up a live call. Ending cancels a pending extension request.
func (s *Service) End(ctx context.Context, actor Actor, callID string) (Session, error) {
	sess, err := s.lookup(callID)
	if err != nil {
		return Session{}, err
	}
	sess.mu.Lock()
	if err := sess.checkParticipant(actor.UserID); err != nil {
		sess.mu.Unlock()
		return Session{}, err
	}
	if !canTransition(sess.s.Status, StatusEnded) {
		st := sess.s.Status
		sess.mu.Unlock()
		return Session{}, conflict(st, "end")
	}
	l := s.finishLocked(sess, StatusEnded, EndReasonHangup)
	s.broadcastEnded(sess, actor.UserID)
	snap := sess.snapshot()
	sess.mu.Unlock()

	s.afterFinish(ctx, l)
	return snap, nil
}

// RequestExtension opens the extension negotiation of an ACTIVE call.
func (s *Service) RequestExtension(_ context.Context, actor Actor, callID, message string) (Session, error) {
	message = strings.TrimSpace(message)
	if len(message) > maxExtensionMsg {
		return Session{}, apperr.Invalid("message exceeds %d characters", maxExtensionMsg)
	}
	sess, err := s.lookup(callID)
	if err != nil {
		return Session{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.checkParticipant(actor.UserID); err != nil {
		return Session{}, err
	}
	if sess.s.Status == StatusExtending {
		return Session{}, apperr.ErrExtensionInProgress
	}
	if !canTransition(sess.s.Status, StatusExtending) {
		return Session{}, conflict(sess.s.Status, "request an extension")
	}

	responder := sess.s.Peer(actor.UserID)
	if want := s.cfg.RequesterRole; want != "" && sess.roles[actor.UserID] != want {
		return Session{}, apperr.Wrap(apperr.ErrForbidden, "only a "+want+" can request an extension", nil)
	}
	if want := s.cfg.ResponderRole; want != "" && sess.roles[responder] != want {
		return Session{}, apperr.Wrap(apperr.ErrForbidden, "peer cannot approve extensions", nil)
	}

	sess.s.Extension = &ExtensionRequest{
		RequesterID: actor.UserID,
		ResponderID: responder,
		Message:     message,
		RequestedAt: s.now(),
		Decision:    DecisionPending,
	}
	sess.s.Status = StatusExtending

	p := ExtensionPayload{CallID: callID, Status: StatusExtending, Request: *sess.s.Extension}
	s.sink.SendToUser(responder, events.Event{Type: events.ExtensionRequested, Payload: p})
	s.sink.SendToUser(actor.UserID, events.Event{Type: events.ExtensionRequested, Payload: p})
	return sess.snapshot(), nil
}

// RespondExtension resolves the pending request; the call returns to ACTIVE
// whatever the decision.
func (s *Service) RespondExtension(_ context.Context, actor Actor, callID string, accepted bool, reason string) (Session, error) {
	sess, err := s.lookup(callID)
	if err != nil {
		return Session{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.checkParticipant(actor.UserID); err != nil {
		return Session{}, err
	}
	if sess.s.Status != StatusExtending || sess.s.Extension == nil {
		return Session{}, conflict(sess.s.Status, "respond to an extension")
	}
	if actor.UserID != sess.s.Extension.ResponderID {
		return Session{}, apperr.Wrap(apperr.ErrForbidden, "only the responder can decide", nil)
	}

	decision := DecisionRejected
	if accepted {
		decision = DecisionAccepted
	}
	s.resolveExtensionLocked(sess, decision, strings.TrimSpace(reason), StatusActive)
	sess.s.Status = StatusActive
	return sess.snapshot(), nil
}

// ToggleMedia records a participant's media flag and relays it to the peer.
// It never changes the call status.
func (s *Service) ToggleMedia(_ context.Context, actor Actor, callID string, kind MediaKind, enabled bool) (MediaState, error) {
	var check MediaState
	if !check.set(kind, enabled) {
		return MediaState{}, apperr.Invalid("unknown media kind %q", kind)
	}
	sess, err := s.lookup(callID)
	if err != nil {
		return MediaState{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.checkParticipant(actor.UserID); err != nil {
		return MediaState{}, err
	}
	if sess.s.Status.Terminal() {
		return MediaState{}, conflict(sess.s.Status, "toggle media")
	}
	m := sess.s.Media[actor.UserID]
	m.set(kind, enabled)
	sess.s.Media[actor.UserID] = m

	s.sink.SendToUser(sess.s.Peer(actor.UserID), events.Event{Type: events.MediaToggle, Payload: MediaPayload{
		CallID: callID, UserID: actor.UserID, Kind: kind, Enabled: enabled, State: m,
	}})
	return m, nil
}

// WithPeer implements signaling.Gate.
func (s *Service) WithPeer(_ context.Context, callID, senderID string, fn func(peerID string) error) error {
	sess, err := s.lookup(callID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.checkParticipant(senderID); err != nil {
		return err
	}
	if !sess.s.Status.Relayable() {
		return conflict(sess.s.Status, "relay signaling")
	}
	return fn(sess.s.Peer(senderID))
}

// HandleSocketClosed ends the live calls of userID that were driven from
// socketID, or all of them when the user has no socket left.
func (s *Service) HandleSocketClosed(ctx context.Context, userID, socketID string, stillConnected bool) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var ended []string
	for _, id := range ids {
		sess, err := s.lookup(id)
		if err != nil {
			continue
		}
		sess.mu.Lock()
		bound := sess.sockets[userID]
		if sess.s.Status.Terminal() || (stillConnected && bound != socketID) {
			sess.mu.Unlock()
			continue
		}
		l := s.finishLocked(sess, StatusEnded, EndReasonPeerDisconnected)
		s.broadcastEnded(sess, userID)
		sess.mu.Unlock()

		s.log.Info("call ended by disconnect", "call_id", id, "user_id", userID, "socket_id", socketID)
		s.afterFinish(ctx, l)
		ended = append(ended, id)
	}
	return ended
}

// Get returns a snapshot of a live or recently finished session.
func (s *Service) Get(callID string) (Session, error) {
	sess, err := s.lookup(callID)
	if err != nil {
		return Session{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// Log returns the persisted record of a finished call.
func (s *Service) Log(ctx context.Context, callID string) (CallLog, error) {
	return s.repo.GetCallLog(ctx, callID)
}

// LiveCall returns the live call of roomID, if any.
func (s *Service) LiveCall(roomID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.rooms[roomID]
	return id, ok
}

// Close stops ring and retention timers. Ringing calls are left as they
// are; sessions finished afterwards stay in memory.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		sess.mu.Lock()
		if sess.ring != nil {
			sess.ring.Stop()
		}
		if sess.retain != nil {
			sess.retain.Stop()
		}
		sess.mu.Unlock()
	}
}

func (s *Service) expireRing(callID string) {
	sess, err := s.lookup(callID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	if sess.s.Status != StatusRinging {
		sess.mu.Unlock()
		return
	}
	l := s.finishLocked(sess, StatusTimeout, EndReasonTimeout)
	s.sink.SendToUser(sess.s.CallerID, events.Event{Type: events.CallMissed, Payload: MissedPayload{
		CallID: callID, CalleeID: sess.s.CalleeID, At: l.EndedAt,
	}})
	sess.mu.Unlock()

	s.log.Info("call timed out", "call_id", callID)
	s.afterFinish(context.Background(), l)
}

// finishLocked moves sess to a terminal status and releases its room. It
// must be called with sess.mu held; it takes s.mu.
func (s *Service) finishLocked(sess *session, status Status, reason EndReason) CallLog {
	now := s.now()
	if sess.ring != nil {
		sess.ring.Stop()
	}
	if sess.s.Extension != nil {
		s.resolveExtensionLocked(sess, DecisionRejected, reasonCallEnded, status)
	}
	sess.s.Status = status
	sess.s.EndReason = reason
	sess.s.EndedAt = &now

	id := sess.s.CallID
	s.mu.Lock()
	if s.rooms[sess.s.RoomID] == id {
		delete(s.rooms, sess.s.RoomID)
	}
	s.unindexLocked(sess.s.CallerID, id)
	s.unindexLocked(sess.s.CalleeID, id)
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		sess.retain = time.AfterFunc(s.cfg.Retention, func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
		})
	}

	return sess.toLog()
}

func (s *Service) resolveExtensionLocked(sess *session, d Decision, reason string, next Status) {
	now := s.now()
	ext := *sess.s.Extension
	ext.Decision = d
	ext.Reason = reason
	ext.DecidedAt = &now
	sess.s.Extensions = append(sess.s.Extensions, ext)
	sess.s.Extension = nil

	p := ExtensionPayload{CallID: sess.s.CallID, Status: next, Request: ext}
	s.sink.SendToUser(ext.RequesterID, events.Event{Type: events.ExtensionResolved, Payload: p})
	s.sink.SendToUser(ext.ResponderID, events.Event{Type: events.ExtensionResolved, Payload: p})
}

// afterFinish releases the cross-replica claim and persists the call log.
// Failures are logged; the session is already terminal.
func (s *Service) afterFinish(ctx context.Context, l CallLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if s.guard != nil {
		if err := s.guard.Release(ctx, l.RoomID); err != nil {
			s.log.Warn("calls: release room failed", "room_id", l.RoomID, "err", err)
		}
	}
	err := utils.Retry(ctx, s.cfg.Persist, func(ctx context.Context) error {
		return s.repo.SaveCallLog(ctx, l)
	})
	if err != nil {
		s.log.Error("calls: persist call log failed", "call_id", l.CallID, "err", err)
	}
}

func (s *Service) broadcastStatus(sess *session, at time.Time) {
	p := StatusPayload{CallID: sess.s.CallID, Status: sess.s.Status, At: at}
	s.sink.SendToUser(sess.s.CallerID, events.Event{Type: events.CallStatus, Payload: p})
	s.sink.SendToUser(sess.s.CalleeID, events.Event{Type: events.CallStatus, Payload: p})
}

func (s *Service) broadcastEnded(sess *session, endedBy string) {
	p := EndedPayload{CallID: sess.s.CallID, Status: sess.s.Status, Reason: sess.s.EndReason, EndedBy: endedBy, At: *sess.s.EndedAt}
	s.sink.SendToUser(sess.s.CallerID, events.Event{Type: events.CallEnded, Payload: p})
	s.sink.SendToUser(sess.s.CalleeID, events.Event{Type: events.CallEnded, Payload: p})
}

func (s *Service) lookup(callID string) (*session, error) {
	if callID == "" {
		return nil, apperr.Invalid("callId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return nil, apperr.ErrCallNotFound
	}
	return sess, nil
}

func (s *Service) indexLocked(userID, callID string) {
	set := s.byUser[userID]
	if set == nil {
		set = map[string]struct{}{}
		s.byUser[userID] = set
	}
	set[callID] = struct{}{}
}

func (s *Service) unindexLocked(userID, callID string) {
	if set := s.byUser[userID]; set != nil {
		delete(set, callID)
		if len(set) == 0 {
			delete(s.byUser, userID)
		}
	}
}

func (ss *session) checkParticipant(userID string) error {
	if !ss.s.IsParticipant(userID) {
		return apperr.ErrNotParticipant
	}
	return nil
}

func (ss *session) snapshot() Session {
	out := ss.s
	out.Media = make(map[string]MediaState, len(ss.s.Media))
	for k, v := range ss.s.Media {
		out.Media[k] = v
	}
	if ss.s.Extension != nil {
		ext := *ss.s.Extension
		out.Extension = &ext
	}
	out.Extensions = append([]ExtensionRequest(nil), ss.s.Extensions...)
	return out
}

func (ss *session) toLog() CallLog {
	l := CallLog{
		CallID:     ss.s.CallID,
		RoomID:     ss.s.RoomID,
		CallerID:   ss.s.CallerID,
		CalleeID:   ss.s.CalleeID,
		Status:     ss.s.Status,
		Reason:     ss.s.EndReason,
		StartedAt:  ss.s.StartedAt,
		AnsweredAt: ss.s.AnsweredAt,
	}
	if ss.s.EndedAt != nil {
		l.EndedAt = *ss.s.EndedAt
	}
	if ss.s.AnsweredAt != nil && !l.EndedAt.IsZero() {
		l.DurationSeconds = int(l.EndedAt.Sub(*ss.s.AnsweredAt).Seconds())
	}
	for _, e := range ss.s.Extensions {
		l.ExtensionsRequested++
		if e.Decision == DecisionAccepted {
			l.ExtensionsAccepted++
		}
	}
	return l
}

func conflict(st Status, action string) error {
	return apperr.Wrap(apperr.ErrStateConflict, fmt.Sprintf("cannot %s: call is %s", action, st), nil)
}
