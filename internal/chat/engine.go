// Package chat delivers conversation messages: it persists them through a
// Repository, keeps read and delivery receipts and unread counts, and relays
// typing indicators. Work on one conversation is serialized so every
// participant observes its messages in Seq order.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
	"telehealth-rtc/pkg/logger"
	"telehealth-rtc/pkg/utils"
)

const (
	DefaultTypingInterval = 2 * time.Second
	DefaultMaxContent     = 4000
	defaultPageSize       = 100
	maxPageSize           = 500
)

type Config struct {
	// TypingInterval is the minimum gap between forwarded typing starts of
	// one user in one conversation.
	TypingInterval time.Duration
	MaxContent     int
	Persist        utils.RetryPolicy
}

func (c Config) withDefaults() Config {
	out := c
	if out.TypingInterval <= 0 {
		out.TypingInterval = DefaultTypingInterval
	}
	if out.MaxContent <= 0 {
		out.MaxContent = DefaultMaxContent
	}
	return out
}

type typingState struct {
	limiter   *rate.Limiter
	forwarded bool
}

type Engine struct {
	repo  Repository
	sink  events.Sink
	log   *slog.Logger
	cfg   Config
	locks utils.KeyedMutex
	clock func() time.Time
	newID func() string

	typingMu sync.Mutex
	typing   map[string]*typingState // conversationID|userID
}

type Option func(*Engine)

func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.clock = fn } }

func NewEngine(cfg Config, repo Repository, sink events.Sink, log *slog.Logger, opts ...Option) *Engine {
	if repo == nil {
		repo = NewMemoryRepo()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	e := &Engine{
		repo:   repo,
		sink:   sink,
		log:    logger.OrDiscard(log),
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		newID:  uuid.NewString,
		typing: map[string]*typingState{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// CreateConversation stores a new conversation. The creator is always a
// participant; direct conversations have exactly two.
func (e *Engine) CreateConversation(ctx context.Context, creatorID string, typ ConversationType, participants []string) (Conversation, error) {
	return e.createConversation(ctx, e.newID(), creatorID, typ, participants)
}

// EnsureConversation returns conversation id with userID in it. A missing
// conversation is created with userID and participants; an existing one
// takes userID in when it is not a participant yet.
func (e *Engine) EnsureConversation(ctx context.Context, id, userID string, participants []string) (Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return Conversation{}, apperr.Invalid("conversationId is required")
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	c, err := e.joinLocked(ctx, id, userID)
	if err == nil || !errors.Is(err, apperr.ErrConversationNotFound) {
		return c, err
	}
	typ := ConversationGroup
	if len(dedupe(append([]string{userID}, participants...))) == 2 {
		typ = ConversationDirect
	}
	return e.createConversation(ctx, id, userID, typ, participants)
}

// JoinConversation adds userID to an existing conversation. A direct
// conversation that gains a third participant becomes a group.
func (e *Engine) JoinConversation(ctx context.Context, id, userID string) (Conversation, error) {
	if strings.TrimSpace(id) == "" || userID == "" {
		return Conversation{}, apperr.Invalid("conversationId is required")
	}
	unlock := e.locks.Lock(id)
	defer unlock()
	return e.joinLocked(ctx, id, userID)
}

func (e *Engine) joinLocked(ctx context.Context, id, userID string) (Conversation, error) {
	c, err := e.repo.GetConversation(ctx, id)
	if err != nil || c.HasParticipant(userID) {
		return c, err
	}
	c, err = e.repo.AddParticipant(ctx, id, userID)
	if err != nil {
		return Conversation{}, err
	}
	e.log.Info("conversation participant added", "conversation_id", id, "user_id", userID, "participants", len(c.Participants))
	return c, nil
}

func (e *Engine) createConversation(ctx context.Context, id, creatorID string, typ ConversationType, participants []string) (Conversation, error) {
	if typ == "" {
		typ = ConversationDirect
	}
	if !typ.Valid() {
		return Conversation{}, apperr.Invalid("unknown conversation type %q", typ)
	}
	members := dedupe(append([]string{creatorID}, participants...))
	if creatorID == "" || len(members) < 2 {
		return Conversation{}, apperr.Invalid("a conversation needs at least two participants")
	}
	if typ == ConversationDirect && len(members) != 2 {
		return Conversation{}, apperr.Invalid("direct conversations have exactly two participants")
	}

	c := Conversation{ID: id, Type: typ, Participants: members, CreatedAt: e.now()}
	if err := e.repo.CreateConversation(ctx, c); err != nil {
		return Conversation{}, err
	}
	e.log.Info("conversation created", "conversation_id", id, "type", string(typ), "participants", len(members))
	return e.repo.GetConversation(ctx, id)
}

type SendRequest struct {
	ConversationID  string
	SenderID        string
	Content         string
	Type            MessageType
	ClientMessageID string
}

// SendMessage persists a message and broadcasts it to every participant,
// the sender's other devices included. When persistence keeps failing the
// sender gets delivery-failed and nothing is committed.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	if req.Type == "" {
		req.Type = MessageText
	}
	if !req.Type.Persistable() {
		return Message{}, apperr.Invalid("message type %q cannot be sent", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, apperr.Invalid("message is required")
	}
	if len(req.Content) > e.cfg.MaxContent {
		return Message{}, apperr.Invalid("message exceeds %d characters", e.cfg.MaxContent)
	}
	if req.ConversationID == "" || req.SenderID == "" {
		return Message{}, apperr.Invalid("conversationId is required")
	}

	unlock := e.locks.Lock(req.ConversationID)
	defer unlock()

	conv, err := e.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(req.SenderID) {
		return Message{}, apperr.ErrNotParticipant
	}

	draft := Message{
		ID:              e.newID(),
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		Type:            req.Type,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       e.now(),
	}
	var stored Message
	err = e.persist(ctx, func(ctx context.Context) error {
		var err error
		stored, err = e.repo.AppendMessage(ctx, draft)
		return err
	})
	if err != nil {
		if k := apperr.KindOf(err); k != apperr.KindInfrastructure {
			return Message{}, err
		}
		e.log.Error("chat: persist message failed", "conversation_id", req.ConversationID, "sender_id", req.SenderID, "err", err)
		e.sink.SendToUser(req.SenderID, events.Event{Type: events.DeliveryFailed, Payload: DeliveryFailedPayload{
			ConversationID: req.ConversationID, ClientMessageID: req.ClientMessageID, Reason: "message could not be stored",
		}})
		return Message{}, apperr.Wrap(apperr.ErrDeliveryFailed, "", err)
	}

	e.broadcast(conv.Participants, events.Event{Type: events.MessageReceived, Payload: stored})
	return stored, nil
}

// MarkRead acknowledges every message up to messageID authored by others.
// The read cursor only moves forward, so repeating a call changes nothing.
func (e *Engine) MarkRead(ctx context.Context, conversationID, userID, messageID string) (ReceiptResult, error) {
	return e.receipt(ctx, conversationID, userID, messageID, events.ReadReceipt, e.repo.MarkRead)
}

// MarkDelivered records that userID's client received messages up to messageID.
func (e *Engine) MarkDelivered(ctx context.Context, conversationID, userID, messageID string) (ReceiptResult, error) {
	return e.receipt(ctx, conversationID, userID, messageID, events.DeliveryReceipt, e.repo.MarkDelivered)
}

type markFunc func(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) (ReceiptResult, error)

func (e *Engine) receipt(ctx context.Context, conversationID, userID, messageID string, t events.Type, mark markFunc) (ReceiptResult, error) {
	if conversationID == "" || messageID == "" {
		return ReceiptResult{}, apperr.Invalid("conversationId and messageId are required")
	}
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return ReceiptResult{}, err
	}
	if !conv.HasParticipant(userID) {
		return ReceiptResult{}, apperr.ErrNotParticipant
	}
	m, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return ReceiptResult{}, err
	}
	if m.ConversationID != conversationID {
		return ReceiptResult{}, apperr.ErrMessageNotFound
	}

	now := e.now()
	var res ReceiptResult
	err = e.persist(ctx, func(ctx context.Context) error {
		var err error
		res, err = mark(ctx, conversationID, userID, m.Seq, now)
		return err
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	if res.MessageIDs == nil {
		res.MessageIDs = []string{}
	}

	e.broadcast(conv.Participants, events.Event{Type: t, Payload: ReceiptPayload{
		ConversationID: conversationID,
		UserID:         userID,
		UptoMessageID:  messageID,
		MessageIDs:     res.MessageIDs,
		Unread:         res.Unread,
		At:             now,
	}})
	return res, nil
}

// EditMessage replaces the content of the sender's own message.
func (e *Engine) EditMessage(ctx context.Context, userID, messageID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, apperr.Invalid("content is required")
	}
	if len(content) > e.cfg.MaxContent {
		return Message{}, apperr.Invalid("message exceeds %d characters", e.cfg.MaxContent)
	}
	return e.mutate(ctx, userID, messageID, func(m *Message, now time.Time) (bool, error) {
		if m.IsDeleted {
			return false, apperr.Wrap(apperr.ErrStateConflict, "message was deleted", nil)
		}
		m.Content = content
		m.IsEdited = true
		m.EditedAt = &now
		return true, nil
	})
}

// DeleteMessage soft-deletes the sender's own message. The record stays.
func (e *Engine) DeleteMessage(ctx context.Context, userID, messageID string) (Message, error) {
	return e.mutate(ctx, userID, messageID, func(m *Message, now time.Time) (bool, error) {
		if m.IsDeleted {
			return false, nil
		}
		m.IsDeleted = true
		m.DeletedAt = &now
		return true, nil
	})
}

func (e *Engine) mutate(ctx context.Context, userID, messageID string, apply func(*Message, time.Time) (bool, error)) (Message, error) {
	if messageID == "" {
		return Message{}, apperr.Invalid("messageId is required")
	}
	first, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}

	unlock := e.locks.Lock(first.ConversationID)
	defer unlock()

	m, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != userID {
		return Message{}, apperr.Wrap(apperr.ErrForbidden, "only the sender can change a message", nil)
	}
	changed, err := apply(&m, e.now())
	if err != nil || !changed {
		return m, err
	}
	if err := e.persist(ctx, func(ctx context.Context) error { return e.repo.UpdateMessage(ctx, m) }); err != nil {
		return Message{}, err
	}

	conv, err := e.repo.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return Message{}, err
	}
	e.broadcast(conv.Participants, events.Event{Type: events.MessageUpdated, Payload: m})
	return m, nil
}

// Typing relays an ephemeral indicator to the other participants. Starts are
// limited per user and conversation; a stop is only forwarded when the
// matching start was. It reports whether anything was forwarded.
func (e *Engine) Typing(ctx context.Context, conversationID, userID string, isTyping bool) (bool, error) {
	if conversationID == "" {
		return false, apperr.Invalid("conversationId is required")
	}
	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if !conv.HasParticipant(userID) {
		return false, apperr.ErrNotParticipant
	}

	key := conversationID + "|" + userID
	e.typingMu.Lock()
	defer e.typingMu.Unlock()

	st := e.typing[key]
	if st == nil {
		st = &typingState{limiter: rate.NewLimiter(rate.Every(e.cfg.TypingInterval), 1)}
		e.typing[key] = st
	}
	if isTyping {
		if !st.limiter.AllowN(e.clock(), 1) {
			return false, nil
		}
		st.forwarded = true
	} else {
		if !st.forwarded {
			return false, nil
		}
		st.forwarded = false
	}
	e.sendTyping(conv.Participants, conversationID, userID, isTyping)
	return true, nil
}

// ForgetTyping drops userID's typing state and tells peers the user stopped
// where a start had been forwarded. Called when the user goes away.
func (e *Engine) ForgetTyping(ctx context.Context, userID string) {
	suffix := "|" + userID
	e.typingMu.Lock()
	var convs []string
	for key, st := range e.typing {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		if st.forwarded {
			convs = append(convs, strings.TrimSuffix(key, suffix))
		}
		delete(e.typing, key)
	}
	e.typingMu.Unlock()

	sort.Strings(convs)
	for _, id := range convs {
		conv, err := e.repo.GetConversation(ctx, id)
		if err != nil {
			continue
		}
		e.sendTyping(conv.Participants, id, userID, false)
	}
}

func (e *Engine) sendTyping(participants []string, conversationID, userID string, isTyping bool) {
	ev := events.Event{Type: events.Typing, Payload: TypingPayload{ConversationID: conversationID, UserID: userID, IsTyping: isTyping}}
	for _, p := range participants {
		if p != userID {
			e.sink.SendToUser(p, ev)
		}
	}
}

// ListConversations returns userID's conversations, most recent first.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return e.repo.ListConversations(ctx, userID)
}

// Messages pages through a conversation for one of its participants.
func (e *Engine) Messages(ctx context.Context, conversationID, userID string, afterSeq int64, limit int) ([]Message, error) {
	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.ErrNotParticipant
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return e.repo.ListMessages(ctx, conversationID, afterSeq, limit)
}

// Conversation returns conversationID for one of its participants.
func (e *Engine) Conversation(ctx context.Context, conversationID, userID string) (Conversation, error) {
	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, apperr.ErrNotParticipant
	}
	return conv, nil
}

func (e *Engine) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	return e.repo.SetArchived(ctx, conversationID, userID, archived)
}

// persist retries infrastructure failures with backoff. Taxonomy errors
// other than INFRASTRUCTURE are final.
func (e *Engine) persist(ctx context.Context, op func(ctx context.Context) error) error {
	return utils.Retry(ctx, e.cfg.Persist, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && apperr.KindOf(err) != apperr.KindInfrastructure {
			return utils.Permanent(err)
		}
		return err
	})
}

func (e *Engine) broadcast(participants []string, ev events.Event) {
	for _, p := range participants {
		e.sink.SendToUser(p, ev)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
