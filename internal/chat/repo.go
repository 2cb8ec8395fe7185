package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"telehealth-rtc/internal/apperr"
)

// Repository is the storage contract of the chat engine. AppendMessage,
// MarkRead and MarkDelivered are each atomic: either every row they touch
// changes or none does.
type Repository interface {
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns userID's conversations, most recent first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// AddParticipant adds userID with its read cursor at the current Seq.
	// A direct conversation reaching three participants becomes a group.
	AddParticipant(ctx context.Context, conversationID, userID string) (Conversation, error)

	// AppendMessage assigns the next Seq, stores m, updates the
	// conversation's last message and bumps every other participant's
	// unread count. A message whose non-empty ClientMessageID was already
	// stored for the same sender and conversation is not stored again; the
	// stored one is returned.
	AppendMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListMessages returns messages with Seq > afterSeq in Seq order.
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Message, error)
	UpdateMessage(ctx context.Context, m Message) error

	MarkRead(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) (ReceiptResult, error)
	MarkDelivered(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) (ReceiptResult, error)
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error
}

type memConversation struct {
	c        Conversation
	cursors  map[string]int64
	archived map[string]struct{}
	messages []*Message
}

// MemoryRepo is an in-memory Repository. One mutex makes every operation
// atomic.
type MemoryRepo struct {
	mu       sync.Mutex
	convs    map[string]*memConversation
	messages map[string]*Message
	byClient map[clientKey]*Message

	// set by FailNextAppends and FailNextAppendsAfterCommit
	failAppends     int
	failAfterCommit int
	failErr         error
}

type clientKey struct {
	conversationID, senderID, clientMessageID string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		convs:    map[string]*memConversation{},
		messages: map[string]*Message{},
		byClient: map[clientKey]*Message{},
	}
}

// FailNextAppends makes the next n AppendMessage calls return err.
func (r *MemoryRepo) FailNextAppends(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAppends = n
	r.failErr = err
}

// FailNextAppendsAfterCommit makes the next n AppendMessage calls store the
// message and then return err, like a commit whose acknowledgement is lost.
func (r *MemoryRepo) FailNextAppendsAfterCommit(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfterCommit = n
	r.failErr = err
}

func (r *MemoryRepo) CreateConversation(_ context.Context, c Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[c.ID]; ok {
		return apperr.Wrap(apperr.ErrStateConflict, "conversation already exists", nil)
	}
	c.Participants = append([]string(nil), c.Participants...)
	c.UnreadCounts = map[string]int{}
	cursors := map[string]int64{}
	for _, p := range c.Participants {
		c.UnreadCounts[p] = 0
		cursors[p] = 0
	}
	r.convs[c.ID] = &memConversation{c: c, cursors: cursors, archived: map[string]struct{}{}}
	return nil
}

func (r *MemoryRepo) GetConversation(_ context.Context, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, ok := r.convs[id]
	if !ok {
		return Conversation{}, apperr.ErrConversationNotFound
	}
	return mc.snapshot(), nil
}

func (r *MemoryRepo) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conversation, 0)
	for _, mc := range r.convs {
		if mc.c.HasParticipant(userID) {
			out = append(out, mc.snapshot())
		}
	}
	sortConversations(out)
	return out, nil
}

func (r *MemoryRepo) AddParticipant(_ context.Context, conversationID, userID string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, ok := r.convs[conversationID]
	if !ok {
		return Conversation{}, apperr.ErrConversationNotFound
	}
	if !mc.c.HasParticipant(userID) {
		mc.c.Participants = append(mc.c.Participants, userID)
		mc.c.UnreadCounts[userID] = 0
		mc.cursors[userID] = mc.c.LastSeq
		if mc.c.Type == ConversationDirect && len(mc.c.Participants) > 2 {
			mc.c.Type = ConversationGroup
		}
	}
	return mc.snapshot(), nil
}

func (r *MemoryRepo) AppendMessage(_ context.Context, m Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAppends > 0 {
		r.failAppends--
		return Message{}, r.failErr
	}
	mc, ok := r.convs[m.ConversationID]
	if !ok {
		return Message{}, apperr.ErrConversationNotFound
	}
	if !mc.c.HasParticipant(m.SenderID) {
		return Message{}, apperr.ErrNotParticipant
	}
	key := clientKey{m.ConversationID, m.SenderID, m.ClientMessageID}
	if m.ClientMessageID != "" {
		if prev, ok := r.byClient[key]; ok {
			return cloneMessage(*prev), nil
		}
	}

	mc.c.LastSeq++
	m.Seq = mc.c.LastSeq
	m.ReadBy = nil
	m.DeliveredTo = nil
	stored := m
	mc.messages = append(mc.messages, &stored)
	r.messages[m.ID] = &stored
	if m.ClientMessageID != "" {
		r.byClient[key] = &stored
	}

	at := m.CreatedAt
	mc.c.LastMessageID = m.ID
	mc.c.LastMessage = m.Content
	mc.c.LastMessageAt = &at
	for _, p := range mc.c.Participants {
		if p != m.SenderID {
			mc.c.UnreadCounts[p]++
		}
	}
	if r.failAfterCommit > 0 {
		r.failAfterCommit--
		return Message{}, r.failErr
	}
	return cloneMessage(stored), nil
}

func (r *MemoryRepo) GetMessage(_ context.Context, id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return Message{}, apperr.ErrMessageNotFound
	}
	return cloneMessage(*m), nil
}

func (r *MemoryRepo) ListMessages(_ context.Context, conversationID string, afterSeq int64, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, ok := r.convs[conversationID]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	out := make([]Message, 0)
	for _, m := range mc.messages {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneMessage(*m))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) UpdateMessage(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.messages[m.ID]
	if !ok {
		return apperr.ErrMessageNotFound
	}
	cur.Content = m.Content
	cur.IsEdited = m.IsEdited
	cur.EditedAt = m.EditedAt
	cur.IsDeleted = m.IsDeleted
	cur.DeletedAt = m.DeletedAt

	if mc := r.convs[cur.ConversationID]; mc != nil && mc.c.LastMessageID == cur.ID {
		mc.c.LastMessage = cur.Content
	}
	return nil
}

func (r *MemoryRepo) MarkRead(_ context.Context, conversationID, userID string, uptoSeq int64, _ time.Time) (ReceiptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, err := r.participantLocked(conversationID, userID)
	if err != nil {
		return ReceiptResult{}, err
	}

	var res ReceiptResult
	for _, m := range mc.messages {
		if m.Seq > uptoSeq || m.SenderID == userID {
			continue
		}
		if !contains(m.ReadBy, userID) {
			m.ReadBy = append(m.ReadBy, userID)
			res.MessageIDs = append(res.MessageIDs, m.ID)
		}
	}
	if uptoSeq > mc.cursors[userID] {
		mc.cursors[userID] = uptoSeq
	}
	res.Unread = mc.unreadAfter(userID, mc.cursors[userID])
	mc.c.UnreadCounts[userID] = res.Unread
	return res, nil
}

func (r *MemoryRepo) MarkDelivered(_ context.Context, conversationID, userID string, uptoSeq int64, _ time.Time) (ReceiptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, err := r.participantLocked(conversationID, userID)
	if err != nil {
		return ReceiptResult{}, err
	}

	res := ReceiptResult{Unread: mc.c.UnreadCounts[userID]}
	for _, m := range mc.messages {
		if m.Seq > uptoSeq || m.SenderID == userID {
			continue
		}
		if !contains(m.DeliveredTo, userID) {
			m.DeliveredTo = append(m.DeliveredTo, userID)
			res.MessageIDs = append(res.MessageIDs, m.ID)
		}
	}
	return res, nil
}

func (r *MemoryRepo) SetArchived(_ context.Context, conversationID, userID string, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc, err := r.participantLocked(conversationID, userID)
	if err != nil {
		return err
	}
	if archived {
		mc.archived[userID] = struct{}{}
	} else {
		delete(mc.archived, userID)
	}
	return nil
}

func (r *MemoryRepo) participantLocked(conversationID, userID string) (*memConversation, error) {
	mc, ok := r.convs[conversationID]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	if !mc.c.HasParticipant(userID) {
		return nil, apperr.ErrNotParticipant
	}
	return mc, nil
}

func (mc *memConversation) unreadAfter(userID string, cursor int64) int {
	n := 0
	for _, m := range mc.messages {
		if m.Seq > cursor && m.SenderID != userID {
			n++
		}
	}
	return n
}

func (mc *memConversation) snapshot() Conversation {
	out := mc.c
	out.Participants = append([]string(nil), mc.c.Participants...)
	out.UnreadCounts = make(map[string]int, len(mc.c.UnreadCounts))
	for k, v := range mc.c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	out.ArchivedBy = make([]string, 0, len(mc.archived))
	for u := range mc.archived {
		out.ArchivedBy = append(out.ArchivedBy, u)
	}
	sort.Strings(out.ArchivedBy)
	return out
}

func cloneMessage(m Message) Message {
	m.ReadBy = append([]string{}, m.ReadBy...)
	m.DeliveredTo = append([]string{}, m.DeliveredTo...)
	return m
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortConversations(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].LastMessageAt, cs[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}
