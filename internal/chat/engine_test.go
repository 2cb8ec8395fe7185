package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
	"telehealth-rtc/pkg/utils"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *MemoryRepo, *events.Recorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepo()
	rec := events.NewRecorder()
	return NewEngine(cfg, repo, rec, nil, WithClock(clock.Now)), repo, rec, clock
}

func mustConversation(t *testing.T, e *Engine, creator string, others ...string) Conversation {
	t.Helper()
	typ := ConversationDirect
	if len(others) > 1 {
		typ = ConversationGroup
	}
	c, err := e.CreateConversation(context.Background(), creator, typ, others)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func send(t *testing.T, e *Engine, convID, sender, content string) Message {
	t.Helper()
	m, err := e.SendMessage(context.Background(), SendRequest{ConversationID: convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return m
}

func TestEngine_CreateConversationValidates(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	if _, err := e.CreateConversation(ctx, "a", ConversationDirect, nil); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected single participant rejected, got %v", err)
	}
	if _, err := e.CreateConversation(ctx, "a", ConversationDirect, []string{"b", "c"}); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected direct with three rejected, got %v", err)
	}
	if _, err := e.CreateConversation(ctx, "a", ConversationType("broadcast"), []string{"b"}); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected unknown type rejected, got %v", err)
	}
	c, err := e.CreateConversation(ctx, "a", ConversationSupport, []string{"b", "a"})
	if err != nil || len(c.Participants) != 2 || c.UnreadCounts["b"] != 0 {
		t.Fatalf("unexpected conversation %+v err=%v", c, err)
	}
}

func TestEngine_SendThenMarkReadRoundTrip(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")

	var last Message
	for i := 0; i < 3; i++ {
		last = send(t, e, c.ID, "a", fmt.Sprintf("m%d", i))
	}

	conv, _ := e.Conversation(ctx, c.ID, "b")
	if conv.UnreadCounts["b"] != 3 || conv.UnreadCounts["a"] != 0 {
		t.Fatalf("expected unread b=3 a=0, got %v", conv.UnreadCounts)
	}
	if conv.LastMessageID != last.ID || conv.LastMessage != "m2" || conv.LastSeq != 3 {
		t.Fatalf("unexpected last message %+v", conv)
	}

	got := rec.User("b")
	if len(got) != 3 {
		t.Fatalf("expected 3 broadcasts to b, got %d", len(got))
	}
	for i, ev := range got {
		if m := ev.Payload.(Message); m.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, m.Seq)
		}
	}

	res, err := e.MarkRead(ctx, c.ID, "b", last.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if res.Unread != 0 || len(res.MessageIDs) != 3 {
		t.Fatalf("unexpected receipt %+v", res)
	}
	msgs, _ := e.Messages(ctx, c.ID, "b", 0, 0)
	for _, m := range msgs {
		if len(m.ReadBy) != 1 || m.ReadBy[0] != "b" {
			t.Fatalf("expected readBy [b], got %v", m.ReadBy)
		}
	}
	if _, ok := rec.Last("a", events.ReadReceipt); !ok {
		t.Fatalf("expected sender to receive the read receipt")
	}
}

func TestEngine_MarkReadIsIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")
	m1 := send(t, e, c.ID, "a", "one")
	send(t, e, c.ID, "a", "two")

	first, err := e.MarkRead(ctx, c.ID, "b", m1.ID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	second, err := e.MarkRead(ctx, c.ID, "b", m1.ID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if first.Unread != 1 || second.Unread != first.Unread {
		t.Fatalf("expected unread 1 both times, got %d then %d", first.Unread, second.Unread)
	}
	if len(second.MessageIDs) != 0 {
		t.Fatalf("second call should mark nothing new, got %v", second.MessageIDs)
	}
}

func TestEngine_MarkReadSkipsOwnMessages(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")
	send(t, e, c.ID, "b", "from b")
	last := send(t, e, c.ID, "a", "from a")

	res, _ := e.MarkRead(ctx, c.ID, "b", last.ID)
	if len(res.MessageIDs) != 1 || res.MessageIDs[0] != last.ID {
		t.Fatalf("expected only a's message marked, got %v", res.MessageIDs)
	}
	if _, err := e.MarkRead(ctx, c.ID, "eve", last.ID); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Fatalf("expected NOT_PARTICIPANT, got %v", err)
	}
	if _, err := e.MarkRead(ctx, c.ID, "b", "nope"); !errors.Is(err, apperr.ErrMessageNotFound) {
		t.Fatalf("expected MESSAGE_NOT_FOUND, got %v", err)
	}
}

func TestEngine_OfflineRecipientSeesUnreadUntilMarkRead(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")
	m := send(t, e, c.ID, "a", "hello")

	msgs, err := e.Messages(ctx, c.ID, "b", 0, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one message, got %v err=%v", msgs, err)
	}
	if len(msgs[0].ReadBy) != 0 || len(msgs[0].DeliveredTo) != 0 {
		t.Fatalf("expected empty receipts, got read=%v delivered=%v", msgs[0].ReadBy, msgs[0].DeliveredTo)
	}

	if _, err := e.MarkRead(ctx, c.ID, "b", m.ID); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	msgs, _ = e.Messages(ctx, c.ID, "b", 0, 10)
	if len(msgs[0].ReadBy) != 1 || len(msgs[0].DeliveredTo) != 0 {
		t.Fatalf("expected read by b only, got read=%v delivered=%v", msgs[0].ReadBy, msgs[0].DeliveredTo)
	}

	res, err := e.MarkDelivered(ctx, c.ID, "b", m.ID)
	if err != nil || len(res.MessageIDs) != 1 {
		t.Fatalf("expected delivery recorded, got %+v err=%v", res, err)
	}
	msgs, _ = e.Messages(ctx, c.ID, "b", 0, 10)
	if len(msgs[0].DeliveredTo) != 1 {
		t.Fatalf("expected delivered to b")
	}
}

func TestEngine_SendRejects(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{MaxContent: 10})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")

	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty", SendRequest{ConversationID: c.ID, SenderID: "a", Content: "  "}, apperr.ErrInvalidPayload},
		{"too long", SendRequest{ConversationID: c.ID, SenderID: "a", Content: "01234567890"}, apperr.ErrInvalidPayload},
		{"typing type", SendRequest{ConversationID: c.ID, SenderID: "a", Content: "x", Type: MessageTyping}, apperr.ErrInvalidPayload},
		{"stranger", SendRequest{ConversationID: c.ID, SenderID: "eve", Content: "x"}, apperr.ErrNotParticipant},
		{"unknown", SendRequest{ConversationID: "nope", SenderID: "a", Content: "x"}, apperr.ErrConversationNotFound},
	}
	for _, tc := range cases {
		if _, err := e.SendMessage(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEngine_PersistenceExhaustionCommitsNothing(t *testing.T) {
	e, repo, rec, _ := newTestEngine(t, Config{Persist: utils.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond}})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")

	repo.FailNextAppends(10, errors.New("db down"))
	_, err := e.SendMessage(ctx, SendRequest{ConversationID: c.ID, SenderID: "a", Content: "hi", ClientMessageID: "tmp-1"})
	if !errors.Is(err, apperr.ErrDeliveryFailed) {
		t.Fatalf("expected DELIVERY_FAILED, got %v", err)
	}

	ev, ok := rec.Last("a", events.DeliveryFailed)
	if !ok || ev.Payload.(DeliveryFailedPayload).ClientMessageID != "tmp-1" {
		t.Fatalf("expected delivery-failed for the sender")
	}
	if len(rec.User("b")) != 0 {
		t.Fatalf("recipient must not see a failed message")
	}
	conv, _ := e.Conversation(ctx, c.ID, "a")
	if conv.LastSeq != 0 || conv.UnreadCounts["b"] != 0 || conv.LastMessageID != "" {
		t.Fatalf("expected no partial state, got %+v", conv)
	}
}

func TestEngine_TransientFailureIsRetried(t *testing.T) {
	e, repo, _, _ := newTestEngine(t, Config{Persist: utils.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}})
	c := mustConversation(t, e, "a", "b")

	repo.FailNextAppends(2, errors.New("conn reset"))
	m := send(t, e, c.ID, "a", "eventually")
	if m.Seq != 1 {
		t.Fatalf("expected seq 1 after retries, got %d", m.Seq)
	}
}

func TestEngine_RetryAfterLostCommitStoresOnce(t *testing.T) {
	e, repo, rec, _ := newTestEngine(t, Config{Persist: utils.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")

	repo.FailNextAppendsAfterCommit(1, errors.New("connection reset after commit"))
	m, err := e.SendMessage(ctx, SendRequest{ConversationID: c.ID, SenderID: "a", Content: "once", ClientMessageID: "tmp-7"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Seq != 1 {
		t.Fatalf("expected the committed message back, got seq %d", m.Seq)
	}

	conv, _ := e.Conversation(ctx, c.ID, "b")
	if conv.LastSeq != 1 || conv.UnreadCounts["b"] != 1 {
		t.Fatalf("message stored twice: %+v", conv)
	}
	if got := rec.UserTypes("b"); len(got) != 1 || got[0] != events.MessageReceived {
		t.Fatalf("b got %v", got)
	}
}

func TestEngine_EnsureConversationTakesInNewMembers(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	if _, err := e.EnsureConversation(ctx, "room-1", "doc", []string{"pat"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	send(t, e, "room-1", "doc", "welcome")

	c, err := e.JoinConversation(ctx, "room-1", "nurse")
	if err != nil || len(c.Participants) != 3 || c.Type != ConversationGroup {
		t.Fatalf("unexpected conversation %+v err=%v", c, err)
	}
	send(t, e, "room-1", "nurse", "hi all")
	if _, ok := rec.Last("pat", events.MessageReceived); !ok {
		t.Fatalf("pat should get the newcomer's message")
	}
	if _, err := e.JoinConversation(ctx, "missing", "nurse"); !errors.Is(err, apperr.ErrConversationNotFound) {
		t.Fatalf("expected CONVERSATION_NOT_FOUND, got %v", err)
	}
}

func TestEngine_PerSenderOrderUnderConcurrency(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, Config{})
	c := mustConversation(t, e, "a", "b", "c")

	const n = 25
	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := e.SendMessage(context.Background(), SendRequest{ConversationID: c.ID, SenderID: s, Content: fmt.Sprintf("%s-%d", s, i)}); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	evs := rec.User("c")
	if len(evs) != 2*n {
		t.Fatalf("expected %d messages, got %d", 2*n, len(evs))
	}
	next := map[string]int{}
	var lastSeq int64
	for _, ev := range evs {
		m := ev.Payload.(Message)
		if m.Seq <= lastSeq {
			t.Fatalf("seq went backwards: %d after %d", m.Seq, lastSeq)
		}
		lastSeq = m.Seq
		want := fmt.Sprintf("%s-%d", m.SenderID, next[m.SenderID])
		if m.Content != want {
			t.Fatalf("expected %s, got %s", want, m.Content)
		}
		next[m.SenderID]++
	}
}

func TestEngine_EditAndDeleteAreSenderOnly(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")
	m := send(t, e, c.ID, "a", "helo")

	if _, err := e.EditMessage(ctx, "b", m.ID, "x"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	edited, err := e.EditMessage(ctx, "a", m.ID, "hello")
	if err != nil || !edited.IsEdited || edited.EditedAt == nil || edited.Content != "hello" {
		t.Fatalf("unexpected edit %+v err=%v", edited, err)
	}
	if _, ok := rec.Last("b", events.MessageUpdated); !ok {
		t.Fatalf("expected update broadcast")
	}

	deleted, err := e.DeleteMessage(ctx, "a", m.ID)
	if err != nil || !deleted.IsDeleted || deleted.DeletedAt == nil {
		t.Fatalf("unexpected delete %+v err=%v", deleted, err)
	}
	again, err := e.DeleteMessage(ctx, "a", m.ID)
	if err != nil || !again.DeletedAt.Equal(*deleted.DeletedAt) {
		t.Fatalf("delete should be idempotent, got %+v err=%v", again, err)
	}
	if _, err := e.EditMessage(ctx, "a", m.ID, "too late"); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected STATE_CONFLICT editing a deleted message, got %v", err)
	}

	msgs, _ := e.Messages(ctx, c.ID, "b", 0, 10)
	if len(msgs) != 1 || !msgs[0].IsDeleted || msgs[0].Content != "hello" {
		t.Fatalf("expected the record retained, got %+v", msgs)
	}
}

func TestEngine_TypingIsRateLimited(t *testing.T) {
	e, _, rec, clock := newTestEngine(t, Config{TypingInterval: 2 * time.Second})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")

	step := func(isTyping, want bool) {
		t.Helper()
		got, err := e.Typing(ctx, c.ID, "a", isTyping)
		if err != nil {
			t.Fatalf("typing: %v", err)
		}
		if got != want {
			t.Fatalf("typing(%v): expected forwarded=%v", isTyping, want)
		}
	}

	step(false, false)
	step(true, true)
	clock.Advance(500 * time.Millisecond)
	step(true, false)
	step(false, true)
	step(false, false)
	clock.Advance(500 * time.Millisecond)
	step(true, false)
	step(false, false)
	clock.Advance(2 * time.Second)
	step(true, true)

	if n := len(rec.User("b")); n != 3 {
		t.Fatalf("expected 3 typing events for b, got %d", n)
	}
	if len(rec.User("a")) != 0 {
		t.Fatalf("typist must not receive its own indicator")
	}
	if _, err := e.Typing(ctx, c.ID, "eve", true); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Fatalf("expected NOT_PARTICIPANT, got %v", err)
	}
}

func TestEngine_ForgetTypingSendsStop(t *testing.T) {
	e, _, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	c := mustConversation(t, e, "a", "b")

	_, _ = e.Typing(ctx, c.ID, "a", true)
	e.ForgetTyping(ctx, "a")

	ev, ok := rec.Last("b", events.Typing)
	if !ok || ev.Payload.(TypingPayload).IsTyping {
		t.Fatalf("expected a stop indicator")
	}
}

func TestEngine_EnsureConversationAndArchive(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	c, err := e.EnsureConversation(ctx, "appt-9", "doc", []string{"pat"})
	if err != nil || c.Type != ConversationDirect || c.ID != "appt-9" {
		t.Fatalf("unexpected conversation %+v err=%v", c, err)
	}
	again, err := e.EnsureConversation(ctx, "appt-9", "pat", []string{"doc", "nurse"})
	if err != nil || len(again.Participants) != 2 {
		t.Fatalf("existing conversation must be returned as is, got %+v err=%v", again, err)
	}

	if err := e.SetArchived(ctx, "appt-9", "pat", true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	list, _ := e.ListConversations(ctx, "pat")
	if len(list) != 1 || len(list[0].ArchivedBy) != 1 || list[0].ArchivedBy[0] != "pat" {
		t.Fatalf("expected archived by pat, got %+v", list)
	}
	if err := e.SetArchived(ctx, "appt-9", "eve", true); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Fatalf("expected NOT_PARTICIPANT, got %v", err)
	}
}
