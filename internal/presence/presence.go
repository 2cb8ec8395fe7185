// Package presence turns registry transitions into online/offline/last-seen
// events for sockets that subscribed to specific users.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
	"telehealth-rtc/internal/registry"
	"telehealth-rtc/pkg/logger"
)

// MaxSubscription bounds how many users one subscribe call may watch.
const MaxSubscription = 500

type Status struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type SnapshotPayload struct {
	Users []Status `json:"users"`
}

type Broadcaster struct {
	mu       sync.Mutex
	online   map[string]bool
	lastSeen map[string]time.Time
	subs     map[string]map[string]struct{} // socketID -> watched users
	watchers map[string]map[string]struct{} // userID -> sockets

	store        LastSeenStore
	sink         events.Sink
	log          *slog.Logger
	storeTimeout time.Duration
}

func NewBroadcaster(store LastSeenStore, sink events.Sink, log *slog.Logger) *Broadcaster {
	if store == nil {
		store = NewMemoryStore()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Broadcaster{
		online:       map[string]bool{},
		lastSeen:     map[string]time.Time{},
		subs:         map[string]map[string]struct{}{},
		watchers:     map[string]map[string]struct{}{},
		store:        store,
		sink:         sink,
		log:          logger.OrDiscard(log),
		storeTimeout: 2 * time.Second,
	}
}

// Attach subscribes b to r's transitions.
func (b *Broadcaster) Attach(r *registry.Registry) {
	r.OnTransition(b.Handle)
}

// Handle applies one registry transition and pushes the diff to watchers.
func (b *Broadcaster) Handle(t registry.Transition) {
	b.mu.Lock()
	st := Status{UserID: t.UserID, Online: t.Online}
	if t.Online {
		b.online[t.UserID] = true
		if at, ok := b.lastSeen[t.UserID]; ok {
			st.LastSeen = &at
		}
	} else {
		delete(b.online, t.UserID)
		at := t.At
		b.lastSeen[t.UserID] = at
		st.LastSeen = &at
	}
	for socketID := range b.watchers[t.UserID] {
		b.sink.SendToSocket(socketID, events.Event{Type: events.PresenceChanged, Payload: st})
	}
	b.mu.Unlock()

	if !t.Online {
		ctx, cancel := context.WithTimeout(context.Background(), b.storeTimeout)
		defer cancel()
		if err := b.store.SetLastSeen(ctx, t.UserID, t.At); err != nil {
			b.log.Warn("presence: persist last seen failed", "user_id", t.UserID, "err", err)
		}
	}
}

// Subscribe makes socketID watch userIDs, sends it a presence-snapshot and
// returns the same statuses. Later changes arrive as presence-changed events
// on that socket only. The watcher is registered and the snapshot emitted in
// one critical section, so no diff can overtake the snapshot.
func (b *Broadcaster) Subscribe(ctx context.Context, socketID string, userIDs []string) ([]Status, error) {
	ids := dedupe(userIDs)
	if socketID == "" || len(ids) == 0 {
		return nil, apperr.Invalid("userIds is required")
	}
	if len(ids) > MaxSubscription {
		return nil, apperr.Invalid("at most %d users per subscription", MaxSubscription)
	}

	stored := b.storedLastSeen(ctx, ids)

	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[socketID]
	if set == nil {
		set = map[string]struct{}{}
		b.subs[socketID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
		if b.watchers[id] == nil {
			b.watchers[id] = map[string]struct{}{}
		}
		b.watchers[id][socketID] = struct{}{}
	}
	out := b.statusesLocked(ids, stored)
	b.sink.SendToSocket(socketID, events.Event{Type: events.PresenceSnapshot, Payload: SnapshotPayload{Users: out}})
	return out, nil
}

// Unsubscribe drops every subscription held by socketID.
func (b *Broadcaster) Unsubscribe(socketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs[socketID] {
		if w := b.watchers[id]; w != nil {
			delete(w, socketID)
			if len(w) == 0 {
				delete(b.watchers, id)
			}
		}
	}
	delete(b.subs, socketID)
}

// Snapshot reports the status of userIDs. Last-seen falls back to the store
// for users that went offline before this process started.
func (b *Broadcaster) Snapshot(ctx context.Context, userIDs []string) ([]Status, error) {
	ids := dedupe(userIDs)
	stored := b.storedLastSeen(ctx, ids)

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusesLocked(ids, stored), nil
}

// storedLastSeen loads last-seen times for the offline users this process
// has no record of. Store failures degrade to no last-seen.
func (b *Broadcaster) storedLastSeen(ctx context.Context, ids []string) map[string]time.Time {
	var missing []string
	b.mu.Lock()
	for _, id := range ids {
		if _, ok := b.lastSeen[id]; !ok && !b.online[id] {
			missing = append(missing, id)
		}
	}
	b.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}
	stored, err := b.store.LastSeen(ctx, missing)
	if err != nil {
		b.log.Warn("presence: load last seen failed", "err", err)
		return nil
	}
	return stored
}

func (b *Broadcaster) statusesLocked(ids []string, stored map[string]time.Time) []Status {
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st := Status{UserID: id, Online: b.online[id]}
		if at, ok := b.lastSeen[id]; ok {
			st.LastSeen = &at
		} else if at, ok := stored[id]; ok {
			st.LastSeen = &at
		}
		out = append(out, st)
	}
	return out
}

// IsOnline reports the announced presence of userID.
func (b *Broadcaster) IsOnline(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[userID]
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
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
