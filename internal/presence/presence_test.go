package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"telehealth-rtc/internal/events"
	"telehealth-rtc/internal/registry"
)

type failingStore struct{}

func (failingStore) SetLastSeen(context.Context, string, time.Time) error {
	return errors.New("redis down")
}

func (failingStore) LastSeen(context.Context, []string) (map[string]time.Time, error) {
	return nil, errors.New("redis down")
}

// hookStore runs onLoad while LastSeen is in flight.
type hookStore struct {
	*MemoryStore
	onLoad func()
}

func (s hookStore) LastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error) {
	if s.onLoad != nil {
		s.onLoad()
	}
	return s.MemoryStore.LastSeen(ctx, userIDs)
}

func TestBroadcaster_SubscribeSnapshotThenDiffs(t *testing.T) {
	rec := events.NewRecorder()
	store := NewMemoryStore()
	b := NewBroadcaster(store, rec, nil)
	reg := registry.New(0)
	b.Attach(reg)

	_ = reg.Register("doc", "s-doc")

	snap, err := b.Subscribe(context.Background(), "watcher", []string{"doc", "pat", "doc"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected deduped snapshot, got %+v", snap)
	}
	if !snap[0].Online || snap[0].UserID != "doc" {
		t.Fatalf("expected doc online, got %+v", snap[0])
	}
	if snap[1].Online || snap[1].LastSeen != nil {
		t.Fatalf("expected pat offline without last seen, got %+v", snap[1])
	}

	reg.Unregister("s-doc")

	evs := rec.Socket("watcher")
	if len(evs) != 2 || evs[0].Type != events.PresenceSnapshot || evs[1].Type != events.PresenceChanged {
		t.Fatalf("expected snapshot then presence-changed, got %+v", evs)
	}
	st := evs[1].Payload.(Status)
	if st.Online || st.LastSeen == nil {
		t.Fatalf("expected offline with last seen, got %+v", st)
	}

	stored, _ := store.LastSeen(context.Background(), []string{"doc"})
	if _, ok := stored["doc"]; !ok {
		t.Fatalf("expected last seen persisted")
	}
}

func TestBroadcaster_UnsubscribeStopsDiffs(t *testing.T) {
	rec := events.NewRecorder()
	b := NewBroadcaster(nil, rec, nil)

	if _, err := b.Subscribe(context.Background(), "w", []string{"u"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b.Unsubscribe("w")
	b.Handle(registry.Transition{UserID: "u", Online: true, At: time.Now()})

	if got := rec.Socket("w"); len(got) != 1 || got[0].Type != events.PresenceSnapshot {
		t.Fatalf("expected only the snapshot, got %+v", got)
	}
	if !b.IsOnline("u") {
		t.Fatalf("expected u online")
	}
}

func TestBroadcaster_SubscribeValidates(t *testing.T) {
	b := NewBroadcaster(nil, nil, nil)
	if _, err := b.Subscribe(context.Background(), "w", nil); err == nil {
		t.Fatalf("expected error for empty list")
	}
	ids := make([]string, MaxSubscription+1)
	for i := range ids {
		ids[i] = time.Duration(i).String()
	}
	if _, err := b.Subscribe(context.Background(), "w", ids); err == nil {
		t.Fatalf("expected error for oversized list")
	}
}

func TestBroadcaster_StoreFallbackAndFailures(t *testing.T) {
	store := NewMemoryStore()
	seen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_ = store.SetLastSeen(context.Background(), "old", seen)

	b := NewBroadcaster(store, nil, nil)
	snap, err := b.Snapshot(context.Background(), []string{"old"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if snap[0].LastSeen == nil || !snap[0].LastSeen.Equal(seen) {
		t.Fatalf("expected stored last seen, got %+v", snap[0])
	}

	broken := NewBroadcaster(failingStore{}, nil, nil)
	broken.Handle(registry.Transition{UserID: "u", Online: false, At: seen})
	snap, err = broken.Snapshot(context.Background(), []string{"u", "v"})
	if err != nil {
		t.Fatalf("store failures must not fail snapshots: %v", err)
	}
	if snap[0].LastSeen == nil {
		t.Fatalf("expected in-memory last seen for u")
	}
}

func TestBroadcaster_SnapshotPrecedesDiffsDuringStoreLoad(t *testing.T) {
	rec := events.NewRecorder()
	store := hookStore{MemoryStore: NewMemoryStore()}
	b := NewBroadcaster(store, rec, nil)
	store.onLoad = func() {
		b.Handle(registry.Transition{UserID: "doc", Online: true, At: time.Now()})
	}
	b.store = store

	snap, err := b.Subscribe(context.Background(), "w", []string{"doc"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !snap[0].Online {
		t.Fatalf("snapshot must reflect the latest state, got %+v", snap[0])
	}

	evs := rec.Socket("w")
	if len(evs) != 1 || evs[0].Type != events.PresenceSnapshot {
		t.Fatalf("expected a single snapshot, got %+v", evs)
	}
	if p := evs[0].Payload.(SnapshotPayload); len(p.Users) != 1 || !p.Users[0].Online {
		t.Fatalf("unexpected snapshot payload %+v", p)
	}

	b.Handle(registry.Transition{UserID: "doc", Online: false, At: time.Now()})
	if evs := rec.Socket("w"); len(evs) != 2 || evs[1].Type != events.PresenceChanged {
		t.Fatalf("expected a diff after the snapshot, got %+v", evs)
	}
}
