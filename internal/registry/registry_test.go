package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"telehealth-rtc/internal/apperr"
)

type transitions struct {
	mu  sync.Mutex
	got []Transition
}

func (tr *transitions) add(t Transition) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, t)
}

func (tr *transitions) list() []Transition {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Transition(nil), tr.got...)
}

func TestRegistry_RegisterValidates(t *testing.T) {
	r := New(0)
	if err := r.Register("", "s1"); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if err := r.Register("u1", "s1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := r.Register("u2", "s1"); err == nil {
		t.Fatalf("expected error for socket bound to another user")
	}
	if err := r.Register("u1", "s1"); err != nil {
		t.Fatalf("re-register should be a no-op: %v", err)
	}
}

func TestRegistry_MultiDeviceLookup(t *testing.T) {
	r := New(0)
	tr := &transitions{}
	r.OnTransition(tr.add)

	_ = r.Register("u1", "s2")
	_ = r.Register("u1", "s1")

	got := r.Lookup("u1")
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("unexpected sockets: %v", got)
	}
	if n := len(tr.list()); n != 1 {
		t.Fatalf("expected a single online transition, got %d", n)
	}

	user, last, ok := r.Unregister("s1")
	if !ok || user != "u1" || last {
		t.Fatalf("unexpected unregister result: %q %v %v", user, last, ok)
	}
	if !r.IsOnline("u1") {
		t.Fatalf("expected still online")
	}
	user, last, ok = r.Unregister("s2")
	if !ok || user != "u1" || !last {
		t.Fatalf("expected last socket removed")
	}
	if r.IsOnline("u1") || r.IsConnected("u1") {
		t.Fatalf("expected offline with zero debounce")
	}
	list := tr.list()
	if len(list) != 2 || list[1].Online {
		t.Fatalf("expected offline transition, got %+v", list)
	}
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := New(0)
	if _, _, ok := r.Unregister("nope"); ok {
		t.Fatalf("expected unknown socket")
	}
}

func TestRegistry_OfflineIsDebounced(t *testing.T) {
	r := New(30 * time.Millisecond)
	defer r.Close()
	done := make(chan Transition, 4)
	r.OnTransition(func(t Transition) { done <- t })

	_ = r.Register("u1", "s1")
	<-done

	r.Unregister("s1")
	if !r.IsOnline("u1") {
		t.Fatalf("expected online during debounce window")
	}
	select {
	case tr := <-done:
		if tr.Online || tr.UserID != "u1" {
			t.Fatalf("unexpected transition %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected offline transition")
	}
}

func TestRegistry_ReconnectCancelsOffline(t *testing.T) {
	r := New(40 * time.Millisecond)
	defer r.Close()
	tr := &transitions{}
	r.OnTransition(tr.add)

	_ = r.Register("u1", "s1")
	r.Unregister("s1")
	_ = r.Register("u1", "s2")

	time.Sleep(100 * time.Millisecond)

	list := tr.list()
	if len(list) != 1 || !list[0].Online {
		t.Fatalf("expected only the initial online transition, got %+v", list)
	}
	if !r.IsOnline("u1") {
		t.Fatalf("expected online")
	}
}

func TestRegistry_ConnectionSnapshot(t *testing.T) {
	r := New(0)
	_ = r.Register("u1", "s1")
	c, ok := r.Connection("u1")
	if !ok || c.UserID != "u1" || len(c.SocketIDs) != 1 || c.ConnectedAt.IsZero() {
		t.Fatalf("unexpected snapshot %+v", c)
	}
	if owner, ok := r.Owner("s1"); !ok || owner != "u1" {
		t.Fatalf("expected owner u1")
	}
	if _, ok := r.Connection("u2"); ok {
		t.Fatalf("expected no connection")
	}
}
