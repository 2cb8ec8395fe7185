// Package rooms tracks who is in which logical room (one per appointment or
// conversation) and tells existing members about joins and leaves.
package rooms

import (
	"sort"
	"strings"
	"sync"
	"time"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
)

type Kind string

const (
	KindCall Kind = "call"
	KindChat Kind = "chat"
)

// CallRoomCapacity is the participant cap of direct-call rooms.
const CallRoomCapacity = 2

func (k Kind) Valid() bool { return k == KindCall || k == KindChat }

type Room struct {
	ID           string    `json:"roomId"`
	Kind         Kind      `json:"kind"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MemberPayload accompanies user-connected and user-disconnected.
type MemberPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// StatusPayload accompanies session-status-changed.
type StatusPayload struct {
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type room struct {
	kind      Kind
	members   map[string]struct{}
	createdAt time.Time
}

// Manager owns every room. Empty rooms are dropped; the roster of everyone
// who ever joined a room outlives it.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*room
	byUser map[string]map[string]struct{}
	roster map[string]map[string]struct{}
	sink   events.Sink
	clock  func() time.Time
}

func NewManager(sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Manager{
		rooms:  make(map[string]*room),
		byUser: make(map[string]map[string]struct{}),
		roster: make(map[string]map[string]struct{}),
		sink:   sink,
		clock:  time.Now,
	}
}

// Join adds userID to roomID, creating the room with kind when it does not
// exist. An empty kind means chat for new rooms and "whatever it is" for
// existing ones. Joining twice is a no-op.
func (m *Manager) Join(roomID string, kind Kind, userID string) (Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || userID == "" {
		return Room{}, apperr.Invalid("roomId is required")
	}
	if kind != "" && !kind.Valid() {
		return Room{}, apperr.Invalid("unknown room kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		if kind == "" {
			kind = KindChat
		}
		r = &room{kind: kind, members: make(map[string]struct{}), createdAt: m.clock().UTC()}
		m.rooms[roomID] = r
	} else if kind != "" && kind != r.kind {
		return Room{}, apperr.Invalid("room %s is a %s room", roomID, r.kind)
	}

	if _, member := r.members[userID]; member {
		return r.snapshot(roomID), nil
	}
	if r.kind == KindCall && len(r.members) >= CallRoomCapacity {
		return Room{}, apperr.ErrRoomFull
	}

	for other := range r.members {
		m.sink.SendToUser(other, events.Event{Type: events.UserConnected, Payload: MemberPayload{RoomID: roomID, UserID: userID}})
	}
	r.members[userID] = struct{}{}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][roomID] = struct{}{}
	if m.roster[roomID] == nil {
		m.roster[roomID] = make(map[string]struct{})
	}
	m.roster[roomID][userID] = struct{}{}
	return r.snapshot(roomID), nil
}

// Leave removes userID from roomID and notifies the remaining members.
func (m *Manager) Leave(roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return apperr.ErrRoomNotFound
	}
	if _, member := r.members[userID]; !member {
		return apperr.ErrNotParticipant
	}
	m.leaveLocked(roomID, r, userID)
	return nil
}

// LeaveAll removes userID from every room it is in and returns those room ids.
func (m *Manager) LeaveAll(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := sortedKeys(m.byUser[userID])
	for _, id := range ids {
		if r, ok := m.rooms[id]; ok {
			m.leaveLocked(id, r, userID)
		}
	}
	return ids
}

func (m *Manager) leaveLocked(roomID string, r *room, userID string) {
	delete(r.members, userID)
	if set := m.byUser[userID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		return
	}
	for other := range r.members {
		m.sink.SendToUser(other, events.Event{Type: events.UserDisconnected, Payload: MemberPayload{RoomID: roomID, UserID: userID}})
	}
}

// PublishStatus relays a participant's session status to the other members.
func (m *Manager) PublishStatus(roomID, userID, status string) error {
	if strings.TrimSpace(status) == "" {
		return apperr.Invalid("status is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return apperr.ErrRoomNotFound
	}
	if _, member := r.members[userID]; !member {
		return apperr.ErrNotParticipant
	}
	p := StatusPayload{RoomID: roomID, UserID: userID, Status: status, At: m.clock().UTC()}
	for other := range r.members {
		if other != userID {
			m.sink.SendToUser(other, events.Event{Type: events.SessionStatus, Payload: p})
		}
	}
	return nil
}

// Members returns the sorted participant ids of roomID.
func (m *Manager) Members(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(r.members)
}

func (m *Manager) IsMember(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[userID]
	return member
}

// Roster returns the sorted ids of everyone who has joined roomID, including
// members that have since left or disconnected.
func (m *Manager) Roster(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.roster[roomID])
}

func (m *Manager) InRoster(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.roster[roomID][userID]
	return ok
}

func (m *Manager) Get(roomID string) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return r.snapshot(roomID), true
}

// RoomsOf returns the rooms userID is currently in.
func (m *Manager) RoomsOf(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.byUser[userID])
}

func (r *room) snapshot(id string) Room {
	return Room{ID: id, Kind: r.kind, Participants: sortedKeys(r.members), CreatedAt: r.createdAt}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
