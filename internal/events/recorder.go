package events

import "sync"

// Recorder is an in-memory Sink that keeps every event in order.
// It is used by package tests; it is not intended for production use.
type Recorder struct {
	mu       sync.Mutex
	byUser   map[string][]Event
	bySocket map[string][]Event
}

func NewRecorder() *Recorder {
	return &Recorder{byUser: map[string][]Event{}, bySocket: map[string][]Event{}}
}

func (r *Recorder) SendToUser(userID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = append(r.byUser[userID], ev)
}

func (r *Recorder) SendToSocket(socketID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySocket[socketID] = append(r.bySocket[socketID], ev)
}

// User returns a copy of the events sent to userID.
func (r *Recorder) User(userID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.byUser[userID]...)
}

// Socket returns a copy of the events sent to socketID.
func (r *Recorder) Socket(socketID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.bySocket[socketID]...)
}

// UserTypes lists the event types sent to userID, in order.
func (r *Recorder) UserTypes(userID string) []Type {
	evs := r.User(userID)
	out := make([]Type, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

// Last returns the most recent event of type t sent to userID.
func (r *Recorder) Last(userID string, t Type) (Event, bool) {
	evs := r.User(userID)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == t {
			return evs[i], true
		}
	}
	return Event{}, false
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser = map[string][]Event{}
	r.bySocket = map[string][]Event{}
}
