// Package registry maps authenticated users to their live sockets and is the
// source of truth for presence. It announces online/offline transitions;
// going from one socket to none is debounced so a quick reconnect does not
// make presence flap.
package registry

import (
	"sort"
	"sync"
	"time"

	"telehealth-rtc/internal/apperr"
)

// DefaultOfflineDebounce absorbs reconnects before a user is announced offline.
const DefaultOfflineDebounce = 5 * time.Second

// Connection is a read-only snapshot of one user's sockets.
type Connection struct {
	UserID      string    `json:"user_id"`
	SocketIDs   []string  `json:"socket_ids"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Transition is emitted when a user's announced presence flips.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

type connection struct {
	sockets     map[string]struct{}
	connectedAt time.Time
}

type pendingOffline struct {
	timer *time.Timer
}

// Registry is safe for concurrent use. All access goes through its methods.
type Registry struct {
	mu      sync.Mutex
	users   map[string]*connection
	owners  map[string]string // socketID -> userID
	pending map[string]*pendingOffline
	online  map[string]bool

	// notifyMu is taken before mu is released so listeners observe
	// transitions in the order they were decided.
	notifyMu  sync.Mutex
	listeners []func(Transition)

	debounce time.Duration
	clock    func() time.Time
}

// New returns an empty registry. A non-positive debounce announces offline
// immediately.
func New(debounce time.Duration) *Registry {
	return &Registry{
		users:    make(map[string]*connection),
		owners:   make(map[string]string),
		pending:  make(map[string]*pendingOffline),
		online:   make(map[string]bool),
		debounce: debounce,
		clock:    time.Now,
	}
}

// OnTransition registers fn for presence transitions. fn must not call
// Register or Unregister.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register binds socketID to userID. Registering a socket twice for the same
// user is a no-op.
func (r *Registry) Register(userID, socketID string) error {
	if userID == "" || socketID == "" {
		return apperr.Invalid("user id and socket id are required")
	}

	r.mu.Lock()
	if owner, ok := r.owners[socketID]; ok {
		r.mu.Unlock()
		if owner != userID {
			return apperr.Invalid("socket %s already bound to another user", socketID)
		}
		return nil
	}

	now := r.clock().UTC()
	c, ok := r.users[userID]
	if !ok {
		c = &connection{sockets: make(map[string]struct{}), connectedAt: now}
		r.users[userID] = c
	}
	c.sockets[socketID] = struct{}{}
	r.owners[socketID] = userID

	if p, ok := r.pending[userID]; ok {
		p.timer.Stop()
		delete(r.pending, userID)
	}

	if r.online[userID] {
		r.mu.Unlock()
		return nil
	}
	r.online[userID] = true
	r.notifyAndUnlock(Transition{UserID: userID, Online: true, At: now})
	return nil
}

// Unregister removes socketID. It reports the owning user and whether this
// was the user's last socket; ok is false for unknown sockets.
func (r *Registry) Unregister(socketID string) (userID string, last bool, ok bool) {
	r.mu.Lock()
	userID, ok = r.owners[socketID]
	if !ok {
		r.mu.Unlock()
		return "", false, false
	}
	delete(r.owners, socketID)

	c := r.users[userID]
	delete(c.sockets, socketID)
	if len(c.sockets) > 0 {
		r.mu.Unlock()
		return userID, false, true
	}
	delete(r.users, userID)

	if r.debounce <= 0 {
		delete(r.online, userID)
		r.notifyAndUnlock(Transition{UserID: userID, Online: false, At: r.clock().UTC()})
		return userID, true, true
	}

	p := &pendingOffline{}
	p.timer = time.AfterFunc(r.debounce, func() { r.expire(userID, p) })
	r.pending[userID] = p
	r.mu.Unlock()
	return userID, true, true
}

func (r *Registry) expire(userID string, p *pendingOffline) {
	r.mu.Lock()
	if r.pending[userID] != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, userID)
	if _, connected := r.users[userID]; connected || !r.online[userID] {
		r.mu.Unlock()
		return
	}
	delete(r.online, userID)
	r.notifyAndUnlock(Transition{UserID: userID, Online: false, At: r.clock().UTC()})
}

// notifyAndUnlock must be called with mu held.
func (r *Registry) notifyAndUnlock(t Transition) {
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	for _, fn := range r.listeners {
		fn(t)
	}
}

// Lookup returns the live socket ids of userID, sorted.
func (r *Registry) Lookup(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.users[userID]
	if !ok {
		return nil
	}
	return sortedKeys(c.sockets)
}

// Owner returns the user bound to socketID.
func (r *Registry) Owner(socketID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.owners[socketID]
	return u, ok
}

// IsConnected reports whether userID has at least one live socket.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// IsOnline reports the announced presence of userID. It stays true during
// the offline debounce window.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

// Connection returns a snapshot of userID's sockets.
func (r *Registry) Connection(userID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.users[userID]
	if !ok {
		return Connection{}, false
	}
	return Connection{UserID: userID, SocketIDs: sortedKeys(c.sockets), ConnectedAt: c.connectedAt}, true
}

// Close stops pending offline timers. Pending users are not announced.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for u, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, u)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
