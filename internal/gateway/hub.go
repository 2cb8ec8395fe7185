// Package gateway is the socket boundary: it authenticates upgrades, owns
// every live websocket, routes inbound events to the real-time components
// and delivers their outbound events. Components address users and sockets
// by id only; the Hub resolves ids through the connection registry.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"telehealth-rtc/internal/events"
	"telehealth-rtc/internal/registry"
	"telehealth-rtc/pkg/logger"
)

// Hub implements events.Sink over the live sockets of this process.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	reg *registry.Registry
	log *slog.Logger
}

func NewHub(reg *registry.Registry, log *slog.Logger) *Hub {
	return &Hub{conns: map[string]*Conn{}, reg: reg, log: logger.OrDiscard(log)}
}

// Registry returns the registry used for user lookups.
func (h *Hub) Registry() *registry.Registry { return h.reg }

func (h *Hub) SendToUser(userID string, ev events.Event) {
	ids := h.reg.Lookup(userID)
	if len(ids) == 0 {
		return
	}
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	for _, id := range ids {
		h.deliver(id, data)
	}
}

func (h *Hub) SendToSocket(socketID string, ev events.Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	h.deliver(socketID, data)
}

func (h *Hub) encode(ev events.Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("gateway: encode event", "type", string(ev.Type), "err", err)
		return nil, false
	}
	return data, true
}

func (h *Hub) deliver(socketID string, data []byte) {
	h.mu.RLock()
	c := h.conns[socketID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(data)
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.SocketID] = c
	h.mu.Unlock()
}

func (h *Hub) remove(socketID string) {
	h.mu.Lock()
	delete(h.conns, socketID)
	h.mu.Unlock()
}

// Count reports the number of live sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll asks every socket to close. Disconnect cascades run as each
// socket's loops exit.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
