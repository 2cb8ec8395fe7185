package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
)

// envelope is the inbound wire shape.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Conn is one authenticated websocket. It runs a read loop, a dispatch loop
// draining the bounded inbound queue in order, and a write loop draining the
// bounded send queue. A socket whose send queue fills up is closed.
type Conn struct {
	Identity

	ws  *websocket.Conn
	cfg Config
	log *slog.Logger

	send    chan []byte
	inbound chan envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, id Identity, cfg Config, log *slog.Logger) *Conn {
	return &Conn{
		Identity: id,
		ws:       ws,
		cfg:      cfg,
		log:      log,
		send:     make(chan []byte, cfg.SendQueue),
		inbound:  make(chan envelope, cfg.InboundQueue),
		done:     make(chan struct{}),
	}
}

// Close stops the socket. The write loop sends a close frame and releases
// the connection; it is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(data []byte) {
	if c.closed() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("gateway: send queue full, closing slow socket", "queue", cap(c.send))
		c.Close()
	}
}

func (c *Conn) readLoop(errs events.Sink) {
	defer close(c.inbound)

	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("gateway: read", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			errs.SendToSocket(c.SocketID, errorEvent(env, apperr.Invalid("malformed envelope")))
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) dispatchLoop(ctx context.Context, r *Router) {
	for env := range c.inbound {
		r.Dispatch(ctx, c.Identity, env)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

func errorEvent(env envelope, err error) events.Event {
	ae := apperr.As(err)
	return events.Event{Type: events.Error, RequestID: env.RequestID, Payload: events.ErrorPayload{
		Kind: string(ae.Kind), Code: ae.Code, Message: ae.Message, Event: env.Type,
	}}
}
