package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"telehealth-rtc/internal/auth"
	"telehealth-rtc/pkg/logger"
)

type Config struct {
	SendQueue       int
	InboundQueue    int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64

	// AllowedOrigins restricts browser upgrades. Empty allows any origin;
	// sockets authenticate with tokens, not cookies.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	out := c
	if out.SendQueue <= 0 {
		out.SendQueue = 256
	}
	if out.InboundQueue <= 0 {
		out.InboundQueue = 64
	}
	if out.WriteWait <= 0 {
		out.WriteWait = 10 * time.Second
	}
	if out.PongWait <= 0 {
		out.PongWait = 60 * time.Second
	}
	if out.PingPeriod <= 0 || out.PingPeriod >= out.PongWait {
		out.PingPeriod = out.PongWait * 9 / 10
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = 128 << 10
	}
	return out
}

// Server accepts socket upgrades and runs the disconnect cascade when a
// socket goes away.
type Server struct {
	cfg      Config
	auth     *auth.Manager
	hub      *Hub
	router   *Router
	deps     Deps
	upgrader websocket.Upgrader
	log      *slog.Logger

	wg sync.WaitGroup
}

func NewServer(cfg Config, authm *auth.Manager, hub *Hub, deps Deps, log *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	log = logger.OrDiscard(log)
	s := &Server{
		cfg:    cfg,
		auth:   authm,
		hub:    hub,
		router: NewRouter(deps, hub, log),
		deps:   deps,
		log:    log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Handle is the GET /ws handler. The token is verified before the upgrade;
// unauthenticated requests get a plain 401 and no socket.
func (s *Server) Handle(c *gin.Context) {
	claims, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.FromGin(c).Warn("gateway: upgrade failed", "err", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	id := Identity{
		SocketID: uuid.NewString(),
		UserID:   claims.UserID,
		Role:     claims.Role,
		IP:       c.ClientIP(),
	}
	log := logger.FromGin(c).With("socket_id", id.SocketID, "user_id", id.UserID)
	conn := newConn(ws, id, s.cfg, log)

	// The hub must know the socket before the registry hands its id out.
	s.hub.add(conn)
	if err := s.hub.Registry().Register(id.UserID, id.SocketID); err != nil {
		s.hub.remove(id.SocketID)
		_ = ws.Close()
		log.Error("gateway: register socket", "err", err)
		return
	}
	log.Info("socket connected", "role", id.Role)

	ctx := logger.With(context.WithoutCancel(c.Request.Context()), log)
	s.serve(ctx, conn)
}

func (s *Server) serve(ctx context.Context, c *Conn) {
	go c.writeLoop()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		c.dispatchLoop(ctx, s.router)
	}()

	c.readLoop(s.hub)
	<-dispatched
	c.Close()
	s.disconnect(ctx, c)
}

// disconnect unwinds a closed socket: calls bound to it end, and when it
// was the user's last socket the user leaves every room and stops typing.
// Presence follows from the registry transition.
func (s *Server) disconnect(ctx context.Context, c *Conn) {
	s.hub.remove(c.SocketID)
	if s.deps.Presence != nil {
		s.deps.Presence.Unsubscribe(c.SocketID)
	}

	userID, last, ok := s.hub.Registry().Unregister(c.SocketID)
	if !ok {
		return
	}
	var ended, left []string
	if s.deps.Calls != nil {
		ended = s.deps.Calls.HandleSocketClosed(ctx, userID, c.SocketID, !last)
	}
	if last {
		if s.deps.Rooms != nil {
			left = s.deps.Rooms.LeaveAll(userID)
		}
		if s.deps.Chat != nil {
			s.deps.Chat.ForgetTyping(ctx, userID)
		}
	}
	logger.From(ctx).Info("socket disconnected", "last", last, "calls_ended", len(ended), "rooms_left", len(left))
}

// Shutdown closes every socket and waits for their cascades to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
