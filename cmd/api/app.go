package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"telehealth-rtc/internal/audit"
	"telehealth-rtc/internal/auth"
	"telehealth-rtc/internal/calls"
	"telehealth-rtc/internal/chat"
	"telehealth-rtc/internal/config"
	"telehealth-rtc/internal/gateway"
	"telehealth-rtc/internal/presence"
	"telehealth-rtc/internal/registry"
	"telehealth-rtc/internal/reporting"
	"telehealth-rtc/internal/rooms"
	"telehealth-rtc/internal/signaling"
	"telehealth-rtc/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// app holds the wired components. Construction order matters: the hub is
// the sink every component emits through, so it comes first.
type app struct {
	db   *sql.DB
	auth *auth.Manager

	registry  *registry.Registry
	hub       *gateway.Hub
	rooms     *rooms.Manager
	calls     *calls.Service
	relay     *signaling.Relay
	chat      *chat.Engine
	presence  *presence.Broadcaster
	audit     *audit.Service
	reporting *reporting.Service
	gateway   *gateway.Server
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// newApp wires the real-time core. rdb may be nil; presence and the call
// room guard then stay process-local.
func newApp(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client, authm *auth.Manager, log *slog.Logger) (*app, error) {
	chatRepo := chat.NewSQLRepo(db)
	callRepo := calls.NewSQLRepo(db)
	auditRepo := audit.NewSQLRepo(db)
	for name, m := range map[string]migrator{"chat": chatRepo, "calls": callRepo, "audit": auditRepo} {
		if err := m.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", name, err)
		}
	}

	persist := utils.RetryPolicy{MaxRetries: cfg.RTC.PersistMaxRetries}

	a := &app{db: db, auth: authm}
	a.registry = registry.New(cfg.RTC.PresenceOfflineDebounce)
	a.hub = gateway.NewHub(a.registry, log)
	a.rooms = rooms.NewManager(a.hub)

	var store presence.LastSeenStore = presence.NewMemoryStore()
	var callOpts []calls.Option
	if rdb != nil {
		store = presence.NewRedisStore(rdb, presence.DefaultLastSeenKey)
		callOpts = append(callOpts, calls.WithGuard(calls.NewRedisGuard(rdb, 0)))
	}

	a.calls = calls.NewService(calls.Config{
		RingTimeout:   cfg.RTC.CallRingTimeout,
		RequesterRole: cfg.RTC.ExtensionRequesterRole,
		ResponderRole: cfg.RTC.ExtensionResponderRole,
		Persist:       persist,
	}, callRepo, a.hub, log.With("component", "calls"), callOpts...)
	a.relay = signaling.NewRelay(a.calls, a.hub, log.With("component", "signaling"))
	a.chat = chat.NewEngine(chat.Config{
		TypingInterval: cfg.RTC.TypingMinInterval,
		Persist:        persist,
	}, chatRepo, a.hub, log.With("component", "chat"))
	a.presence = presence.NewBroadcaster(store, a.hub, log.With("component", "presence"))
	a.presence.Attach(a.registry)

	a.audit = audit.NewService(auditRepo)
	a.reporting = reporting.NewService(callRepo)

	a.gateway = gateway.NewServer(gateway.Config{
		SendQueue:      cfg.RTC.WSSendQueue,
		InboundQueue:   cfg.RTC.WSInboundQueue,
		AllowedOrigins: cfg.RTC.WSAllowedOrigins,
	}, authm, a.hub, gateway.Deps{
		Rooms:    a.rooms,
		Calls:    a.calls,
		Relay:    a.relay,
		Chat:     a.chat,
		Presence: a.presence,
		Audit:    a.audit,
	}, log.With("component", "gateway"))

	return a, nil
}

// shutdown closes sockets first so their disconnect cascades still reach
// live components, then stops timers.
func (a *app) shutdown(ctx context.Context) error {
	err := a.gateway.Shutdown(ctx)
	a.calls.Close()
	a.registry.Close()
	return err
}
