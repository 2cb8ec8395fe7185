package main

import (
	"net/http"
	"time"

	"telehealth-rtc/internal/audit"
	"telehealth-rtc/internal/auth"
	"telehealth-rtc/internal/httpapi"
	"telehealth-rtc/internal/rbac"
	"telehealth-rtc/pkg/logger"
	"telehealth-rtc/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, devTokens bool) {
	h := httpapi.Handlers{
		Auth:      a.auth,
		Chat:      a.chat,
		Calls:     a.calls,
		Presence:  a.presence,
		Reporting: a.reporting,
		Audit:     a.audit,
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), a.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "sockets": a.hub.Count()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sockets": a.hub.Count()})
	})

	// The socket endpoint authenticates before upgrading.
	r.GET("/ws", a.gateway.Handle)

	if devTokens {
		r.POST("/dev/token", h.DevToken)
	}

	deny := func(c *gin.Context, userID, role string) {
		err := a.audit.LogDenied(c.Request.Context(), audit.Denial{
			UserID: userID, Role: role, IP: c.ClientIP(),
			Action: c.Request.Method + " " + c.FullPath(), Code: "FORBIDDEN",
		})
		if err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.auth))
	{
		v1.GET("/me", h.Me)

		conv := v1.Group("/conversations")
		{
			conv.GET("", h.ListConversations)
			conv.POST("", h.CreateConversation)
			conv.GET("/:id/messages", h.ListMessages)
			conv.PUT("/:id/archive", h.ArchiveConversation)
		}

		v1.GET("/presence", h.PresenceSnapshot)

		calls := v1.Group("/calls")
		{
			calls.GET("/summary", rbac.RequireAnyRole(deny, rbac.RoleDoctor, rbac.RoleSupport), h.CallsSummary)
			calls.GET("/:id", h.GetCall)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(deny, rbac.RoleAdmin))
		{
			admin.GET("/audit", h.RecentAudit)
		}
	}
}
