package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/audit"
	"telehealth-rtc/internal/auth"
	"telehealth-rtc/internal/calls"
	"telehealth-rtc/internal/chat"
	"telehealth-rtc/internal/presence"
	"telehealth-rtc/internal/rbac"
	"telehealth-rtc/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Chat      *chat.Engine
	Calls     *calls.Service
	Presence  *presence.Broadcaster
	Reporting *reporting.Service
	Audit     *audit.Service
}

func identity(c *gin.Context) (userID, role string) {
	userID, _ = auth.UserID(c.Request.Context())
	role, _ = auth.Role(c.Request.Context())
	return userID, role
}

// --- Auth ---

type devTokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// DevToken issues a JWT token pair without checking credentials. It is only
// routed outside production.
func (h Handlers) DevToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsKnown(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a known role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, role := identity(c)
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Conversations ---

func (h Handlers) ListConversations(c *gin.Context) {
	uid, _ := identity(c)
	convs, err := h.Chat.ListConversations(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type createConversationRequest struct {
	Type         chat.ConversationType `json:"type"`
	Participants []string              `json:"participants"`
}

func (h Handlers) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	uid, _ := identity(c)
	conv, err := h.Chat.CreateConversation(c.Request.Context(), uid, req.Type, req.Participants)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h Handlers) ListMessages(c *gin.Context) {
	after, err := queryInt(c, "after")
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	uid, _ := identity(c)
	msgs, err := h.Chat.Messages(c.Request.Context(), c.Param("id"), uid, after, int(limit))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type archiveRequest struct {
	Archived bool `json:"archived"`
}

func (h Handlers) ArchiveConversation(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	uid, _ := identity(c)
	if err := h.Chat.SetArchived(c.Request.Context(), c.Param("id"), uid, req.Archived); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Presence ---

// PresenceSnapshot answers GET /v1/presence?user=a&user=b.
func (h Handlers) PresenceSnapshot(c *gin.Context) {
	ids := c.QueryArray("user")
	if len(ids) == 0 {
		h.fail(c, apperr.Invalid("at least one user is required"))
		return
	}
	if len(ids) > presence.MaxSubscription {
		h.fail(c, apperr.Invalid("at most %d users", presence.MaxSubscription))
		return
	}
	users, err := h.Presence.Snapshot(c.Request.Context(), ids)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, presence.SnapshotPayload{Users: users})
}

// --- Calls ---

// GetCall returns the live session, or the stored log once the session has
// left memory. Only participants and staff may read it.
func (h Handlers) GetCall(c *gin.Context) {
	uid, role := identity(c)
	id := c.Param("id")

	if s, err := h.Calls.Get(id); err == nil {
		if !s.IsParticipant(uid) && !rbac.Allows(role, rbac.RoleSupport) {
			h.fail(c, apperr.ErrNotParticipant)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": s})
		return
	}

	l, err := h.Calls.Log(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if l.CallerID != uid && l.CalleeID != uid && !rbac.Allows(role, rbac.RoleSupport) {
		h.fail(c, apperr.ErrNotParticipant)
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": l})
}

// CallsSummary answers GET /v1/calls/summary?from=..&to=..&user=..
// Times are RFC 3339. Doctors only see their own calls.
func (h Handlers) CallsSummary(c *gin.Context) {
	uid, role := identity(c)
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		h.fail(c, apperr.Invalid("from must be an RFC 3339 time"))
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		h.fail(c, apperr.Invalid("to must be an RFC 3339 time"))
		return
	}
	user := c.Query("user")
	if role == rbac.RoleDoctor {
		if user != "" && user != uid {
			h.fail(c, apperr.Wrap(apperr.ErrForbidden, "doctors can only summarize their own calls", nil))
			return
		}
		user = uid
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID: user,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Audit ---

func (h Handlers) RecentAudit(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	evs, err := h.Audit.Recent(c.Request.Context(), int(limit))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func queryInt(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}
