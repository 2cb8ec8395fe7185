package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telehealth-rtc/internal/audit"
	"telehealth-rtc/internal/auth"
	"telehealth-rtc/internal/presence"
	"telehealth-rtc/internal/registry"

	"github.com/gin-gonic/gin"
)

func newTestRouter(h Handlers, userID, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	})
	r.GET("/v1/presence", h.PresenceSnapshot)
	r.GET("/v1/calls/summary", h.CallsSummary)
	return r
}

func TestPresenceSnapshot_ReportsOnlineAndLastSeen(t *testing.T) {
	b := presence.NewBroadcaster(nil, nil, nil)
	seen := time.Unix(1700000000, 0).UTC()
	b.Handle(registry.Transition{UserID: "doc", Online: true, At: seen})
	b.Handle(registry.Transition{UserID: "pat", Online: true, At: seen})
	b.Handle(registry.Transition{UserID: "pat", Online: false, At: seen})

	r := newTestRouter(Handlers{Presence: b}, "pat", "patient")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/presence?user=doc&user=pat", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var out presence.SnapshotPayload
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Users) != 2 {
		t.Fatalf("expected 2 users, got %+v", out.Users)
	}
	byID := map[string]presence.Status{}
	for _, s := range out.Users {
		byID[s.UserID] = s
	}
	if !byID["doc"].Online {
		t.Fatalf("expected doc online: %+v", byID["doc"])
	}
	if byID["pat"].Online || byID["pat"].LastSeen == nil {
		t.Fatalf("expected pat offline with last seen: %+v", byID["pat"])
	}
}

func TestPresenceSnapshot_RequiresUsers(t *testing.T) {
	r := newTestRouter(Handlers{Presence: presence.NewBroadcaster(nil, nil, nil)}, "pat", "patient")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/presence", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestFail_AuditsDenials(t *testing.T) {
	au := audit.NewService(audit.NewMemoryRepo())
	r := newTestRouter(Handlers{Audit: au}, "doc-1", "doctor")

	w := httptest.NewRecorder()
	url := "/v1/calls/summary?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&user=doc-2"
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "FORBIDDEN" || body["kind"] != "AUTHORIZATION" {
		t.Fatalf("unexpected body: %v", body)
	}

	evs, err := au.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(evs) != 1 || evs[0].ActorUserID != "doc-1" || evs[0].Code != "FORBIDDEN" {
		t.Fatalf("expected one denial for doc-1, got %+v", evs)
	}
}
