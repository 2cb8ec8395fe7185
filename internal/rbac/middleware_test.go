package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"telehealth-rtc/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(t *testing.T, role string, onDeny DenyFunc, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireAnyRole(onDeny, allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs(t, RoleAdmin, nil, RoleDoctor); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AllowedRole(t *testing.T) {
	if code := serveAs(t, RoleSupport, nil, RoleDoctor, RoleSupport); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniedRoleIsReported(t *testing.T) {
	var gotUser, gotRole string
	code := serveAs(t, RolePatient, func(c *gin.Context, userID, role string) {
		gotUser, gotRole = userID, role
	}, RoleDoctor)
	if code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if gotUser != "u" || gotRole != RolePatient {
		t.Fatalf("deny hook got %q %q", gotUser, gotRole)
	}
}

func TestRequireAnyRole_UnknownRoleDenied(t *testing.T) {
	if code := serveAs(t, "network_operator", nil, "network_operator"); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_MissingRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireAnyRole(nil, RoleDoctor), func(c *gin.Context) { c.Status(200) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
