package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telehealth-rtc/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "user-1", "doctor")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "doctor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "user-1", "patient")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "r")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, _ := other.IssuePair(time.Now(), "u", "patient")
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	if tok, err := TokenFromRequest(r); err != nil || tok != "abc" {
		t.Fatalf("query token = %q, %v", tok, err)
	}

	r.Header.Set("Authorization", "Bearer xyz")
	if tok, err := TokenFromRequest(r); err != nil || tok != "xyz" {
		t.Fatalf("header token = %q, %v", tok, err)
	}

	r.Header.Set("Authorization", "Basic xyz")
	if _, err := TokenFromRequest(r); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	empty := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := TokenFromRequest(empty); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, _ := m.IssuePair(time.Now(), "u-1", "patient")

	r := gin.New()
	r.GET("/me", RequireAccessToken(m), func(c *gin.Context) {
		uid, _ := UserID(c.Request.Context())
		role, _ := Role(c.Request.Context())
		c.String(http.StatusOK, uid+":"+role)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "u-1:patient" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestIdentityContext(t *testing.T) {
	if _, err := UserID(context.Background()); err == nil {
		t.Fatalf("expected missing user")
	}
	ctx := WithIdentity(context.Background(), "u", "admin")
	if r, err := Role(ctx); err != nil || r != "admin" {
		t.Fatalf("role = %q, %v", r, err)
	}
}
