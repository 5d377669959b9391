package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"consultline/internal/config"

	"github.com/gin-gonic/gin"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func testManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, WithClock(clock.Now), WithRoles("client", "provider", "admin"))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	clock := &fakeClock{now: testEpoch}
	m := testManager(t, clock)

	pair, err := m.IssuePair("client-1", "client")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}
	if !pair.AccessExpiresAt.Equal(testEpoch.Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %s", pair.AccessExpiresAt)
	}

	clock.now = testEpoch.Add(time.Minute)
	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "client-1" || claims.Role != "client" || claims.Subject != "client-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	clock := &fakeClock{now: testEpoch}
	m := testManager(t, clock)
	pair, err := m.IssuePair("u", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.now = testEpoch.Add(time.Hour)
	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m := testManager(t, &fakeClock{now: testEpoch})
	p, err := m.IssuePair("u", "provider")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected token type mismatch, got %v", err)
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	clock := &fakeClock{now: testEpoch}
	m := testManager(t, clock)
	if _, err := m.IssuePair("u", "operator"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role on issue, got %v", err)
	}

	// A token signed with the same secret by a manager without a role list.
	loose, err := NewManager(config.AuthConfig{
		JWTSecret: "secret", JWTIssuer: "issuer", JWTAudience: "aud",
		AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour,
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	p, err := loose.IssuePair("u", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role on verify, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	clock := &fakeClock{now: testEpoch}
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}, WithClock(clock.Now))
	p, err := other.IssuePair("u", "client")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := testManager(t, clock).Verify(p.AccessToken, TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestRequireAccessTokenInjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := &fakeClock{now: testEpoch}
	m := testManager(t, clock)
	pair, err := m.IssuePair("provider-9", "provider")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		uid, _ := UserID(c.Request.Context())
		role, _ := Role(c.Request.Context())
		c.String(http.StatusOK, uid+"/"+role)
	})

	serve := func(header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := serve("Bearer " + pair.AccessToken); w.Code != http.StatusOK || w.Body.String() != "provider-9/provider" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
	if w := serve("bearer " + pair.AccessToken); w.Code != http.StatusOK {
		t.Fatalf("expected case-insensitive scheme, got %d", w.Code)
	}
	if w := serve(""); w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d", w.Code)
	}

	clock.now = testEpoch.Add(time.Hour)
	if w := serve("Bearer " + pair.AccessToken); w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "token expired") {
		t.Fatalf("expected expired response, got %d %q", w.Code, w.Body.String())
	}
}
