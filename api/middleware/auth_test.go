package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgAuth "github.com/angelmondragon/genstudio-backend/pkg/auth"
	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

func testAuthConfig(allowHeader bool) config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:         "secret",
		JWTIssuer:         "genstudio",
		AllowUserIDHeader: allowHeader,
	}
}

func serveAuth(t *testing.T, cfg config.AuthConfig, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	resp := httptest.NewRecorder()
	Auth(cfg, logg)(next).ServeHTTP(resp, req)
	return resp, seen
}

func TestAuthBearerToken(t *testing.T) {
	cfg := testAuthConfig(false)
	token, err := pkgAuth.MintAccessToken(cfg, time.Now(), "user-123", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, userID := serveAuth(t, cfg, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", resp.Code)
	}
	if userID != "user-123" {
		t.Fatalf("expected subject in context, got %q", userID)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	cfg := testAuthConfig(true)
	token, err := pkgAuth.MintAccessToken(cfg, time.Now().Add(-2*time.Hour), "user-123", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	// A bad token is not rescued by the header.
	req.Header.Set(UserIDHeader, "user-123")

	resp, _ := serveAuth(t, cfg, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthUserIDHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set(UserIDHeader, " u1 ")

	resp, userID := serveAuth(t, testAuthConfig(true), req)
	if resp.Code != http.StatusNoContent || userID != "u1" {
		t.Fatalf("expected header identity, got %d %q", resp.Code, userID)
	}
}

func TestAuthUserIDHeaderDisabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set(UserIDHeader, "u1")

	resp, _ := serveAuth(t, testAuthConfig(false), req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMissingCredentials(t *testing.T) {
	resp, _ := serveAuth(t, testAuthConfig(true), httptest.NewRequest(http.MethodGet, "/credits", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
