package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only-32b")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-" + sub,
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func runMiddleware(t *testing.T, cfg JWTConfig, header string, path string) (bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)

	called := false
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})(c)
	return called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	called, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, "", "/api/v1/cases")
	if called {
		t.Fatal("handler must not run")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, tt.header, "/api/v1/cases")
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-456", "submitter"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "user-456" {
			t.Errorf("expected user_id=user-456, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "submitter" {
			t.Errorf("expected roles=[submitter], got %v", roles)
		}
		if claims := ClaimsFromContext(ctx); claims == nil || claims.ID != "jti-user-456" {
			t.Errorf("expected claims with jti, got %+v", claims)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	issued := func(mutate func(*Claims)) Claims {
		c := validClaims("user-1", "submitter")
		c.Issuer = "mediassist"
		if mutate != nil {
			mutate(&c)
		}
		return c
	}

	expired := issued(func(c *Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	})
	noExpiry := issued(func(c *Claims) { c.ExpiresAt = nil })
	noJTI := issued(func(c *Claims) { c.ID = "" })
	noSubject := issued(func(c *Claims) { c.Subject = "" })
	wrongIssuer := issued(func(c *Claims) { c.Issuer = "someone-else" })
	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, issued(nil)).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"no expiry", createTestToken(t, noExpiry, testSigningKey)},
		{"no jti", createTestToken(t, noJTI, testSigningKey)},
		{"no subject", createTestToken(t, noSubject, testSigningKey)},
		{"wrong key", createTestToken(t, issued(nil), []byte("another-key-that-is-32-bytes-long!!"))},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"alg none", noneToken},
		{"garbage", "not.a.jwt"},
	}

	cfg := JWTConfig{Issuer: "mediassist", SigningKey: testSigningKey}
	if called, err := runMiddleware(t, cfg, "Bearer "+createTestToken(t, issued(nil), testSigningKey), "/x"); err != nil || !called {
		t.Fatalf("baseline token rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called, err := runMiddleware(t, cfg, "Bearer "+tt.token, "/api/v1/cases")
			if called {
				t.Fatal("handler must not run")
			}
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

type stubRevocations struct {
	revoked map[string]bool
	err     error
}

func (s *stubRevocations) Revoke(_ context.Context, jti, _ string, _ time.Time) error {
	s.revoked[jti] = true
	return nil
}

func (s *stubRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	return s.revoked[jti], s.err
}

func TestJWTMiddleware_Revocation(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-1", "submitter"), testSigningKey)
	store := &stubRevocations{revoked: map[string]bool{}}
	cfg := JWTConfig{SigningKey: testSigningKey, Revocations: store}

	if called, err := runMiddleware(t, cfg, "Bearer "+tokenStr, "/api/v1/cases"); err != nil || !called {
		t.Fatalf("expected token to pass before revocation: %v", err)
	}

	_ = store.Revoke(context.Background(), "jti-user-1", "user-1", time.Now().Add(time.Hour))
	_, err := runMiddleware(t, cfg, "Bearer "+tokenStr, "/api/v1/cases")
	expectStatus(t, err, http.StatusUnauthorized)

	store.err = errors.New("redis down")
	_, err = runMiddleware(t, cfg, "Bearer "+tokenStr, "/api/v1/cases")
	expectStatus(t, err, http.StatusServiceUnavailable)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}

	for _, path := range []string{"/health", "/health/db", "/auth/login"} {
		called, err := runMiddleware(t, cfg, "", path)
		if err != nil || !called {
			t.Errorf("%s: expected public path to skip auth, got %v", path, err)
		}
	}

	called, err := runMiddleware(t, cfg, "", "/api/v1/cases")
	if called {
		t.Error("protected path must not skip auth")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testSigningKey, "mediassist", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, claims, err := issuer.Issue("principal-1", "recipient")
	if err != nil {
		t.Fatal(err)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		t.Fatalf("expected jti and exp, got %+v", claims)
	}

	called, err := runMiddleware(t, issuer.Config(nil), "Bearer "+token, "/api/v1/cases")
	if err != nil || !called {
		t.Fatalf("issued token rejected: %v", err)
	}

	_, second, _ := issuer.Issue("principal-1", "recipient")
	if second.ID == claims.ID {
		t.Error("each token needs its own jti")
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	if _, err := NewIssuer([]byte("short"), "x", time.Hour); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewIssuer(testSigningKey, "x", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
	if ClaimsFromContext(context.Background()) != nil {
		t.Error("expected nil claims")
	}
}
