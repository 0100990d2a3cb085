package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"isoforge/internal/worker/middleware"
)

const testSecret = "test-secret"

func newAuthRouter(secret, issuer string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.AuthMiddleware(secret, issuer))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func signToken(t *testing.T, secret, issuer, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return signed
}

func request(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthAcceptsValidToken(t *testing.T) {
	t.Parallel()
	r := newAuthRouter(testSecret, "isoforge")
	token := signToken(t, testSecret, "isoforge", "operator", time.Now().Add(time.Hour))
	if w := request(r, token); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	t.Parallel()
	r := newAuthRouter(testSecret, "")
	if w := request(r, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	r := newAuthRouter(testSecret, "")
	token := signToken(t, "other-secret", "", "operator", time.Now().Add(time.Hour))
	if w := request(r, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	r := newAuthRouter(testSecret, "")
	token := signToken(t, testSecret, "", "operator", time.Now().Add(-time.Hour))
	if w := request(r, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthRejectsWrongIssuer(t *testing.T) {
	t.Parallel()
	r := newAuthRouter(testSecret, "isoforge")
	token := signToken(t, testSecret, "someone-else", "operator", time.Now().Add(time.Hour))
	if w := request(r, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	r := newAuthRouter("", "")
	if w := request(r, ""); w.Code != http.StatusOK {
		t.Fatalf("expected open access, got %d", w.Code)
	}
}
