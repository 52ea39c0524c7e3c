package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key []byte, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestAuthMiddleware_PublicPathBypassesAuth(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mw := AuthMiddleware(nil)(next)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	mw.ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_NilValidatorFailsClosed(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("should not reach handler") })
	mw := AuthMiddleware(nil)(next)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/executions/status", nil)
	r.Header.Set("Authorization", "Bearer anything")
	mw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_MissingHeaderRejected(t *testing.T) {
	v := NewJWTValidator("secret")
	mw := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("should not reach handler") }))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/executions/status", nil)
	mw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_MalformedHeaderRejected(t *testing.T) {
	v := NewJWTValidator("secret")
	mw := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("should not reach handler") }))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/executions/status", nil)
	r.Header.Set("Authorization", "Basic foo")
	mw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_InvalidSignatureRejected(t *testing.T) {
	v := NewJWTValidator("secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token := signToken(t, []byte("wrong-secret"), claims)

	mw := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("should not reach handler") }))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/executions/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	mw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_ValidTokenInjectsPrincipal(t *testing.T) {
	key := []byte("secret")
	v := NewJWTValidator(string(key))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "tenant-a",
		Roles:            []string{"operator"},
	}
	token := signToken(t, key, claims)

	var gotPrincipal *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mw := AuthMiddleware(v)(next)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/executions/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	mw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, gotPrincipal)
	assert.Equal(t, "user-1", gotPrincipal.Subject)
	assert.Equal(t, "tenant-a", gotPrincipal.TenantID)
	assert.Equal(t, []string{"operator"}, gotPrincipal.Roles)
}

func TestAuthMiddleware_ExpiredTokenRejected(t *testing.T) {
	key := []byte("secret")
	v := NewJWTValidator(string(key))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}
	token := signToken(t, key, claims)

	mw := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("should not reach handler") }))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/executions/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	mw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPrincipalFrom_ReturnsNilWhenAbsent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, PrincipalFrom(r.Context()))
}
