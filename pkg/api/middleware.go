package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims expected by the Admission API.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type principalKey struct{}

// Principal is the authenticated caller, injected into the request
// context by the auth middleware.
type Principal struct {
	Subject  string
	TenantID string
	Roles    []string
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the Principal injected by the auth middleware,
// or nil if none is present.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// JWTValidator validates bearer tokens signed with a shared HMAC key,
// grounded on the reference's auth.JWTValidator — simplified from its
// pluggable KeySet to a single signing secret, since the orchestrator
// has no multi-tenant key rotation surface of its own.
type JWTValidator struct {
	SigningKey []byte
}

// NewJWTValidator builds a validator over a shared HMAC signing key.
func NewJWTValidator(signingKey string) *JWTValidator {
	return &JWTValidator{SigningKey: []byte(signingKey)}
}

func (v *JWTValidator) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return v.SigningKey, nil
}

// Validate parses and validates a bearer token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// AuthMiddleware enforces JWT bearer authentication on every request
// except publicPaths. If validator is nil, every non-public request is
// rejected (fail closed), matching the reference's NewMiddleware.
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "expected 'Bearer <token>'")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, r, "authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, r, "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, r, "token subject is required")
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{
				Subject:  claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger logs one structured line per request, grounded on the
// reference's requestid/logging middleware convention.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
