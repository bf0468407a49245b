package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const tenantKey contextKey = "tenant"

// Authenticator validates bearer tokens and resolves the calling tenant.
// With no secret configured every request passes through anonymously,
// which keeps single-user deployments zero-config.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return &Authenticator{}
	}
	return &Authenticator{secret: []byte(secret)}
}

// Middleware extracts the tenant from a Bearer JWT's "tenant" claim. A
// missing header is allowed (anonymous tenant); a present but invalid
// token is rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "malformed Authorization header", "UNAUTHORIZED")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}

		tenant, _ := claims["tenant"].(string)
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

// WithTenant stamps a tenant into a context.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// TenantFrom returns the authenticated tenant, or "" for anonymous.
func TenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}
