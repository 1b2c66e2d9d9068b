package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/token"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	VerifyInternalToken(tokenStr string) (*token.AccessClaims, error)
}

// Auth validates the internal bearer token and injects the caller's
// identity into the request context. When an X-Tenant-ID header was
// provided upstream, the token must be scoped to that tenant.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.VerifyInternalToken(parts[1])
			if err != nil {
				slog.Warn("invalid bearer token", "error", err, "ip", r.RemoteAddr)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			if claims.OrgID != "" {
				tokenTenant, err := uuid.Parse(claims.OrgID)
				if err != nil {
					http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
					return
				}
				if headerTenant, herr := GetTenantID(ctx); herr == nil {
					if headerTenant != tokenTenant {
						slog.Warn("tenant scope mismatch", "token_tenant", tokenTenant, "header_tenant", headerTenant)
						http.Error(w, "Token does not match requested tenant context", http.StatusForbidden)
						return
					}
				} else {
					ctx = context.WithValue(ctx, TenantIDKey, tokenTenant)
					SetSentryTenant(ctx, tokenTenant.String(), "token-derived")
				}
			}

			ctx = context.WithValue(ctx, UserIDKey, userID)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)
			ctx = context.WithValue(ctx, PlatformAdminKey, claims.IsPlatformAdmin)
			SetSentryUser(ctx, userID.String(), claims.Role, r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
