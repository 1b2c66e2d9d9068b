package middleware

import (
	"log/slog"
	"net/http"
)

// Tenant roles, lowest to highest.
const (
	RoleViewer = "viewer"
	RoleMember = "member"
	RoleAdmin  = "admin"
)

var roleWeights = map[string]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
}

// RequireRole enforces a minimum tenant role. It expects Auth to have run
// first; the role comes from the token claims, not a database query.
// Platform admins pass regardless of tenant role.
func RequireRole(requiredRole string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := GetUserID(r.Context()); err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if IsPlatformAdmin(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}

			role, err := GetRole(r.Context())
			if err != nil {
				slog.Warn("role missing in context", "ip", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if roleWeights[role] < roleWeights[requiredRole] {
				slog.Warn("insufficient role", "have", role, "need", requiredRole)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequirePlatformAdmin gates platform-scoped endpoints such as tenant
// onboarding.
func RequirePlatformAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetUserID(r.Context()); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !IsPlatformAdmin(r.Context()) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
