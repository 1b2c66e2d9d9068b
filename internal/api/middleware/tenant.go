package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// TenantContext reads the optional X-Tenant-ID header. A present header
// must parse as a UUID; existence is not checked here, the router rejects
// unknown tenants at pool-selection time.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantIDStr := r.Header.Get("X-Tenant-ID")
		if tenantIDStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		tenantID, err := uuid.Parse(tenantIDStr)
		if err != nil {
			slog.Warn("invalid tenant id header", "value", tenantIDStr, "ip", r.RemoteAddr)
			http.Error(w, "Invalid Tenant ID", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		SetSentryTenant(ctx, tenantID.String(), "header-provided")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
