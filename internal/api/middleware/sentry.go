package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SetSentryTenant tags the Sentry scope with the tenant context.
func SetSentryTenant(ctx context.Context, tenantID string, source string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("tenant_id", tenantID)
		scope.SetTag("tenant_source", source)
	})
}

// SetSentryUser attaches the caller's identity to the Sentry scope.
func SetSentryUser(ctx context.Context, userID string, role string, ip string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID, IPAddress: ip, Data: map[string]string{"role": role}})
	})
}
