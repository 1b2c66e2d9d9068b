package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys so other packages cannot
// collide with ours.
type contextKey string

// Context keys for request-scoped identity.
const (
	UserIDKey        contextKey = "user_id"
	TenantIDKey      contextKey = "tenant_id"
	RoleKey          contextKey = "user_role"
	PlatformAdminKey contextKey = "is_platform_admin"
)

// GetUserID extracts the authenticated user id from the context.
func GetUserID(ctx context.Context) (uuid.UUID, error) {
	val := ctx.Value(UserIDKey)
	if val == nil {
		return uuid.Nil, fmt.Errorf("user_id not found in context")
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("user_id has wrong type: %T", val)
	}
	return id, nil
}

// GetTenantID extracts the tenant scope from the context.
func GetTenantID(ctx context.Context) (uuid.UUID, error) {
	val := ctx.Value(TenantIDKey)
	if val == nil {
		return uuid.Nil, fmt.Errorf("tenant_id not found in context")
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("tenant_id has wrong type: %T", val)
	}
	return id, nil
}

// GetRole extracts the tenant role from the context.
func GetRole(ctx context.Context) (string, error) {
	val := ctx.Value(RoleKey)
	if val == nil {
		return "", fmt.Errorf("user_role not found in context")
	}
	role, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("user_role has wrong type: %T", val)
	}
	return role, nil
}

// IsPlatformAdmin reports whether the caller holds platform-level access.
func IsPlatformAdmin(ctx context.Context) bool {
	val, _ := ctx.Value(PlatformAdminKey).(bool)
	return val
}
