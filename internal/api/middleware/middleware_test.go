package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/meridianauth/meridian/internal/token"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()

	_, err := GetUserID(ctx)
	assert.Error(t, err)
	_, err = GetTenantID(ctx)
	assert.Error(t, err)
	assert.False(t, IsPlatformAdmin(ctx))

	userID := uuid.New()
	tenantID := uuid.New()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, RoleKey, "admin")
	ctx = context.WithValue(ctx, PlatformAdminKey, true)

	gotUser, err := GetUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, userID, gotUser)

	gotTenant, err := GetTenantID(ctx)
	require.NoError(t, err)
	assert.Equal(t, tenantID, gotTenant)

	role, err := GetRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", role)
	assert.True(t, IsPlatformAdmin(ctx))
}

func TestTenantContext(t *testing.T) {
	tenantID := uuid.New()
	var seen uuid.UUID
	handler := TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetTenantID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", tenantID.String())
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, tenantID, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func newTokenService() *token.Service {
	return token.NewService("https://auth.test", []byte("test-secret"), nil)
}

func TestAuthMiddleware(t *testing.T) {
	svc := newTokenService()
	tenantID := uuid.New()
	userID := uuid.New()

	signed, _, err := svc.SignInternalAccessToken(token.AccessTokenParams{
		Subject: userID.String(),
		OrgID:   tenantID.String(),
		Role:    "admin",
		TTL:     time.Minute,
	})
	require.NoError(t, err)

	var gotUser, gotTenant uuid.UUID
	var gotRole string
	handler := Auth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUserID(r.Context())
		gotTenant, _ = GetTenantID(r.Context())
		gotRole, _ = GetRole(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, gotUser)
	assert.Equal(t, tenantID, gotTenant)
	assert.Equal(t, "admin", gotRole)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	svc := newTokenService()
	handler := Auth(svc)(okHandler())

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthMiddlewareTenantMismatch(t *testing.T) {
	svc := newTokenService()
	signed, _, err := svc.SignInternalAccessToken(token.AccessTokenParams{
		Subject: uuid.NewString(),
		OrgID:   uuid.NewString(),
		TTL:     time.Minute,
	})
	require.NoError(t, err)

	handler := TenantContext(Auth(svc)(okHandler()))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("X-Tenant-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin)(okHandler())

	run := func(role string, platform bool, withUser bool) int {
		ctx := context.Background()
		if withUser {
			ctx = context.WithValue(ctx, UserIDKey, uuid.New())
			ctx = context.WithValue(ctx, RoleKey, role)
			ctx = context.WithValue(ctx, PlatformAdminKey, platform)
		}
		req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, run("", false, false))
	assert.Equal(t, http.StatusForbidden, run(RoleMember, false, true))
	assert.Equal(t, http.StatusOK, run(RoleAdmin, false, true))
	assert.Equal(t, http.StatusOK, run(RoleViewer, true, true))
}

func TestRequirePlatformAdmin(t *testing.T) {
	handler := RequirePlatformAdmin(okHandler())

	ctx := context.WithValue(context.Background(), UserIDKey, uuid.New())
	ctx = context.WithValue(ctx, PlatformAdminKey, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	ctx = context.WithValue(ctx, PlatformAdminKey, true)
	req = httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Limit(1), 2)
	handler := limiter.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// A different IP has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
