package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/keys"
)

// staticKeys serves a fixed keypair without a database.
type staticKeys struct {
	key *keys.SigningKey
}

func (s *staticKeys) Current(context.Context) (*keys.SigningKey, error) {
	return s.key, nil
}

func (s *staticKeys) PublicKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if kid != s.key.Kid {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return &s.key.PrivateKey.PublicKey, nil
}

func newTestService(t *testing.T) (*Service, *staticKeys) {
	t.Helper()
	kid, _, privatePEM, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	priv, err := keys.ParsePrivateKeyPEM(privatePEM)
	require.NoError(t, err)

	ks := &staticKeys{key: &keys.SigningKey{Kid: kid, PrivateKey: priv}}
	return NewService("https://auth.example.com", []byte("test-secret-at-least-32-bytes!!!"), ks), ks
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	userID := uuid.NewString()
	signed, jti, err := svc.SignAccessToken(ctx, AccessTokenParams{
		Subject:  userID,
		ClientID: "app_123",
		Scope:    "openid profile",
		OrgID:    "org_456",
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, jti)

	claims, err := svc.VerifyAccessToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.Subject)
	assert.Equal(t, "https://auth.example.com", claims.Issuer)
	assert.Equal(t, []string{"app_123"}, []string(claims.Audience))
	assert.Equal(t, "app_123", claims.Azp)
	assert.Equal(t, "openid profile", claims.Scope)
	assert.Equal(t, "org_456", claims.OrgID)
	assert.Equal(t, jti, claims.ID)
}

func TestAccessTokenExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	signed, _, err := svc.SignAccessToken(ctx, AccessTokenParams{
		Subject:  uuid.NewString(),
		ClientID: "app_123",
		TTL:      -time.Minute,
	})
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(ctx, signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAccessTokenUnknownKid(t *testing.T) {
	svc, ks := newTestService(t)
	ctx := context.Background()

	signed, _, err := svc.SignAccessToken(ctx, AccessTokenParams{
		Subject:  uuid.NewString(),
		ClientID: "app_123",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	// Rotate the key source out from under the token.
	kid, _, privatePEM, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	priv, err := keys.ParsePrivateKeyPEM(privatePEM)
	require.NoError(t, err)
	ks.key = &keys.SigningKey{Kid: kid, PrivateKey: priv}

	_, err = svc.VerifyAccessToken(ctx, signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessTokenRejectsHS256Confusion(t *testing.T) {
	svc, _ := newTestService(t)

	// An internal HS256 token must not verify as an RS256 access token.
	signed, _, err := svc.SignInternalAccessToken(AccessTokenParams{
		Subject: uuid.NewString(),
		TTL:     time.Hour,
	})
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(context.Background(), signed)
	assert.Error(t, err)
}

func TestAccessTokenTampered(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	signed, _, err := svc.SignAccessToken(ctx, AccessTokenParams{
		Subject:  uuid.NewString(),
		ClientID: "app_123",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(ctx, signed+"x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestInternalTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	userID := uuid.NewString()
	signed, jti, err := svc.SignInternalAccessToken(AccessTokenParams{
		Subject:         userID,
		OrgID:           "org_1",
		OrgSlug:         "acme",
		Role:            "admin",
		IsPlatformAdmin: true,
		TTL:             time.Hour,
	})
	require.NoError(t, err)

	claims, err := svc.VerifyInternalToken(signed)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.Subject)
	assert.Equal(t, "acme", claims.OrgSlug)
	assert.Equal(t, "admin", claims.Role)
	assert.True(t, claims.IsPlatformAdmin)
	assert.Equal(t, jti, claims.ID)
}

func TestInternalTokenWrongSecret(t *testing.T) {
	svc, ks := newTestService(t)

	signed, _, err := svc.SignInternalAccessToken(AccessTokenParams{
		Subject: uuid.NewString(),
		TTL:     time.Hour,
	})
	require.NoError(t, err)

	other := NewService(svc.Issuer(), []byte("a-completely-different-secret!!!"), ks)
	_, err = other.VerifyInternalToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEnrollmentTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	userID := uuid.New()
	tenantID := uuid.New()
	signed, err := svc.SignEnrollmentToken(userID, &tenantID)
	require.NoError(t, err)

	claims, err := svc.VerifyEnrollmentToken(signed)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, tenantID.String(), claims.TenantID)
}

func TestEnrollmentTokenIsNotAnAccessToken(t *testing.T) {
	svc, _ := newTestService(t)

	signed, err := svc.SignEnrollmentToken(uuid.New(), nil)
	require.NoError(t, err)

	_, err = svc.VerifyInternalToken(signed)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestIDTokenClaims(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	verified := true
	signed, err := svc.SignIDToken(ctx, IDClaims{
		Nonce:         "n-0S6_WzA2Mj",
		AuthTime:      time.Now().Unix(),
		AMR:           []string{"pwd", "otp"},
		Email:         "jo@example.com",
		EmailVerified: &verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "user_1",
			Audience: jwt.ClaimStrings{"app_123"},
		},
	}, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, signed)
}

func TestGenerateOpaque(t *testing.T) {
	a, err := GenerateOpaque(32)
	require.NoError(t, err)
	b, err := GenerateOpaque(32)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, Hash(a), Hash(b))
	assert.Equal(t, Hash(a), Hash(a))
}
