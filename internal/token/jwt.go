// Package token encodes and verifies the four token kinds the service
// issues: RS256 access and id tokens (published in JWKS), HS256 enrollment
// and internal tokens, and opaque refresh/session tokens.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/keys"
)

// KeySource provides RS256 material; satisfied by *keys.Manager.
type KeySource interface {
	Current(ctx context.Context) (*keys.SigningKey, error)
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrWrongKind    = errors.New("token kind mismatch")
)

// Token kinds carried in the "kind" claim of non-id tokens.
const (
	KindAccess     = "access"
	KindEnrollment = "enrollment"
	KindInternal   = "internal"
)

// AccessClaims covers both RS256 OIDC access tokens and HS256 internal
// tokens. Hierarchical org context rides along so refresh can preserve it.
type AccessClaims struct {
	Kind            string `json:"kind"`
	Azp             string `json:"azp,omitempty"`
	Scope           string `json:"scope,omitempty"`
	OrgID           string `json:"org_id,omitempty"`
	OrgSlug         string `json:"org_slug,omitempty"`
	Role            string `json:"role,omitempty"`
	IsPlatformAdmin bool   `json:"is_platform_admin,omitempty"`
	jwt.RegisteredClaims
}

// IDClaims is the OIDC id_token payload; optional claims are filled by
// the caller according to granted scopes.
type IDClaims struct {
	Nonce         string   `json:"nonce,omitempty"`
	AuthTime      int64    `json:"auth_time"`
	AMR           []string `json:"amr,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified *bool    `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	GivenName     string   `json:"given_name,omitempty"`
	FamilyName    string   `json:"family_name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	UpdatedAt     int64    `json:"updated_at,omitempty"`
	OrgID         string   `json:"org_id,omitempty"`
	OrgName       string   `json:"org_name,omitempty"`
	jwt.RegisteredClaims
}

// EnrollmentClaims drive the unauthenticated MFA-setup endpoints after a
// successful primary factor.
type EnrollmentClaims struct {
	Kind     string `json:"kind"`
	TenantID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens. RS256 material comes from the key
// manager; the HS256 secret comes from configuration.
type Service struct {
	issuer string
	secret []byte
	keys   KeySource
}

func NewService(issuer string, secret []byte, ks KeySource) *Service {
	return &Service{issuer: issuer, secret: secret, keys: ks}
}

// Issuer returns the iss claim value used by every signed token.
func (s *Service) Issuer() string {
	return s.issuer
}

// AccessTokenParams describes an RS256 access token. For the
// client_credentials grant Subject equals ClientID.
type AccessTokenParams struct {
	Subject         string
	ClientID        string
	Scope           string
	OrgID           string
	OrgSlug         string
	Role            string
	IsPlatformAdmin bool
	TTL             time.Duration
}

// SignAccessToken mints an RS256 access token and returns it with its jti.
func (s *Service) SignAccessToken(ctx context.Context, p AccessTokenParams) (string, string, error) {
	key, err := s.keys.Current(ctx)
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	jti := uuid.NewString()
	claims := AccessClaims{
		Kind:            KindAccess,
		Azp:             p.ClientID,
		Scope:           p.Scope,
		OrgID:           p.OrgID,
		OrgSlug:         p.OrgSlug,
		Role:            p.Role,
		IsPlatformAdmin: p.IsPlatformAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.Kid
	signed, err := tok.SignedString(key.PrivateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, jti, nil
}

// SignIDToken mints the OIDC id_token. The caller has already filtered
// claims to the granted scopes.
func (s *Service) SignIDToken(ctx context.Context, claims IDClaims, ttl time.Duration) (string, error) {
	key, err := s.keys.Current(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims.Issuer = s.issuer
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.IssuedAt = jwt.NewNumericDate(now)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.Kid
	signed, err := tok.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}

// SignEnrollmentToken mints the short-lived HS256 token that authorizes
// MFA enrollment before the user holds a real session.
func (s *Service) SignEnrollmentToken(userID uuid.UUID, tenantID *uuid.UUID) (string, error) {
	now := time.Now()
	claims := EnrollmentClaims{
		Kind: KindEnrollment,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if tenantID != nil {
		claims.TenantID = tenantID.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign enrollment token: %w", err)
	}
	return signed, nil
}

// SignInternalAccessToken mints the HS256 token used by the legacy direct
// login path (no OAuth client involved).
func (s *Service) SignInternalAccessToken(p AccessTokenParams) (string, string, error) {
	now := time.Now()
	jti := uuid.NewString()
	claims := AccessClaims{
		Kind:            KindInternal,
		Scope:           p.Scope,
		OrgID:           p.OrgID,
		OrgSlug:         p.OrgSlug,
		Role:            p.Role,
		IsPlatformAdmin: p.IsPlatformAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign internal token: %w", err)
	}
	return signed, jti, nil
}

// VerifyAccessToken verifies an RS256 access token, selecting the public
// key by the mandatory kid header.
func (s *Service) VerifyAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid header")
		}
		return s.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !tok.Valid || claims.Kind != KindAccess {
		return nil, ErrWrongKind
	}
	if err := rejectAtExpiry(claims.ExpiresAt); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyInternalToken verifies an HS256 internal access token.
func (s *Service) VerifyInternalToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, s.hs256KeyFunc)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !tok.Valid || claims.Kind != KindInternal {
		return nil, ErrWrongKind
	}
	if err := rejectAtExpiry(claims.ExpiresAt); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyEnrollmentToken verifies the MFA-setup token and returns the user
// it was issued to.
func (s *Service) VerifyEnrollmentToken(tokenString string) (*EnrollmentClaims, error) {
	claims := &EnrollmentClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, s.hs256KeyFunc)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !tok.Valid || claims.Kind != KindEnrollment {
		return nil, ErrWrongKind
	}
	if err := rejectAtExpiry(claims.ExpiresAt); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) hs256KeyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}

// rejectAtExpiry closes the boundary: a token presented exactly at exp is
// invalid, which the library's strictly-after check lets through.
func rejectAtExpiry(exp *jwt.NumericDate) error {
	if exp == nil {
		return ErrInvalidToken
	}
	if !time.Now().Before(exp.Time) {
		return ErrExpiredToken
	}
	return nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return ErrInvalidToken
}
