package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/keys"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/token"
)

// Revoke implements RFC 7009. Unknown or already-revoked tokens succeed
// silently so callers learn nothing about token validity.
func (s *Service) Revoke(ctx context.Context, clientID, clientSecret, tokenValue, hint string) error {
	app, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	if hint != "access_token" {
		hash := token.Hash(tokenValue)
		if rt, err := s.master().GetRefreshTokenByHash(ctx, hash); err == nil {
			if rt.ClientID != app.ClientID {
				return nil
			}
			if err := s.master().RevokeRefreshTokenFamily(ctx, rt.FamilyID); err != nil {
				return err
			}
			s.audit.Log(ctx, audit.ActionTokenRevoked, audit.Event{ActorID: rt.UserID, Metadata: map[string]string{"client_id": app.ClientID, "token_type": "refresh_token"}})
			return nil
		}
	}

	claims, err := s.tokens.VerifyAccessToken(ctx, tokenValue)
	if err != nil {
		return nil
	}
	if claims.Azp != app.ClientID {
		return nil
	}
	if err := s.master().DeleteAccessTokenRecord(ctx, claims.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.audit.Log(ctx, audit.ActionTokenRevoked, audit.Event{Metadata: map[string]string{"client_id": app.ClientID, "token_type": "access_token"}})
	return nil
}

// Introspection is the RFC 7662 response. Only Active is emitted for
// unknown tokens.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Iss       string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
}

// Introspect implements RFC 7662. The access-token record is
// authoritative: a validly signed JWT whose record was deleted is
// inactive.
func (s *Service) Introspect(ctx context.Context, clientID, clientSecret, tokenValue string) (*Introspection, error) {
	if _, err := s.authenticateClient(ctx, clientID, clientSecret); err != nil {
		return nil, err
	}

	if claims, err := s.tokens.VerifyAccessToken(ctx, tokenValue); err == nil {
		rec, err := s.master().GetAccessTokenRecord(ctx, claims.ID)
		if err != nil || !rec.ExpiresAt.After(time.Now()) {
			return &Introspection{Active: false}, nil
		}
		resp := &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.Azp,
			Sub:       claims.Subject,
			TokenType: "Bearer",
			Iss:       claims.Issuer,
			JTI:       claims.ID,
			OrgID:     claims.OrgID,
		}
		if claims.ExpiresAt != nil {
			resp.Exp = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			resp.Iat = claims.IssuedAt.Unix()
		}
		return resp, nil
	}

	rt, err := s.master().GetRefreshTokenByHash(ctx, token.Hash(tokenValue))
	if err != nil || rt.RevokedAt != nil || (rt.ExpiresAt != nil && !rt.ExpiresAt.After(time.Now())) {
		return &Introspection{Active: false}, nil
	}
	resp := &Introspection{
		Active:    true,
		Scope:     rt.Scope,
		ClientID:  rt.ClientID,
		Sub:       rt.UserID.String(),
		TokenType: "refresh_token",
		Iat:       rt.CreatedAt.Unix(),
	}
	if rt.ExpiresAt != nil {
		resp.Exp = rt.ExpiresAt.Unix()
	}
	if rt.TenantID != nil {
		resp.OrgID = rt.TenantID.String()
	}
	return resp, nil
}

// UserInfo returns the claims the access token's scopes grant.
func (s *Service) UserInfo(ctx context.Context, bearer string) (map[string]any, error) {
	claims, err := s.tokens.VerifyAccessToken(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if _, err := s.master().GetAccessTokenRecord(ctx, claims.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, token.ErrInvalidToken
		}
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, token.ErrInvalidToken
	}

	var tenantID *uuid.UUID
	if claims.OrgID != "" {
		id, err := uuid.Parse(claims.OrgID)
		if err != nil {
			return nil, token.ErrInvalidToken
		}
		tenantID = &id
	}
	store, err := s.userStore(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	user, err := store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	scopes := map[string]bool{}
	for _, sc := range strings.Fields(claims.Scope) {
		scopes[sc] = true
	}

	info := map[string]any{"sub": user.ID.String()}
	if scopes["email"] {
		info["email"] = user.Email
		info["email_verified"] = user.EmailVerified
	}
	if scopes["profile"] {
		if user.Name != nil {
			info["name"] = *user.Name
		}
		if user.GivenName != nil {
			info["given_name"] = *user.GivenName
		}
		if user.FamilyName != nil {
			info["family_name"] = *user.FamilyName
		}
		if user.Picture != nil {
			info["picture"] = *user.Picture
		}
		info["updated_at"] = user.UpdatedAt.Unix()
	}
	return info, nil
}

// Discovery is the OIDC provider metadata document.
type Discovery struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

// DiscoveryDocument builds the metadata published at
// /.well-known/openid-configuration.
func (s *Service) DiscoveryDocument() Discovery {
	return Discovery{
		Issuer:                           s.issuerURL,
		AuthorizationEndpoint:            s.issuerURL + "/authorize",
		TokenEndpoint:                    s.issuerURL + "/oauth/token",
		UserinfoEndpoint:                 s.issuerURL + "/userinfo",
		JWKSURI:                          s.issuerURL + "/.well-known/jwks.json",
		RevocationEndpoint:               s.issuerURL + "/oauth/revoke",
		IntrospectionEndpoint:            s.issuerURL + "/oauth/introspect",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token", "client_credentials"},
		CodeChallengeMethodsSupported:    []string{MethodS256, MethodPlain},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ScopesSupported:                  []string{"openid", "profile", "email", ScopeOffline},
		TokenEndpointAuthMethods:         []string{"client_secret_post", "client_secret_basic", "none"},
		SubjectTypesSupported:            []string{"public"},
		ClaimsSupported:                  []string{"sub", "email", "email_verified", "name", "given_name", "family_name", "picture", "org_id", "org_name"},
	}
}

// JWKS returns the published signing keys, current plus the rotation
// window.
func (s *Service) JWKS(ctx context.Context) (*keys.JWKS, error) {
	return s.keys.JWKS(ctx)
}
