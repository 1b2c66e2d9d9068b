package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/token"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// TokenRequest is the parsed form body of POST /oauth/token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Exchange dispatches a token request to its grant handler.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return s.exchangeAuthorizationCode(ctx, req)
	case "refresh_token":
		return s.exchangeRefreshToken(ctx, req)
	case "client_credentials":
		return s.exchangeClientCredentials(ctx, req)
	default:
		return nil, oauthErr(ErrCodeUnsupportedGrant, "unsupported grant_type "+req.GrantType)
	}
}

func (s *Service) exchangeAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := s.master().GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidGrant, "authorization code is invalid, expired or already used")
		}
		return nil, err
	}

	if code.ClientID != req.ClientID {
		return nil, oauthErr(ErrCodeInvalidGrant, "authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, oauthErr(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	// PKCE runs before the code is consumed: a mismatched verifier
	// leaves the code alive so a legitimate retry can still succeed.
	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, oauthErr(ErrCodeInvalidRequest, "code_verifier is required")
		}
		if !VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
			return nil, oauthErr(ErrCodeInvalidGrant, "code_verifier does not match code_challenge")
		}
	}

	if err := s.consumeCode(ctx, code.Code); err != nil {
		return nil, err
	}

	resp, err := s.mintUserTokens(ctx, app, code)
	if err != nil {
		return nil, err
	}

	ev := audit.Event{ActorID: code.UserID, Metadata: map[string]string{"client_id": app.ClientID, "grant": "authorization_code"}}
	if code.TenantID != nil {
		ev.TenantID = *code.TenantID
	}
	s.audit.Log(ctx, audit.ActionTokenIssued, ev)
	return resp, nil
}

func (s *Service) mintUserTokens(ctx context.Context, app storage.Application, code storage.AuthorizationCode) (*TokenResponse, error) {
	accessTTL := ttlOrDefault(app.AccessTokenTTLSeconds, defaultAccessTTL)

	params := token.AccessTokenParams{
		Subject:  code.UserID.String(),
		ClientID: app.ClientID,
		Scope:    code.Scope,
		TTL:      accessTTL,
	}
	if code.TenantID != nil {
		params.OrgID = code.TenantID.String()
	}
	access, jti, err := s.tokens.SignAccessToken(ctx, params)
	if err != nil {
		return nil, err
	}

	userID := code.UserID
	if err := s.master().CreateAccessTokenRecord(ctx, storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  app.ClientID,
		UserID:    &userID,
		TenantID:  code.TenantID,
		Scope:     code.Scope,
		ExpiresAt: time.Now().Add(accessTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to record access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       code.Scope,
	}

	scopes := strings.Fields(code.Scope)
	if contains(scopes, "openid") {
		idToken, err := s.mintIDToken(ctx, app, code, scopes)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	if s.issuesRefreshToken(scopes) {
		refresh, err := token.GenerateOpaque(32)
		if err != nil {
			return nil, err
		}
		refreshExp := time.Now().Add(ttlOrDefault(app.RefreshTokenTTLSeconds, defaultRefreshTTL))
		if err := s.master().CreateRefreshToken(ctx, storage.RefreshToken{
			ID:        uuid.New(),
			TokenHash: token.Hash(refresh),
			FamilyID:  uuid.New(),
			ClientID:  app.ClientID,
			UserID:    code.UserID,
			TenantID:  code.TenantID,
			Scope:     code.Scope,
			ExpiresAt: &refreshExp,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist refresh token: %w", err)
		}
		resp.RefreshToken = refresh
	}

	return resp, nil
}

func (s *Service) mintIDToken(ctx context.Context, app storage.Application, code storage.AuthorizationCode, scopes []string) (string, error) {
	store, err := s.userStore(ctx, code.TenantID)
	if err != nil {
		return "", err
	}
	user, err := store.GetUserByID(ctx, code.UserID)
	if err != nil {
		return "", err
	}

	claims := token.IDClaims{
		Nonce:    code.Nonce,
		AuthTime: code.CreatedAt.Unix(),
		AMR:      []string{"pwd"},
	}
	claims.Subject = user.ID.String()
	claims.Audience = []string{app.ClientID}

	// Users holding a verified factor always pass an MFA challenge
	// before a code is minted.
	if user.MfaEnabled {
		claims.AMR = append(claims.AMR, "mfa")
	}

	if contains(scopes, "email") {
		claims.Email = user.Email
		verified := user.EmailVerified
		claims.EmailVerified = &verified
	}
	if contains(scopes, "profile") {
		if user.Name != nil {
			claims.Name = *user.Name
		}
		if user.GivenName != nil {
			claims.GivenName = *user.GivenName
		}
		if user.FamilyName != nil {
			claims.FamilyName = *user.FamilyName
		}
		if user.Picture != nil {
			claims.Picture = *user.Picture
		}
		claims.UpdatedAt = user.UpdatedAt.Unix()
	}
	if code.TenantID != nil {
		if t, err := s.master().GetTenantByID(ctx, *code.TenantID); err == nil {
			claims.OrgID = t.ID.String()
			claims.OrgName = t.Name
		}
	}

	return s.tokens.SignIDToken(ctx, claims, idTokenTTL)
}

func (s *Service) exchangeRefreshToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	hash := token.Hash(req.RefreshToken)
	old, err := s.master().GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidGrant, "refresh token is invalid")
		}
		return nil, err
	}

	if old.RevokedAt != nil {
		// Rotated-token reuse: burn the family.
		if ferr := s.master().RevokeRefreshTokenFamily(ctx, old.FamilyID); ferr != nil {
			s.log.Error("failed to revoke refresh token family", "family_id", old.FamilyID, "error", ferr)
		}
		s.audit.Log(ctx, audit.ActionRefreshReuse, audit.Event{ActorID: old.UserID, Metadata: map[string]string{"client_id": app.ClientID}})
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token has been revoked")
	}
	if old.ExpiresAt != nil && !old.ExpiresAt.After(time.Now()) {
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token has expired")
	}
	if old.ClientID != req.ClientID {
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token was issued to a different client")
	}

	store, err := s.userStore(ctx, old.TenantID)
	if err != nil {
		return nil, err
	}
	user, err := store.GetUserByID(ctx, old.UserID)
	if err != nil {
		return nil, oauthErr(ErrCodeInvalidGrant, "user no longer exists")
	}
	if !user.IsActive {
		return nil, oauthErr(ErrCodeInvalidGrant, "user is deactivated")
	}

	accessTTL := ttlOrDefault(app.AccessTokenTTLSeconds, defaultAccessTTL)
	params := token.AccessTokenParams{
		Subject:  old.UserID.String(),
		ClientID: app.ClientID,
		Scope:    old.Scope,
		TTL:      accessTTL,
	}
	if old.TenantID != nil {
		params.OrgID = old.TenantID.String()
	}
	access, jti, err := s.tokens.SignAccessToken(ctx, params)
	if err != nil {
		return nil, err
	}

	userID := old.UserID
	if err := s.master().CreateAccessTokenRecord(ctx, storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  app.ClientID,
		UserID:    &userID,
		TenantID:  old.TenantID,
		Scope:     old.Scope,
		ExpiresAt: time.Now().Add(accessTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to record access token: %w", err)
	}

	// Single-use rotation: the presented token is revoked and replaced
	// within its family.
	next, err := token.GenerateOpaque(32)
	if err != nil {
		return nil, err
	}
	nextExp := time.Now().Add(ttlOrDefault(app.RefreshTokenTTLSeconds, defaultRefreshTTL))
	err = s.master().RotateRefreshToken(ctx, hash, storage.RefreshToken{
		ID:        uuid.New(),
		TokenHash: token.Hash(next),
		FamilyID:  old.FamilyID,
		ClientID:  old.ClientID,
		UserID:    old.UserID,
		TenantID:  old.TenantID,
		Scope:     old.Scope,
		Audience:  old.Audience,
		ExpiresAt: &nextExp,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if ferr := s.master().RevokeRefreshTokenFamily(ctx, old.FamilyID); ferr != nil {
				s.log.Error("failed to revoke refresh token family", "family_id", old.FamilyID, "error", ferr)
			}
			s.audit.Log(ctx, audit.ActionRefreshReuse, audit.Event{ActorID: old.UserID})
			return nil, oauthErr(ErrCodeInvalidGrant, "refresh token has been revoked")
		}
		return nil, err
	}

	// No new id_token on refresh.
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
		RefreshToken: next,
		Scope:        old.Scope,
	}, nil
}

func (s *Service) exchangeClientCredentials(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	app, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if app.ClientSecretHash == nil {
		return nil, oauthErr(ErrCodeInvalidClient, "client_credentials requires a confidential client")
	}
	if !contains(app.GrantTypes, "client_credentials") {
		return nil, oauthErr(ErrCodeUnauthorizedClient, "client may not use the client_credentials grant")
	}
	if err := validateScopes(req.Scope, app.AllowedScopes); err != nil {
		return nil, err
	}

	accessTTL := ttlOrDefault(app.AccessTokenTTLSeconds, defaultAccessTTL)
	access, jti, err := s.tokens.SignAccessToken(ctx, token.AccessTokenParams{
		Subject:  app.ClientID,
		ClientID: app.ClientID,
		Scope:    req.Scope,
		TTL:      accessTTL,
	})
	if err != nil {
		return nil, err
	}

	if err := s.master().CreateAccessTokenRecord(ctx, storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  app.ClientID,
		TenantID:  app.TenantID,
		Scope:     req.Scope,
		ExpiresAt: time.Now().Add(accessTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to record access token: %w", err)
	}

	s.audit.Log(ctx, audit.ActionTokenIssued, audit.Event{Metadata: map[string]string{"client_id": app.ClientID, "grant": "client_credentials"}})
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       req.Scope,
	}, nil
}

func ttlOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func contains(scopes []string, want string) bool {
	for _, sc := range scopes {
		if sc == want {
			return true
		}
	}
	return false
}
