// Package oauth implements the OAuth 2.1 / OIDC authorization server:
// authorization requests, PKCE-protected code exchange, the three token
// grants, revocation, introspection, userinfo, discovery and JWKS.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/keys"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
	"github.com/meridianauth/meridian/internal/token"
)

const (
	authRequestTTL = 10 * time.Minute
	authCodeTTL    = 10 * time.Minute
	idTokenTTL     = time.Hour
)

// ScopeOffline opts a grant into refresh tokens when issuance is gated
// behind the scope.
const ScopeOffline = "offline_access"

// Service is the authorization server. OAuth entities live on the master
// store; user lookups route through the tenant router.
type Service struct {
	router    *tenant.Router
	tokens    *token.Service
	keys      *keys.Manager
	audit     audit.Logger
	log       *slog.Logger
	issuerURL string
	// loginURL is the self-service login flow endpoint authorization
	// requests redirect to.
	loginURL string
	// requireOfflineScope gates refresh tokens on the offline_access
	// scope. Off by default: every code exchange gets one.
	requireOfflineScope bool
}

func NewService(router *tenant.Router, tokens *token.Service, km *keys.Manager, auditLog audit.Logger, log *slog.Logger, issuerURL string, requireOfflineScope bool) *Service {
	return &Service{
		router:              router,
		tokens:              tokens,
		keys:                km,
		audit:               auditLog,
		log:                 log,
		issuerURL:           strings.TrimRight(issuerURL, "/"),
		loginURL:            strings.TrimRight(issuerURL, "/") + "/self-service/login/browser",
		requireOfflineScope: requireOfflineScope,
	}
}

// issuesRefreshToken decides whether a code exchange mints a refresh
// token for the granted scopes.
func (s *Service) issuesRefreshToken(scopes []string) bool {
	return !s.requireOfflineScope || contains(scopes, ScopeOffline)
}

func (s *Service) master() *storage.Store {
	return s.router.Master()
}

func (s *Service) userStore(ctx context.Context, tenantID *uuid.UUID) (*storage.Store, error) {
	if tenantID == nil {
		return s.master(), nil
	}
	return s.router.Lookup(ctx, *tenantID)
}

// AuthorizeParams are the query parameters of GET /authorize.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Prompt              string
	LoginHint           string
	MaxAge              *int
	UILocales           string
	TenantID            *uuid.UUID
}

// AuthorizeResult tells the handler where to send the user agent.
type AuthorizeResult struct {
	RequestID  string
	RedirectTo string
}

// Authorize validates an authorization request, persists it and produces
// the redirect into the self-service login flow.
func (s *Service) Authorize(ctx context.Context, p AuthorizeParams) (*AuthorizeResult, error) {
	app, err := s.master().GetApplicationByClientID(ctx, p.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidClient, "unknown client")
		}
		return nil, err
	}
	if !app.IsActive {
		return nil, oauthErr(ErrCodeInvalidClient, "client is disabled")
	}

	// Exact string match against the registered callback list, no
	// normalization.
	if !slices.Contains(app.CallbackURLs, p.RedirectURI) {
		return nil, oauthErr(ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	if p.ResponseType != "code" {
		return nil, oauthErr(ErrCodeUnsupportedResponse, "only response_type=code is supported")
	}
	if !slices.Contains(app.GrantTypes, "authorization_code") {
		return nil, oauthErr(ErrCodeUnauthorizedClient, "client may not use the authorization_code grant")
	}

	if err := validateScopes(p.Scope, app.AllowedScopes); err != nil {
		return nil, err
	}

	if p.CodeChallenge != "" {
		switch p.CodeChallengeMethod {
		case MethodS256, MethodPlain, "":
		default:
			return nil, oauthErr(ErrCodeInvalidRequest, "unsupported code_challenge_method")
		}
	}

	requestID, err := token.GenerateOpaque(16)
	if err != nil {
		return nil, err
	}
	req := storage.AuthorizationRequest{
		RequestID:           requestID,
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		ResponseType:        p.ResponseType,
		Scope:               p.Scope,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
		TenantID:            p.TenantID,
		Prompt:              p.Prompt,
		LoginHint:           p.LoginHint,
		MaxAge:              p.MaxAge,
		UILocales:           p.UILocales,
		ExpiresAt:           time.Now().Add(authRequestTTL),
	}
	if err := s.master().CreateAuthorizationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist authorization request: %w", err)
	}

	q := url.Values{"authorization_request_id": {requestID}}
	if p.LoginHint != "" {
		q.Set("login_hint", p.LoginHint)
	}
	return &AuthorizeResult{
		RequestID:  requestID,
		RedirectTo: s.loginURL + "?" + q.Encode(),
	}, nil
}

// GetAuthorizationRequest loads an unexpired in-flight request.
func (s *Service) GetAuthorizationRequest(ctx context.Context, requestID string) (storage.AuthorizationRequest, error) {
	return s.master().GetAuthorizationRequest(ctx, requestID)
}

// CompleteAuthorization is called by the flow engine once the user is
// authenticated: it mints the single-use code, deletes the request and
// returns the callback redirect.
func (s *Service) CompleteAuthorization(ctx context.Context, requestID string, userID uuid.UUID) (string, error) {
	req, err := s.master().GetAuthorizationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", oauthErr(ErrCodeInvalidRequest, "authorization request not found or expired")
		}
		return "", err
	}

	code, err := token.GenerateOpaque(24)
	if err != nil {
		return "", err
	}
	if err := s.master().CreateAuthorizationCode(ctx, storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              userID,
		TenantID:            req.TenantID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		ResponseType:        req.ResponseType,
		ExpiresAt:           time.Now().Add(authCodeTTL),
	}); err != nil {
		return "", fmt.Errorf("failed to persist authorization code: %w", err)
	}

	if err := s.master().DeleteAuthorizationRequest(ctx, requestID); err != nil {
		s.log.Warn("failed to delete authorization request", "request_id", requestID, "error", err)
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", err
	}
	q := redirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// validateScopes requires requested ⊆ allowed.
func validateScopes(requested string, allowed []string) error {
	for _, sc := range strings.Fields(requested) {
		if !slices.Contains(allowed, sc) {
			return oauthErr(ErrCodeInvalidScope, "scope "+sc+" is not allowed for this client")
		}
	}
	return nil
}

// authenticateClient verifies client credentials. Public clients have no
// secret and pass with an empty one.
func (s *Service) authenticateClient(ctx context.Context, clientID, clientSecret string) (storage.Application, error) {
	app, err := s.master().GetApplicationByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Application{}, oauthErr(ErrCodeInvalidClient, "unknown client")
		}
		return storage.Application{}, err
	}
	if !app.IsActive {
		return storage.Application{}, oauthErr(ErrCodeInvalidClient, "client is disabled")
	}

	if app.ClientSecretHash == nil {
		if clientSecret != "" {
			return storage.Application{}, oauthErr(ErrCodeInvalidClient, "client has no secret")
		}
		return app, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*app.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.Application{}, oauthErr(ErrCodeInvalidClient, "client authentication failed")
	}
	return app, nil
}

// consumeCode atomically marks the code used; losing the race surfaces
// as invalid_grant.
func (s *Service) consumeCode(ctx context.Context, code string) error {
	err := s.master().WithTx(ctx, func(tx pgx.Tx) error {
		return s.master().ConsumeAuthorizationCode(ctx, tx, code)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return oauthErr(ErrCodeInvalidGrant, "authorization code is invalid or already used")
	}
	return err
}
