package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/token"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrInvalidClient  = errors.New("invalid client registration")
)

const clientSecretCost = 12

// RegisterClientParams describes a new OAuth client. Confidential clients
// receive a generated secret; public clients authenticate with PKCE only.
type RegisterClientParams struct {
	TenantID     *uuid.UUID // nil for platform apps
	Name         string
	AppType      string
	Confidential bool

	CallbackURLs      []string
	AllowedLogoutURLs []string
	AllowedWebOrigins []string
	GrantTypes        []string
	AllowedScopes     []string

	AccessTokenTTLSeconds  int
	RefreshTokenTTLSeconds int
}

// RegisterClient creates an application registration. The raw client
// secret is returned exactly once; only its bcrypt hash is stored.
func (s *Service) RegisterClient(ctx context.Context, p RegisterClientParams) (storage.Application, string, error) {
	if p.Name == "" {
		return storage.Application{}, "", fmt.Errorf("%w: name is required", ErrInvalidClient)
	}
	if p.AppType == "" {
		p.AppType = "web"
	}
	if len(p.GrantTypes) == 0 {
		p.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(p.AllowedScopes) == 0 {
		p.AllowedScopes = []string{"openid", "profile", "email"}
	}

	usesCodeGrant := false
	for _, g := range p.GrantTypes {
		switch g {
		case "authorization_code":
			usesCodeGrant = true
		case "refresh_token", "client_credentials":
		default:
			return storage.Application{}, "", fmt.Errorf("%w: unsupported grant type %q", ErrInvalidClient, g)
		}
	}
	if usesCodeGrant && len(p.CallbackURLs) == 0 {
		return storage.Application{}, "", fmt.Errorf("%w: authorization_code clients need at least one callback URL", ErrInvalidClient)
	}
	for _, cb := range p.CallbackURLs {
		u, err := url.Parse(cb)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return storage.Application{}, "", fmt.Errorf("%w: callback URL %q must be absolute and fragment-free", ErrInvalidClient, cb)
		}
	}

	clientID, err := token.GenerateOpaque(16)
	if err != nil {
		return storage.Application{}, "", err
	}

	var rawSecret string
	var secretHash *string
	if p.Confidential {
		rawSecret, err = token.GenerateOpaque(24)
		if err != nil {
			return storage.Application{}, "", err
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(rawSecret), clientSecretCost)
		if err != nil {
			return storage.Application{}, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		h := string(hashed)
		secretHash = &h
	}

	app, err := s.master().CreateApplication(ctx, storage.Application{
		ID:                     uuid.New(),
		TenantID:               p.TenantID,
		ClientID:               "app_" + clientID,
		ClientSecretHash:       secretHash,
		Name:                   p.Name,
		AppType:                p.AppType,
		CallbackURLs:           p.CallbackURLs,
		AllowedLogoutURLs:      p.AllowedLogoutURLs,
		AllowedWebOrigins:      p.AllowedWebOrigins,
		GrantTypes:             p.GrantTypes,
		AllowedScopes:          p.AllowedScopes,
		AccessTokenTTLSeconds:  p.AccessTokenTTLSeconds,
		RefreshTokenTTLSeconds: p.RefreshTokenTTLSeconds,
		IsActive:               true,
	})
	if err != nil {
		return storage.Application{}, "", fmt.Errorf("failed to register client: %w", err)
	}

	ev := audit.Event{Metadata: map[string]string{"client_id": app.ClientID, "name": app.Name}}
	if p.TenantID != nil {
		ev.TenantID = *p.TenantID
	}
	s.audit.Log(ctx, audit.ActionClientRegistered, ev)
	return app, rawSecret, nil
}

// ListClients returns the applications a tenant owns.
func (s *Service) ListClients(ctx context.Context, tenantID uuid.UUID) ([]storage.Application, error) {
	return s.master().ListApplicationsByTenant(ctx, tenantID)
}

// DeactivateClient disables a client. Tokens already issued keep their
// records but the client can no longer authenticate or be authorized.
func (s *Service) DeactivateClient(ctx context.Context, clientID string, tenantID *uuid.UUID) error {
	app, err := s.master().GetApplicationByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrClientNotFound
		}
		return err
	}
	// Tenant admins may only touch their own clients.
	if tenantID != nil && (app.TenantID == nil || *app.TenantID != *tenantID) {
		return ErrClientNotFound
	}

	if err := s.master().DeactivateApplication(ctx, clientID); err != nil {
		return err
	}

	ev := audit.Event{Metadata: map[string]string{"client_id": clientID}}
	if app.TenantID != nil {
		ev.TenantID = *app.TenantID
	}
	s.audit.Log(ctx, audit.ActionClientDeactivated, ev)
	return nil
}
