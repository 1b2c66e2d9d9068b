package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/cache"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
	"github.com/meridianauth/meridian/internal/token"
)

// internalClientID marks refresh tokens minted by the direct login path,
// as opposed to OAuth clients.
const internalClientID = "internal"

const userCacheTTL = 15 * time.Minute

// TokenPair is what a completed login hands back.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionToken string `json:"-"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// SessionService issues, refreshes and revokes direct login sessions. It
// binds an HS256 access token, an opaque single-use refresh token and an
// opaque browser session token to one authenticated user.
type SessionService struct {
	router     *tenant.Router
	tokens     *token.Service
	users      cache.Cache
	audit      audit.Logger
	log        *slog.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
	sessionTTL time.Duration
}

func NewSessionService(router *tenant.Router, tokens *token.Service, users cache.Cache, auditLog audit.Logger, log *slog.Logger, accessTTL, refreshTTL time.Duration) *SessionService {
	return &SessionService{
		router:     router,
		tokens:     tokens,
		users:      users,
		audit:      auditLog,
		log:        log,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		sessionTTL: 7 * 24 * time.Hour,
	}
}

func (s *SessionService) storeFor(ctx context.Context, tenantID *uuid.UUID) (*storage.Store, error) {
	if tenantID == nil {
		return s.router.Master(), nil
	}
	return s.router.Lookup(ctx, *tenantID)
}

// IssueParams carries the authenticated identity into token minting.
type IssueParams struct {
	User        storage.User
	Tenant      *storage.Tenant
	Role        string
	IP          string
	UserAgent   string
	MfaVerified bool
}

// Issue mints the token pair and persists the session row. The raw
// refresh and session tokens exist only in the response; the rows hold
// sha256 hashes.
func (s *SessionService) Issue(ctx context.Context, p IssueParams) (*TokenPair, error) {
	params := token.AccessTokenParams{
		Subject:         p.User.ID.String(),
		IsPlatformAdmin: p.User.IsPlatformAdmin,
		TTL:             s.accessTTL,
	}
	var tenantID *uuid.UUID
	if p.Tenant != nil {
		params.OrgID = p.Tenant.ID.String()
		params.OrgSlug = p.Tenant.Slug
		params.Role = p.Role
		tenantID = &p.Tenant.ID
	}

	access, _, err := s.tokens.SignInternalAccessToken(params)
	if err != nil {
		return nil, err
	}

	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	refresh, err := token.GenerateOpaque(32)
	if err != nil {
		return nil, err
	}
	refreshExp := time.Now().Add(s.refreshTTL)
	if err := store.CreateRefreshToken(ctx, storage.RefreshToken{
		ID:        uuid.New(),
		TokenHash: token.Hash(refresh),
		FamilyID:  uuid.New(),
		ClientID:  internalClientID,
		UserID:    p.User.ID,
		TenantID:  tenantID,
		ExpiresAt: &refreshExp,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	session, err := token.GenerateOpaque(32)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ls := storage.LoginSession{
		ID:              uuid.New(),
		TokenHash:       token.Hash(session),
		UserID:          p.User.ID,
		TenantID:        tenantID,
		AuthenticatedAt: now,
		LastActiveAt:    now,
		ExpiresAt:       now.Add(s.sessionTTL),
		MfaVerified:     p.MfaVerified,
	}
	if p.IP != "" {
		ls.IPAddress = &p.IP
	}
	if p.UserAgent != "" {
		ls.UserAgent = &p.UserAgent
	}
	if p.MfaVerified {
		ls.MfaVerifiedAt = &now
	}
	if err := store.CreateLoginSession(ctx, ls); err != nil {
		return nil, fmt.Errorf("failed to persist login session: %w", err)
	}

	s.cacheUser(ctx, p.User)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionToken: session,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token. The presented token is revoked and a
// successor in the same family is issued; presenting an already rotated
// token revokes the entire family.
func (s *SessionService) Refresh(ctx context.Context, tenantID *uuid.UUID, rawRefresh string) (*TokenPair, error) {
	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	hash := token.Hash(rawRefresh)
	old, err := store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if old.RevokedAt != nil {
		// Reuse of a rotated token: assume theft, burn the family.
		if err := store.RevokeRefreshTokenFamily(ctx, old.FamilyID); err != nil {
			s.log.Error("failed to revoke refresh token family", "family_id", old.FamilyID, "error", err)
		}
		s.audit.Log(ctx, audit.ActionRefreshReuse, audit.Event{ActorID: old.UserID})
		return nil, ErrRefreshReuse
	}
	if old.ExpiresAt != nil && !old.ExpiresAt.After(time.Now()) {
		return nil, ErrSessionNotFound
	}

	user, err := store.GetUserByID(ctx, old.UserID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	// Preserve the hierarchical claims of the original grant.
	params := token.AccessTokenParams{
		Subject:         user.ID.String(),
		IsPlatformAdmin: user.IsPlatformAdmin,
		TTL:             s.accessTTL,
	}
	if old.TenantID != nil {
		t, err := s.router.Master().GetTenantByID(ctx, *old.TenantID)
		if err != nil {
			return nil, err
		}
		params.OrgID = t.ID.String()
		params.OrgSlug = t.Slug
		if m, err := store.GetMembership(ctx, user.ID, t.ID); err == nil {
			params.Role = m.Role
		}
	}

	access, _, err := s.tokens.SignInternalAccessToken(params)
	if err != nil {
		return nil, err
	}

	nextRaw, err := token.GenerateOpaque(32)
	if err != nil {
		return nil, err
	}
	nextExp := time.Now().Add(s.refreshTTL)
	err = store.RotateRefreshToken(ctx, hash, storage.RefreshToken{
		ID:        uuid.New(),
		TokenHash: token.Hash(nextRaw),
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
			// Lost a race with another rotation of the same token.
			if ferr := store.RevokeRefreshTokenFamily(ctx, old.FamilyID); ferr != nil {
				s.log.Error("failed to revoke refresh token family", "family_id", old.FamilyID, "error", ferr)
			}
			s.audit.Log(ctx, audit.ActionRefreshReuse, audit.Event{ActorID: old.UserID})
			return nil, ErrRefreshReuse
		}
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: nextRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Logout revokes the session row and the refresh token family, and drops
// the cached user.
func (s *SessionService) Logout(ctx context.Context, tenantID *uuid.UUID, sessionToken, rawRefresh string) error {
	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return err
	}

	var userID uuid.UUID
	if sessionToken != "" {
		if ls, err := store.GetLoginSessionByHash(ctx, token.Hash(sessionToken)); err == nil {
			userID = ls.UserID
		}
		if err := store.RevokeLoginSessionByHash(ctx, token.Hash(sessionToken)); err != nil {
			return err
		}
	}
	if rawRefresh != "" {
		hash := token.Hash(rawRefresh)
		if rt, err := store.GetRefreshTokenByHash(ctx, hash); err == nil {
			userID = rt.UserID
			if err := store.RevokeRefreshTokenFamily(ctx, rt.FamilyID); err != nil {
				return err
			}
		}
	}

	if userID != uuid.Nil {
		s.invalidateUser(ctx, userID)
		s.audit.Log(ctx, audit.ActionLogout, audit.Event{ActorID: userID})
	}
	return nil
}

// WhoAmI resolves a session token to its session and user, bumping
// last_active_at.
func (s *SessionService) WhoAmI(ctx context.Context, tenantID *uuid.UUID, sessionToken string) (storage.LoginSession, storage.User, error) {
	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return storage.LoginSession{}, storage.User{}, err
	}

	hash := token.Hash(sessionToken)
	ls, err := store.GetLoginSessionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.LoginSession{}, storage.User{}, ErrSessionNotFound
		}
		return storage.LoginSession{}, storage.User{}, err
	}

	user, err := s.lookupUser(ctx, store, ls.UserID)
	if err != nil {
		return storage.LoginSession{}, storage.User{}, err
	}
	if !user.IsActive {
		return storage.LoginSession{}, storage.User{}, ErrAccountInactive
	}

	if err := store.TouchLoginSession(ctx, hash, time.Now()); err != nil {
		s.log.Warn("failed to touch login session", "error", err)
	}
	return ls, user, nil
}

// ListSessions returns the user's live sessions.
func (s *SessionService) ListSessions(ctx context.Context, tenantID *uuid.UUID, userID uuid.UUID) ([]storage.LoginSession, error) {
	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return store.ListLoginSessions(ctx, userID)
}

// RevokeSession revokes one of the user's sessions by id.
func (s *SessionService) RevokeSession(ctx context.Context, tenantID *uuid.UUID, userID, sessionID uuid.UUID) error {
	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return err
	}
	return store.RevokeLoginSessionByID(ctx, userID, sessionID)
}

// RevokeAllSessions logs the user out everywhere.
func (s *SessionService) RevokeAllSessions(ctx context.Context, tenantID *uuid.UUID, userID uuid.UUID) error {
	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := store.RevokeAllLoginSessions(ctx, userID); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

func userCacheKey(id uuid.UUID) string {
	return "auth:user:" + id.String()
}

func (s *SessionService) cacheUser(ctx context.Context, user storage.User) {
	body, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := s.users.Set(ctx, userCacheKey(user.ID), body, userCacheTTL); err != nil {
		s.log.Warn("failed to cache user", "user_id", user.ID, "error", err)
	}
}

func (s *SessionService) invalidateUser(ctx context.Context, id uuid.UUID) {
	if err := s.users.Delete(ctx, userCacheKey(id)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.log.Warn("failed to invalidate cached user", "user_id", id, "error", err)
	}
}

func (s *SessionService) lookupUser(ctx context.Context, store *storage.Store, id uuid.UUID) (storage.User, error) {
	if body, err := s.users.Get(ctx, userCacheKey(id)); err == nil {
		var user storage.User
		if err := json.Unmarshal(body, &user); err == nil {
			return user, nil
		}
	}

	user, err := store.GetUserByID(ctx, id)
	if err != nil {
		return storage.User{}, err
	}
	s.cacheUser(ctx, user)
	return user, nil
}
