package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
	"github.com/meridianauth/meridian/internal/token"
)

// ErrEmailTaken is returned when the email already has an account.
var ErrEmailTaken = errors.New("email is already registered")

const invitationTTL = 7 * 24 * time.Hour

// RegistrationService creates accounts, directly or via invitations.
type RegistrationService struct {
	router      *tenant.Router
	hasher      PasswordHasher
	audit       audit.Logger
	log         *slog.Logger
	allowPublic bool
}

func NewRegistrationService(router *tenant.Router, hasher PasswordHasher, auditLog audit.Logger, log *slog.Logger, allowPublic bool) *RegistrationService {
	return &RegistrationService{
		router:      router,
		hasher:      hasher,
		audit:       auditLog,
		log:         log,
		allowPublic: allowPublic,
	}
}

func (s *RegistrationService) storeFor(ctx context.Context, tenantID *uuid.UUID) (*storage.Store, error) {
	if tenantID == nil {
		return s.router.Master(), nil
	}
	return s.router.Lookup(ctx, *tenantID)
}

// RegisterParams is a self-service signup.
type RegisterParams struct {
	TenantID *uuid.UUID
	Email    string
	Password string
	Name     string
	IP       string
}

// Register creates a user and, when tenant-scoped, a member role in that
// tenant. Password length comes from the tenant's security settings.
func (s *RegistrationService) Register(ctx context.Context, p RegisterParams) (storage.User, error) {
	if p.TenantID == nil && !s.allowPublic {
		return storage.User{}, ErrRegistrationClosed
	}

	sec := storage.DefaultSecuritySettings()
	if p.TenantID != nil {
		t, err := s.router.Master().GetTenantByID(ctx, *p.TenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.User{}, tenant.ErrTenantNotFound
			}
			return storage.User{}, err
		}
		sec = t.Security
	}
	if len(p.Password) < sec.PasswordMinLength {
		return storage.User{}, &WeakPasswordError{MinLength: sec.PasswordMinLength}
	}

	hash, err := s.hasher.Hash(p.Password)
	if err != nil {
		return storage.User{}, err
	}

	store, err := s.storeFor(ctx, p.TenantID)
	if err != nil {
		return storage.User{}, err
	}

	user := storage.User{
		ID:              uuid.New(),
		Email:           strings.ToLower(strings.TrimSpace(p.Email)),
		PasswordHash:    &hash,
		IsActive:        true,
		DefaultTenantID: p.TenantID,
	}
	if p.Name != "" {
		user.Name = &p.Name
	}

	created, err := store.CreateUser(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.User{}, ErrEmailTaken
		}
		return storage.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	if p.TenantID != nil {
		if err := store.AddMembership(ctx, storage.TenantMembership{
			UserID:   created.ID,
			TenantID: *p.TenantID,
			Role:     "member",
		}); err != nil {
			return storage.User{}, fmt.Errorf("failed to add membership: %w", err)
		}
	}

	ev := audit.Event{ActorID: created.ID, IP: p.IP}
	if p.TenantID != nil {
		ev.TenantID = *p.TenantID
	}
	s.audit.Log(ctx, audit.ActionUserRegistered, ev)
	return created, nil
}

// Invite records an invitation and returns the raw token for delivery.
// Only the sha256 hash is stored.
func (s *RegistrationService) Invite(ctx context.Context, tenantID uuid.UUID, email, role string, invitedBy uuid.UUID) (string, error) {
	raw, err := token.GenerateOpaque(32)
	if err != nil {
		return "", err
	}

	store, err := s.storeFor(ctx, &tenantID)
	if err != nil {
		return "", err
	}

	if err := store.CreateInvitation(ctx, storage.Invitation{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		TokenHash: token.Hash(raw),
		InvitedBy: invitedBy,
		Role:      role,
		ExpiresAt: time.Now().Add(invitationTTL),
	}); err != nil {
		return "", fmt.Errorf("failed to create invitation: %w", err)
	}
	return raw, nil
}

// AcceptInvitationParams redeems an invitation token. Password and Name
// are used only when the invitee has no account yet.
type AcceptInvitationParams struct {
	TenantID uuid.UUID
	Token    string
	Password string
	Name     string
	IP       string
}

// AcceptInvitation redeems an unexpired, unused invitation: it creates
// the user when needed and grants the invited role.
func (s *RegistrationService) AcceptInvitation(ctx context.Context, p AcceptInvitationParams) (uuid.UUID, error) {
	store, err := s.storeFor(ctx, &p.TenantID)
	if err != nil {
		return uuid.Nil, err
	}

	inv, err := store.GetInvitationByTokenHash(ctx, token.Hash(p.Token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, ErrInvitationExpired
		}
		return uuid.Nil, err
	}
	if inv.AcceptedAt != nil || !inv.ExpiresAt.After(time.Now()) {
		return uuid.Nil, ErrInvitationExpired
	}

	var newUser *storage.User
	if _, err := store.GetUserByEmail(ctx, inv.Email); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, err
		}
		if min := storage.DefaultSecuritySettings().PasswordMinLength; len(p.Password) < min {
			return uuid.Nil, &WeakPasswordError{MinLength: min}
		}
		hash, err := s.hasher.Hash(p.Password)
		if err != nil {
			return uuid.Nil, err
		}
		u := storage.User{
			ID:              uuid.New(),
			Email:           inv.Email,
			PasswordHash:    &hash,
			IsActive:        true,
			DefaultTenantID: &inv.TenantID,
		}
		if p.Name != "" {
			u.Name = &p.Name
		}
		newUser = &u
	}

	userID, err := store.AcceptInvitation(ctx, inv, newUser)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to accept invitation: %w", err)
	}

	s.audit.Log(ctx, audit.ActionInvitationAccepted, audit.Event{
		ActorID:  userID,
		TenantID: inv.TenantID,
		IP:       p.IP,
	})
	return userID, nil
}
