package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/crypto"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
)

var (
	ErrInvalidSlug = errors.New("slug must be lowercase letters, digits and single hyphens")
	ErrSlugTaken   = errors.New("slug is already in use")

	slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// OnboardingService provisions tenants and manages their lifecycle and
// security policy.
type OnboardingService struct {
	router        *tenant.Router
	encryptionKey []byte
	audit         audit.Logger
	log           *slog.Logger
}

func NewOnboardingService(router *tenant.Router, encryptionKey []byte, auditLog audit.Logger, log *slog.Logger) *OnboardingService {
	return &OnboardingService{
		router:        router,
		encryptionKey: encryptionKey,
		audit:         auditLog,
		log:           log,
	}
}

// CreateTenantParams provisions one organization. Dedicated isolation
// requires database coordinates; the password is encrypted at rest.
type CreateTenantParams struct {
	Slug        string
	Name        string
	AccountType string
	Isolation   storage.IsolationMode
	AdminUserID uuid.UUID

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
}

// CreateTenant provisions the tenant, its registry row and the creating
// user's admin membership in one transaction.
func (s *OnboardingService) CreateTenant(ctx context.Context, p CreateTenantParams) (storage.Tenant, error) {
	if !slugPattern.MatchString(p.Slug) {
		return storage.Tenant{}, ErrInvalidSlug
	}
	if p.AccountType == "" {
		p.AccountType = "business"
	}
	if p.Isolation == "" {
		p.Isolation = storage.IsolationShared
	}

	rec := storage.TenantRecord{
		Slug:          p.Slug,
		Name:          p.Name,
		IsolationMode: p.Isolation,
		Status:        storage.TenantActive,
	}
	if p.Isolation == storage.IsolationDedicated {
		if p.DBHost == "" || p.DBName == "" || p.DBUser == "" || p.DBPassword == "" {
			return storage.Tenant{}, errors.New("dedicated isolation requires database coordinates")
		}
		enc, err := crypto.EncryptSecret(s.encryptionKey, p.DBPassword)
		if err != nil {
			return storage.Tenant{}, fmt.Errorf("failed to encrypt database password: %w", err)
		}
		rec.DatabaseHost = &p.DBHost
		rec.DatabasePort = &p.DBPort
		rec.DatabaseName = &p.DBName
		rec.DatabaseUser = &p.DBUser
		rec.DatabasePassword = &enc
	}

	settings, err := json.Marshal(map[string]any{"security": storage.DefaultSecuritySettings()})
	if err != nil {
		return storage.Tenant{}, err
	}
	t := storage.Tenant{
		ID:          uuid.New(),
		Slug:        p.Slug,
		Name:        p.Name,
		AccountType: p.AccountType,
		Status:      storage.TenantActive,
		Settings:    settings,
	}
	rec.ID = t.ID

	created, err := s.router.Master().CreateTenantOnboarding(ctx, t, rec, p.AdminUserID)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.Tenant{}, ErrSlugTaken
		}
		return storage.Tenant{}, fmt.Errorf("failed to provision tenant: %w", err)
	}

	s.audit.Log(ctx, audit.ActionTenantCreated, audit.Event{
		ActorID:  p.AdminUserID,
		TenantID: created.ID,
		Metadata: map[string]string{"slug": created.Slug, "isolation": string(p.Isolation)},
	})
	return created, nil
}

// UpdateDatabaseParams reconfigures a tenant's isolation and database
// coordinates.
type UpdateDatabaseParams struct {
	Isolation  storage.IsolationMode
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	PoolMin    int
	PoolMax    int
}

// UpdateDatabase rewrites the tenant's registry coordinates and drops the
// router's cached pool so the next lookup connects with the new ones.
func (s *OnboardingService) UpdateDatabase(ctx context.Context, tenantID uuid.UUID, p UpdateDatabaseParams) error {
	rec, err := s.router.Master().GetTenantRecord(ctx, tenantID)
	if err != nil {
		return err
	}

	switch p.Isolation {
	case storage.IsolationShared:
		rec.IsolationMode = storage.IsolationShared
		rec.DatabaseHost = nil
		rec.DatabasePort = nil
		rec.DatabaseName = nil
		rec.DatabaseUser = nil
		rec.DatabasePassword = nil
		rec.PoolMinConnections = nil
		rec.PoolMaxConnections = nil
	case storage.IsolationDedicated:
		if p.DBHost == "" || p.DBName == "" || p.DBUser == "" || p.DBPassword == "" {
			return errors.New("dedicated isolation requires database coordinates")
		}
		enc, err := crypto.EncryptSecret(s.encryptionKey, p.DBPassword)
		if err != nil {
			return fmt.Errorf("failed to encrypt database password: %w", err)
		}
		rec.IsolationMode = storage.IsolationDedicated
		rec.DatabaseHost = &p.DBHost
		rec.DatabasePort = &p.DBPort
		rec.DatabaseName = &p.DBName
		rec.DatabaseUser = &p.DBUser
		rec.DatabasePassword = &enc
		rec.PoolMinConnections = nil
		rec.PoolMaxConnections = nil
		if p.PoolMin > 0 {
			rec.PoolMinConnections = &p.PoolMin
		}
		if p.PoolMax > 0 {
			rec.PoolMaxConnections = &p.PoolMax
		}
	default:
		return fmt.Errorf("unknown isolation mode %q", p.Isolation)
	}

	if err := s.router.Master().UpdateTenantDatabase(ctx, rec); err != nil {
		return err
	}
	s.router.Invalidate(tenantID)

	s.audit.Log(ctx, audit.ActionTenantDBUpdated, audit.Event{
		TenantID: tenantID,
		Metadata: map[string]string{"isolation": string(rec.IsolationMode)},
	})
	return nil
}

// DeactivateUser disables the account and revokes every live session and
// refresh token it holds.
func (s *OnboardingService) DeactivateUser(ctx context.Context, tenantID *uuid.UUID, userID uuid.UUID) error {
	store := s.router.Master()
	if tenantID != nil {
		var err error
		store, err = s.router.Lookup(ctx, *tenantID)
		if err != nil {
			return err
		}
	}

	if err := store.DeactivateUser(ctx, userID); err != nil {
		return err
	}
	if err := store.RevokeAllLoginSessions(ctx, userID); err != nil {
		s.log.Error("failed to revoke sessions of deactivated user", "user_id", userID, "error", err)
	}
	// Direct-login refresh tokens live on the tenant store; OAuth grants
	// live on the master store. Revoke in both.
	if err := store.RevokeUserRefreshTokens(ctx, userID); err != nil {
		s.log.Error("failed to revoke refresh tokens of deactivated user", "user_id", userID, "error", err)
	}
	if master := s.router.Master(); master != store {
		if err := master.RevokeUserRefreshTokens(ctx, userID); err != nil {
			s.log.Error("failed to revoke oauth refresh tokens of deactivated user", "user_id", userID, "error", err)
		}
	}

	ev := audit.Event{ActorID: userID}
	if tenantID != nil {
		ev.TenantID = *tenantID
	}
	s.audit.Log(ctx, audit.ActionUserDeactivated, ev)
	return nil
}

// UpdateSecurity replaces the tenant's security settings and drops the
// router's cached admission so the next request sees the new policy.
func (s *OnboardingService) UpdateSecurity(ctx context.Context, tenantID uuid.UUID, sec storage.SecuritySettings) error {
	if sec.MaxLoginAttempts <= 0 || sec.LockoutDurationMin <= 0 {
		return errors.New("lockout thresholds must be positive")
	}
	if sec.MfaGracePeriodDays < 0 || sec.PasswordMinLength < 0 {
		return errors.New("security settings must not be negative")
	}

	if err := s.router.Master().UpdateTenantSecurity(ctx, tenantID, sec); err != nil {
		return err
	}
	s.router.Invalidate(tenantID)
	return nil
}

// SetStatus moves the tenant through its lifecycle. Suspension takes
// effect on the next pool admission.
func (s *OnboardingService) SetStatus(ctx context.Context, tenantID uuid.UUID, status storage.TenantStatus) error {
	switch status {
	case storage.TenantProvisioning, storage.TenantActive, storage.TenantSuspended:
	default:
		return fmt.Errorf("unknown tenant status %q", status)
	}

	if err := s.router.Master().UpdateTenantStatus(ctx, tenantID, status); err != nil {
		return err
	}
	s.router.Invalidate(tenantID)
	return nil
}
