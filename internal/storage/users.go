package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, email, password_hash, name, given_name, family_name, picture,
	is_active, email_verified, mfa_enabled, mfa_enforced_at, is_platform_admin,
	default_tenant_id, metadata, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.GivenName, &u.FamilyName, &u.Picture,
		&u.IsActive, &u.EmailVerified, &u.MfaEnabled, &u.MfaEnforcedAt, &u.IsPlatformAdmin,
		&u.DefaultTenantID, &u.Metadata, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, translateErr(err)
}

// CreateUser inserts a new user. Duplicate email surfaces ErrAlreadyExists.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, name, given_name, family_name,
			is_active, email_verified, is_platform_admin, default_tenant_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, '{}'::jsonb))
		RETURNING `+userColumns,
		u.ID, u.Email, u.PasswordHash, u.Name, u.GivenName, u.FamilyName,
		u.IsActive, u.EmailVerified, u.IsPlatformAdmin, u.DefaultTenantID, u.Metadata,
	)
	return scanUser(row)
}

// GetUserByEmail looks a user up by email (unique, case-insensitive).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// TouchLastLogin stamps a successful authentication.
func (s *Store) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1`, id, at)
	return translateErr(err)
}

// SetUserMfaEnabled flips the MFA flag after first verified enrollment.
func (s *Store) SetUserMfaEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET mfa_enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	return translateErr(err)
}

// SetUserMfaEnforcedAt persists the computed enrollment grace deadline.
func (s *Store) SetUserMfaEnforcedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET mfa_enforced_at = $2, updated_at = now() WHERE id = $1`, id, at)
	return translateErr(err)
}

// DeactivateUser soft-deletes; the core never hard-deletes users.
func (s *Store) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET is_active = false, updated_at = now() WHERE id = $1`, id)
	return translateErr(err)
}

// GetMembership returns the membership row for (user, tenant).
func (s *Store) GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (TenantMembership, error) {
	var m TenantMembership
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, tenant_id, role, joined_at
		FROM tenant_members WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID,
	).Scan(&m.UserID, &m.TenantID, &m.Role, &m.JoinedAt)
	return m, translateErr(err)
}

// AddMembership inserts a membership row.
func (s *Store) AddMembership(ctx context.Context, m TenantMembership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_members (user_id, tenant_id, role) VALUES ($1, $2, $3)`,
		m.UserID, m.TenantID, m.Role)
	return translateErr(err)
}
