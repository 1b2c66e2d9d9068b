package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordLoginAttempt appends to the attempt log (success and failure both).
func (s *Store) RecordLoginAttempt(ctx context.Context, a LoginAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_attempts (id, tenant_id, email, ip_address, success)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.TenantID, a.Email, a.IPAddress, a.Success)
	return translateErr(err)
}

// CountRecentFailedAttempts counts failures for (tenant, email) inside the
// policy window. The lockout threshold compares against this.
func (s *Store) CountRecentFailedAttempts(ctx context.Context, tenantID *uuid.UUID, email string, window time.Duration) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM login_attempts
		WHERE tenant_id IS NOT DISTINCT FROM $1 AND lower(email) = lower($2)
		  AND success = false AND created_at > now() - $3::interval`,
		tenantID, email, window.String(),
	).Scan(&count)
	return count, translateErr(err)
}

// CreateLockout writes a lockout row. Existing lockouts for the same key
// are superseded by taking the later locked_until on conflict.
func (s *Store) CreateLockout(ctx context.Context, l Lockout) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_lockouts (id, tenant_id, email, locked_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, email)
		DO UPDATE SET locked_until = GREATEST(account_lockouts.locked_until, EXCLUDED.locked_until)`,
		l.ID, l.TenantID, l.Email, l.LockedUntil)
	return translateErr(err)
}

// GetActiveLockout returns the lockout for (tenant, email) if it is still
// in force.
func (s *Store) GetActiveLockout(ctx context.Context, tenantID *uuid.UUID, email string) (Lockout, error) {
	var l Lockout
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, locked_until, created_at FROM account_lockouts
		WHERE tenant_id IS NOT DISTINCT FROM $1 AND lower(email) = lower($2)
		  AND locked_until > now()`,
		tenantID, email,
	).Scan(&l.ID, &l.TenantID, &l.Email, &l.LockedUntil, &l.CreatedAt)
	return l, translateErr(err)
}

// FindBan checks both ban keys, (tenant, email) and (tenant, ip).
func (s *Store) FindBan(ctx context.Context, tenantID *uuid.UUID, email, ip string) (Ban, error) {
	var b Ban
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, ip_address, reason, expires_at, created_at FROM bans
		WHERE tenant_id IS NOT DISTINCT FROM $1
		  AND (lower(email) = lower($2) OR ip_address = $3)
		  AND (expires_at IS NULL OR expires_at > now())
		LIMIT 1`,
		tenantID, email, ip,
	).Scan(&b.ID, &b.TenantID, &b.Email, &b.IPAddress, &b.Reason, &b.ExpiresAt, &b.CreatedAt)
	return b, translateErr(err)
}
