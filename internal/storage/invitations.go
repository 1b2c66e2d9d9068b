package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateInvitation(ctx context.Context, inv Invitation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invitations (id, tenant_id, email, token_hash, invited_by, role, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.ID, inv.TenantID, inv.Email, inv.TokenHash, inv.InvitedBy, inv.Role, inv.ExpiresAt)
	return translateErr(err)
}

// GetInvitationByTokenHash returns an unexpired, unaccepted invitation.
func (s *Store) GetInvitationByTokenHash(ctx context.Context, hash string) (Invitation, error) {
	var inv Invitation
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, token_hash, invited_by, role, expires_at, accepted_at, created_at
		FROM invitations
		WHERE token_hash = $1 AND accepted_at IS NULL AND expires_at > now()`, hash,
	).Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.TokenHash, &inv.InvitedBy,
		&inv.Role, &inv.ExpiresAt, &inv.AcceptedAt, &inv.CreatedAt)
	return inv, translateErr(err)
}

// AcceptInvitation creates the user (if new), the membership, and marks
// the invitation accepted in one transaction.
func (s *Store) AcceptInvitation(ctx context.Context, inv Invitation, newUser *User) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if newUser != nil {
			if err := tx.QueryRow(ctx, `
				INSERT INTO users (id, email, password_hash, name, default_tenant_id, is_active, email_verified, metadata)
				VALUES ($1, $2, $3, $4, $5, true, true, '{}'::jsonb)
				RETURNING id`,
				newUser.ID, newUser.Email, newUser.PasswordHash, newUser.Name, newUser.DefaultTenantID,
			).Scan(&userID); err != nil {
				return translateErr(err)
			}
		} else {
			if err := tx.QueryRow(ctx,
				`SELECT id FROM users WHERE lower(email) = lower($1)`, inv.Email,
			).Scan(&userID); err != nil {
				return translateErr(err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tenant_members (user_id, tenant_id, role) VALUES ($1, $2, $3)`,
			userID, inv.TenantID, inv.Role); err != nil {
			return translateErr(err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE invitations SET accepted_at = now()
			WHERE id = $1 AND accepted_at IS NULL`, inv.ID)
		if err != nil {
			return translateErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}
