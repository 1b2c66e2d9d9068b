package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, session_token_hash, user_id, tenant_id, ip_address, user_agent,
	authenticated_at, last_active_at, expires_at, mfa_verified, mfa_verified_at, revoked_at`

func scanSession(row interface{ Scan(dest ...any) error }) (LoginSession, error) {
	var ls LoginSession
	err := row.Scan(&ls.ID, &ls.TokenHash, &ls.UserID, &ls.TenantID, &ls.IPAddress, &ls.UserAgent,
		&ls.AuthenticatedAt, &ls.LastActiveAt, &ls.ExpiresAt, &ls.MfaVerified, &ls.MfaVerifiedAt,
		&ls.RevokedAt)
	return ls, translateErr(err)
}

func (s *Store) CreateLoginSession(ctx context.Context, ls LoginSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_sessions (id, session_token_hash, user_id, tenant_id, ip_address,
			user_agent, authenticated_at, last_active_at, expires_at, mfa_verified, mfa_verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ls.ID, ls.TokenHash, ls.UserID, ls.TenantID, ls.IPAddress,
		ls.UserAgent, ls.AuthenticatedAt, ls.LastActiveAt, ls.ExpiresAt,
		ls.MfaVerified, ls.MfaVerifiedAt)
	return translateErr(err)
}

// GetLoginSessionByHash returns a live (unexpired, unrevoked) session.
func (s *Store) GetLoginSessionByHash(ctx context.Context, hash string) (LoginSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM login_sessions
		WHERE session_token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`, hash)
	return scanSession(row)
}

// TouchLoginSession advances last_active_at.
func (s *Store) TouchLoginSession(ctx context.Context, hash string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE login_sessions SET last_active_at = $2 WHERE session_token_hash = $1`, hash, at)
	return translateErr(err)
}

func (s *Store) RevokeLoginSessionByHash(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE login_sessions SET revoked_at = now()
		WHERE session_token_hash = $1 AND revoked_at IS NULL`, hash)
	return translateErr(err)
}

func (s *Store) RevokeLoginSessionByID(ctx context.Context, userID, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE login_sessions SET revoked_at = now()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`, sessionID, userID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllLoginSessions forces re-login on all devices (password change).
func (s *Store) RevokeAllLoginSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE login_sessions SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	return translateErr(err)
}

// ListLoginSessions lists live sessions for the session management UI.
func (s *Store) ListLoginSessions(ctx context.Context, userID uuid.UUID) ([]LoginSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM login_sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		ORDER BY last_active_at DESC`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var sessions []LoginSession
	for rows.Next() {
		ls, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, ls)
	}
	return sessions, translateErr(rows.Err())
}
