package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- MFA methods ------------------------------------------------------------

const mfaMethodColumns = `id, user_id, type, secret, phone, verified, last_used_at, created_at`

func scanMfaMethod(row interface{ Scan(dest ...any) error }) (MfaMethod, error) {
	var m MfaMethod
	err := row.Scan(&m.ID, &m.UserID, &m.Type, &m.Secret, &m.Phone, &m.Verified,
		&m.LastUsedAt, &m.CreatedAt)
	return m, translateErr(err)
}

func (s *Store) CreateMfaMethod(ctx context.Context, m MfaMethod) (MfaMethod, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO mfa_methods (id, user_id, type, secret, phone, verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+mfaMethodColumns,
		m.ID, m.UserID, m.Type, m.Secret, m.Phone, m.Verified)
	return scanMfaMethod(row)
}

// ListVerifiedMfaMethods drives the MFA policy decision: any row means the
// user has a working second factor.
func (s *Store) ListVerifiedMfaMethods(ctx context.Context, userID uuid.UUID) ([]MfaMethod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+mfaMethodColumns+` FROM mfa_methods
		WHERE user_id = $1 AND verified = true ORDER BY created_at`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var methods []MfaMethod
	for rows.Next() {
		m, err := scanMfaMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, translateErr(rows.Err())
}

func (s *Store) GetMfaMethod(ctx context.Context, userID uuid.UUID, methodType string) (MfaMethod, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+mfaMethodColumns+` FROM mfa_methods
		WHERE user_id = $1 AND type = $2`, userID, methodType)
	return scanMfaMethod(row)
}

func (s *Store) MarkMfaMethodVerified(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE mfa_methods SET verified = true WHERE id = $1`, id)
	return translateErr(err)
}

func (s *Store) TouchMfaMethod(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE mfa_methods SET last_used_at = $2 WHERE id = $1`, id, at)
	return translateErr(err)
}

// --- MFA challenges ---------------------------------------------------------

func (s *Store) CreateMfaChallenge(ctx context.Context, c MfaChallenge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mfa_challenges (id, user_id, challenge_token, expires_at)
		VALUES ($1, $2, $3, $4)`,
		c.ID, c.UserID, c.ChallengeToken, c.ExpiresAt)
	return translateErr(err)
}

// GetMfaChallenge returns an unexpired challenge by token.
func (s *Store) GetMfaChallenge(ctx context.Context, token string) (MfaChallenge, error) {
	var c MfaChallenge
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, challenge_token, expires_at, created_at
		FROM mfa_challenges WHERE challenge_token = $1 AND expires_at > now()`, token,
	).Scan(&c.ID, &c.UserID, &c.ChallengeToken, &c.ExpiresAt, &c.CreatedAt)
	return c, translateErr(err)
}

func (s *Store) DeleteMfaChallenge(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mfa_challenges WHERE id = $1`, id)
	return translateErr(err)
}

// --- Backup codes -----------------------------------------------------------

// ReplaceBackupCodes deletes the previous set and inserts the new hashes.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return translateErr(err)
		}
		for _, h := range hashes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO mfa_backup_codes (id, user_id, code_hash)
				VALUES ($1, $2, $3)`, uuid.New(), userID, h); err != nil {
				return translateErr(err)
			}
		}
		return nil
	})
}

// ConsumeBackupCode marks a code used; zero rows means unknown or spent.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_backup_codes SET used_at = now()
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL`, userID, codeHash)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
