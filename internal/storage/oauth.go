package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- Authorization requests -------------------------------------------------

const authRequestColumns = `request_id, client_id, redirect_uri, response_type, scope, state,
	code_challenge, code_challenge_method, nonce, tenant_id, prompt, login_hint, max_age,
	ui_locales, expires_at, created_at`

func scanAuthRequest(row interface{ Scan(dest ...any) error }) (AuthorizationRequest, error) {
	var r AuthorizationRequest
	err := row.Scan(&r.RequestID, &r.ClientID, &r.RedirectURI, &r.ResponseType, &r.Scope, &r.State,
		&r.CodeChallenge, &r.CodeChallengeMethod, &r.Nonce, &r.TenantID, &r.Prompt, &r.LoginHint,
		&r.MaxAge, &r.UILocales, &r.ExpiresAt, &r.CreatedAt)
	return r, translateErr(err)
}

func (s *Store) CreateAuthorizationRequest(ctx context.Context, r AuthorizationRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_authorization_requests (request_id, client_id, redirect_uri,
			response_type, scope, state, code_challenge, code_challenge_method, nonce,
			tenant_id, prompt, login_hint, max_age, ui_locales, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.RequestID, r.ClientID, r.RedirectURI, r.ResponseType, r.Scope, r.State,
		r.CodeChallenge, r.CodeChallengeMethod, r.Nonce, r.TenantID, r.Prompt, r.LoginHint,
		r.MaxAge, r.UILocales, r.ExpiresAt)
	return translateErr(err)
}

// GetAuthorizationRequest returns an unexpired request.
func (s *Store) GetAuthorizationRequest(ctx context.Context, requestID string) (AuthorizationRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+authRequestColumns+` FROM oauth_authorization_requests
		WHERE request_id = $1 AND expires_at > now()`, requestID)
	return scanAuthRequest(row)
}

func (s *Store) DeleteAuthorizationRequest(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_authorization_requests WHERE request_id = $1`, requestID)
	return translateErr(err)
}

// --- Authorization codes ----------------------------------------------------

const authCodeColumns = `code, client_id, user_id, tenant_id, redirect_uri, scope,
	code_challenge, code_challenge_method, nonce, state, response_type, expires_at, used_at, created_at`

func scanAuthCode(row interface{ Scan(dest ...any) error }) (AuthorizationCode, error) {
	var c AuthorizationCode
	err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.TenantID, &c.RedirectURI, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.State, &c.ResponseType,
		&c.ExpiresAt, &c.UsedAt, &c.CreatedAt)
	return c, translateErr(err)
}

func (s *Store) CreateAuthorizationCode(ctx context.Context, c AuthorizationCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_authorization_codes (code, client_id, user_id, tenant_id,
			redirect_uri, scope, code_challenge, code_challenge_method, nonce, state,
			response_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.Code, c.ClientID, c.UserID, c.TenantID, c.RedirectURI, c.Scope,
		c.CodeChallenge, c.CodeChallengeMethod, c.Nonce, c.State, c.ResponseType, c.ExpiresAt)
	return translateErr(err)
}

// GetAuthorizationCode returns an unexpired, unused code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (AuthorizationCode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+authCodeColumns+` FROM oauth_authorization_codes
		WHERE code = $1 AND expires_at > now() AND used_at IS NULL`, code)
	return scanAuthCode(row)
}

// ConsumeAuthorizationCode atomically marks a code used. The conditional
// UPDATE is the single-use guarantee: a concurrent second exchange sees
// zero rows and loses.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, tx pgx.Tx, code string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE oauth_authorization_codes SET used_at = now()
		WHERE code = $1 AND used_at IS NULL AND expires_at > now()`, code)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Access token records ---------------------------------------------------

func (s *Store) CreateAccessTokenRecord(ctx context.Context, r AccessTokenRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_access_tokens (jti, client_id, user_id, tenant_id, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.JTI, r.ClientID, r.UserID, r.TenantID, r.Scope, r.ExpiresAt)
	return translateErr(err)
}

func (s *Store) GetAccessTokenRecord(ctx context.Context, jti string) (AccessTokenRecord, error) {
	var r AccessTokenRecord
	err := s.pool.QueryRow(ctx, `
		SELECT jti, client_id, user_id, tenant_id, scope, expires_at, created_at
		FROM oauth_access_tokens WHERE jti = $1`, jti,
	).Scan(&r.JTI, &r.ClientID, &r.UserID, &r.TenantID, &r.Scope, &r.ExpiresAt, &r.CreatedAt)
	return r, translateErr(err)
}

func (s *Store) DeleteAccessTokenRecord(ctx context.Context, jti string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oauth_access_tokens WHERE jti = $1`, jti)
	return translateErr(err)
}

// --- Refresh tokens ---------------------------------------------------------

const refreshTokenColumns = `id, token_hash, family_id, client_id, user_id, tenant_id,
	scope, audience, expires_at, last_used_at, revoked_at, created_at`

func scanRefreshToken(row interface{ Scan(dest ...any) error }) (RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(&t.ID, &t.TokenHash, &t.FamilyID, &t.ClientID, &t.UserID, &t.TenantID,
		&t.Scope, &t.Audience, &t.ExpiresAt, &t.LastUsedAt, &t.RevokedAt, &t.CreatedAt)
	return t, translateErr(err)
}

func (s *Store) CreateRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_refresh_tokens (id, token_hash, family_id, client_id, user_id,
			tenant_id, scope, audience, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.TokenHash, t.FamilyID, t.ClientID, t.UserID, t.TenantID,
		t.Scope, t.Audience, t.ExpiresAt)
	return translateErr(err)
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshTokenColumns+` FROM oauth_refresh_tokens WHERE token_hash = $1`, hash)
	return scanRefreshToken(row)
}

// RevokeUserRefreshTokens kills every live refresh token a user holds,
// across all clients. Fired on account deactivation.
func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE oauth_refresh_tokens SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	return translateErr(err)
}

// RevokeRefreshTokenFamily kills every token descended from one grant.
// Fired when a rotated token is presented again.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE oauth_refresh_tokens SET revoked_at = now()
		WHERE family_id = $1 AND revoked_at IS NULL`, familyID)
	return translateErr(err)
}

// RotateRefreshToken revokes the old hash and inserts its successor in one
// transaction. Returns ErrNotFound when the old token was already rotated,
// which callers treat as reuse.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE oauth_refresh_tokens SET revoked_at = now(), last_used_at = now()
			WHERE token_hash = $1 AND revoked_at IS NULL`, oldHash)
		if err != nil {
			return translateErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO oauth_refresh_tokens (id, token_hash, family_id, client_id, user_id,
				tenant_id, scope, audience, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			next.ID, next.TokenHash, next.FamilyID, next.ClientID, next.UserID, next.TenantID,
			next.Scope, next.Audience, next.ExpiresAt)
		return translateErr(err)
	})
}
