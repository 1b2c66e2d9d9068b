package storage

import (
	"context"

	"github.com/google/uuid"
)

const applicationColumns = `id, tenant_id, client_id, client_secret_hash, name, app_type,
	callback_urls, allowed_logout_urls, allowed_web_origins, grant_types, allowed_scopes,
	access_token_ttl_seconds, refresh_token_ttl_seconds, is_active, created_at, updated_at`

func scanApplication(row interface{ Scan(dest ...any) error }) (Application, error) {
	var a Application
	err := row.Scan(&a.ID, &a.TenantID, &a.ClientID, &a.ClientSecretHash, &a.Name, &a.AppType,
		&a.CallbackURLs, &a.AllowedLogoutURLs, &a.AllowedWebOrigins, &a.GrantTypes, &a.AllowedScopes,
		&a.AccessTokenTTLSeconds, &a.RefreshTokenTTLSeconds, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, translateErr(err)
}

// CreateApplication registers an OAuth client.
func (s *Store) CreateApplication(ctx context.Context, a Application) (Application, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO applications (id, tenant_id, client_id, client_secret_hash, name, app_type,
			callback_urls, allowed_logout_urls, allowed_web_origins, grant_types, allowed_scopes,
			access_token_ttl_seconds, refresh_token_ttl_seconds, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+applicationColumns,
		a.ID, a.TenantID, a.ClientID, a.ClientSecretHash, a.Name, a.AppType,
		a.CallbackURLs, a.AllowedLogoutURLs, a.AllowedWebOrigins, a.GrantTypes, a.AllowedScopes,
		a.AccessTokenTTLSeconds, a.RefreshTokenTTLSeconds, a.IsActive)
	return scanApplication(row)
}

// GetApplicationByClientID fetches a client registration by its public id.
func (s *Store) GetApplicationByClientID(ctx context.Context, clientID string) (Application, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE client_id = $1`, clientID)
	return scanApplication(row)
}

// ListApplicationsByTenant lists the clients a tenant owns.
func (s *Store) ListApplicationsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Application, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, translateErr(rows.Err())
}

// DeactivateApplication disables a client without deleting its history.
func (s *Store) DeactivateApplication(ctx context.Context, clientID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE applications SET is_active = false, updated_at = now() WHERE client_id = $1`, clientID)
	return translateErr(err)
}
