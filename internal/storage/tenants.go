package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `id, slug, name, account_type, status, settings, created_at, updated_at`

func scanTenant(row interface{ Scan(dest ...any) error }) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.AccountType, &t.Status, &t.Settings,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, translateErr(err)
	}

	// Parse the recognised security sub-shape; unknown keys stay in the
	// raw bag and are emitted unchanged on read.
	t.Security = DefaultSecuritySettings()
	if len(t.Settings) > 0 {
		var wrapper struct {
			Security *SecuritySettings `json:"security"`
		}
		if err := json.Unmarshal(t.Settings, &wrapper); err == nil && wrapper.Security != nil {
			t.Security = *wrapper.Security
		}
	}
	return t, nil
}

func (s *Store) GetTenantByID(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	return scanTenant(row)
}

// CreateTenantOnboarding creates the tenant, its registry row and the admin
// membership in one transaction. A duplicate slug rolls everything back.
func (s *Store) CreateTenantOnboarding(ctx context.Context, t Tenant, rec TenantRecord, adminUserID uuid.UUID) (Tenant, error) {
	var created Tenant
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO tenants (id, slug, name, account_type, status, settings)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::jsonb))
			RETURNING `+tenantColumns,
			t.ID, t.Slug, t.Name, t.AccountType, t.Status, t.Settings)
		var scanErr error
		created, scanErr = scanTenant(row)
		if scanErr != nil {
			return scanErr
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tenant_registry (id, slug, name, isolation_mode, status,
				database_host, database_port, database_name, database_user,
				database_password_encrypted, pool_min_connections, pool_max_connections)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.Slug, rec.Name, rec.IsolationMode, rec.Status,
			rec.DatabaseHost, rec.DatabasePort, rec.DatabaseName, rec.DatabaseUser,
			rec.DatabasePassword, rec.PoolMinConnections, rec.PoolMaxConnections,
		); err != nil {
			return translateErr(err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tenant_members (user_id, tenant_id, role) VALUES ($1, $2, 'admin')`,
			adminUserID, t.ID); err != nil {
			return translateErr(err)
		}
		return nil
	})
	if err != nil {
		return Tenant{}, err
	}
	return created, nil
}

// UpdateTenantStatus transitions the tenant lifecycle in both tables.
func (s *Store) UpdateTenantStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1`, id, status); err != nil {
			return translateErr(err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE tenant_registry SET status = $2, updated_at = now() WHERE id = $1`, id, status)
		return translateErr(err)
	})
}

// UpdateTenantSecurity rewrites only the security sub-object of the
// settings bag, preserving arbitrary sibling keys.
func (s *Store) UpdateTenantSecurity(ctx context.Context, id uuid.UUID, sec SecuritySettings) error {
	raw, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("failed to marshal security settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tenants
		SET settings = jsonb_set(COALESCE(settings, '{}'::jsonb), '{security}', $2::jsonb),
		    updated_at = now()
		WHERE id = $1`, id, raw)
	return translateErr(err)
}

const registryColumns = `id, slug, name, isolation_mode, status, database_host, database_port,
	database_name, database_user, database_password_encrypted,
	pool_min_connections, pool_max_connections, created_at, updated_at`

func scanTenantRecord(row interface{ Scan(dest ...any) error }) (TenantRecord, error) {
	var r TenantRecord
	err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.IsolationMode, &r.Status,
		&r.DatabaseHost, &r.DatabasePort, &r.DatabaseName, &r.DatabaseUser,
		&r.DatabasePassword, &r.PoolMinConnections, &r.PoolMaxConnections,
		&r.CreatedAt, &r.UpdatedAt)
	return r, translateErr(err)
}

// GetTenantRecord reads the routing record from the master registry.
func (s *Store) GetTenantRecord(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+registryColumns+` FROM tenant_registry WHERE id = $1`, id)
	return scanTenantRecord(row)
}

func (s *Store) GetTenantRecordBySlug(ctx context.Context, slug string) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+registryColumns+` FROM tenant_registry WHERE slug = $1`, slug)
	return scanTenantRecord(row)
}

// UpdateTenantDatabase reconfigures dedicated-database coordinates. The
// router invalidates its cached pool when this runs.
func (s *Store) UpdateTenantDatabase(ctx context.Context, rec TenantRecord) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tenant_registry
		SET isolation_mode = $2, database_host = $3, database_port = $4,
		    database_name = $5, database_user = $6, database_password_encrypted = $7,
		    pool_min_connections = $8, pool_max_connections = $9, updated_at = now()
		WHERE id = $1`,
		rec.ID, rec.IsolationMode, rec.DatabaseHost, rec.DatabasePort,
		rec.DatabaseName, rec.DatabaseUser, rec.DatabasePassword,
		rec.PoolMinConnections, rec.PoolMaxConnections)
	return translateErr(err)
}
