// Package tenant routes data-plane operations to the right database pool.
// Shared tenants use the master pool (tenant-column isolation); dedicated
// tenants get their own pgx pool built from encrypted registry credentials.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianauth/meridian/internal/crypto"
	"github.com/meridianauth/meridian/internal/storage"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantInactive = errors.New("tenant is not active")
	// ErrEncryptionKeyMissing is a configuration error: a dedicated tenant
	// exists but TENANT_DB_ENCRYPTION_KEY was not provided.
	ErrEncryptionKeyMissing = errors.New("tenant database encryption key not configured")
)

const (
	defaultCacheCapacity = 100
	defaultCacheTTL      = time.Hour
)

// Router resolves tenant ids (or slugs) to ready-to-use stores. It is
// cheap to share: all state lives behind the embedded cache's lock.
type Router struct {
	master        *storage.Store
	encryptionKey []byte // nil unless dedicated tenants are configured
	cache         *poolCache
	log           *slog.Logger
}

// New builds a router over the master pool. encryptionKey may be nil when
// no tenant uses dedicated isolation.
func New(master *pgxpool.Pool, encryptionKey []byte, log *slog.Logger) *Router {
	return &Router{
		master:        storage.New(master),
		encryptionKey: encryptionKey,
		cache:         newPoolCache(defaultCacheCapacity, defaultCacheTTL),
		log:           log,
	}
}

// Master returns the platform-scoped store (tenant_registry, signing_keys,
// and all shared-isolation tenant data).
func (r *Router) Master() *storage.Store {
	return r.master
}

// Lookup yields the store for a tenant, building and caching a dedicated
// pool on first use. Lookups are idempotent.
func (r *Router) Lookup(ctx context.Context, tenantID uuid.UUID) (*storage.Store, error) {
	if entry, ok := r.cache.get(tenantID); ok {
		// A stale entry self-heals: the cached record carries its own
		// status, so a suspended tenant is rejected without a DB trip.
		if entry.record.Status != storage.TenantActive {
			return nil, ErrTenantInactive
		}
		return entry.store, nil
	}

	record, err := r.master.GetTenantRecord(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to load tenant record: %w", err)
	}

	return r.admit(ctx, record)
}

// LookupBySlug resolves a tenant by its URL-safe slug.
func (r *Router) LookupBySlug(ctx context.Context, slug string) (*storage.Store, error) {
	record, err := r.master.GetTenantRecordBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to load tenant record: %w", err)
	}

	if entry, ok := r.cache.get(record.ID); ok {
		if entry.record.Status != storage.TenantActive {
			return nil, ErrTenantInactive
		}
		return entry.store, nil
	}
	return r.admit(ctx, record)
}

func (r *Router) admit(ctx context.Context, record storage.TenantRecord) (*storage.Store, error) {
	if record.Status != storage.TenantActive {
		return nil, ErrTenantInactive
	}

	if record.IsolationMode == storage.IsolationShared {
		r.cache.put(record.ID, &poolEntry{record: record, store: r.master})
		return r.master, nil
	}

	pool, err := r.buildDedicatedPool(ctx, record)
	if err != nil {
		// Never mask a dedicated-pool failure by falling back to shared:
		// that would silently cross the isolation boundary.
		return nil, err
	}

	store := storage.New(pool)
	r.cache.put(record.ID, &poolEntry{record: record, store: store, owned: pool})
	r.log.Info("tenant_pool_created", "tenant_id", record.ID, "slug", record.Slug)
	return store, nil
}

func (r *Router) buildDedicatedPool(ctx context.Context, record storage.TenantRecord) (*pgxpool.Pool, error) {
	if record.DatabaseHost == nil || record.DatabaseName == nil || record.DatabaseUser == nil || record.DatabasePassword == nil {
		return nil, fmt.Errorf("tenant %s: dedicated isolation with incomplete database coordinates", record.ID)
	}
	if r.encryptionKey == nil {
		return nil, ErrEncryptionKeyMissing
	}

	// Decryption failure is a configuration error; the error text must
	// never contain key or password material.
	password, err := crypto.DecryptSecret(r.encryptionKey, *record.DatabasePassword)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: failed to decrypt database credentials: %w", record.ID, err)
	}

	port := 5432
	if record.DatabasePort != nil {
		port = *record.DatabasePort
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(*record.DatabaseUser), url.QueryEscape(password),
		*record.DatabaseHost, port, *record.DatabaseName)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: invalid pool config: %w", record.ID, err)
	}
	config.ConnConfig.ConnectTimeout = storage.AcquireTimeout
	if record.PoolMinConnections != nil {
		config.MinConns = int32(*record.PoolMinConnections)
	}
	if record.PoolMaxConnections != nil {
		config.MaxConns = int32(*record.PoolMaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: failed to build dedicated pool: %w", record.ID, err)
	}
	return pool, nil
}

// Invalidate drops a cached entry. Fired on suspension, reconfiguration
// and deletion; the dropped dedicated pool is closed once released.
func (r *Router) Invalidate(tenantID uuid.UUID) {
	r.cache.remove(tenantID)
}

// Close releases every cached dedicated pool.
func (r *Router) Close() {
	r.cache.clear()
}
