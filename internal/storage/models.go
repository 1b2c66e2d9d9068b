package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User is a global identity. SSO-only users have no password hash.
// Users are never hard-deleted, only deactivated.
type User struct {
	ID              uuid.UUID
	Email           string
	PasswordHash    *string
	Name            *string
	GivenName       *string
	FamilyName      *string
	Picture         *string
	IsActive        bool
	EmailVerified   bool
	MfaEnabled      bool
	MfaEnforcedAt   *time.Time
	IsPlatformAdmin bool
	DefaultTenantID *uuid.UUID
	Metadata        json.RawMessage
	LastLoginAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantProvisioning TenantStatus = "provisioning"
	TenantActive       TenantStatus = "active"
	TenantSuspended    TenantStatus = "suspended"
)

// IsolationMode selects between the shared pool (tenant_id column) and a
// dedicated per-tenant database.
type IsolationMode string

const (
	IsolationShared    IsolationMode = "shared"
	IsolationDedicated IsolationMode = "dedicated"
)

// SecuritySettings is the recognised sub-shape of the tenant settings bag.
// Unknown keys in the bag are preserved untouched (see Tenant.Settings).
type SecuritySettings struct {
	MfaRequired        bool       `json:"mfa_required"`
	MfaEnforcementDate *time.Time `json:"mfa_enforcement_date,omitempty"`
	MfaGracePeriodDays int        `json:"mfa_grace_period_days"`
	AllowedMfaMethods  []string   `json:"allowed_mfa_methods,omitempty"`
	MaxLoginAttempts   int        `json:"max_login_attempts"`
	LockoutDurationMin int        `json:"lockout_duration_minutes"`
	EnforceSSO         bool       `json:"enforce_sso"`
	PasswordMinLength  int        `json:"password_min_length"`
}

// DefaultSecuritySettings returns the policy applied when a tenant has not
// customised anything.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		MfaGracePeriodDays: 7,
		MaxLoginAttempts:   5,
		LockoutDurationMin: 15,
		PasswordMinLength:  8,
	}
}

// Tenant is an organization. Settings is the raw JSON bag; Security is the
// parsed recognised portion of it.
type Tenant struct {
	ID          uuid.UUID
	Slug        string
	Name        string
	AccountType string
	Status      TenantStatus
	Settings    json.RawMessage
	Security    SecuritySettings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantRecord is a row of the master tenant registry, holding routing and
// (encrypted) connection data for dedicated tenants.
type TenantRecord struct {
	ID                 uuid.UUID
	Slug               string
	Name               string
	IsolationMode      IsolationMode
	Status             TenantStatus
	DatabaseHost       *string
	DatabasePort       *int
	DatabaseName       *string
	DatabaseUser       *string
	DatabasePassword   *string // AES-256-GCM ciphertext, base64
	PoolMinConnections *int
	PoolMaxConnections *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TenantMembership links a user to a tenant with a role.
type TenantMembership struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Role     string
	JoinedAt time.Time
}

// Application is an OAuth client registration.
type Application struct {
	ID                     uuid.UUID
	TenantID               *uuid.UUID // nil for platform apps
	ClientID               string
	ClientSecretHash       *string // nil for public clients
	Name                   string
	AppType                string
	CallbackURLs           []string
	AllowedLogoutURLs      []string
	AllowedWebOrigins      []string
	GrantTypes             []string
	AllowedScopes          []string
	AccessTokenTTLSeconds  int
	RefreshTokenTTLSeconds int
	IsActive               bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AuthorizationRequest is the server-side scratchpad for an in-flight
// authorization (10-minute TTL, deleted on code issuance).
type AuthorizationRequest struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	TenantID            *uuid.UUID
	Prompt              string
	LoginHint           string
	MaxAge              *int
	UILocales           string
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// AuthorizationCode is a one-shot code (10-minute TTL, single use).
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              uuid.UUID
	TenantID            *uuid.UUID
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	ResponseType        string
	ExpiresAt           time.Time
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// AccessTokenRecord backs introspection and revocation; presence is
// authoritative in addition to signature validity.
type AccessTokenRecord struct {
	JTI       string
	ClientID  string
	UserID    *uuid.UUID // nil for client-credentials tokens
	TenantID  *uuid.UUID
	Scope     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// RefreshToken is stored by sha256 hash; the raw value never persists.
type RefreshToken struct {
	ID         uuid.UUID
	TokenHash  string
	FamilyID   uuid.UUID
	ClientID   string
	UserID     uuid.UUID
	TenantID   *uuid.UUID
	Scope      string
	Audience   string
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// LoginSession is a cookie-bearing browser session (7-day default).
type LoginSession struct {
	ID              uuid.UUID
	TokenHash       string
	UserID          uuid.UUID
	TenantID        *uuid.UUID
	IPAddress       *string
	UserAgent       *string
	AuthenticatedAt time.Time
	LastActiveAt    time.Time
	ExpiresAt       time.Time
	MfaVerified     bool
	MfaVerifiedAt   *time.Time
	RevokedAt       *time.Time
}

// MfaMethod is an enrolled second factor.
type MfaMethod struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Type       string // "totp", "sms"
	Secret     *string
	Phone      *string
	Verified   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// MfaChallenge gates the second step of an MFA login (5-minute TTL).
type MfaChallenge struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	ChallengeToken string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// MfaBackupCode is a single-use recovery code, sha256-hashed at rest.
type MfaBackupCode struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	CodeHash string
	UsedAt   *time.Time
}

// LoginAttempt records a login outcome for lockout accounting.
type LoginAttempt struct {
	ID        uuid.UUID
	TenantID  *uuid.UUID
	Email     string
	IPAddress string
	Success   bool
	CreatedAt time.Time
}

// Lockout blocks a user until LockedUntil.
type Lockout struct {
	ID          uuid.UUID
	TenantID    *uuid.UUID
	Email       string
	LockedUntil time.Time
	CreatedAt   time.Time
}

// Ban is a global (tenant, email) or (tenant, ip) block.
type Ban struct {
	ID        uuid.UUID
	TenantID  *uuid.UUID
	Email     *string
	IPAddress *string
	Reason    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Invitation invites an email address into a tenant.
type Invitation struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Email      string
	TokenHash  string
	InvitedBy  uuid.UUID
	Role       string
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// SigningKey is an RSA keypair for RS256 tokens. Exactly one row is
// current; rotated keys stay published in JWKS for seven days.
type SigningKey struct {
	Kid           string
	Algorithm     string
	PublicKeyPEM  string
	PrivateKeyPEM string
	IsCurrent     bool
	RotatedAt     *time.Time
	CreatedAt     time.Time
}

// RelationTuple is the atomic unit of authorization.
type RelationTuple struct {
	TenantID        uuid.UUID
	Namespace       string
	ObjectID        string
	Relation        string
	SubjectType     string // "user", "group", "userset", "wildcard"
	SubjectID       string
	SubjectRelation string
	CreatedAt       time.Time
}

// AuthorizationModel is a per-tenant FGA model, stored as JSON.
type AuthorizationModel struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Version   int
	Model     json.RawMessage
	CreatedAt time.Time
}
