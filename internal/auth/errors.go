package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers both unknown user and wrong password;
	// callers must not be able to tell them apart.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrAccountBanned   = errors.New("account is banned")
	ErrAccountInactive = errors.New("account is deactivated")

	// ErrSsoRequired means the tenant enforces SSO and password login is
	// disabled for its members.
	ErrSsoRequired = errors.New("sso login required for this organization")

	ErrInvalidMfaCode     = errors.New("invalid mfa code")
	ErrChallengeNotFound  = errors.New("mfa challenge not found or expired")
	ErrEnrollmentRequired = errors.New("mfa enrollment required")

	ErrRegistrationClosed = errors.New("public registration is disabled")
	ErrInvitationExpired  = errors.New("invitation not found or expired")

	// ErrRefreshReuse signals a rotated refresh token was presented
	// again; the whole family has been revoked.
	ErrRefreshReuse = errors.New("refresh token has already been used")

	ErrSessionNotFound = errors.New("session not found or expired")
)

// LockedError reports an active lockout and when it lifts.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account is locked until %s", e.Until.Format(time.RFC3339))
}

// WeakPasswordError reports a password below the tenant's minimum length.
type WeakPasswordError struct {
	MinLength int
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("password must be at least %d characters", e.MinLength)
}
