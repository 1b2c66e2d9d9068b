// Package auth implements the password login state machine: ban check,
// user lookup, lockout, activity, password verification, MFA policy
// evaluation and token issuance.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
	"github.com/meridianauth/meridian/internal/token"
)

const challengeTTL = 5 * time.Minute

// LoginStatus discriminates the non-error outcomes of Authenticate.
type LoginStatus string

const (
	StatusSuccess               LoginStatus = "success"
	StatusMfaRequired           LoginStatus = "mfa_required"
	StatusMfaEnrollmentRequired LoginStatus = "mfa_enrollment_required"
)

// LoginResult is the outcome of a password login. Tokens is set only for
// StatusSuccess.
type LoginResult struct {
	Status LoginStatus
	User   storage.User
	Tokens *TokenPair

	// StatusMfaRequired
	ChallengeToken string
	Methods        []string

	// StatusMfaEnrollmentRequired
	EnrollmentToken string
	GraceExpires    *time.Time
	CanSkip         bool
}

// Service drives password authentication and the MFA second step.
type Service struct {
	router   *tenant.Router
	hasher   PasswordHasher
	totp     *TOTPService
	tokens   *token.Service
	sessions *SessionService
	audit    audit.Logger
	log      *slog.Logger
}

func NewService(router *tenant.Router, hasher PasswordHasher, totp *TOTPService, tokens *token.Service, sessions *SessionService, auditLog audit.Logger, log *slog.Logger) *Service {
	return &Service{
		router:   router,
		hasher:   hasher,
		totp:     totp,
		tokens:   tokens,
		sessions: sessions,
		audit:    auditLog,
		log:      log,
	}
}

// AuthenticateParams is one password login attempt.
type AuthenticateParams struct {
	TenantID  *uuid.UUID
	Email     string
	Password  string
	IP        string
	UserAgent string
	// Platform selects platform-admin login: no membership required but
	// is_platform_admin is mandatory.
	Platform bool
}

func (s *Service) storeFor(ctx context.Context, tenantID *uuid.UUID) (*storage.Store, error) {
	if tenantID == nil {
		return s.router.Master(), nil
	}
	return s.router.Lookup(ctx, *tenantID)
}

// securityFor loads the tenant's security settings from the control plane,
// or the defaults for platform-scoped logins.
func (s *Service) securityFor(ctx context.Context, tenantID *uuid.UUID) (storage.SecuritySettings, *storage.Tenant, error) {
	if tenantID == nil {
		return storage.DefaultSecuritySettings(), nil, nil
	}
	t, err := s.router.Master().GetTenantByID(ctx, *tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.SecuritySettings{}, nil, tenant.ErrTenantNotFound
		}
		return storage.SecuritySettings{}, nil, err
	}
	return t.Security, &t, nil
}

// Authenticate runs the full login machine for one attempt.
func (s *Service) Authenticate(ctx context.Context, p AuthenticateParams) (*LoginResult, error) {
	store, err := s.storeFor(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	sec, tnt, err := s.securityFor(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	if _, err := store.FindBan(ctx, p.TenantID, p.Email, p.IP); err == nil {
		return nil, ErrAccountBanned
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if sec.EnforceSSO && !p.Platform {
		return nil, ErrSsoRequired
	}

	user, lookupErr := store.GetUserByEmail(ctx, p.Email)
	if lookupErr != nil {
		if errors.Is(lookupErr, storage.ErrNotFound) {
			// Equalize timing with the password-mismatch path.
			_ = s.hasher.Compare(dummyHash, p.Password)
			s.recordFailure(ctx, store, sec, p)
			return nil, ErrInvalidCredentials
		}
		return nil, lookupErr
	}

	var role string
	if p.Platform {
		if !user.IsPlatformAdmin {
			_ = s.hasher.Compare(dummyHash, p.Password)
			s.recordFailure(ctx, store, sec, p)
			return nil, ErrInvalidCredentials
		}
	} else if p.TenantID != nil {
		m, err := store.GetMembership(ctx, user.ID, *p.TenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				_ = s.hasher.Compare(dummyHash, p.Password)
				s.recordFailure(ctx, store, sec, p)
				return nil, ErrInvalidCredentials
			}
			return nil, err
		}
		role = m.Role
	}

	if lock, err := store.GetActiveLockout(ctx, p.TenantID, p.Email); err == nil {
		return nil, &LockedError{Until: lock.LockedUntil}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	if user.PasswordHash == nil {
		// SSO-only account; do not reveal that no password exists.
		_ = s.hasher.Compare(dummyHash, p.Password)
		s.recordFailure(ctx, store, sec, p)
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(*user.PasswordHash, p.Password); err != nil {
		s.recordFailure(ctx, store, sec, p)
		return nil, ErrInvalidCredentials
	}

	if err := store.RecordLoginAttempt(ctx, storage.LoginAttempt{
		ID: uuid.New(), TenantID: p.TenantID, Email: p.Email, IPAddress: p.IP, Success: true,
	}); err != nil {
		s.log.Warn("failed to record login attempt", "error", err)
	}

	methods, err := store.ListVerifiedMfaMethods(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	decision := evalMfaPolicy(sec, user, len(methods), time.Now())
	switch decision.action {
	case mfaChallenge:
		challenge, err := token.GenerateOpaque(32)
		if err != nil {
			return nil, err
		}
		if err := store.CreateMfaChallenge(ctx, storage.MfaChallenge{
			ID:             uuid.New(),
			UserID:         user.ID,
			ChallengeToken: challenge,
			ExpiresAt:      time.Now().Add(challengeTTL),
		}); err != nil {
			return nil, fmt.Errorf("failed to create mfa challenge: %w", err)
		}

		names := make([]string, 0, len(methods))
		for _, m := range methods {
			names = append(names, m.Type)
		}
		s.audit.Log(ctx, audit.ActionMfaChallenged, audit.Event{ActorID: user.ID, IP: p.IP})
		return &LoginResult{
			Status:         StatusMfaRequired,
			User:           user,
			ChallengeToken: challenge,
			Methods:        names,
		}, nil

	case mfaEnroll:
		if decision.startGrace {
			if err := store.SetUserMfaEnforcedAt(ctx, user.ID, time.Now()); err != nil {
				s.log.Warn("failed to persist mfa grace start", "user_id", user.ID, "error", err)
			}
		}
		enrollment, err := s.tokens.SignEnrollmentToken(user.ID, p.TenantID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			Status:          StatusMfaEnrollmentRequired,
			User:            user,
			EnrollmentToken: enrollment,
			GraceExpires:    decision.graceExpires,
			CanSkip:         decision.canSkip,
		}, nil
	}

	return s.issue(ctx, store, user, tnt, role, p.IP, p.UserAgent, false)
}

// VerifyChallengeParams is the MFA second step of a login.
type VerifyChallengeParams struct {
	TenantID       *uuid.UUID
	ChallengeToken string
	Code           string
	IP             string
	UserAgent      string
}

// VerifyChallenge completes an MFA-gated login with a TOTP code or a
// backup code. The challenge is deleted on success.
func (s *Service) VerifyChallenge(ctx context.Context, p VerifyChallengeParams) (*LoginResult, error) {
	store, err := s.storeFor(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	challenge, err := store.GetMfaChallenge(ctx, p.ChallengeToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}

	user, err := store.GetUserByID(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	if err := s.verifySecondFactor(ctx, store, user.ID, p.Code); err != nil {
		return nil, err
	}

	if err := store.DeleteMfaChallenge(ctx, challenge.ID); err != nil {
		s.log.Warn("failed to delete mfa challenge", "error", err)
	}

	var (
		tnt  *storage.Tenant
		role string
	)
	if p.TenantID != nil {
		_, tnt, err = s.securityFor(ctx, p.TenantID)
		if err != nil {
			return nil, err
		}
		if m, err := store.GetMembership(ctx, user.ID, *p.TenantID); err == nil {
			role = m.Role
		}
	}

	s.audit.Log(ctx, audit.ActionMfaVerified, audit.Event{ActorID: user.ID, IP: p.IP})
	return s.issue(ctx, store, user, tnt, role, p.IP, p.UserAgent, true)
}

// verifySecondFactor accepts a TOTP code (single-use per step) or burns a
// backup code.
func (s *Service) verifySecondFactor(ctx context.Context, store *storage.Store, userID uuid.UUID, code string) error {
	method, err := store.GetMfaMethod(ctx, userID, "totp")
	if err == nil && method.Secret != nil && s.totp.ValidateCode(code, *method.Secret) {
		now := time.Now()
		if method.LastUsedAt != nil && sameStep(*method.LastUsedAt, now) {
			return ErrInvalidMfaCode
		}
		if err := store.TouchMfaMethod(ctx, method.ID, now); err != nil {
			s.log.Warn("failed to touch mfa method", "error", err)
		}
		return nil
	}

	if err := store.ConsumeBackupCode(ctx, userID, token.Hash(code)); err == nil {
		return nil
	}
	return ErrInvalidMfaCode
}

func (s *Service) issue(ctx context.Context, store *storage.Store, user storage.User, tnt *storage.Tenant, role, ip, ua string, mfaVerified bool) (*LoginResult, error) {
	if err := store.TouchLastLogin(ctx, user.ID, time.Now()); err != nil {
		s.log.Warn("failed to update last login", "user_id", user.ID, "error", err)
	}

	pair, err := s.sessions.Issue(ctx, IssueParams{
		User:        user,
		Tenant:      tnt,
		Role:        role,
		IP:          ip,
		UserAgent:   ua,
		MfaVerified: mfaVerified,
	})
	if err != nil {
		return nil, err
	}

	ev := audit.Event{ActorID: user.ID, IP: ip}
	if tnt != nil {
		ev.TenantID = tnt.ID
	}
	s.audit.Log(ctx, audit.ActionLoginSuccess, ev)
	return &LoginResult{Status: StatusSuccess, User: user, Tokens: pair}, nil
}

// recordFailure logs the attempt and converts repeated failures into a
// lockout per the tenant's thresholds.
func (s *Service) recordFailure(ctx context.Context, store *storage.Store, sec storage.SecuritySettings, p AuthenticateParams) {
	if err := store.RecordLoginAttempt(ctx, storage.LoginAttempt{
		ID: uuid.New(), TenantID: p.TenantID, Email: p.Email, IPAddress: p.IP, Success: false,
	}); err != nil {
		s.log.Warn("failed to record login attempt", "error", err)
	}

	ev := audit.Event{IP: p.IP, Metadata: map[string]string{"email": p.Email}}
	if p.TenantID != nil {
		ev.TenantID = *p.TenantID
	}
	s.audit.Log(ctx, audit.ActionLoginFailed, ev)

	window := time.Duration(sec.LockoutDurationMin) * time.Minute
	failures, err := store.CountRecentFailedAttempts(ctx, p.TenantID, p.Email, window)
	if err != nil {
		s.log.Warn("failed to count login attempts", "error", err)
		return
	}
	if failures < sec.MaxLoginAttempts {
		return
	}

	until := time.Now().Add(time.Duration(sec.LockoutDurationMin) * time.Minute)
	if err := store.CreateLockout(ctx, storage.Lockout{
		ID: uuid.New(), TenantID: p.TenantID, Email: p.Email, LockedUntil: until,
	}); err != nil {
		s.log.Error("failed to create lockout", "email", p.Email, "error", err)
		return
	}
	s.audit.Log(ctx, audit.ActionAccountLocked, ev)
}

// mfaAction is the arbitration outcome of the MFA policy.
type mfaAction int

const (
	mfaNone mfaAction = iota
	mfaChallenge
	mfaEnroll
)

type mfaDecision struct {
	action       mfaAction
	canSkip      bool
	graceExpires *time.Time
	// startGrace asks the caller to stamp users.mfa_enforced_at so the
	// grace window is stable across logins.
	startGrace bool
}

// evalMfaPolicy arbitrates between challenge, enrollment and plain issue.
// A user with a verified method is always challenged; a user without one
// under an MFA-required policy gets an enrollment window of
// mfa_grace_period_days, after which login no longer issues tokens.
func evalMfaPolicy(sec storage.SecuritySettings, user storage.User, verifiedMethods int, now time.Time) mfaDecision {
	if verifiedMethods > 0 {
		return mfaDecision{action: mfaChallenge}
	}
	if !sec.MfaRequired {
		return mfaDecision{action: mfaNone}
	}

	grace := time.Duration(sec.MfaGracePeriodDays) * 24 * time.Hour
	var start time.Time
	var startGrace bool
	switch {
	case sec.MfaEnforcementDate != nil:
		start = *sec.MfaEnforcementDate
	case user.MfaEnforcedAt != nil:
		start = *user.MfaEnforcedAt
	default:
		start = now
		startGrace = true
	}

	expires := start.Add(grace)
	return mfaDecision{
		action:       mfaEnroll,
		canSkip:      expires.After(now),
		graceExpires: &expires,
		startGrace:   startGrace,
	}
}
