package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/token"
)

const backupCodeCount = 10

// EnrollmentMaterial is what the setup screen needs to show a QR code.
type EnrollmentMaterial struct {
	MethodID   uuid.UUID `json:"method_id"`
	Secret     string    `json:"secret"`
	OtpauthURL string    `json:"otpauth_url"`
	QRCodePNG  []byte    `json:"qr_code_png"`
}

// EnrollmentResult confirms a verified method; backup codes appear here
// once and are stored hashed.
type EnrollmentResult struct {
	MethodID    uuid.UUID `json:"method_id"`
	BackupCodes []string  `json:"backup_codes"`
}

// enrollmentSubject validates the token and resolves its user.
func (s *Service) enrollmentSubject(ctx context.Context, enrollmentToken string) (*storage.Store, storage.User, *uuid.UUID, error) {
	claims, err := s.tokens.VerifyEnrollmentToken(enrollmentToken)
	if err != nil {
		return nil, storage.User{}, nil, ErrInvalidCredentials
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, storage.User{}, nil, ErrInvalidCredentials
	}
	var tenantID *uuid.UUID
	if claims.TenantID != "" {
		id, err := uuid.Parse(claims.TenantID)
		if err != nil {
			return nil, storage.User{}, nil, ErrInvalidCredentials
		}
		tenantID = &id
	}

	store, err := s.storeFor(ctx, tenantID)
	if err != nil {
		return nil, storage.User{}, nil, err
	}
	user, err := store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storage.User{}, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, storage.User{}, nil, ErrAccountInactive
	}
	return store, user, tenantID, nil
}

// BeginEnrollment creates an unverified TOTP method and returns the
// material for the authenticator app.
func (s *Service) BeginEnrollment(ctx context.Context, enrollmentToken string) (*EnrollmentMaterial, error) {
	store, user, _, err := s.enrollmentSubject(ctx, enrollmentToken)
	if err != nil {
		return nil, err
	}

	key, qr, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		return nil, err
	}

	secret := key.Secret()
	method, err := store.CreateMfaMethod(ctx, storage.MfaMethod{
		ID:     uuid.New(),
		UserID: user.ID,
		Type:   "totp",
		Secret: &secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mfa method: %w", err)
	}

	return &EnrollmentMaterial{
		MethodID:   method.ID,
		Secret:     secret,
		OtpauthURL: key.URL(),
		QRCodePNG:  qr,
	}, nil
}

// CompleteEnrollment verifies the first code from the authenticator,
// marks the method verified, flips the user's MFA flag and mints backup
// codes.
func (s *Service) CompleteEnrollment(ctx context.Context, enrollmentToken string, methodID uuid.UUID, code string) (*EnrollmentResult, error) {
	store, user, tenantID, err := s.enrollmentSubject(ctx, enrollmentToken)
	if err != nil {
		return nil, err
	}

	method, err := store.GetMfaMethod(ctx, user.ID, "totp")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidMfaCode
		}
		return nil, err
	}
	if method.ID != methodID || method.Secret == nil {
		return nil, ErrInvalidMfaCode
	}
	if !s.totp.ValidateCode(code, *method.Secret) {
		return nil, ErrInvalidMfaCode
	}

	if err := store.MarkMfaMethodVerified(ctx, method.ID); err != nil {
		return nil, err
	}
	if err := store.SetUserMfaEnabled(ctx, user.ID, true); err != nil {
		return nil, err
	}

	codes, err := GenerateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = token.Hash(c)
	}
	if err := store.ReplaceBackupCodes(ctx, user.ID, hashes); err != nil {
		return nil, err
	}

	ev := audit.Event{ActorID: user.ID}
	if tenantID != nil {
		ev.TenantID = *tenantID
	}
	s.audit.Log(ctx, audit.ActionMfaEnrolled, ev)

	return &EnrollmentResult{MethodID: method.ID, BackupCodes: codes}, nil
}

// SkipEnrollment issues tokens without a second factor while the grace
// window is still open. Once the window has closed it refuses.
func (s *Service) SkipEnrollment(ctx context.Context, enrollmentToken, ip, userAgent string) (*LoginResult, error) {
	store, user, tenantID, err := s.enrollmentSubject(ctx, enrollmentToken)
	if err != nil {
		return nil, err
	}

	sec, tnt, err := s.securityFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	decision := evalMfaPolicy(sec, user, 0, time.Now())
	if decision.action == mfaEnroll && !decision.canSkip {
		return nil, ErrEnrollmentRequired
	}

	var role string
	if tenantID != nil {
		if m, err := store.GetMembership(ctx, user.ID, *tenantID); err == nil {
			role = m.Role
		}
	}
	return s.issue(ctx, store, user, tnt, role, ip, userAgent, false)
}
