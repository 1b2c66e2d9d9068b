package flow

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/oauth"
	"github.com/meridianauth/meridian/internal/token"
)

// ErrCSRFMismatch is returned alongside the annotated flow when the
// submitted csrf_token does not match the flow's.
var ErrCSRFMismatch = errors.New("flow: csrf token mismatch")

// ErrFlowState is returned when a flow is submitted outside an accepting
// state.
var ErrFlowState = errors.New("flow: not submittable in current state")

// Service drives the self-service flow machine on top of the auth and
// authorization services.
type Service struct {
	store   *Store
	auth    *auth.Service
	reg     *auth.RegistrationService
	oauth   *oauth.Service
	log     *slog.Logger
	baseURL string
}

func NewService(store *Store, authSvc *auth.Service, reg *auth.RegistrationService, oauthSvc *oauth.Service, log *slog.Logger, baseURL string) *Service {
	return &Service{
		store:   store,
		auth:    authSvc,
		reg:     reg,
		oauth:   oauthSvc,
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// CreateParams describe a new flow.
type CreateParams struct {
	Delivery               string
	TenantID               *uuid.UUID
	AuthorizationRequestID string
	ReturnTo               string
}

// CreateLoginFlow builds and persists a fresh login flow. When bound to
// an authorization request, the flow inherits its client and tenant.
func (s *Service) CreateLoginFlow(ctx context.Context, p CreateParams) (*Flow, error) {
	f, err := s.newFlow(ctx, TypeLogin, p)
	if err != nil {
		return nil, err
	}
	f.UI.Nodes = loginNodes(f)
	if err := s.store.Save(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// CreateRegistrationFlow builds and persists a fresh registration flow.
func (s *Service) CreateRegistrationFlow(ctx context.Context, p CreateParams) (*Flow, error) {
	f, err := s.newFlow(ctx, TypeRegistration, p)
	if err != nil {
		return nil, err
	}
	f.UI.Nodes = registrationNodes(f)
	if err := s.store.Save(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) newFlow(ctx context.Context, flowType string, p CreateParams) (*Flow, error) {
	id, err := token.GenerateOpaque(16)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	f := &Flow{
		ID:        id,
		Type:      flowType,
		Delivery:  p.Delivery,
		State:     StateActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(flowTTL),
		TenantID:  p.TenantID,
		ReturnTo:  p.ReturnTo,
	}
	if p.Delivery == DeliveryBrowser {
		csrf, err := token.GenerateOpaque(32)
		if err != nil {
			return nil, err
		}
		f.CSRFToken = csrf
	}
	if p.AuthorizationRequestID != "" {
		req, err := s.oauth.GetAuthorizationRequest(ctx, p.AuthorizationRequestID)
		if err != nil {
			return nil, err
		}
		f.AuthorizationRequestID = req.RequestID
		f.ClientID = req.ClientID
		if req.TenantID != nil {
			f.TenantID = req.TenantID
		}
	}
	f.UI = UI{
		Action:   s.baseURL + "/self-service/" + flowType + "?flow=" + url.QueryEscape(id),
		Method:   "POST",
		Messages: []Message{},
	}
	return f, nil
}

// GetFlow returns the live flow by id.
func (s *Service) GetFlow(ctx context.Context, flowType, id string) (*Flow, error) {
	return s.store.Get(ctx, flowType, id)
}

// SubmitParams is one flow submission.
type SubmitParams struct {
	FlowID       string
	Method       string // password, totp, oidc
	CSRFToken    string
	CSRFCookie   string // cookie value as the browser presented it
	Identifier   string
	Password     string
	TotpCode     string
	Name         string
	ConnectionID string
	IP           string
	UserAgent    string
}

// SubmitResult is the terminal or intermediate outcome of a submission.
// Exactly one of Flow, RedirectTo or Tokens is the payload; Flow is also
// set alongside errors so handlers can render the annotated form.
type SubmitResult struct {
	Flow         *Flow
	RedirectTo   string
	Tokens       *auth.TokenPair
	SessionToken string

	// MFA enrollment interstitial.
	EnrollmentToken string
	GraceExpires    *time.Time
	CanSkip         bool
}

// SubmitLogin advances a login flow.
func (s *Service) SubmitLogin(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	f, err := s.store.Get(ctx, TypeLogin, p.FlowID)
	if err != nil {
		return nil, err
	}
	if !f.Submittable() {
		return nil, ErrFlowState
	}
	if res, err := s.checkCSRF(f, p.CSRFToken, p.CSRFCookie); err != nil {
		return res, err
	}

	switch p.Method {
	case "password":
		return s.submitPassword(ctx, f, p)
	case "totp":
		return s.submitTotp(ctx, f, p)
	case "oidc":
		return s.submitOidc(f, p)
	default:
		return &SubmitResult{Flow: f.formError("UNSUPPORTED_METHOD", "unsupported login method")}, ErrFlowState
	}
}

func (s *Service) submitPassword(ctx context.Context, f *Flow, p SubmitParams) (*SubmitResult, error) {
	res, err := s.auth.Authenticate(ctx, auth.AuthenticateParams{
		TenantID:  f.TenantID,
		Email:     p.Identifier,
		Password:  p.Password,
		IP:        p.IP,
		UserAgent: p.UserAgent,
	})
	if err != nil {
		return &SubmitResult{Flow: s.loginErrorFlow(f, err)}, err
	}

	switch res.Status {
	case auth.StatusMfaRequired:
		f.State = StateRequiresMfa
		userID := res.User.ID
		f.AuthenticatedUserID = &userID
		f.AuthenticationMethods = append(f.AuthenticationMethods, "password")
		f.MfaChallengeToken = res.ChallengeToken
		f.UI.Nodes = totpNodes(f)
		f.UI.Messages = []Message{}
		if err := s.store.Save(ctx, f); err != nil {
			return nil, err
		}
		return &SubmitResult{Flow: f.Public()}, nil

	case auth.StatusMfaEnrollmentRequired:
		s.discard(ctx, f)
		return &SubmitResult{
			EnrollmentToken: res.EnrollmentToken,
			GraceExpires:    res.GraceExpires,
			CanSkip:         res.CanSkip,
		}, nil

	default:
		return s.complete(ctx, f, res)
	}
}

func (s *Service) submitTotp(ctx context.Context, f *Flow, p SubmitParams) (*SubmitResult, error) {
	if f.State != StateRequiresMfa {
		return nil, ErrFlowState
	}
	res, err := s.auth.VerifyChallenge(ctx, auth.VerifyChallengeParams{
		TenantID:       f.TenantID,
		ChallengeToken: f.MfaChallengeToken,
		Code:           p.TotpCode,
		IP:             p.IP,
		UserAgent:      p.UserAgent,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidMfaCode) {
			return &SubmitResult{Flow: f.nodeError("totp_code", MsgInvalidTotp, "the code is invalid or has already been used")}, err
		}
		if errors.Is(err, auth.ErrChallengeNotFound) {
			// Challenge expired underneath the flow; restart from the
			// password step.
			f.State = StateActive
			f.MfaChallengeToken = ""
			f.AuthenticatedUserID = nil
			f.UI.Nodes = loginNodes(f)
			if serr := s.store.Save(ctx, f); serr != nil {
				return nil, serr
			}
			return &SubmitResult{Flow: f.formError("SESSION_EXPIRED", "the verification window expired, sign in again")}, err
		}
		return &SubmitResult{Flow: s.loginErrorFlow(f, err)}, err
	}
	return s.complete(ctx, f, res)
}

func (s *Service) submitOidc(f *Flow, p SubmitParams) (*SubmitResult, error) {
	if p.ConnectionID == "" {
		return &SubmitResult{Flow: f.formError("MISSING_CONNECTION", "connection_id is required for oidc")}, ErrFlowState
	}
	q := url.Values{"flow": {f.ID}}
	return &SubmitResult{
		Flow:       f.Public(),
		RedirectTo: s.baseURL + "/self-service/methods/oidc/auth/" + url.PathEscape(p.ConnectionID) + "?" + q.Encode(),
	}, nil
}

// SubmitRegistration advances a registration flow.
func (s *Service) SubmitRegistration(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	f, err := s.store.Get(ctx, TypeRegistration, p.FlowID)
	if err != nil {
		return nil, err
	}
	if !f.Submittable() {
		return nil, ErrFlowState
	}
	if res, err := s.checkCSRF(f, p.CSRFToken, p.CSRFCookie); err != nil {
		return res, err
	}

	if p.Method == "oidc" {
		return s.submitOidc(f, p)
	}

	if _, err := s.reg.Register(ctx, auth.RegisterParams{
		TenantID: f.TenantID,
		Email:    p.Identifier,
		Password: p.Password,
		Name:     p.Name,
		IP:       p.IP,
	}); err != nil {
		return &SubmitResult{Flow: s.registrationErrorFlow(f, err)}, err
	}

	// Complete as if the new user had just signed in; the login machine
	// also applies the tenant's MFA policy to the fresh account.
	res, err := s.auth.Authenticate(ctx, auth.AuthenticateParams{
		TenantID:  f.TenantID,
		Email:     p.Identifier,
		Password:  p.Password,
		IP:        p.IP,
		UserAgent: p.UserAgent,
	})
	if err != nil {
		return &SubmitResult{Flow: s.loginErrorFlow(f, err)}, err
	}
	if res.Status == auth.StatusMfaEnrollmentRequired {
		s.discard(ctx, f)
		return &SubmitResult{
			EnrollmentToken: res.EnrollmentToken,
			GraceExpires:    res.GraceExpires,
			CanSkip:         res.CanSkip,
		}, nil
	}
	return s.complete(ctx, f, res)
}

// complete finishes a successfully authenticated flow: either hand the
// user back to the OAuth callback or return the freshly issued session.
func (s *Service) complete(ctx context.Context, f *Flow, res *auth.LoginResult) (*SubmitResult, error) {
	f.State = StateCompleted
	s.discard(ctx, f)

	if f.AuthorizationRequestID != "" {
		redirect, err := s.oauth.CompleteAuthorization(ctx, f.AuthorizationRequestID, res.User.ID)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{RedirectTo: redirect}, nil
	}

	out := &SubmitResult{Tokens: res.Tokens}
	if f.Delivery == DeliveryAPI && res.Tokens != nil {
		out.SessionToken = res.Tokens.SessionToken
	}
	if f.ReturnTo != "" {
		out.RedirectTo = f.ReturnTo
	}
	return out, nil
}

// checkCSRF enforces the browser-delivery CSRF token. The submitted form
// field must match the flow's token AND the cookie set when the flow was
// created: the cookie is what proves the submitting browser owns the flow,
// since the token itself is readable by anyone who fetches it. The flow
// state is not advanced on mismatch.
func (s *Service) checkCSRF(f *Flow, submitted, cookie string) (*SubmitResult, error) {
	if f.Delivery != DeliveryBrowser {
		return nil, nil
	}
	if !auth.SecureCompare(f.CSRFToken, submitted) || !auth.SecureCompare(f.CSRFToken, cookie) {
		return &SubmitResult{Flow: f.formError(MsgCSRFMismatch, "the request could not be verified, reload the page and try again")}, ErrCSRFMismatch
	}
	return nil, nil
}

func (s *Service) discard(ctx context.Context, f *Flow) {
	if err := s.store.Delete(ctx, f.Type, f.ID); err != nil {
		s.log.Warn("failed to delete flow", "flow_id", f.ID, "error", err)
	}
}

func (s *Service) loginErrorFlow(f *Flow, err error) *Flow {
	var locked *auth.LockedError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return f.nodeError("password", MsgInvalidCredentials, "the email or password is incorrect")
	case errors.As(err, &locked):
		return f.formError(MsgAccountLocked, "the account is temporarily locked, try again later")
	case errors.Is(err, auth.ErrAccountBanned):
		return f.formError(MsgAccountBanned, "this account has been suspended")
	case errors.Is(err, auth.ErrSsoRequired):
		return f.formError(MsgSsoRequired, "sign in through your organization's identity provider")
	default:
		return f.formError("INTERNAL_ERROR", "something went wrong, try again")
	}
}

func (s *Service) registrationErrorFlow(f *Flow, err error) *Flow {
	var weak *auth.WeakPasswordError
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		return f.nodeError("email", MsgEmailTaken, "an account with this email already exists")
	case errors.As(err, &weak):
		return f.nodeError("password", MsgWeakPassword, "the password does not meet the minimum length")
	case errors.Is(err, auth.ErrRegistrationClosed):
		return f.formError(MsgRegistrationClosed, "public registration is disabled")
	default:
		return f.formError("INTERNAL_ERROR", "something went wrong, try again")
	}
}
