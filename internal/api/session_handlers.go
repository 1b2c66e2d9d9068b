package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/api/helpers"
	"github.com/meridianauth/meridian/internal/api/middleware"
	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
)

const sessionCookieName = "meridian_session"

// SessionHandler serves direct (non-flow) login and session management.
type SessionHandler struct {
	auth     *auth.Service
	sessions *auth.SessionService
}

func NewSessionHandler(authSvc *auth.Service, sessions *auth.SessionService) *SessionHandler {
	return &SessionHandler{auth: authSvc, sessions: sessions}
}

// writeAuthError maps auth-layer errors onto HTTP statuses.
func writeAuthError(w http.ResponseWriter, err error) {
	var locked *auth.LockedError
	var weak *auth.WeakPasswordError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidMfaCode),
		errors.Is(err, auth.ErrChallengeNotFound),
		errors.Is(err, auth.ErrRefreshReuse),
		errors.Is(err, auth.ErrSessionNotFound):
		helpers.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &locked):
		helpers.RespondError(w, http.StatusLocked, err.Error())
	case errors.Is(err, auth.ErrAccountBanned),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrSsoRequired),
		errors.Is(err, auth.ErrEnrollmentRequired),
		errors.Is(err, auth.ErrRegistrationClosed):
		helpers.RespondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &weak):
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		helpers.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvitationExpired):
		helpers.RespondError(w, http.StatusGone, err.Error())
	case errors.Is(err, tenant.ErrTenantNotFound):
		helpers.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tenant.ErrTenantInactive):
		helpers.RespondError(w, http.StatusForbidden, err.Error())
	default:
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

// loginResponse renders a LoginResult for the direct API.
func loginResponse(res *auth.LoginResult) map[string]any {
	body := map[string]any{"status": string(res.Status)}
	switch res.Status {
	case auth.StatusMfaRequired:
		body["challenge_token"] = res.ChallengeToken
		body["methods"] = res.Methods
	case auth.StatusMfaEnrollmentRequired:
		body["enrollment_token"] = res.EnrollmentToken
		body["can_skip"] = res.CanSkip
		if res.GraceExpires != nil {
			body["grace_expires_at"] = res.GraceExpires.Format(time.RFC3339)
		}
	default:
		body["access_token"] = res.Tokens.AccessToken
		body["refresh_token"] = res.Tokens.RefreshToken
		body["session_token"] = res.Tokens.SessionToken
		body["token_type"] = res.Tokens.TokenType
		body["expires_in"] = res.Tokens.ExpiresIn
	}
	return body
}

func tenantScope(r *http.Request) *uuid.UUID {
	if id, err := middleware.GetTenantID(r.Context()); err == nil {
		return &id
	}
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Platform bool   `json:"platform,omitempty"`
}

// Login handles POST /api/v1/auth/login.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.auth.Authenticate(r.Context(), auth.AuthenticateParams{
		TenantID:  tenantScope(r),
		Email:     req.Email,
		Password:  req.Password,
		IP:        helpers.ClientIP(r),
		UserAgent: r.UserAgent(),
		Platform:  req.Platform,
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if res.Status == auth.StatusSuccess {
		setSessionCookie(w, res.Tokens.SessionToken)
	}
	helpers.RespondJSON(w, http.StatusOK, loginResponse(res))
}

type mfaVerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

// VerifyMFA handles POST /api/v1/auth/mfa/verify with a TOTP or backup
// code.
func (h *SessionHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.auth.VerifyChallenge(r.Context(), auth.VerifyChallengeParams{
		TenantID:       tenantScope(r),
		ChallengeToken: req.ChallengeToken,
		Code:           req.Code,
		IP:             helpers.ClientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	setSessionCookie(w, res.Tokens.SessionToken)
	helpers.RespondJSON(w, http.StatusOK, loginResponse(res))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/auth/refresh: single-use rotation.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), tenantScope(r), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Logout handles POST /api/v1/auth/logout: revokes the session and the
// refresh-token family, and clears the cookie.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength > 0 {
		if err := helpers.DecodeJSON(r, &req); err != nil {
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.sessions.Logout(r.Context(), tenantScope(r), sessionToken(r), req.RefreshToken); err != nil {
		writeAuthError(w, err)
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// WhoAmI handles GET /sessions/whoami.
func (h *SessionHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	tok := sessionToken(r)
	if tok == "" {
		helpers.RespondError(w, http.StatusUnauthorized, "no session")
		return
	}

	session, user, err := h.sessions.WhoAmI(r.Context(), tenantScope(r), tok)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"session": sessionView(session),
		"identity": map[string]any{
			"id":             user.ID,
			"email":          user.Email,
			"email_verified": user.EmailVerified,
			"mfa_enabled":    user.MfaEnabled,
		},
	})
}

// ListSessions handles GET /api/v1/auth/sessions.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), tenantScope(r), userID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView(s))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// RevokeSession handles DELETE /api/v1/auth/sessions/{id}.
func (h *SessionHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.sessions.RevokeSession(r.Context(), tenantScope(r), userID, sessionID); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAllSessions handles DELETE /api/v1/auth/sessions.
func (h *SessionHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.sessions.RevokeAllSessions(r.Context(), tenantScope(r), userID); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sessionView(s storage.LoginSession) map[string]any {
	v := map[string]any{
		"id":               s.ID,
		"authenticated_at": s.AuthenticatedAt.Format(time.RFC3339),
		"last_active_at":   s.LastActiveAt.Format(time.RFC3339),
		"expires_at":       s.ExpiresAt.Format(time.RFC3339),
		"mfa_verified":     s.MfaVerified,
	}
	if s.IPAddress != nil {
		v["ip_address"] = *s.IPAddress
	}
	if s.UserAgent != nil {
		v["user_agent"] = *s.UserAgent
	}
	return v
}

// sessionToken reads the session token from the cookie or the
// X-Session-Token header (API clients).
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get("X-Session-Token")
}

func setSessionCookie(w http.ResponseWriter, token string) {
	if token == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int((7 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
