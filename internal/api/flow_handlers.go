package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/api/helpers"
	"github.com/meridianauth/meridian/internal/api/middleware"
	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/flow"
)

const csrfCookieName = "meridian_csrf"

// FlowHandler serves the self-service login and registration flows.
type FlowHandler struct {
	flows *flow.Service
	auth  *auth.Service
}

func NewFlowHandler(flows *flow.Service, authSvc *auth.Service) *FlowHandler {
	return &FlowHandler{flows: flows, auth: authSvc}
}

func setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/self-service",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func createParams(r *http.Request, delivery string) (flow.CreateParams, error) {
	q := r.URL.Query()
	p := flow.CreateParams{
		Delivery:               delivery,
		AuthorizationRequestID: q.Get("authorization_request_id"),
		ReturnTo:               q.Get("return_to"),
	}
	if tenantID, err := middleware.GetTenantID(r.Context()); err == nil {
		p.TenantID = &tenantID
	} else if v := q.Get("tenant_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return p, errors.New("tenant_id must be a UUID")
		}
		p.TenantID = &id
	}
	return p, nil
}

// CreateLoginFlow handles GET /self-service/login/{browser|api}.
func (h *FlowHandler) CreateLoginFlow(delivery string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := createParams(r, delivery)
		if err != nil {
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f, err := h.flows.CreateLoginFlow(r.Context(), p)
		if err != nil {
			helpers.RespondError(w, http.StatusBadRequest, "could not create login flow")
			return
		}
		if delivery == flow.DeliveryBrowser {
			setCSRFCookie(w, f.CSRFToken)
		}
		helpers.RespondJSON(w, http.StatusOK, f.Public())
	}
}

// CreateRegistrationFlow handles GET /self-service/registration/{browser|api}.
func (h *FlowHandler) CreateRegistrationFlow(delivery string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := createParams(r, delivery)
		if err != nil {
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f, err := h.flows.CreateRegistrationFlow(r.Context(), p)
		if err != nil {
			helpers.RespondError(w, http.StatusBadRequest, "could not create registration flow")
			return
		}
		if delivery == flow.DeliveryBrowser {
			setCSRFCookie(w, f.CSRFToken)
		}
		helpers.RespondJSON(w, http.StatusOK, f.Public())
	}
}

// GetFlow handles GET /self-service/{login|registration}?flow=.
func (h *FlowHandler) GetFlow(flowType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := h.flows.GetFlow(r.Context(), flowType, r.URL.Query().Get("flow"))
		if err != nil {
			helpers.RespondError(w, http.StatusNotFound, "flow not found or expired")
			return
		}
		helpers.RespondJSON(w, http.StatusOK, f.Public())
	}
}

// submitBody is the union of the login and registration submit fields.
type submitBody struct {
	Method       string `json:"method"`
	CSRFToken    string `json:"csrf_token"`
	Identifier   string `json:"identifier"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	TotpCode     string `json:"totp_code"`
	Name         string `json:"name"`
	ConnectionID string `json:"connection_id"`
}

func decodeSubmit(r *http.Request) (submitBody, error) {
	var body submitBody
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			return body, err
		}
		body.Method = r.PostFormValue("method")
		body.CSRFToken = r.PostFormValue("csrf_token")
		body.Identifier = r.PostFormValue("identifier")
		body.Email = r.PostFormValue("email")
		body.Password = r.PostFormValue("password")
		body.TotpCode = r.PostFormValue("totp_code")
		body.Name = r.PostFormValue("name")
		body.ConnectionID = r.PostFormValue("connection_id")
		return body, nil
	}
	return body, helpers.DecodeJSON(r, &body)
}

func (h *FlowHandler) submitParams(r *http.Request) (flow.SubmitParams, error) {
	body, err := decodeSubmit(r)
	if err != nil {
		return flow.SubmitParams{}, err
	}
	identifier := body.Identifier
	if identifier == "" {
		identifier = body.Email
	}
	var cookieToken string
	if c, err := r.Cookie(csrfCookieName); err == nil {
		cookieToken = c.Value
	}
	return flow.SubmitParams{
		FlowID:       r.URL.Query().Get("flow"),
		Method:       body.Method,
		CSRFToken:    body.CSRFToken,
		CSRFCookie:   cookieToken,
		Identifier:   identifier,
		Password:     body.Password,
		TotpCode:     body.TotpCode,
		Name:         body.Name,
		ConnectionID: body.ConnectionID,
		IP:           helpers.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}, nil
}

// SubmitLogin handles POST /self-service/login?flow=.
func (h *FlowHandler) SubmitLogin(w http.ResponseWriter, r *http.Request) {
	p, err := h.submitParams(r)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "malformed submission")
		return
	}
	res, err := h.flows.SubmitLogin(r.Context(), p)
	h.writeSubmitResult(w, r, res, err)
}

// SubmitRegistration handles POST /self-service/registration?flow=.
func (h *FlowHandler) SubmitRegistration(w http.ResponseWriter, r *http.Request) {
	p, err := h.submitParams(r)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "malformed submission")
		return
	}
	res, err := h.flows.SubmitRegistration(r.Context(), p)
	h.writeSubmitResult(w, r, res, err)
}

func (h *FlowHandler) writeSubmitResult(w http.ResponseWriter, r *http.Request, res *flow.SubmitResult, err error) {
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, flow.ErrFlowNotFound):
			helpers.RespondError(w, http.StatusNotFound, "flow not found or expired")
			return
		case errors.Is(err, flow.ErrCSRFMismatch):
			status = http.StatusForbidden
		case errors.Is(err, flow.ErrFlowState):
			status = http.StatusConflict
		}
		if res != nil && res.Flow != nil {
			helpers.RespondJSON(w, status, res.Flow)
			return
		}
		helpers.RespondError(w, status, "submission failed")
		return
	}

	switch {
	case res.EnrollmentToken != "":
		body := map[string]any{
			"enrollment_required": true,
			"enrollment_token":    res.EnrollmentToken,
			"can_skip":            res.CanSkip,
		}
		if res.GraceExpires != nil {
			body["grace_expires_at"] = res.GraceExpires.Format(time.RFC3339)
		}
		helpers.RespondJSON(w, http.StatusOK, body)

	case res.RedirectTo != "":
		helpers.RespondJSON(w, http.StatusOK, map[string]string{"redirect_browser_to": res.RedirectTo})

	case res.Tokens != nil:
		body := map[string]any{
			"access_token":  res.Tokens.AccessToken,
			"refresh_token": res.Tokens.RefreshToken,
			"token_type":    res.Tokens.TokenType,
			"expires_in":    res.Tokens.ExpiresIn,
		}
		if res.SessionToken != "" {
			body["session_token"] = res.SessionToken
		}
		helpers.RespondJSON(w, http.StatusOK, body)

	default:
		helpers.RespondJSON(w, http.StatusOK, res.Flow)
	}
}

// enrollRequest covers the three MFA-enrollment endpoints.
type enrollRequest struct {
	EnrollmentToken string    `json:"enrollment_token"`
	MethodID        uuid.UUID `json:"method_id,omitempty"`
	Code            string    `json:"code,omitempty"`
}

// BeginEnrollment handles POST /self-service/mfa/enroll.
func (h *FlowHandler) BeginEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	material, err := h.auth.BeginEnrollment(r.Context(), req.EnrollmentToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"method_id":   material.MethodID,
		"secret":      material.Secret,
		"otpauth_url": material.OtpauthURL,
		"qr_code_png": base64.StdEncoding.EncodeToString(material.QRCodePNG),
	})
}

// CompleteEnrollment handles POST /self-service/mfa/enroll/complete.
func (h *FlowHandler) CompleteEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.auth.CompleteEnrollment(r.Context(), req.EnrollmentToken, req.MethodID, req.Code)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"method_id":    result.MethodID,
		"backup_codes": result.BackupCodes,
	})
}

// SkipEnrollment handles POST /self-service/mfa/skip. Only legal while
// the grace window is open.
func (h *FlowHandler) SkipEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.auth.SkipEnrollment(r.Context(), req.EnrollmentToken, helpers.ClientIP(r), r.UserAgent())
	if err != nil {
		writeAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, loginResponse(res))
}
