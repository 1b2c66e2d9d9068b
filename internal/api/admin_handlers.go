package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/api/helpers"
	"github.com/meridianauth/meridian/internal/api/middleware"
	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/oauth"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
)

// AdminHandler covers tenant onboarding, lifecycle, client registrations
// and invitations.
type AdminHandler struct {
	onboarding *auth.OnboardingService
	reg        *auth.RegistrationService
	oauth      *oauth.Service
	router     *tenant.Router
}

func NewAdminHandler(onboarding *auth.OnboardingService, reg *auth.RegistrationService, oauthSvc *oauth.Service, router *tenant.Router) *AdminHandler {
	return &AdminHandler{onboarding: onboarding, reg: reg, oauth: oauthSvc, router: router}
}

type createTenantRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	AccountType string `json:"account_type,omitempty"`
	Isolation   string `json:"isolation,omitempty"`
	DBHost      string `json:"db_host,omitempty"`
	DBPort      int    `json:"db_port,omitempty"`
	DBName      string `json:"db_name,omitempty"`
	DBUser      string `json:"db_user,omitempty"`
	DBPassword  string `json:"db_password,omitempty"`
}

// CreateTenant handles POST /api/v1/admin/tenants.
func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createTenantRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.onboarding.CreateTenant(r.Context(), auth.CreateTenantParams{
		Slug:        req.Slug,
		Name:        req.Name,
		AccountType: req.AccountType,
		Isolation:   storage.IsolationMode(req.Isolation),
		AdminUserID: userID,
		DBHost:      req.DBHost,
		DBPort:      req.DBPort,
		DBName:      req.DBName,
		DBUser:      req.DBUser,
		DBPassword:  req.DBPassword,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidSlug):
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrSlugTaken):
			helpers.RespondError(w, http.StatusConflict, err.Error())
		default:
			helpers.RespondError(w, http.StatusInternalServerError, "failed to provision tenant")
		}
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, tenantView(created))
}

// UpdateSecurity handles PUT /api/v1/admin/tenants/{id}/security.
func (h *AdminHandler) UpdateSecurity(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	var sec storage.SecuritySettings
	if err := helpers.DecodeJSON(r, &sec); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.onboarding.UpdateSecurity(r.Context(), tenantID, sec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "tenant not found")
			return
		}
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles PUT /api/v1/admin/tenants/{id}/status.
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	var req setStatusRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.onboarding.SetStatus(r.Context(), tenantID, storage.TenantStatus(req.Status)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "tenant not found")
			return
		}
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTenantBySlug handles GET /api/v1/tenants/{slug}: the public lookup
// used by login UIs to resolve the tenant scope.
func (h *AdminHandler) GetTenantBySlug(w http.ResponseWriter, r *http.Request) {
	t, err := h.router.Master().GetTenantBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "tenant not found")
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, tenantView(t))
}

func tenantView(t storage.Tenant) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"slug":         t.Slug,
		"name":         t.Name,
		"account_type": t.AccountType,
		"status":       t.Status,
	}
}

type updateDatabaseRequest struct {
	Isolation  string `json:"isolation"`
	DBHost     string `json:"db_host,omitempty"`
	DBPort     int    `json:"db_port,omitempty"`
	DBName     string `json:"db_name,omitempty"`
	DBUser     string `json:"db_user,omitempty"`
	DBPassword string `json:"db_password,omitempty"`
	PoolMin    int    `json:"pool_min_connections,omitempty"`
	PoolMax    int    `json:"pool_max_connections,omitempty"`
}

// UpdateDatabase handles PUT /api/v1/admin/tenants/{id}/database.
func (h *AdminHandler) UpdateDatabase(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	var req updateDatabaseRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.onboarding.UpdateDatabase(r.Context(), tenantID, auth.UpdateDatabaseParams{
		Isolation:  storage.IsolationMode(req.Isolation),
		DBHost:     req.DBHost,
		DBPort:     req.DBPort,
		DBName:     req.DBName,
		DBUser:     req.DBUser,
		DBPassword: req.DBPassword,
		PoolMin:    req.PoolMin,
		PoolMax:    req.PoolMax,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "tenant not found")
			return
		}
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateUser handles DELETE /api/v1/admin/users/{id}. The account is
// disabled, never deleted; its sessions and refresh tokens die with it.
func (h *AdminHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var tenantID *uuid.UUID
	if id, err := middleware.GetTenantID(r.Context()); err == nil {
		tenantID = &id
	}

	if err := h.onboarding.DeactivateUser(r.Context(), tenantID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "user not found")
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "failed to deactivate user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createApplicationRequest struct {
	Name              string   `json:"name"`
	AppType           string   `json:"app_type,omitempty"`
	Confidential      bool     `json:"confidential"`
	CallbackURLs      []string `json:"callback_urls,omitempty"`
	AllowedLogoutURLs []string `json:"allowed_logout_urls,omitempty"`
	AllowedWebOrigins []string `json:"allowed_web_origins,omitempty"`
	GrantTypes        []string `json:"grant_types,omitempty"`
	AllowedScopes     []string `json:"allowed_scopes,omitempty"`
	AccessTokenTTL    int      `json:"access_token_ttl_seconds,omitempty"`
	RefreshTokenTTL   int      `json:"refresh_token_ttl_seconds,omitempty"`
}

// CreateApplication handles POST /api/v1/admin/applications. The client
// secret appears in this response and nowhere else.
func (h *AdminHandler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var tenantID *uuid.UUID
	if id, err := middleware.GetTenantID(r.Context()); err == nil {
		tenantID = &id
	}

	app, secret, err := h.oauth.RegisterClient(r.Context(), oauth.RegisterClientParams{
		TenantID:               tenantID,
		Name:                   req.Name,
		AppType:                req.AppType,
		Confidential:           req.Confidential,
		CallbackURLs:           req.CallbackURLs,
		AllowedLogoutURLs:      req.AllowedLogoutURLs,
		AllowedWebOrigins:      req.AllowedWebOrigins,
		GrantTypes:             req.GrantTypes,
		AllowedScopes:          req.AllowedScopes,
		AccessTokenTTLSeconds:  req.AccessTokenTTL,
		RefreshTokenTTLSeconds: req.RefreshTokenTTL,
	})
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidClient) {
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "failed to register client")
		return
	}

	body := applicationView(app)
	if secret != "" {
		body["client_secret"] = secret
	}
	helpers.RespondJSON(w, http.StatusCreated, body)
}

// ListApplications handles GET /api/v1/admin/applications.
func (h *AdminHandler) ListApplications(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "tenant scope required")
		return
	}

	apps, err := h.oauth.ListClients(r.Context(), tenantID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to list applications")
		return
	}

	views := make([]map[string]any, 0, len(apps))
	for _, app := range apps {
		views = append(views, applicationView(app))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"applications": views})
}

// DeactivateApplication handles DELETE /api/v1/admin/applications/{client_id}.
func (h *AdminHandler) DeactivateApplication(w http.ResponseWriter, r *http.Request) {
	var tenantID *uuid.UUID
	if id, err := middleware.GetTenantID(r.Context()); err == nil {
		tenantID = &id
	}

	if err := h.oauth.DeactivateClient(r.Context(), chi.URLParam(r, "client_id"), tenantID); err != nil {
		if errors.Is(err, oauth.ErrClientNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "client not found")
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "failed to deactivate client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func applicationView(a storage.Application) map[string]any {
	return map[string]any{
		"id":                        a.ID,
		"client_id":                 a.ClientID,
		"name":                      a.Name,
		"app_type":                  a.AppType,
		"confidential":              a.ClientSecretHash != nil,
		"callback_urls":             a.CallbackURLs,
		"allowed_logout_urls":       a.AllowedLogoutURLs,
		"allowed_web_origins":       a.AllowedWebOrigins,
		"grant_types":               a.GrantTypes,
		"allowed_scopes":            a.AllowedScopes,
		"access_token_ttl_seconds":  a.AccessTokenTTLSeconds,
		"refresh_token_ttl_seconds": a.RefreshTokenTTLSeconds,
		"is_active":                 a.IsActive,
	}
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// InviteUser handles POST /api/v1/admin/invitations.
func (h *AdminHandler) InviteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tenantID, err := middleware.GetTenantID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "tenant scope required")
		return
	}

	var req inviteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = middleware.RoleMember
	}

	rawToken, err := h.reg.Invite(r.Context(), tenantID, req.Email, req.Role, userID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	// The token is returned once for delivery; only its hash is stored.
	helpers.RespondJSON(w, http.StatusCreated, map[string]string{"invitation_token": rawToken})
}

type acceptInvitationRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Token    string    `json:"token"`
	Password string    `json:"password,omitempty"`
	Name     string    `json:"name,omitempty"`
}

// AcceptInvitation handles POST /api/v1/invitations/accept.
func (h *AdminHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := h.reg.AcceptInvitation(r.Context(), auth.AcceptInvitationParams{
		TenantID: req.TenantID,
		Token:    req.Token,
		Password: req.Password,
		Name:     req.Name,
		IP:       helpers.ClientIP(r),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"user_id": userID})
}
