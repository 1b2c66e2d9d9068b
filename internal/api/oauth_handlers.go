package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/api/helpers"
	"github.com/meridianauth/meridian/internal/oauth"
	"github.com/meridianauth/meridian/internal/token"
)

// OAuthHandler exposes the authorization-server endpoints.
type OAuthHandler struct {
	oauth *oauth.Service
}

func NewOAuthHandler(svc *oauth.Service) *OAuthHandler {
	return &OAuthHandler{oauth: svc}
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oe *oauth.Error
	if errors.As(err, &oe) {
		helpers.RespondJSON(w, oe.HTTPStatus(), oe)
		return
	}
	helpers.RespondJSON(w, http.StatusInternalServerError, &oauth.Error{Code: oauth.ErrCodeServerError})
}

// Authorize handles GET /authorize: validate, persist the request and
// redirect the user agent into the login flow.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := oauth.AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
		LoginHint:           q.Get("login_hint"),
		UILocales:           q.Get("ui_locales"),
	}
	if v := q.Get("max_age"); v != "" {
		maxAge, err := strconv.Atoi(v)
		if err != nil || maxAge < 0 {
			writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "max_age must be a non-negative integer"})
			return
		}
		p.MaxAge = &maxAge
	}
	if v := q.Get("tenant_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "tenant_id must be a UUID"})
			return
		}
		p.TenantID = &id
	}

	res, err := h.oauth.Authorize(r.Context(), p)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, res.RedirectTo, http.StatusFound)
}

// clientCredentials reads client authentication from Basic auth or the
// form body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// Token handles POST /oauth/token for all three grants.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := h.oauth.Exchange(r.Context(), oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	helpers.RespondJSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// UserInfo handles GET and POST /userinfo.
func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		helpers.RespondError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	info, err := h.oauth.UserInfo(r.Context(), bearer)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) || errors.Is(err, token.ErrExpiredToken) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			helpers.RespondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, info)
}

// Revoke handles POST /oauth/revoke. Unknown tokens still return 200.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	clientID, clientSecret := clientCredentials(r)

	if err := h.oauth.Revoke(r.Context(), clientID, clientSecret, r.PostFormValue("token"), r.PostFormValue("token_type_hint")); err != nil {
		writeOAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /oauth/introspect.
func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := h.oauth.Introspect(r.Context(), clientID, clientSecret, r.PostFormValue("token"))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, resp)
}

// Discovery handles GET /.well-known/openid-configuration.
func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	helpers.RespondJSON(w, http.StatusOK, h.oauth.DiscoveryDocument())
}

// JWKS handles GET /.well-known/jwks.json.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.oauth.JWKS(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	helpers.RespondJSON(w, http.StatusOK, set)
}
