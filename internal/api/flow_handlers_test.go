package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/cache"
	"github.com/meridianauth/meridian/internal/flow"
	"github.com/meridianauth/meridian/internal/tenant"
)

func newFlowHandler(t *testing.T) *FlowHandler {
	t.Helper()
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	flows := flow.NewService(flow.NewStore(mem), nil, nil, nil, slog.Default(), "https://auth.test")
	return NewFlowHandler(flows, nil)
}

func TestCreateLoginFlowBrowserSetsCSRFCookie(t *testing.T) {
	h := newFlowHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/self-service/login/browser", nil)
	rec := httptest.NewRecorder()
	h.CreateLoginFlow(flow.DeliveryBrowser)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "csrf cookie must be set")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, 600, cookie.MaxAge)
	assert.Len(t, cookie.Value, 64)

	var body flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, flow.StateActive, body.State)
	assert.Equal(t, cookie.Value, body.CSRFToken)
	assert.Nil(t, body.AuthenticatedUserID)
	assert.Empty(t, body.MfaChallengeToken)
}

func TestCreateLoginFlowAPINoCookie(t *testing.T) {
	h := newFlowHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/self-service/login/api", nil)
	rec := httptest.NewRecorder()
	h.CreateLoginFlow(flow.DeliveryAPI)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestGetFlowRoundTrip(t *testing.T) {
	h := newFlowHandler(t)

	rec := httptest.NewRecorder()
	h.CreateLoginFlow(flow.DeliveryAPI)(rec, httptest.NewRequest(http.MethodGet, "/self-service/login/api", nil))
	var created flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, "/self-service/login?flow="+created.ID, nil)
	rec = httptest.NewRecorder()
	h.GetFlow(flow.TypeLogin)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
}

func TestGetFlowUnknown(t *testing.T) {
	h := newFlowHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/self-service/login?flow=nope", nil)
	rec := httptest.NewRecorder()
	h.GetFlow(flow.TypeLogin)(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitLoginCSRFMismatchReturns403(t *testing.T) {
	h := newFlowHandler(t)

	rec := httptest.NewRecorder()
	h.CreateLoginFlow(flow.DeliveryBrowser)(rec, httptest.NewRequest(http.MethodGet, "/self-service/login/browser", nil))
	var created flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	body := `{"method":"password","csrf_token":"wrong","identifier":"a@b.c","password":"pw"}`
	req := httptest.NewRequest(http.MethodPost, "/self-service/login?flow="+created.ID, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.SubmitLogin(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var got flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotEmpty(t, got.UI.Messages)
	assert.Equal(t, flow.MsgCSRFMismatch, got.UI.Messages[0].ID)
}

func TestSubmitLoginRejectsMissingOrForeignCookie(t *testing.T) {
	h := newFlowHandler(t)

	rec := httptest.NewRecorder()
	h.CreateLoginFlow(flow.DeliveryBrowser)(rec, httptest.NewRequest(http.MethodGet, "/self-service/login/browser", nil))
	var created flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	cookie := rec.Result().Cookies()[0]

	submit := func(method string, withCookie *http.Cookie) *httptest.ResponseRecorder {
		body := `{"method":"` + method + `","csrf_token":"` + created.CSRFToken + `","identifier":"a@b.c","password":"pw"}`
		req := httptest.NewRequest(http.MethodPost, "/self-service/login?flow="+created.ID, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if withCookie != nil {
			req.AddCookie(withCookie)
		}
		rec := httptest.NewRecorder()
		h.SubmitLogin(rec, req)
		return rec
	}

	// Correct form token, no cookie: a cross-site form can produce this.
	res := submit("password", nil)
	require.Equal(t, http.StatusForbidden, res.Code)
	var got flow.Flow
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
	assert.Equal(t, flow.MsgCSRFMismatch, got.UI.Messages[0].ID)

	// A cookie from someone else's flow is no better.
	res = submit("password", &http.Cookie{Name: cookie.Name, Value: "attacker"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	// The flow's own cookie clears the check; the submission then fails
	// downstream on the unknown method, not on CSRF.
	res = submit("bogus", cookie)
	assert.Equal(t, http.StatusConflict, res.Code)
}

func TestWriteAuthErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrInvalidMfaCode, http.StatusUnauthorized},
		{&auth.LockedError{}, http.StatusLocked},
		{auth.ErrAccountBanned, http.StatusForbidden},
		{auth.ErrSsoRequired, http.StatusForbidden},
		{&auth.WeakPasswordError{MinLength: 8}, http.StatusBadRequest},
		{auth.ErrEmailTaken, http.StatusConflict},
		{auth.ErrInvitationExpired, http.StatusGone},
		{tenant.ErrTenantNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeAuthError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}
