package oauth

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateScopes(t *testing.T) {
	allowed := []string{"openid", "profile", "email", "offline_access"}

	assert.NoError(t, validateScopes("openid profile", allowed))
	assert.NoError(t, validateScopes("", allowed))

	err := validateScopes("openid admin", allowed)
	require.Error(t, err)
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, ErrCodeInvalidScope, oe.Code)
}

func TestErrorHTTPStatus(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{ErrCodeInvalidRequest, http.StatusBadRequest},
		{ErrCodeInvalidGrant, http.StatusBadRequest},
		{ErrCodeInvalidScope, http.StatusBadRequest},
		{ErrCodeUnsupportedGrant, http.StatusBadRequest},
		{ErrCodeUnauthorizedClient, http.StatusBadRequest},
		{ErrCodeInvalidClient, http.StatusUnauthorized},
		{ErrCodeServerError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := oauthErr(tc.code, "")
		assert.Equal(t, tc.want, err.HTTPStatus(), tc.code)
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "invalid_grant: code expired", oauthErr(ErrCodeInvalidGrant, "code expired").Error())
	assert.Equal(t, "invalid_request", oauthErr(ErrCodeInvalidRequest, "").Error())
}

func TestTTLOrDefault(t *testing.T) {
	assert.Equal(t, 90*time.Second, ttlOrDefault(90, time.Hour))
	assert.Equal(t, time.Hour, ttlOrDefault(0, time.Hour))
	assert.Equal(t, time.Hour, ttlOrDefault(-5, time.Hour))
}

func TestIssuesRefreshToken(t *testing.T) {
	s := &Service{}

	// Default policy: every code exchange gets a refresh token, with or
	// without offline_access.
	assert.True(t, s.issuesRefreshToken(strings.Fields("openid email")))
	assert.True(t, s.issuesRefreshToken(strings.Fields("openid offline_access")))
	assert.True(t, s.issuesRefreshToken(nil))

	gated := &Service{requireOfflineScope: true}
	assert.False(t, gated.issuesRefreshToken(strings.Fields("openid email")))
	assert.True(t, gated.issuesRefreshToken(strings.Fields("openid email offline_access")))
}

func TestDiscoveryDocument(t *testing.T) {
	s := &Service{issuerURL: "https://auth.example.com"}
	doc := s.DiscoveryDocument()

	assert.Equal(t, "https://auth.example.com", doc.Issuer)
	assert.Equal(t, "https://auth.example.com/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, "https://auth.example.com/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.ElementsMatch(t, []string{"S256", "plain"}, doc.CodeChallengeMethodsSupported)
	assert.ElementsMatch(t, []string{"authorization_code", "refresh_token", "client_credentials"}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
}
