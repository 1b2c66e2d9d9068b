package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthzRoutesMountedUnderAPIAuthz(t *testing.T) {
	srv := NewServer(Deps{})

	// Both endpoints sit behind bearer auth, so an unauthenticated probe
	// distinguishes mounted (401) from missing (404).
	req := httptest.NewRequest(http.MethodPost, "/api/authz/check", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/authz/expand/3e5b1f39-3bb5-4e22-9b63-8c2f8e54872e/document/doc1/viewer", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/authz/check", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
