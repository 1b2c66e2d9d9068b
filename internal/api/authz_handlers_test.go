package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/cache"
	"github.com/meridianauth/meridian/internal/policy"
	"github.com/meridianauth/meridian/internal/storage"
)

// tupleStore serves checks from a fixed direct-tuple set, no model.
type tupleStore struct {
	direct map[string]bool
}

func tupleKey(ns, obj, rel, st, sid string) string {
	return ns + ":" + obj + "#" + rel + "@" + st + ":" + sid
}

func (s *tupleStore) HasDirectTuple(_ context.Context, _ uuid.UUID, ns, obj, rel, st, sid string) (bool, error) {
	return s.direct[tupleKey(ns, obj, rel, st, sid)], nil
}

func (s *tupleStore) ListTuplesForObject(context.Context, uuid.UUID, string, string, string) ([]storage.RelationTuple, error) {
	return nil, nil
}

func (s *tupleStore) ListGroupsForUser(context.Context, uuid.UUID, string) ([]string, error) {
	return nil, nil
}

func (s *tupleStore) GetAuthorizationModel(context.Context, uuid.UUID) (storage.AuthorizationModel, error) {
	return storage.AuthorizationModel{}, storage.ErrNotFound
}

func (s *tupleStore) WriteTuple(context.Context, storage.RelationTuple) error  { return nil }
func (s *tupleStore) DeleteTuple(context.Context, storage.RelationTuple) error { return nil }

func (s *tupleStore) PutAuthorizationModel(_ context.Context, tenantID uuid.UUID, model json.RawMessage) (storage.AuthorizationModel, error) {
	return storage.AuthorizationModel{TenantID: tenantID, Version: 1, Model: model}, nil
}

func newAuthzHandler(t *testing.T, store *tupleStore) *AuthzHandler {
	t.Helper()
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })
	engine := policy.NewEngine(
		func(context.Context, uuid.UUID) (policy.TupleReader, error) { return store, nil },
		mem, audit.NewJSONLoggerTo(io.Discard), slog.Default())
	return NewAuthzHandler(engine)
}

func TestCheckResponseReasonIsFixedPhrase(t *testing.T) {
	tenantID := uuid.New()
	store := &tupleStore{direct: map[string]bool{
		tupleKey("document", "doc1", "viewer", "user", "alice"): true,
	}}
	h := newAuthzHandler(t, store)

	check := func(subjectID string) policy.Decision {
		body := `{"tenant_id":"` + tenantID.String() + `","subject_type":"user","subject_id":"` +
			subjectID + `","relation":"viewer","namespace":"document","object_id":"doc1"}`
		req := httptest.NewRequest(http.MethodPost, "/api/authz/check", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.Check(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var d policy.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		return d
	}

	granted := check("alice")
	assert.True(t, granted.Allowed)
	assert.Equal(t, "Permission granted", granted.Reason)

	denied := check("mallory")
	assert.False(t, denied.Allowed)
	assert.Equal(t, "Permission denied", denied.Reason)
}
