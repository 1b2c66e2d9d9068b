package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/cache"
	"github.com/meridianauth/meridian/internal/storage"
)

// fakeStore keeps tuples and the model in memory.
type fakeStore struct {
	tuples []storage.RelationTuple
	model  json.RawMessage
}

func (f *fakeStore) HasDirectTuple(_ context.Context, tenantID uuid.UUID, ns, obj, rel, st, sid string) (bool, error) {
	for _, t := range f.tuples {
		if t.TenantID == tenantID && t.Namespace == ns && t.ObjectID == obj &&
			t.Relation == rel && t.SubjectType == st && t.SubjectID == sid && t.SubjectRelation == "" {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListTuplesForObject(_ context.Context, tenantID uuid.UUID, ns, obj, rel string) ([]storage.RelationTuple, error) {
	var out []storage.RelationTuple
	for _, t := range f.tuples {
		if t.TenantID == tenantID && t.Namespace == ns && t.ObjectID == obj && t.Relation == rel {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ListGroupsForUser(_ context.Context, tenantID uuid.UUID, userID string) ([]string, error) {
	var out []string
	for _, t := range f.tuples {
		if t.TenantID == tenantID && t.Namespace == "group" && t.Relation == "member" &&
			t.SubjectType == SubjectUser && t.SubjectID == userID {
			out = append(out, t.ObjectID)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAuthorizationModel(_ context.Context, tenantID uuid.UUID) (storage.AuthorizationModel, error) {
	if f.model == nil {
		return storage.AuthorizationModel{}, storage.ErrNotFound
	}
	return storage.AuthorizationModel{TenantID: tenantID, Version: 1, Model: f.model}, nil
}

func (f *fakeStore) WriteTuple(_ context.Context, t storage.RelationTuple) error {
	f.tuples = append(f.tuples, t)
	return nil
}

func (f *fakeStore) DeleteTuple(_ context.Context, t storage.RelationTuple) error {
	for i, existing := range f.tuples {
		if existing == t {
			f.tuples = append(f.tuples[:i], f.tuples[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) PutAuthorizationModel(_ context.Context, tenantID uuid.UUID, model json.RawMessage) (storage.AuthorizationModel, error) {
	f.model = model
	return storage.AuthorizationModel{TenantID: tenantID, Version: 1, Model: model}, nil
}

func newTestEngine(t *testing.T, store *fakeStore) (*Engine, *cache.MemoryCache) {
	t.Helper()
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	eng := NewEngine(func(context.Context, uuid.UUID) (TupleReader, error) {
		return store, nil
	}, mem, audit.NopLogger{}, slog.Default())
	return eng, mem
}

func tuple(tenantID uuid.UUID, ns, obj, rel, st, sid, srel string) storage.RelationTuple {
	return storage.RelationTuple{
		TenantID: tenantID, Namespace: ns, ObjectID: obj, Relation: rel,
		SubjectType: st, SubjectID: sid, SubjectRelation: srel,
	}
}

func TestCheckDirect(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "document", "doc1", "viewer", "user", "alice", ""),
	}}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "direct", d.Reason)

	d, err = eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "bob",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckWildcard(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "document", "readme", "viewer", "wildcard", "*", ""),
	}}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "anyone",
		Relation: "viewer", Namespace: "document", ObjectID: "readme",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "wildcard", d.Reason)
}

func TestCheckGroupExpansion(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "group", "eng", "member", "user", "alice", ""),
		tuple(tenantID, "document", "doc1", "viewer", "group", "eng", ""),
	}}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "group:eng", d.Reason)
}

func TestCheckLegacyUserset(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "document", "readme", "viewer", "userset", "folder:proj", "viewer"),
		tuple(tenantID, "folder", "proj", "viewer", "user", "alice", ""),
	}}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "readme",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckComputedUserset(t *testing.T) {
	// document: owner/editor are direct; viewer is this or editor or owner.
	model := json.RawMessage(`{
		"type_definitions": [{
			"type": "document",
			"relations": {
				"owner":  {"this": {}},
				"editor": {"this": {}},
				"viewer": {"union": [
					{"this": {}},
					{"computedUserset": {"relation": "editor"}},
					{"computedUserset": {"relation": "owner"}}
				]}
			}
		}]
	}`)
	tenantID := uuid.New()
	store := &fakeStore{
		model: model,
		tuples: []storage.RelationTuple{
			tuple(tenantID, "document", "doc1", "owner", "user", "alice", ""),
		},
	}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "computed:owner", d.Reason)

	d, err = eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "mallory",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckTupleToUserset(t *testing.T) {
	model := json.RawMessage(`{
		"type_definitions": [
			{
				"type": "folder",
				"relations": {"viewer": {"this": {}}}
			},
			{
				"type": "document",
				"relations": {
					"parent": {"this": {}},
					"viewer": {"union": [
						{"this": {}},
						{"tupleToUserset": {
							"tupleset": {"relation": "parent"},
							"computedUserset": {"relation": "viewer"}
						}}
					]}
				},
				"metadata": {"relations": {
					"parent": {"directly_related_user_types": [{"type": "folder"}]}
				}}
			}
		]
	}`)
	tenantID := uuid.New()
	store := &fakeStore{
		model: model,
		tuples: []storage.RelationTuple{
			tuple(tenantID, "folder", "f1", "viewer", "user", "carol", ""),
			tuple(tenantID, "document", "d1", "parent", "userset", "folder:f1", ""),
		},
	}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "carol",
		Relation: "viewer", Namespace: "document", ObjectID: "d1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckExclusion(t *testing.T) {
	model := json.RawMessage(`{
		"type_definitions": [{
			"type": "document",
			"relations": {
				"member": {"this": {}},
				"banned": {"this": {}},
				"viewer": {"exclusion": {
					"base":     {"computedUserset": {"relation": "member"}},
					"subtract": {"computedUserset": {"relation": "banned"}}
				}}
			}
		}]
	}`)
	tenantID := uuid.New()
	store := &fakeStore{
		model: model,
		tuples: []storage.RelationTuple{
			tuple(tenantID, "document", "doc1", "member", "user", "alice", ""),
			tuple(tenantID, "document", "doc1", "member", "user", "eve", ""),
			tuple(tenantID, "document", "doc1", "banned", "user", "eve", ""),
		},
	}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "eve",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "excluded", d.Reason)
}

func TestCheckIntersection(t *testing.T) {
	model := json.RawMessage(`{
		"type_definitions": [{
			"type": "document",
			"relations": {
				"employee": {"this": {}},
				"signed":   {"this": {}},
				"viewer": {"intersection": [
					{"computedUserset": {"relation": "employee"}},
					{"computedUserset": {"relation": "signed"}}
				]}
			}
		}]
	}`)
	tenantID := uuid.New()
	store := &fakeStore{
		model: model,
		tuples: []storage.RelationTuple{
			tuple(tenantID, "document", "nda", "employee", "user", "alice", ""),
			tuple(tenantID, "document", "nda", "signed", "user", "alice", ""),
			tuple(tenantID, "document", "nda", "employee", "user", "bob", ""),
		},
	}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "nda",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "bob",
		Relation: "viewer", Namespace: "document", ObjectID: "nda",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckCycleTerminates(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "document", "a", "viewer", "userset", "document:b", "viewer"),
		tuple(tenantID, "document", "b", "viewer", "userset", "document:a", "viewer"),
	}}
	eng, _ := newTestEngine(t, store)

	d, err := eng.Check(context.Background(), CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "a",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckDecisionCaching(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "document", "doc1", "viewer", "user", "alice", ""),
	}}
	eng, _ := newTestEngine(t, store)

	req := CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	}

	d, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Mutate the store behind the cache's back: the stale decision wins
	// until invalidation.
	store.tuples = nil
	d, err = eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "decision should come from cache")

	eng.Invalidate(context.Background(), tenantID, "document", "doc1")
	d, err = eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestWriteTupleInvalidates(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{}
	eng, _ := newTestEngine(t, store)

	req := CheckRequest{
		TenantID: tenantID, SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", Namespace: "document", ObjectID: "doc1",
	}

	d, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, eng.WriteTuple(context.Background(),
		tuple(tenantID, "document", "doc1", "viewer", "user", "alice", "")))

	d, err = eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "write must invalidate the cached denial")
}

func TestExpand(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeStore{tuples: []storage.RelationTuple{
		tuple(tenantID, "document", "readme", "viewer", "user", "alice", ""),
		tuple(tenantID, "document", "readme", "viewer", "group", "eng", ""),
		tuple(tenantID, "document", "readme", "viewer", "userset", "folder:proj", "viewer"),
		tuple(tenantID, "folder", "proj", "viewer", "user", "bob", ""),
	}}
	eng, _ := newTestEngine(t, store)

	subjects, err := eng.Expand(context.Background(), tenantID, "document", "readme", "viewer")
	require.NoError(t, err)

	byID := map[string]ExpandedSubject{}
	for _, s := range subjects {
		byID[s.SubjectType+":"+s.SubjectID] = s
	}
	assert.Len(t, subjects, 3)
	assert.Contains(t, byID, "user:alice")
	assert.Contains(t, byID, "group:eng")
	require.Contains(t, byID, "user:bob")
	assert.Equal(t, "viewer", byID["user:bob"].ViaRelation)
}

func TestPutModelRejectsInvalid(t *testing.T) {
	store := &fakeStore{}
	eng, _ := newTestEngine(t, store)

	_, err := eng.PutModel(context.Background(), uuid.New(),
		json.RawMessage(`{"type_definitions": [{"type": "document", "relations": {"viewer": {}}}]}`))
	assert.Error(t, err)

	_, err = eng.PutModel(context.Background(), uuid.New(),
		json.RawMessage(`{"type_definitions": [{"type": "document", "relations": {"viewer": {"this": {}}}}]}`))
	assert.NoError(t, err)
}

func TestParseModelRejectsGarbage(t *testing.T) {
	_, err := ParseModel(json.RawMessage(`{"type_definitions": [{"type": ""}]}`))
	assert.Error(t, err)

	m, err := ParseModel(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}
