package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/cache"
	"github.com/meridianauth/meridian/internal/storage"
)

// decisionTTL is how long a check result (positive or negative) stays
// cached.
const decisionTTL = 60 * time.Second

// Subject type names used in tuples.
const (
	SubjectUser     = "user"
	SubjectGroup    = "group"
	SubjectUserSet  = "userset"
	SubjectWildcard = "wildcard"
)

// TupleReader is the slice of the storage layer the engine evaluates
// against; *storage.Store satisfies it.
type TupleReader interface {
	HasDirectTuple(ctx context.Context, tenantID uuid.UUID, namespace, objectID, relation, subjectType, subjectID string) (bool, error)
	ListTuplesForObject(ctx context.Context, tenantID uuid.UUID, namespace, objectID, relation string) ([]storage.RelationTuple, error)
	ListGroupsForUser(ctx context.Context, tenantID uuid.UUID, userID string) ([]string, error)
	GetAuthorizationModel(ctx context.Context, tenantID uuid.UUID) (storage.AuthorizationModel, error)
	WriteTuple(ctx context.Context, t storage.RelationTuple) error
	DeleteTuple(ctx context.Context, t storage.RelationTuple) error
	PutAuthorizationModel(ctx context.Context, tenantID uuid.UUID, model json.RawMessage) (storage.AuthorizationModel, error)
}

// StoreFunc routes a tenant to its data-plane store.
type StoreFunc func(ctx context.Context, tenantID uuid.UUID) (TupleReader, error)

// CheckRequest asks whether subject may exercise relation on object.
type CheckRequest struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Relation    string    `json:"relation"`
	Namespace   string    `json:"namespace"`
	ObjectID    string    `json:"object_id"`
}

// Decision is a check outcome with the path that produced it.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// ExpandedSubject is one leaf of an expand call.
type ExpandedSubject struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	ViaRelation string `json:"via_relation,omitempty"`
}

// Engine resolves checks depth-first over tuples and the tenant's model,
// with a visited set for cycle cutting and a short decision cache.
type Engine struct {
	stores StoreFunc
	cache  cache.Cache
	audit  audit.Logger
	log    *slog.Logger
}

func NewEngine(stores StoreFunc, decisions cache.Cache, auditLog audit.Logger, log *slog.Logger) *Engine {
	return &Engine{stores: stores, cache: decisions, audit: auditLog, log: log}
}

func checkKey(r CheckRequest) string {
	return fmt.Sprintf("authz:check:%s:%s:%s:%s:%s:%s",
		r.TenantID, r.SubjectType, r.SubjectID, r.Relation, r.Namespace, r.ObjectID)
}

func tenantPrefix(tenantID uuid.UUID) string {
	return fmt.Sprintf("authz:check:%s:", tenantID)
}

// Check answers one permission question, consulting the decision cache
// first.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	if req.SubjectType == "" || req.SubjectID == "" || req.Relation == "" ||
		req.Namespace == "" || req.ObjectID == "" {
		return Decision{}, errors.New("check request is missing required fields")
	}

	key := checkKey(req)
	if body, err := e.cache.Get(ctx, key); err == nil {
		if d, ok := decodeDecision(body); ok {
			return d, nil
		}
	}

	store, err := e.stores(ctx, req.TenantID)
	if err != nil {
		return Decision{}, err
	}

	model, err := e.loadModel(ctx, store, req.TenantID)
	if err != nil {
		return Decision{}, err
	}

	d, err := e.resolve(ctx, store, model, req, map[string]struct{}{})
	if err != nil {
		return Decision{}, err
	}

	if err := e.cache.Set(ctx, key, encodeDecision(d), decisionTTL); err != nil {
		e.log.Warn("failed to cache authz decision", "error", err)
	}
	return d, nil
}

func (e *Engine) loadModel(ctx context.Context, store TupleReader, tenantID uuid.UUID) (*Model, error) {
	row, err := store.GetAuthorizationModel(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ParseModel(row.Model)
}

func visitKey(r CheckRequest) string {
	return strings.Join([]string{r.SubjectType, r.SubjectID, r.Relation, r.Namespace, r.ObjectID}, "|")
}

func (e *Engine) resolve(ctx context.Context, store TupleReader, model *Model, req CheckRequest, visited map[string]struct{}) (Decision, error) {
	vk := visitKey(req)
	if _, seen := visited[vk]; seen {
		return Decision{Allowed: false, Reason: "cycle"}, nil
	}
	visited[vk] = struct{}{}

	// Direct assignment.
	ok, err := store.HasDirectTuple(ctx, req.TenantID, req.Namespace, req.ObjectID,
		req.Relation, req.SubjectType, req.SubjectID)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Allowed: true, Reason: "direct"}, nil
	}

	// Public access.
	ok, err = store.HasDirectTuple(ctx, req.TenantID, req.Namespace, req.ObjectID,
		req.Relation, SubjectWildcard, "*")
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Allowed: true, Reason: "wildcard"}, nil
	}

	// Group expansion applies to user subjects only.
	if req.SubjectType == SubjectUser {
		groups, err := store.ListGroupsForUser(ctx, req.TenantID, req.SubjectID)
		if err != nil {
			return Decision{}, err
		}
		for _, g := range groups {
			sub := req
			sub.SubjectType = SubjectGroup
			sub.SubjectID = g
			d, err := e.resolve(ctx, store, model, sub, visited)
			if err != nil {
				return Decision{}, err
			}
			if d.Allowed {
				return Decision{Allowed: true, Reason: "group:" + g}, nil
			}
		}
	}

	if model != nil {
		if def, found := model.definition(req.Namespace, req.Relation); found {
			return e.evalUserset(ctx, store, model, def, req, visited)
		}
	}

	return e.legacyUsersets(ctx, store, model, req, visited)
}

// legacyUsersets resolves subject_type=userset tuples when no model
// governs the relation: each expands as "recurse with subject_relation on
// the userset's object".
func (e *Engine) legacyUsersets(ctx context.Context, store TupleReader, model *Model, req CheckRequest, visited map[string]struct{}) (Decision, error) {
	tuples, err := store.ListTuplesForObject(ctx, req.TenantID, req.Namespace, req.ObjectID, req.Relation)
	if err != nil {
		return Decision{}, err
	}
	for _, t := range tuples {
		if t.SubjectType != SubjectUserSet || t.SubjectRelation == "" {
			continue
		}
		ns, id := splitObjectRef(t.SubjectID, req.Namespace)
		sub := req
		sub.Namespace = ns
		sub.ObjectID = id
		sub.Relation = t.SubjectRelation
		d, err := e.resolve(ctx, store, model, sub, visited)
		if err != nil {
			return Decision{}, err
		}
		if d.Allowed {
			return Decision{Allowed: true, Reason: "userset:" + t.SubjectID + "#" + t.SubjectRelation}, nil
		}
	}
	return Decision{Allowed: false, Reason: "no_match"}, nil
}

func (e *Engine) evalUserset(ctx context.Context, store TupleReader, model *Model, us *Userset, req CheckRequest, visited map[string]struct{}) (Decision, error) {
	switch {
	case us.This != nil:
		// Direct tuples were checked before model resolution; what
		// remains of `this` is userset-subject indirection.
		return e.legacyUsersets(ctx, store, model, req, visited)

	case us.ComputedUserset != nil:
		sub := req
		sub.Relation = us.ComputedUserset.Relation
		d, err := e.resolve(ctx, store, model, sub, visited)
		if err != nil {
			return Decision{}, err
		}
		if d.Allowed {
			return Decision{Allowed: true, Reason: "computed:" + us.ComputedUserset.Relation}, nil
		}
		return Decision{Allowed: false, Reason: "no_match"}, nil

	case us.TupleToUserset != nil:
		tupleset := us.TupleToUserset.Tupleset.Relation
		target := us.TupleToUserset.ComputedUserset.Relation
		links, err := store.ListTuplesForObject(ctx, req.TenantID, req.Namespace, req.ObjectID, tupleset)
		if err != nil {
			return Decision{}, err
		}
		linkedType := model.linkedType(req.Namespace, tupleset)
		for _, link := range links {
			ns, id := splitObjectRef(link.SubjectID, linkedType)
			if ns == "" {
				continue
			}
			sub := req
			sub.Namespace = ns
			sub.ObjectID = id
			sub.Relation = target
			d, err := e.resolve(ctx, store, model, sub, visited)
			if err != nil {
				return Decision{}, err
			}
			if d.Allowed {
				return Decision{Allowed: true, Reason: fmt.Sprintf("ttu:%s->%s:%s#%s", tupleset, ns, id, target)}, nil
			}
		}
		return Decision{Allowed: false, Reason: "no_match"}, nil

	case us.Union != nil:
		for _, child := range us.Union {
			d, err := e.evalUserset(ctx, store, model, child, req, visited)
			if err != nil {
				return Decision{}, err
			}
			if d.Allowed {
				return d, nil
			}
		}
		return Decision{Allowed: false, Reason: "no_match"}, nil

	case us.Intersection != nil:
		if len(us.Intersection) == 0 {
			return Decision{Allowed: false, Reason: "no_match"}, nil
		}
		var last Decision
		for _, child := range us.Intersection {
			d, err := e.evalUserset(ctx, store, model, child, req, visited)
			if err != nil {
				return Decision{}, err
			}
			if !d.Allowed {
				return Decision{Allowed: false, Reason: "no_match"}, nil
			}
			last = d
		}
		return last, nil

	case us.Exclusion != nil:
		base, err := e.evalUserset(ctx, store, model, us.Exclusion.Base, req, visited)
		if err != nil {
			return Decision{}, err
		}
		if !base.Allowed {
			return Decision{Allowed: false, Reason: "no_match"}, nil
		}
		// The subtract branch needs a fresh visited scope; the base walk
		// may have already visited the same nodes.
		sub, err := e.evalUserset(ctx, store, model, us.Exclusion.Subtract, req, map[string]struct{}{})
		if err != nil {
			return Decision{}, err
		}
		if sub.Allowed {
			return Decision{Allowed: false, Reason: "excluded"}, nil
		}
		return base, nil
	}

	return Decision{Allowed: false, Reason: "no_match"}, nil
}

// splitObjectRef parses "namespace:object_id" references; bare ids fall
// back to the given namespace.
func splitObjectRef(ref, fallbackNS string) (string, string) {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return fallbackNS, ref
}

func encodeDecision(d Decision) []byte {
	allowed := "0"
	if d.Allowed {
		allowed = "1"
	}
	return []byte(allowed + "|" + d.Reason)
}

func decodeDecision(body []byte) (Decision, bool) {
	s := string(body)
	i := strings.IndexByte(s, '|')
	if i != 1 {
		return Decision{}, false
	}
	return Decision{Allowed: s[0] == '1', Reason: s[2:]}, true
}

// Expand lists the subjects that hold a relation on an object, walking
// userset indirection and the model's rewrites.
func (e *Engine) Expand(ctx context.Context, tenantID uuid.UUID, namespace, objectID, relation string) ([]ExpandedSubject, error) {
	store, err := e.stores(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	model, err := e.loadModel(ctx, store, tenantID)
	if err != nil {
		return nil, err
	}

	acc := &expandAccumulator{seen: map[string]bool{}}
	if err := e.expand(ctx, store, model, tenantID, namespace, objectID, relation, "", acc, map[string]bool{}); err != nil {
		return nil, err
	}
	return acc.subjects, nil
}

type expandAccumulator struct {
	seen     map[string]bool
	subjects []ExpandedSubject
}

func (a *expandAccumulator) add(s ExpandedSubject) {
	key := s.SubjectType + "|" + s.SubjectID
	if a.seen[key] {
		return
	}
	a.seen[key] = true
	a.subjects = append(a.subjects, s)
}

func (e *Engine) expand(ctx context.Context, store TupleReader, model *Model, tenantID uuid.UUID, namespace, objectID, relation, via string, acc *expandAccumulator, visited map[string]bool) error {
	vk := namespace + "|" + objectID + "|" + relation
	if visited[vk] {
		return nil
	}
	visited[vk] = true

	tuples, err := store.ListTuplesForObject(ctx, tenantID, namespace, objectID, relation)
	if err != nil {
		return err
	}
	for _, t := range tuples {
		if t.SubjectType == SubjectUserSet && t.SubjectRelation != "" {
			ns, id := splitObjectRef(t.SubjectID, namespace)
			if err := e.expand(ctx, store, model, tenantID, ns, id, t.SubjectRelation, t.SubjectRelation, acc, visited); err != nil {
				return err
			}
			continue
		}
		acc.add(ExpandedSubject{SubjectType: t.SubjectType, SubjectID: t.SubjectID, ViaRelation: via})
	}

	if model == nil {
		return nil
	}
	def, found := model.definition(namespace, relation)
	if !found {
		return nil
	}
	return e.expandUserset(ctx, store, model, tenantID, namespace, objectID, relation, def, acc, visited)
}

func (e *Engine) expandUserset(ctx context.Context, store TupleReader, model *Model, tenantID uuid.UUID, namespace, objectID, relation string, us *Userset, acc *expandAccumulator, visited map[string]bool) error {
	switch {
	case us.ComputedUserset != nil:
		return e.expand(ctx, store, model, tenantID, namespace, objectID,
			us.ComputedUserset.Relation, us.ComputedUserset.Relation, acc, visited)

	case us.TupleToUserset != nil:
		tupleset := us.TupleToUserset.Tupleset.Relation
		target := us.TupleToUserset.ComputedUserset.Relation
		links, err := store.ListTuplesForObject(ctx, tenantID, namespace, objectID, tupleset)
		if err != nil {
			return err
		}
		linkedType := model.linkedType(namespace, tupleset)
		for _, link := range links {
			ns, id := splitObjectRef(link.SubjectID, linkedType)
			if ns == "" {
				continue
			}
			if err := e.expand(ctx, store, model, tenantID, ns, id, target, tupleset, acc, visited); err != nil {
				return err
			}
		}
		return nil

	case us.Union != nil:
		for _, child := range us.Union {
			if err := e.expandUserset(ctx, store, model, tenantID, namespace, objectID, relation, child, acc, visited); err != nil {
				return err
			}
		}
		return nil

	case us.Exclusion != nil:
		// Expand reports potential subjects; exclusion is enforced by
		// Check, not here.
		return e.expandUserset(ctx, store, model, tenantID, namespace, objectID, relation, us.Exclusion.Base, acc, visited)

	case us.Intersection != nil:
		for _, child := range us.Intersection {
			if err := e.expandUserset(ctx, store, model, tenantID, namespace, objectID, relation, child, acc, visited); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// WriteTuple persists a tuple and invalidates the tenant's cached
// decisions.
func (e *Engine) WriteTuple(ctx context.Context, t storage.RelationTuple) error {
	store, err := e.stores(ctx, t.TenantID)
	if err != nil {
		return err
	}
	if err := store.WriteTuple(ctx, t); err != nil {
		return err
	}
	e.Invalidate(ctx, t.TenantID, t.Namespace, t.ObjectID)
	e.audit.Log(ctx, audit.ActionTupleWritten, audit.Event{
		TenantID: t.TenantID,
		Metadata: map[string]string{
			"namespace": t.Namespace, "object_id": t.ObjectID, "relation": t.Relation,
			"subject": t.SubjectType + ":" + t.SubjectID,
		},
	})
	return nil
}

// DeleteTuple removes a tuple by identity and invalidates decisions.
func (e *Engine) DeleteTuple(ctx context.Context, t storage.RelationTuple) error {
	store, err := e.stores(ctx, t.TenantID)
	if err != nil {
		return err
	}
	if err := store.DeleteTuple(ctx, t); err != nil {
		return err
	}
	e.Invalidate(ctx, t.TenantID, t.Namespace, t.ObjectID)
	e.audit.Log(ctx, audit.ActionTupleDeleted, audit.Event{
		TenantID: t.TenantID,
		Metadata: map[string]string{
			"namespace": t.Namespace, "object_id": t.ObjectID, "relation": t.Relation,
			"subject": t.SubjectType + ":" + t.SubjectID,
		},
	})
	return nil
}

// PutModel validates and stores a new model version, dropping every
// cached decision for the tenant.
func (e *Engine) PutModel(ctx context.Context, tenantID uuid.UUID, raw json.RawMessage) (storage.AuthorizationModel, error) {
	if _, err := ParseModel(raw); err != nil {
		return storage.AuthorizationModel{}, err
	}
	store, err := e.stores(ctx, tenantID)
	if err != nil {
		return storage.AuthorizationModel{}, err
	}
	m, err := store.PutAuthorizationModel(ctx, tenantID, raw)
	if err != nil {
		return storage.AuthorizationModel{}, err
	}
	e.Invalidate(ctx, tenantID, "", "")
	e.audit.Log(ctx, audit.ActionModelUpdated, audit.Event{TenantID: tenantID})
	return m, nil
}

// Invalidate drops cached decisions after tuple or model mutations. The
// cache key places the subject before the object, so invalidation works
// at tenant granularity.
func (e *Engine) Invalidate(ctx context.Context, tenantID uuid.UUID, namespace, objectID string) {
	if err := e.cache.DeletePrefix(ctx, tenantPrefix(tenantID)); err != nil {
		e.log.Warn("failed to invalidate authz decisions", "tenant_id", tenantID, "error", err)
	}
}
