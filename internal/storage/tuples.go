package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

const tupleColumns = `tenant_id, namespace, object_id, relation, subject_type, subject_id,
	COALESCE(subject_relation, ''), created_at`

func scanTuple(row interface{ Scan(dest ...any) error }) (RelationTuple, error) {
	var t RelationTuple
	err := row.Scan(&t.TenantID, &t.Namespace, &t.ObjectID, &t.Relation,
		&t.SubjectType, &t.SubjectID, &t.SubjectRelation, &t.CreatedAt)
	return t, translateErr(err)
}

// WriteTuple inserts a relation tuple; the whole tuple is the identity.
func (s *Store) WriteTuple(ctx context.Context, t RelationTuple) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relation_tuples (tenant_id, namespace, object_id, relation,
			subject_type, subject_id, subject_relation)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT DO NOTHING`,
		t.TenantID, t.Namespace, t.ObjectID, t.Relation,
		t.SubjectType, t.SubjectID, t.SubjectRelation)
	return translateErr(err)
}

// DeleteTuple removes by identity.
func (s *Store) DeleteTuple(ctx context.Context, t RelationTuple) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM relation_tuples
		WHERE tenant_id = $1 AND namespace = $2 AND object_id = $3 AND relation = $4
		  AND subject_type = $5 AND subject_id = $6
		  AND subject_relation IS NOT DISTINCT FROM NULLIF($7, '')`,
		t.TenantID, t.Namespace, t.ObjectID, t.Relation,
		t.SubjectType, t.SubjectID, t.SubjectRelation)
	return translateErr(err)
}

// HasDirectTuple answers the direct-assignment leaf of a check.
func (s *Store) HasDirectTuple(ctx context.Context, tenantID uuid.UUID, namespace, objectID, relation, subjectType, subjectID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relation_tuples
			WHERE tenant_id = $1 AND namespace = $2 AND object_id = $3 AND relation = $4
			  AND subject_type = $5 AND subject_id = $6 AND subject_relation IS NULL
		)`,
		tenantID, namespace, objectID, relation, subjectType, subjectID,
	).Scan(&exists)
	return exists, translateErr(err)
}

// ListTuplesForObject returns all tuples on (namespace, object, relation),
// insertion order. Feeds tupleToUserset and expand.
func (s *Store) ListTuplesForObject(ctx context.Context, tenantID uuid.UUID, namespace, objectID, relation string) ([]RelationTuple, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tupleColumns+` FROM relation_tuples
		WHERE tenant_id = $1 AND namespace = $2 AND object_id = $3 AND relation = $4
		ORDER BY created_at`,
		tenantID, namespace, objectID, relation)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var tuples []RelationTuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, t)
	}
	return tuples, translateErr(rows.Err())
}

// ListGroupsForUser returns group ids that directly contain the user, used
// for group expansion during checks.
func (s *Store) ListGroupsForUser(ctx context.Context, tenantID uuid.UUID, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object_id FROM relation_tuples
		WHERE tenant_id = $1 AND namespace = 'group' AND relation = 'member'
		  AND subject_type = 'user' AND subject_id = $2
		ORDER BY created_at`,
		tenantID, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, translateErr(err)
		}
		groups = append(groups, g)
	}
	return groups, translateErr(rows.Err())
}

// GetAuthorizationModel loads the latest model for a tenant. ErrNotFound
// means checks fall back to legacy userset resolution.
func (s *Store) GetAuthorizationModel(ctx context.Context, tenantID uuid.UUID) (AuthorizationModel, error) {
	var m AuthorizationModel
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, version, model, created_at
		FROM authorization_models WHERE tenant_id = $1
		ORDER BY version DESC LIMIT 1`, tenantID,
	).Scan(&m.ID, &m.TenantID, &m.Version, &m.Model, &m.CreatedAt)
	return m, translateErr(err)
}

// PutAuthorizationModel stores a new model version.
func (s *Store) PutAuthorizationModel(ctx context.Context, tenantID uuid.UUID, model json.RawMessage) (AuthorizationModel, error) {
	var m AuthorizationModel
	err := s.pool.QueryRow(ctx, `
		INSERT INTO authorization_models (id, tenant_id, version, model)
		VALUES ($1, $2,
			COALESCE((SELECT max(version) FROM authorization_models WHERE tenant_id = $2), 0) + 1,
			$3)
		RETURNING id, tenant_id, version, model, created_at`,
		uuid.New(), tenantID, model,
	).Scan(&m.ID, &m.TenantID, &m.Version, &m.Model, &m.CreatedAt)
	return m, translateErr(err)
}
