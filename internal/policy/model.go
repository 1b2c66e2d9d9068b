// Package policy answers relationship-based authorization questions:
// "may subject S perform relation R on object O?" against stored relation
// tuples and an optional per-tenant authorization model.
package policy

import (
	"encoding/json"
	"fmt"
)

// Model is the user-defined authorization schema: an ordered list of type
// definitions mapping relation names to rewrite trees.
type Model struct {
	SchemaVersion   string           `json:"schema_version,omitempty"`
	TypeDefinitions []TypeDefinition `json:"type_definitions"`
}

// TypeDefinition describes one object type (namespace).
type TypeDefinition struct {
	Type      string              `json:"type"`
	Relations map[string]*Userset `json:"relations"`
	Metadata  *TypeMetadata       `json:"metadata,omitempty"`
}

// TypeMetadata records, per relation, which subject types may be directly
// assigned. tupleToUserset resolution uses the first entry to type the
// linked object.
type TypeMetadata struct {
	Relations map[string]RelationMetadata `json:"relations"`
}

type RelationMetadata struct {
	DirectlyRelatedUserTypes []RelationReference `json:"directly_related_user_types"`
}

type RelationReference struct {
	Type     string `json:"type"`
	Relation string `json:"relation,omitempty"`
}

// Userset is one node of a relation rewrite tree. Exactly one field is
// set; This carries no payload so it is modelled as a flag object.
type Userset struct {
	This            *DirectUserset   `json:"this,omitempty"`
	ComputedUserset *ObjectRelation  `json:"computedUserset,omitempty"`
	TupleToUserset  *TupleToUserset  `json:"tupleToUserset,omitempty"`
	Union           []*Userset       `json:"union,omitempty"`
	Intersection    []*Userset       `json:"intersection,omitempty"`
	Exclusion       *ExclusionNode   `json:"exclusion,omitempty"`
}

// DirectUserset marks direct tuple assignment.
type DirectUserset struct{}

// ObjectRelation names a relation, on the same object for
// computedUserset or on the linked object for tupleToUserset.
type ObjectRelation struct {
	Relation string `json:"relation"`
}

// TupleToUserset walks the tupleset relation and checks computedUserset
// on each linked object.
type TupleToUserset struct {
	Tupleset        ObjectRelation `json:"tupleset"`
	ComputedUserset ObjectRelation `json:"computedUserset"`
}

// ExclusionNode is base minus subtract.
type ExclusionNode struct {
	Base     *Userset `json:"base"`
	Subtract *Userset `json:"subtract"`
}

// ParseModel decodes and validates a stored model document.
func ParseModel(raw json.RawMessage) (*Model, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode authorization model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects structurally broken models before they are stored or
// evaluated.
func (m *Model) Validate() error {
	seen := make(map[string]bool, len(m.TypeDefinitions))
	for _, td := range m.TypeDefinitions {
		if td.Type == "" {
			return fmt.Errorf("type definition with empty type name")
		}
		if seen[td.Type] {
			return fmt.Errorf("duplicate type definition %q", td.Type)
		}
		seen[td.Type] = true
		for rel, us := range td.Relations {
			if rel == "" {
				return fmt.Errorf("type %q has a relation with an empty name", td.Type)
			}
			if err := validateUserset(td.Type, rel, us); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateUserset(typeName, rel string, us *Userset) error {
	if us == nil {
		return fmt.Errorf("relation %s.%s has no definition", typeName, rel)
	}
	set := 0
	if us.This != nil {
		set++
	}
	if us.ComputedUserset != nil {
		set++
		if us.ComputedUserset.Relation == "" {
			return fmt.Errorf("relation %s.%s: computedUserset needs a relation", typeName, rel)
		}
	}
	if us.TupleToUserset != nil {
		set++
		if us.TupleToUserset.Tupleset.Relation == "" || us.TupleToUserset.ComputedUserset.Relation == "" {
			return fmt.Errorf("relation %s.%s: tupleToUserset needs tupleset and computedUserset relations", typeName, rel)
		}
	}
	if us.Union != nil {
		set++
		for _, child := range us.Union {
			if err := validateUserset(typeName, rel, child); err != nil {
				return err
			}
		}
	}
	if us.Intersection != nil {
		set++
		for _, child := range us.Intersection {
			if err := validateUserset(typeName, rel, child); err != nil {
				return err
			}
		}
	}
	if us.Exclusion != nil {
		set++
		if err := validateUserset(typeName, rel, us.Exclusion.Base); err != nil {
			return err
		}
		if err := validateUserset(typeName, rel, us.Exclusion.Subtract); err != nil {
			return err
		}
	}
	if set != 1 {
		return fmt.Errorf("relation %s.%s: exactly one userset kind must be set, got %d", typeName, rel, set)
	}
	return nil
}

// definition resolves the rewrite tree for a relation in a namespace.
func (m *Model) definition(namespace, relation string) (*Userset, bool) {
	for _, td := range m.TypeDefinitions {
		if td.Type != namespace {
			continue
		}
		us, ok := td.Relations[relation]
		return us, ok
	}
	return nil, false
}

// linkedType returns the first directly-related subject type recorded for
// a relation, used to type the object behind a tupleset link.
func (m *Model) linkedType(namespace, relation string) string {
	for _, td := range m.TypeDefinitions {
		if td.Type != namespace || td.Metadata == nil {
			continue
		}
		meta, ok := td.Metadata.Relations[relation]
		if !ok || len(meta.DirectlyRelatedUserTypes) == 0 {
			return ""
		}
		return meta.DirectlyRelatedUserTypes[0].Type
	}
	return ""
}
