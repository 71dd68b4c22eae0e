package domain

import (
	"fmt"
	"strings"
)

// Namespaces prefix generated node ids so ids are unique across node kinds.
const (
	NamespaceActivity = "activity:"
	NamespaceEntity   = "entity:"
	NamespaceColumn   = "column:"
	NamespaceTracker  = "tracker:"
)

// NodeKind labels a provenance node.
type NodeKind string

const (
	NodeActivity NodeKind = "Activity"
	NodeEntity   NodeKind = "Entity"
	NodeColumn   NodeKind = "Column"
)

// KindOfID infers the node kind from an id's namespace.
func KindOfID(id string) (NodeKind, error) {
	switch {
	case strings.HasPrefix(id, NamespaceActivity):
		return NodeActivity, nil
	case strings.HasPrefix(id, NamespaceEntity):
		return NodeEntity, nil
	case strings.HasPrefix(id, NamespaceColumn):
		return NodeColumn, nil
	}
	return "", fmt.Errorf("unrecognised node id %q", id)
}

// EdgeType labels a provenance edge.
type EdgeType string

const (
	EdgeDerivedFrom   EdgeType = "DERIVED_FROM"
	EdgeUsed          EdgeType = "USED"
	EdgeGeneratedBy   EdgeType = "GENERATED_BY"
	EdgeInvalidatedBy EdgeType = "INVALIDATED_BY"
	EdgeBelongsTo     EdgeType = "BELONGS_TO"
	EdgeNext          EdgeType = "NEXT"
)

// EntityKey is the structural identity of a cell-level node.
type EntityKey struct {
	Value  string
	Column string
	Row    int64
}

// NewEntityKey canonicalises a raw cell value into an identity key.
func NewEntityKey(value any, column string, row int64) EntityKey {
	return EntityKey{Value: ValueKey(value), Column: column, Row: row}
}

// Entity is a provenance node for one cell value at a point in time.
type Entity struct {
	ID        string `json:"id" yaml:"id"`
	Value     any    `json:"value" yaml:"value"`
	ValueType string `json:"type" yaml:"type"`
	Column    string `json:"featureName" yaml:"featureName"`
	Row       int64  `json:"index" yaml:"index"`
	Instance  string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Key returns the entity's identity key.
func (e Entity) Key() EntityKey {
	return NewEntityKey(e.Value, e.Column, e.Row)
}

// ColumnKey is the structural identity of a column-level node.
type ColumnKey struct {
	Values string
	Index  string
	Name   string
}

// Column is a provenance node for an entire column's content snapshot.
type Column struct {
	ID     string `json:"id" yaml:"id"`
	Values string `json:"value" yaml:"value"`
	Index  string `json:"index" yaml:"index"`
	Name   string `json:"instance" yaml:"instance"`
	Owner  string `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// Key returns the column's identity key.
func (c Column) Key() ColumnKey {
	return ColumnKey{Values: c.Values, Index: c.Index, Name: c.Name}
}

// Relation ties one activity to the nodes it generated, used and invalidated.
type Relation struct {
	ActivityID  string   `json:"activityId" yaml:"activityId"`
	Generated   []string `json:"generated" yaml:"generated"`
	Used        []string `json:"used" yaml:"used"`
	Invalidated []string `json:"invalidated" yaml:"invalidated"`
	Same        bool     `json:"same" yaml:"same"`
}

// NewRelation builds a relation. When same is set the invalidated list is
// dropped: the used nodes are the invalidated ones.
func NewRelation(activityID string, generated, used, invalidated []string, same bool) Relation {
	if same {
		invalidated = nil
	}
	return Relation{
		ActivityID:  activityID,
		Generated:   nonNil(generated),
		Used:        nonNil(used),
		Invalidated: nonNil(invalidated),
		Same:        same,
	}
}

// EffectiveInvalidated resolves the invalidated list honouring Same.
func (r Relation) EffectiveInvalidated() []string {
	if r.Same {
		return r.Used
	}
	return r.Invalidated
}

// IsEmpty reports whether the relation names no node at all.
func (r Relation) IsEmpty() bool {
	return len(r.Generated) == 0 && len(r.Used) == 0 && len(r.EffectiveInvalidated()) == 0
}

// Derivation means Gen was computed from Used. Both ends share a node kind.
type Derivation struct {
	Gen  string `json:"gen" yaml:"gen"`
	Used string `json:"used" yaml:"used"`
}

// Membership records that an entity belongs to a column snapshot.
type Membership struct {
	EntityID string `json:"entityId" yaml:"entityId"`
	ColumnID string `json:"columnId" yaml:"columnId"`
}

// Sequence orders two consecutive activities.
type Sequence struct {
	In  string `json:"actInId" yaml:"actInId"`
	Out string `json:"actOutId" yaml:"actOutId"`
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
