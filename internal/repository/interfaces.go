package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/provgraph/internal/domain"
)

// ErrUnknownNode is returned when a node id is not stored.
var ErrUnknownNode = errors.New("unknown node")

// GraphSink receives a provenance graph in bulk. Every operation is an
// idempotent upsert keyed by node id or by edge endpoints, so publishing the
// same graph twice leaves the store unchanged.
type GraphSink interface {
	AddActivities(ctx context.Context, activities []domain.Activity) error
	AddEntities(ctx context.Context, entities []domain.Entity) error
	AddColumns(ctx context.Context, columns []domain.Column) error
	AddDerivations(ctx context.Context, kind domain.NodeKind, derivations []domain.Derivation) error
	AddRelations(ctx context.Context, kind domain.NodeKind, relations []domain.Relation) error
	AddMemberships(ctx context.Context, memberships []domain.Membership) error
	AddNext(ctx context.Context, next []domain.Sequence) error
}

// NodeStore reads back what a GraphSink stored.
type NodeStore interface {
	// GetNodes returns the nodes for ids in the same order. Missing ids fail
	// with ErrUnknownNode.
	GetNodes(ctx context.Context, ids []string) ([]Node, error)
	// GetPredecessors returns, per generated node id, the ids it was derived from.
	GetPredecessors(ctx context.Context, ids []string) (map[string][]string, error)
	// GetActivityEdges returns, per node id, the activity edges touching it.
	GetActivityEdges(ctx context.Context, ids []string) (map[string][]ActivityEdge, error)
}

// Node is any stored provenance node. Exactly one of the payloads is set.
type Node struct {
	ID       string           `json:"id" yaml:"id"`
	Kind     domain.NodeKind  `json:"kind" yaml:"kind"`
	Activity *domain.Activity `json:"activity,omitempty" yaml:"activity,omitempty"`
	Entity   *domain.Entity   `json:"entity,omitempty" yaml:"entity,omitempty"`
	Column   *domain.Column   `json:"column,omitempty" yaml:"column,omitempty"`
}

// ActivityEdge links a node to an activity through USED, GENERATED_BY or
// INVALIDATED_BY.
type ActivityEdge struct {
	ActivityID string          `json:"activityId" yaml:"activityId"`
	NodeID     string          `json:"nodeId" yaml:"nodeId"`
	Kind       domain.NodeKind `json:"kind" yaml:"kind"`
	Type       domain.EdgeType `json:"type" yaml:"type"`
}

// ActivityEdges flattens relations into activity edges. Same relations turn
// every used node into an invalidated one as well.
func ActivityEdges(kind domain.NodeKind, relations []domain.Relation) []ActivityEdge {
	var edges []ActivityEdge
	for _, rel := range relations {
		for _, id := range rel.Used {
			edges = append(edges, ActivityEdge{ActivityID: rel.ActivityID, NodeID: id, Kind: kind, Type: domain.EdgeUsed})
		}
		for _, id := range rel.Generated {
			edges = append(edges, ActivityEdge{ActivityID: rel.ActivityID, NodeID: id, Kind: kind, Type: domain.EdgeGeneratedBy})
		}
		for _, id := range rel.EffectiveInvalidated() {
			edges = append(edges, ActivityEdge{ActivityID: rel.ActivityID, NodeID: id, Kind: kind, Type: domain.EdgeInvalidatedBy})
		}
	}
	return edges
}

// Publish writes a reconstructed graph to sink, nodes first. At the sampling
// granularity only the kept entities are written.
func Publish(ctx context.Context, sink GraphSink, graph *domain.Graph) error {
	g := graph.Pruned()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"activities", func() error { return sink.AddActivities(ctx, g.Activities) }},
		{"columns", func() error { return sink.AddColumns(ctx, g.Columns) }},
		{"entities", func() error { return sink.AddEntities(ctx, g.Entities) }},
		{"column derivations", func() error { return sink.AddDerivations(ctx, domain.NodeColumn, g.ColumnDerivations) }},
		{"entity derivations", func() error { return sink.AddDerivations(ctx, domain.NodeEntity, g.EntityDerivations) }},
		{"column relations", func() error { return sink.AddRelations(ctx, domain.NodeColumn, g.ColumnRelations) }},
		{"entity relations", func() error { return sink.AddRelations(ctx, domain.NodeEntity, g.EntityRelations) }},
		{"memberships", func() error { return sink.AddMemberships(ctx, g.Memberships) }},
		{"next", func() error { return sink.AddNext(ctx, g.Next) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.fn(); err != nil {
			return fmt.Errorf("publish %s: %w", step.name, err)
		}
	}
	return nil
}
