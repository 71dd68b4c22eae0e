package lineage

import (
	"context"
	"sync"
	"testing"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*repository.MemoryStore

	mu       sync.Mutex
	getNodes int
}

func (c *countingStore) GetNodes(ctx context.Context, ids []string) ([]repository.Node, error) {
	c.mu.Lock()
	c.getNodes++
	c.mu.Unlock()
	return c.MemoryStore.GetNodes(ctx, ids)
}

// ageStore holds a repaired age: entity:3 was computed from the raw age
// entity:2 and a default entity:4, and entity:2 was parsed from entity:1.
func ageStore(t *testing.T) *countingStore {
	t.Helper()
	graph := &domain.Graph{
		Activities: []domain.Activity{
			{ID: "activity:1", FunctionName: "parse ages"},
			{ID: "activity:2", FunctionName: "fill missing ages"},
		},
		Entities: []domain.Entity{
			{ID: "entity:1", Value: "41", ValueType: "str", Column: "age", Row: 0},
			{ID: "entity:2", Value: int64(41), ValueType: "int", Column: "age", Row: 0},
			{ID: "entity:3", Value: int64(41), ValueType: "int", Column: "age_filled", Row: 0},
			{ID: "entity:4", Value: int64(0), ValueType: "int", Column: "default_age", Row: 0},
		},
		EntityDerivations: []domain.Derivation{
			{Gen: "entity:2", Used: "entity:1"},
			{Gen: "entity:3", Used: "entity:2"},
			{Gen: "entity:3", Used: "entity:4"},
		},
		EntityRelations: []domain.Relation{
			domain.NewRelation("activity:1", []string{"entity:2"}, []string{"entity:1"}, []string{"entity:1"}, false),
			domain.NewRelation("activity:2", []string{"entity:3"}, []string{"entity:2", "entity:4"}, nil, false),
		},
		Granularity: domain.GranularityFull,
	}
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	require.NoError(t, repository.Publish(context.Background(), store, graph))
	return store
}

func TestTraceWalksToSources(t *testing.T) {
	store := ageStore(t)
	tracer := NewTracer(store, nil)

	lineage, err := tracer.Trace(context.Background(), "entity:3", 0)
	require.NoError(t, err)

	assert.Equal(t, "entity:3", lineage.Root.ID)
	require.Len(t, lineage.Edges, 1)
	assert.Equal(t, domain.EdgeGeneratedBy, lineage.Edges[0].Type)

	var got []string
	for _, step := range lineage.Ancestors {
		got = append(got, step.Node.ID)
	}
	assert.Equal(t, []string{"entity:2", "entity:4", "entity:1"}, got)
	assert.Equal(t, 1, lineage.Ancestors[0].Depth)
	assert.Equal(t, []string{"entity:3"}, lineage.Ancestors[0].DerivedBy)
	assert.Equal(t, []string{"activity:1"}, lineage.Ancestors[0].GeneratedBy)
	assert.Empty(t, lineage.Ancestors[1].GeneratedBy)
	assert.Equal(t, 2, lineage.Ancestors[2].Depth)
	assert.Equal(t, []string{"entity:2"}, lineage.Ancestors[2].DerivedBy)

	// One lookup for the root and one batched lookup per level.
	assert.LessOrEqual(t, store.getNodes, 3)
}

func TestTraceStopsAtDepth(t *testing.T) {
	tracer := NewTracer(ageStore(t), nil)

	lineage, err := tracer.Trace(context.Background(), "entity:3", 1)
	require.NoError(t, err)
	require.Len(t, lineage.Ancestors, 2)
	for _, step := range lineage.Ancestors {
		assert.Equal(t, 1, step.Depth)
	}
}

func TestTraceSourceHasNoAncestors(t *testing.T) {
	tracer := NewTracer(ageStore(t), nil)

	lineage, err := tracer.Trace(context.Background(), "entity:1", 0)
	require.NoError(t, err)
	assert.Empty(t, lineage.Ancestors)
	require.Len(t, lineage.Edges, 2)
}

func TestTraceUnknownNode(t *testing.T) {
	tracer := NewTracer(ageStore(t), nil)

	_, err := tracer.Trace(context.Background(), "entity:99", 0)
	require.ErrorIs(t, err, repository.ErrUnknownNode)

	_, err = tracer.Trace(context.Background(), "row:1", 0)
	require.ErrorIs(t, err, repository.ErrUnknownNode)
}

func TestLoadNodesResolvesMixedBatch(t *testing.T) {
	loader := NewNodeLoader(ageStore(t))

	_, err := loader.LoadNodes(context.Background(), []string{"entity:1", "entity:42"})
	require.ErrorIs(t, err, repository.ErrUnknownNode)

	nodes, err := loader.LoadNodes(context.Background(), []string{"activity:2", "entity:1"})
	require.NoError(t, err)
	assert.Equal(t, "fill missing ages", nodes[0].Activity.FunctionName)
	assert.Equal(t, domain.NodeEntity, nodes[1].Kind)
}
