package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleGraph is a two activity graph: a value fix then an added column.
func sampleGraph(granularity domain.Granularity) *domain.Graph {
	return &domain.Graph{
		Activities: []domain.Activity{
			{ID: "activity:1", FunctionName: "fix", RuntimeExceptions: domain.NoExceptionNote, UsedFeatures: []string{}},
			{ID: "activity:2", FunctionName: "derive", RuntimeExceptions: domain.NoExceptionNote, UsedFeatures: []string{}},
		},
		Columns: []domain.Column{
			{ID: "column:1", Values: "[1, -2]", Index: "[0, 1]", Name: "a"},
			{ID: "column:2", Values: "[1, 2]", Index: "[0, 1]", Name: "a"},
			{ID: "column:3", Values: "[true, true]", Index: "[0, 1]", Name: "b"},
		},
		Entities: []domain.Entity{
			{ID: "entity:1", Value: int64(-2), ValueType: "int", Column: "a", Row: 1},
			{ID: "entity:2", Value: int64(2), ValueType: "int", Column: "a", Row: 1},
			{ID: "entity:3", Value: true, ValueType: "bool", Column: "b", Row: 0},
			{ID: "entity:4", Value: true, ValueType: "bool", Column: "b", Row: 1},
		},
		ColumnDerivations: []domain.Derivation{{Gen: "column:2", Used: "column:1"}},
		EntityDerivations: []domain.Derivation{{Gen: "entity:2", Used: "entity:1"}},
		ColumnRelations: []domain.Relation{
			domain.NewRelation("activity:1", []string{"column:2"}, []string{"column:1"}, []string{"column:1"}, false),
			domain.NewRelation("activity:2", []string{"column:3"}, nil, nil, false),
		},
		EntityRelations: []domain.Relation{
			domain.NewRelation("activity:1", []string{"entity:2"}, []string{"entity:1"}, []string{"entity:1"}, false),
			domain.NewRelation("activity:2", []string{"entity:3"}, nil, nil, false),
		},
		Memberships: []domain.Membership{
			{EntityID: "entity:1", ColumnID: "column:1"},
			{EntityID: "entity:2", ColumnID: "column:2"},
			{EntityID: "entity:3", ColumnID: "column:3"},
			{EntityID: "entity:4", ColumnID: "column:3"},
		},
		Next:           []domain.Sequence{{In: "activity:1", Out: "activity:2"}},
		EntitiesToKeep: []string{"entity:2", "entity:1", "entity:3"},
		Granularity:    granularity,
	}
}

func TestPublishToMemoryStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := sampleGraph(domain.GranularityFull)

	require.NoError(t, Publish(ctx, store, graph))
	require.NoError(t, Publish(ctx, store, graph))

	assert.Equal(t, 9, store.Len())
	assert.Len(t, store.Memberships(), 4)
	assert.Equal(t, graph.Next, store.Next())

	preds, err := store.GetPredecessors(ctx, []string{"entity:2", "column:2", "entity:3"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"entity:2": {"entity:1"}, "column:2": {"column:1"}}, preds)

	edges, err := store.GetActivityEdges(ctx, []string{"entity:1"})
	require.NoError(t, err)
	require.Len(t, edges["entity:1"], 2)
	assert.Equal(t, domain.EdgeUsed, edges["entity:1"][0].Type)
	assert.Equal(t, domain.EdgeInvalidatedBy, edges["entity:1"][1].Type)
}

func TestPublishSampleGranularityDropsUnkeptEntities(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, Publish(ctx, store, sampleGraph(domain.GranularitySample)))

	_, err := store.GetNodes(ctx, []string{"entity:4"})
	require.ErrorIs(t, err, ErrUnknownNode)
	nodes, err := store.GetNodes(ctx, []string{"entity:3", "activity:2"})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeEntity, nodes[0].Kind)
	assert.Equal(t, "derive", nodes[1].Activity.FunctionName)
	assert.Len(t, store.Memberships(), 3)
}

func TestActivityEdgesExpandsSameRelations(t *testing.T) {
	edges := ActivityEdges(domain.NodeColumn, []domain.Relation{
		domain.NewRelation("activity:1", []string{"column:2"}, []string{"column:1"}, nil, true),
	})

	want := []ActivityEdge{
		{ActivityID: "activity:1", NodeID: "column:1", Kind: domain.NodeColumn, Type: domain.EdgeUsed},
		{ActivityID: "activity:1", NodeID: "column:2", Kind: domain.NodeColumn, Type: domain.EdgeGeneratedBy},
		{ActivityID: "activity:1", NodeID: "column:1", Kind: domain.NodeColumn, Type: domain.EdgeInvalidatedBy},
	}
	assert.Equal(t, want, edges)
}

type failingSink struct {
	*MemoryStore
}

func (f *failingSink) AddEntities(context.Context, []domain.Entity) error {
	return errors.New("disk full")
}

func TestPublishReportsFailingStage(t *testing.T) {
	sink := &failingSink{MemoryStore: NewMemoryStore()}
	err := Publish(context.Background(), sink, sampleGraph(domain.GranularityFull))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish entities")
}

type recordingConn struct {
	mu      sync.Mutex
	queries []*pgx.QueuedQuery
	batches int
	err     error
}

func (r *recordingConn) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	r.queries = append(r.queries, b.QueuedQueries...)
	return closeOnlyResults{err: r.err}
}

func (r *recordingConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type closeOnlyResults struct{ err error }

func (closeOnlyResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (closeOnlyResults) Query() (pgx.Rows, error)         { return nil, errors.New("not implemented") }
func (closeOnlyResults) QueryRow() pgx.Row                { return nil }
func (c closeOnlyResults) Close() error                   { return c.err }

func TestPostgresStoreQueuesIdempotentInserts(t *testing.T) {
	conn := &recordingConn{}
	store := NewPostgresStore(conn, nil)
	store.chunkSize = 2

	require.NoError(t, Publish(context.Background(), store, sampleGraph(domain.GranularityFull)))

	// 2 activities, 3 columns, 4 entities, 2 derivations, 8 activity edges,
	// 4 memberships, 1 sequence edge.
	require.Len(t, conn.queries, 24)
	for _, q := range conn.queries {
		assert.Contains(t, q.SQL, "ON CONFLICT")
	}
	// chunks of two: 1 + 2 + 2 + 1 + 1 + 2 + 2 + 2 + 1
	assert.Equal(t, 14, conn.batches)

	var entityArgs []any
	for _, q := range conn.queries {
		if strings.HasPrefix(q.SQL, "INSERT INTO entities") && q.Arguments[0] == "entity:1" {
			entityArgs = q.Arguments
		}
	}
	require.NotNil(t, entityArgs)
	assert.Equal(t, "-2", entityArgs[1])
}

func TestPostgresStoreWritesActivityFeatures(t *testing.T) {
	conn := &recordingConn{}
	store := NewPostgresStore(conn, nil)

	activity := domain.Activity{
		ID:                  "activity:1",
		FunctionName:        "drop_minors",
		UsedFeatures:        []string{"age"},
		DeletedUsedFeatures: []string{"tmp"},
		DeletedRecords:      []int64{2},
		RuntimeExceptions:   domain.NoExceptionNote,
	}
	require.NoError(t, store.AddActivities(context.Background(), []domain.Activity{activity}))

	require.Len(t, conn.queries, 1)
	q := conn.queries[0]
	assert.Contains(t, q.SQL, "deleted_used_features")
	require.Len(t, q.Arguments, 12)
	assert.Equal(t, []string{"age"}, q.Arguments[5])
	assert.Nil(t, q.Arguments[6])
	assert.Equal(t, []string{"tmp"}, q.Arguments[7])
	assert.Equal(t, []int64{2}, q.Arguments[9])
	assert.Equal(t, domain.NoExceptionNote, q.Arguments[10])
}

func TestPostgresStoreWrapsBatchErrors(t *testing.T) {
	store := NewPostgresStore(&recordingConn{err: errors.New("connection reset")}, nil)

	err := store.AddColumns(context.Background(), sampleGraph(domain.GranularityFull).Columns)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert columns")
}

func TestPostgresStoreRejectsForeignIDs(t *testing.T) {
	store := NewPostgresStore(&recordingConn{}, nil)

	_, err := store.GetNodes(context.Background(), []string{"row:1"})
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestYAMLExporterRoundTrip(t *testing.T) {
	ctx := context.Background()
	url := filepath.Join(t.TempDir(), "graph.yaml")
	exporter := NewYAMLExporter(nil, url, nil)
	graph := sampleGraph(domain.GranularityFull)

	require.NoError(t, Publish(ctx, exporter, graph))
	require.NoError(t, Publish(ctx, exporter, graph))
	require.NoError(t, exporter.Flush(ctx))

	doc, err := ReadGraphDocument(ctx, nil, url)
	require.NoError(t, err)
	assert.Len(t, doc.Activities, 2)
	assert.Len(t, doc.Entities, 4)
	assert.Len(t, doc.ActivityEdges, 8)
	assert.Equal(t, graph.ColumnDerivations, doc.ColumnDerivations)

	store := NewMemoryStore()
	require.NoError(t, doc.Load(ctx, store))
	assert.Equal(t, 9, store.Len())
	edges, err := store.GetActivityEdges(ctx, []string{"activity:1"})
	require.NoError(t, err)
	assert.Len(t, edges["activity:1"], 6)
}
