package lineage

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/provgraph/internal/repository"

	"github.com/graph-gophers/dataloader"
)

// NodeLoader batches node and predecessor lookups issued while walking a
// graph. A loader caches what it fetched, so build one per trace.
type NodeLoader struct {
	Nodes        *dataloader.Loader
	Predecessors *dataloader.Loader
	Edges        *dataloader.Loader
}

func NewNodeLoader(store repository.NodeStore) *NodeLoader {
	return &NodeLoader{
		Nodes:        dataloader.NewBatchedLoader(nodeBatch(store), dataloader.WithWait(2*time.Millisecond)),
		Predecessors: dataloader.NewBatchedLoader(predecessorBatch(store), dataloader.WithWait(2*time.Millisecond)),
		Edges:        dataloader.NewBatchedLoader(edgeBatch(store), dataloader.WithWait(2*time.Millisecond)),
	}
}

func nodeBatch(store repository.NodeStore) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := keys.Keys()
		nodes, err := store.GetNodes(ctx, ids)
		if err == nil {
			results := make([]*dataloader.Result, len(keys))
			for i, n := range nodes {
				results[i] = &dataloader.Result{Data: n}
			}
			return results
		}
		if !errors.Is(err, repository.ErrUnknownNode) {
			return failAll(len(keys), err)
		}

		// One unknown id fails the whole batch, resolve keys one by one.
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			one, err := store.GetNodes(ctx, []string{id})
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			results[i] = &dataloader.Result{Data: one[0]}
		}
		return results
	}
}

func predecessorBatch(store repository.NodeStore) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		preds, err := store.GetPredecessors(ctx, keys.Keys())
		if err != nil {
			return failAll(len(keys), err)
		}
		results := make([]*dataloader.Result, len(keys))
		for i, k := range keys {
			results[i] = &dataloader.Result{Data: preds[k.String()]}
		}
		return results
	}
}

func edgeBatch(store repository.NodeStore) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		edges, err := store.GetActivityEdges(ctx, keys.Keys())
		if err != nil {
			return failAll(len(keys), err)
		}
		results := make([]*dataloader.Result, len(keys))
		for i, k := range keys {
			results[i] = &dataloader.Result{Data: edges[k.String()]}
		}
		return results
	}
}

func failAll(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}

// LoadNodes resolves ids in order through the batched node loader.
func (l *NodeLoader) LoadNodes(ctx context.Context, ids []string) ([]repository.Node, error) {
	thunks := make([]dataloader.Thunk, len(ids))
	for i, id := range ids {
		thunks[i] = l.Nodes.Load(ctx, dataloader.StringKey(id))
	}
	nodes := make([]repository.Node, len(ids))
	for i, thunk := range thunks {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		nodes[i] = data.(repository.Node)
	}
	return nodes, nil
}

// LoadPredecessors returns the DERIVED_FROM targets of every id.
func (l *NodeLoader) LoadPredecessors(ctx context.Context, ids []string) (map[string][]string, error) {
	thunks := make([]dataloader.Thunk, len(ids))
	for i, id := range ids {
		thunks[i] = l.Predecessors.Load(ctx, dataloader.StringKey(id))
	}
	out := make(map[string][]string, len(ids))
	for i, thunk := range thunks {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		if preds, _ := data.([]string); len(preds) > 0 {
			out[ids[i]] = preds
		}
	}
	return out, nil
}

// LoadEdges returns the activity edges touching every id.
func (l *NodeLoader) LoadEdges(ctx context.Context, ids []string) (map[string][]repository.ActivityEdge, error) {
	thunks := make([]dataloader.Thunk, len(ids))
	for i, id := range ids {
		thunks[i] = l.Edges.Load(ctx, dataloader.StringKey(id))
	}
	out := make(map[string][]repository.ActivityEdge, len(ids))
	for i, thunk := range thunks {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		if edges, _ := data.([]repository.ActivityEdge); len(edges) > 0 {
			out[ids[i]] = edges
		}
	}
	return out, nil
}
