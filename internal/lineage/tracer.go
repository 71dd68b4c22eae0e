package lineage

import (
	"context"
	"fmt"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/repository"

	"go.uber.org/zap"
)

// Step is one node reached while walking DERIVED_FROM edges backwards.
type Step struct {
	Node  repository.Node `json:"node" yaml:"node"`
	Depth int             `json:"depth" yaml:"depth"`
	// DerivedBy lists the nodes of the previous level computed from this one.
	DerivedBy []string `json:"derivedBy" yaml:"derivedBy"`
	// GeneratedBy lists the activities that produced the node.
	GeneratedBy []string `json:"generatedBy,omitempty" yaml:"generatedBy,omitempty"`
}

// Lineage is the ancestry of one node.
type Lineage struct {
	Root      repository.Node           `json:"root" yaml:"root"`
	Edges     []repository.ActivityEdge `json:"edges" yaml:"edges"`
	Ancestors []Step                    `json:"ancestors" yaml:"ancestors"`
}

// Tracer answers "where did this value come from" over a stored graph.
type Tracer struct {
	store  repository.NodeStore
	logger *zap.Logger
}

func NewTracer(store repository.NodeStore, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{store: store, logger: logger}
}

// Trace walks the ancestry of id breadth first, up to depth levels. A depth
// of zero or less walks to the sources. Every level is fetched in one batch.
func (t *Tracer) Trace(ctx context.Context, id string, depth int) (*Lineage, error) {
	if _, err := domain.KindOfID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrUnknownNode, id)
	}
	loader := NewNodeLoader(t.store)

	roots, err := loader.LoadNodes(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	edges, err := loader.LoadEdges(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("load edges of %s: %w", id, err)
	}
	lineage := &Lineage{Root: roots[0], Edges: edges[id], Ancestors: []Step{}}
	if lineage.Edges == nil {
		lineage.Edges = []repository.ActivityEdge{}
	}

	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	for level := 1; len(frontier) > 0 && (depth <= 0 || level <= depth); level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		preds, err := loader.LoadPredecessors(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load predecessors: %w", err)
		}

		var next []string
		derivedBy := make(map[string][]string)
		for _, gen := range frontier {
			for _, used := range preds[gen] {
				derivedBy[used] = append(derivedBy[used], gen)
				if _, seen := visited[used]; seen {
					continue
				}
				visited[used] = struct{}{}
				next = append(next, used)
			}
		}
		if len(next) == 0 {
			break
		}

		nodes, err := loader.LoadNodes(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("load ancestors: %w", err)
		}
		nodeEdges, err := loader.LoadEdges(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("load ancestor edges: %w", err)
		}
		for i, n := range nodes {
			lineage.Ancestors = append(lineage.Ancestors, Step{
				Node:        n,
				Depth:       level,
				DerivedBy:   derivedBy[n.ID],
				GeneratedBy: generators(n.ID, nodeEdges[next[i]]),
			})
		}
		frontier = next
	}

	t.logger.Debug("lineage traced",
		zap.String("id", id),
		zap.Int("ancestors", len(lineage.Ancestors)))
	return lineage, nil
}

func generators(id string, edges []repository.ActivityEdge) []string {
	var out []string
	for _, e := range edges {
		if e.NodeID == id && e.Type == domain.EdgeGeneratedBy {
			out = append(out, e.ActivityID)
		}
	}
	return out
}
