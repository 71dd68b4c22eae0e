package repository

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/viant/afs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// GraphDocument is the exported form of a published graph.
type GraphDocument struct {
	Activities        []domain.Activity   `yaml:"activities"`
	Columns           []domain.Column     `yaml:"columns"`
	Entities          []domain.Entity     `yaml:"entities"`
	ColumnDerivations []domain.Derivation `yaml:"columnDerivations"`
	EntityDerivations []domain.Derivation `yaml:"entityDerivations"`
	ActivityEdges     []ActivityEdge      `yaml:"activityEdges"`
	Memberships       []domain.Membership `yaml:"memberships"`
	Next              []domain.Sequence   `yaml:"next"`
}

// YAMLExporter collects a graph and uploads it as one YAML document to any
// afs URL on Flush. Repeated ids and edges are written once.
type YAMLExporter struct {
	fs     afs.Service
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	doc  GraphDocument
	seen map[string]struct{}
}

var _ GraphSink = (*YAMLExporter)(nil)

func NewYAMLExporter(fs afs.Service, url string, logger *zap.Logger) *YAMLExporter {
	if fs == nil {
		fs = afs.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YAMLExporter{fs: fs, url: url, logger: logger, seen: make(map[string]struct{})}
}

// first reports whether key is new and marks it as seen.
func (y *YAMLExporter) first(key string) bool {
	if _, ok := y.seen[key]; ok {
		return false
	}
	y.seen[key] = struct{}{}
	return true
}

func (y *YAMLExporter) AddActivities(_ context.Context, activities []domain.Activity) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, a := range activities {
		if y.first(a.ID) {
			y.doc.Activities = append(y.doc.Activities, a)
		}
	}
	return nil
}

func (y *YAMLExporter) AddEntities(_ context.Context, entities []domain.Entity) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, e := range entities {
		if y.first(e.ID) {
			y.doc.Entities = append(y.doc.Entities, e)
		}
	}
	return nil
}

func (y *YAMLExporter) AddColumns(_ context.Context, columns []domain.Column) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, c := range columns {
		if y.first(c.ID) {
			y.doc.Columns = append(y.doc.Columns, c)
		}
	}
	return nil
}

func (y *YAMLExporter) AddDerivations(_ context.Context, kind domain.NodeKind, derivations []domain.Derivation) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, d := range derivations {
		if !y.first("derivation\x00" + d.Gen + "\x00" + d.Used) {
			continue
		}
		if kind == domain.NodeColumn {
			y.doc.ColumnDerivations = append(y.doc.ColumnDerivations, d)
		} else {
			y.doc.EntityDerivations = append(y.doc.EntityDerivations, d)
		}
	}
	return nil
}

func (y *YAMLExporter) AddRelations(_ context.Context, kind domain.NodeKind, relations []domain.Relation) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, e := range ActivityEdges(kind, relations) {
		if y.first("edge\x00" + e.ActivityID + "\x00" + e.NodeID + "\x00" + string(e.Type)) {
			y.doc.ActivityEdges = append(y.doc.ActivityEdges, e)
		}
	}
	return nil
}

func (y *YAMLExporter) AddMemberships(_ context.Context, memberships []domain.Membership) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, m := range memberships {
		if y.first("member\x00" + m.EntityID + "\x00" + m.ColumnID) {
			y.doc.Memberships = append(y.doc.Memberships, m)
		}
	}
	return nil
}

func (y *YAMLExporter) AddNext(_ context.Context, next []domain.Sequence) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	for _, s := range next {
		if y.first("next\x00" + s.In + "\x00" + s.Out) {
			y.doc.Next = append(y.doc.Next, s)
		}
	}
	return nil
}

// Flush encodes everything collected so far and uploads it.
func (y *YAMLExporter) Flush(ctx context.Context) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&y.doc); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := y.fs.Upload(ctx, y.url, 0o644, &buf); err != nil {
		return fmt.Errorf("upload graph to %s: %w", y.url, err)
	}
	y.logger.Info("graph exported",
		zap.String("url", y.url),
		zap.Int("activities", len(y.doc.Activities)),
		zap.Int("entities", len(y.doc.Entities)),
		zap.Int("columns", len(y.doc.Columns)))
	return nil
}

// ReadGraphDocument downloads and decodes an exported graph.
func ReadGraphDocument(ctx context.Context, fs afs.Service, url string) (*GraphDocument, error) {
	if fs == nil {
		fs = afs.New()
	}
	payload, err := fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("download graph %s: %w", url, err)
	}
	var doc GraphDocument
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", url, err)
	}
	return &doc, nil
}

// Load replays an exported document into sink.
func (doc *GraphDocument) Load(ctx context.Context, sink GraphSink) error {
	relations := make(map[domain.NodeKind][]domain.Relation)
	for _, e := range doc.ActivityEdges {
		rel := domain.Relation{ActivityID: e.ActivityID}
		switch e.Type {
		case domain.EdgeUsed:
			rel.Used = []string{e.NodeID}
		case domain.EdgeGeneratedBy:
			rel.Generated = []string{e.NodeID}
		case domain.EdgeInvalidatedBy:
			rel.Invalidated = []string{e.NodeID}
		}
		relations[e.Kind] = append(relations[e.Kind], rel)
	}
	graph := &domain.Graph{
		Activities:        doc.Activities,
		Entities:          doc.Entities,
		Columns:           doc.Columns,
		ColumnDerivations: doc.ColumnDerivations,
		EntityDerivations: doc.EntityDerivations,
		ColumnRelations:   relations[domain.NodeColumn],
		EntityRelations:   relations[domain.NodeEntity],
		Memberships:       doc.Memberships,
		Next:              doc.Next,
		Granularity:       domain.GranularityFull,
	}
	return Publish(ctx, sink, graph)
}
