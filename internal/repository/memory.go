package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/rpattn/provgraph/internal/domain"
)

// MemoryStore keeps a published graph in process. It is both a GraphSink and
// a NodeStore.
type MemoryStore struct {
	mu sync.RWMutex

	nodes          map[string]Node
	derivations    map[string][]string
	derivSeen      map[domain.Derivation]struct{}
	edges          map[string][]ActivityEdge
	edgeSeen       map[ActivityEdge]struct{}
	memberships    map[domain.Membership]struct{}
	next           map[domain.Sequence]struct{}
	membershipList []domain.Membership
	nextList       []domain.Sequence
}

var (
	_ GraphSink = (*MemoryStore)(nil)
	_ NodeStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]Node),
		derivations: make(map[string][]string),
		derivSeen:   make(map[domain.Derivation]struct{}),
		edges:       make(map[string][]ActivityEdge),
		edgeSeen:    make(map[ActivityEdge]struct{}),
		memberships: make(map[domain.Membership]struct{}),
		next:        make(map[domain.Sequence]struct{}),
	}
}

func (m *MemoryStore) AddActivities(_ context.Context, activities []domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range activities {
		a := activities[i]
		m.putNode(Node{ID: a.ID, Kind: domain.NodeActivity, Activity: &a})
	}
	return nil
}

func (m *MemoryStore) AddEntities(_ context.Context, entities []domain.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entities {
		e := entities[i]
		m.putNode(Node{ID: e.ID, Kind: domain.NodeEntity, Entity: &e})
	}
	return nil
}

func (m *MemoryStore) AddColumns(_ context.Context, columns []domain.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range columns {
		c := columns[i]
		m.putNode(Node{ID: c.ID, Kind: domain.NodeColumn, Column: &c})
	}
	return nil
}

// putNode keeps the first write of an id.
func (m *MemoryStore) putNode(n Node) {
	if _, ok := m.nodes[n.ID]; ok {
		return
	}
	m.nodes[n.ID] = n
}

func (m *MemoryStore) AddDerivations(_ context.Context, _ domain.NodeKind, derivations []domain.Derivation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range derivations {
		if _, ok := m.derivSeen[d]; ok {
			continue
		}
		m.derivSeen[d] = struct{}{}
		m.derivations[d.Gen] = append(m.derivations[d.Gen], d.Used)
	}
	return nil
}

func (m *MemoryStore) AddRelations(_ context.Context, kind domain.NodeKind, relations []domain.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range ActivityEdges(kind, relations) {
		if _, ok := m.edgeSeen[e]; ok {
			continue
		}
		m.edgeSeen[e] = struct{}{}
		m.edges[e.NodeID] = append(m.edges[e.NodeID], e)
		m.edges[e.ActivityID] = append(m.edges[e.ActivityID], e)
	}
	return nil
}

func (m *MemoryStore) AddMemberships(_ context.Context, memberships []domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ms := range memberships {
		if _, ok := m.memberships[ms]; ok {
			continue
		}
		m.memberships[ms] = struct{}{}
		m.membershipList = append(m.membershipList, ms)
	}
	return nil
}

func (m *MemoryStore) AddNext(_ context.Context, next []domain.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range next {
		if _, ok := m.next[s]; ok {
			continue
		}
		m.next[s] = struct{}{}
		m.nextList = append(m.nextList, s)
	}
	return nil
}

func (m *MemoryStore) GetNodes(_ context.Context, ids []string) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MemoryStore) GetPredecessors(_ context.Context, ids []string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		if preds := m.derivations[id]; len(preds) > 0 {
			out[id] = append([]string(nil), preds...)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetActivityEdges(_ context.Context, ids []string) (map[string][]ActivityEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]ActivityEdge, len(ids))
	for _, id := range ids {
		if edges := m.edges[id]; len(edges) > 0 {
			out[id] = append([]ActivityEdge(nil), edges...)
		}
	}
	return out, nil
}

// Memberships returns the stored membership edges in insertion order.
func (m *MemoryStore) Memberships() []domain.Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Membership(nil), m.membershipList...)
}

// Next returns the stored sequencing edges in insertion order.
func (m *MemoryStore) Next() []domain.Sequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Sequence(nil), m.nextList...)
}

// Len reports the number of stored nodes.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}
