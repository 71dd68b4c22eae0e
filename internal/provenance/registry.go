package provenance

import (
	"strconv"
	"sync"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
)

var hashKey = []byte("provgraph-identity-key-000000000")

// IDFunc mints a node id inside a namespace such as domain.NamespaceEntity.
type IDFunc func(namespace string) string

// NewUUID is the default IDFunc.
func NewUUID(namespace string) string {
	return namespace + uuid.NewString()
}

type identityKey interface {
	comparable
	canonical() []byte
}

type entityKey domain.EntityKey

func (k entityKey) canonical() []byte {
	buf := make([]byte, 0, len(k.Value)+len(k.Column)+24)
	buf = append(buf, k.Value...)
	buf = append(buf, 0)
	buf = append(buf, k.Column...)
	buf = append(buf, 0)
	return strconv.AppendInt(buf, k.Row, 10)
}

type columnKey domain.ColumnKey

func (k columnKey) canonical() []byte {
	buf := make([]byte, 0, len(k.Values)+len(k.Index)+len(k.Name)+2)
	buf = append(buf, k.Values...)
	buf = append(buf, 0)
	buf = append(buf, k.Index...)
	buf = append(buf, 0)
	return append(buf, k.Name...)
}

// identityIndex stores nodes in creation order and buckets them by a 64 bit
// highwayhash of their key. Buckets are confirmed with full key equality.
type identityIndex[K identityKey, N any] struct {
	buckets map[uint64][]int
	keys    []K
	nodes   []N
}

func newIdentityIndex[K identityKey, N any]() *identityIndex[K, N] {
	return &identityIndex[K, N]{buckets: make(map[uint64][]int)}
}

func (x *identityIndex[K, N]) lookup(key K) (N, bool) {
	for _, pos := range x.buckets[hashOf(key.canonical())] {
		if x.keys[pos] == key {
			return x.nodes[pos], true
		}
	}
	var zero N
	return zero, false
}

func (x *identityIndex[K, N]) getOrCreate(key K, factory func() N) (N, bool) {
	h := hashOf(key.canonical())
	for _, pos := range x.buckets[h] {
		if x.keys[pos] == key {
			return x.nodes[pos], false
		}
	}
	node := factory()
	x.buckets[h] = append(x.buckets[h], len(x.nodes))
	x.keys = append(x.keys, key)
	x.nodes = append(x.nodes, node)
	return node, true
}

func (x *identityIndex[K, N]) truncate(n int) {
	for pos := len(x.nodes) - 1; pos >= n; pos-- {
		h := hashOf(x.keys[pos].canonical())
		bucket := x.buckets[h]
		for i, p := range bucket {
			if p == pos {
				bucket = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(bucket) == 0 {
			delete(x.buckets, h)
		} else {
			x.buckets[h] = bucket
		}
	}
	x.keys = x.keys[:n]
	x.nodes = x.nodes[:n]
}

func (x *identityIndex[K, N]) snapshot() []N {
	out := make([]N, len(x.nodes))
	copy(out, x.nodes)
	return out
}

func hashOf(data []byte) uint64 {
	return highwayhash.Sum64(data, hashKey)
}

// Registry maps structural identities to provenance nodes for the lifetime of
// one pipeline run. The same (value, column, row) triple, or the same
// (values, index, name) column triple, always resolves to the same node.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	newID    IDFunc
	entities *identityIndex[entityKey, domain.Entity]
	columns  *identityIndex[columnKey, domain.Column]
}

// Checkpoint marks the registry size so a failed step can be undone.
type Checkpoint struct {
	entities int
	columns  int
}

// NewRegistry returns an empty registry. A nil IDFunc falls back to NewUUID.
func NewRegistry(newID IDFunc) *Registry {
	if newID == nil {
		newID = NewUUID
	}
	return &Registry{
		newID:    newID,
		entities: newIdentityIndex[entityKey, domain.Entity](),
		columns:  newIdentityIndex[columnKey, domain.Column](),
	}
}

// LookupEntity returns the entity registered for a cell identity, if any.
func (r *Registry) LookupEntity(value any, column string, row int64) (domain.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities.lookup(entityKey(domain.NewEntityKey(value, column, row)))
}

// Entity returns the entity for a cell identity, creating it when absent.
// The boolean reports whether a node was created.
func (r *Registry) Entity(value any, column string, row int64) (domain.Entity, bool) {
	key := domain.NewEntityKey(value, column, row)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities.getOrCreate(entityKey(key), func() domain.Entity {
		return domain.Entity{
			ID:        r.newID(domain.NamespaceEntity),
			Value:     value,
			ValueType: domain.TypeName(value),
			Column:    column,
			Row:       row,
		}
	})
}

// LookupColumn returns the column registered for a column identity, if any.
func (r *Registry) LookupColumn(key domain.ColumnKey) (domain.Column, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.columns.lookup(columnKey(key))
}

// Column returns the column for a column identity, creating it when absent.
// The boolean reports whether a node was created.
func (r *Registry) Column(key domain.ColumnKey) (domain.Column, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.columns.getOrCreate(columnKey(key), func() domain.Column {
		return domain.Column{
			ID:     r.newID(domain.NamespaceColumn),
			Values: key.Values,
			Index:  key.Index,
			Name:   key.Name,
		}
	})
}

// Entities returns every entity in creation order.
func (r *Registry) Entities() []domain.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities.snapshot()
}

// Columns returns every column in creation order.
func (r *Registry) Columns() []domain.Column {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.columns.snapshot()
}

// Len reports the number of registered entities and columns.
func (r *Registry) Len() (entities, columns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities.nodes), len(r.columns.nodes)
}

// Checkpoint captures the current registry size.
func (r *Registry) Checkpoint() Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Checkpoint{entities: len(r.entities.nodes), columns: len(r.columns.nodes)}
}

// Rollback forgets every node created after cp.
func (r *Registry) Rollback(cp Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp.entities < len(r.entities.nodes) {
		r.entities.truncate(cp.entities)
	}
	if cp.columns < len(r.columns.nodes) {
		r.columns.truncate(cp.columns)
	}
}
