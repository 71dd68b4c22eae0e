package domain

// Granularity trades graph completeness for size.
type Granularity int

const (
	// GranularitySample keeps one representative entity per role and only persists those.
	GranularitySample Granularity = 1
	// GranularityReduced keeps one representative entity per role but persists every entity.
	GranularityReduced Granularity = 2
	// GranularityFull keeps everything.
	GranularityFull Granularity = 3
)

// Valid reports whether g is one of the supported levels.
func (g Granularity) Valid() bool {
	return g >= GranularitySample && g <= GranularityFull
}

// ReducesRelations reports whether per activity entity relations are sampled.
func (g Granularity) ReducesRelations() bool {
	return g == GranularitySample || g == GranularityReduced
}

// FiltersEntities reports whether only sampled entities are persisted.
func (g Granularity) FiltersEntities() bool {
	return g == GranularitySample
}

// Graph is the full provenance graph reconstructed for one pipeline run.
type Graph struct {
	Activities        []Activity   `json:"activities" yaml:"activities"`
	Entities          []Entity     `json:"entities" yaml:"entities"`
	Columns           []Column     `json:"columns" yaml:"columns"`
	EntityRelations   []Relation   `json:"entityRelations" yaml:"entityRelations"`
	ColumnRelations   []Relation   `json:"columnRelations" yaml:"columnRelations"`
	EntityDerivations []Derivation `json:"entityDerivations" yaml:"entityDerivations"`
	ColumnDerivations []Derivation `json:"columnDerivations" yaml:"columnDerivations"`
	Memberships       []Membership `json:"memberships" yaml:"memberships"`
	Next              []Sequence   `json:"next" yaml:"next"`
	EntitiesToKeep    []string     `json:"entitiesToKeep,omitempty" yaml:"entitiesToKeep,omitempty"`
	Granularity       Granularity  `json:"granularity" yaml:"granularity"`
}

// Pruned returns the graph as it should be persisted. At the sampling level
// only kept entities survive, along with the edges that reference them.
func (g *Graph) Pruned() *Graph {
	if !g.Granularity.FiltersEntities() {
		return g
	}
	keep := make(map[string]struct{}, len(g.EntitiesToKeep))
	for _, id := range g.EntitiesToKeep {
		keep[id] = struct{}{}
	}
	kept := func(id string) bool {
		_, ok := keep[id]
		return ok
	}

	out := *g
	out.Entities = make([]Entity, 0, len(keep))
	for _, e := range g.Entities {
		if kept(e.ID) {
			out.Entities = append(out.Entities, e)
		}
	}
	out.EntityDerivations = make([]Derivation, 0)
	for _, d := range g.EntityDerivations {
		if kept(d.Gen) && kept(d.Used) {
			out.EntityDerivations = append(out.EntityDerivations, d)
		}
	}
	out.Memberships = make([]Membership, 0)
	for _, m := range g.Memberships {
		if kept(m.EntityID) {
			out.Memberships = append(out.Memberships, m)
		}
	}
	out.EntityRelations = make([]Relation, 0, len(g.EntityRelations))
	for _, r := range g.EntityRelations {
		out.EntityRelations = append(out.EntityRelations, Relation{
			ActivityID:  r.ActivityID,
			Generated:   filterIDs(r.Generated, kept),
			Used:        filterIDs(r.Used, kept),
			Invalidated: filterIDs(r.Invalidated, kept),
			Same:        r.Same,
		})
	}
	return &out
}

func filterIDs(ids []string, keep func(string) bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}
