package provenance

import (
	"math/rand/v2"
	"slices"

	"github.com/rpattn/provgraph/internal/domain"
)

// Picker chooses one position out of n. Implementations must return a value
// in [0, n) for n > 0.
type Picker interface {
	Pick(n int) int
}

// PickerFunc adapts a function to Picker.
type PickerFunc func(n int) int

func (f PickerFunc) Pick(n int) int { return f(n) }

// FirstPicker always keeps the first element. Handy for deterministic runs.
var FirstPicker = PickerFunc(func(int) int { return 0 })

// NewRandomPicker returns a uniformly random picker seeded for reproducibility.
func NewRandomPicker(seed uint64) Picker {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return PickerFunc(func(n int) int { return rng.IntN(n) })
}

// KeepOne reduces ids to a single representative. An empty input yields an
// empty output and ok=false.
func KeepOne(ids []string, picker Picker) (kept []string, chosen string, ok bool) {
	if len(ids) == 0 {
		return []string{}, "", false
	}
	chosen = ids[picker.Pick(len(ids))]
	return []string{chosen}, chosen, true
}

// Reducer samples each role of a relation down to one representative node.
type Reducer struct {
	picker Picker
}

// NewReducer builds a reducer; a nil picker keeps the first element.
func NewReducer(picker Picker) *Reducer {
	if picker == nil {
		picker = FirstPicker
	}
	return &Reducer{picker: picker}
}

// Reduce keeps one generated, one used and one invalidated node. When the
// kept used node was also invalidated, it becomes the single invalidated node
// too. The returned ids are the representatives to keep in the graph.
func (r *Reducer) Reduce(rel domain.Relation) (domain.Relation, []string) {
	out := domain.Relation{ActivityID: rel.ActivityID, Same: rel.Same}
	var keep []string

	var gen string
	var ok bool
	if out.Generated, gen, ok = KeepOne(rel.Generated, r.picker); ok {
		keep = append(keep, gen)
	}

	invalidated := rel.EffectiveInvalidated()
	used, usedID, usedOK := KeepOne(rel.Used, r.picker)
	out.Used = used
	if usedOK {
		keep = append(keep, usedID)
	}
	if usedOK && slices.Contains(invalidated, usedID) {
		out.Invalidated = []string{usedID}
	} else {
		var inv string
		if out.Invalidated, inv, ok = KeepOne(invalidated, r.picker); ok && inv != usedID {
			keep = append(keep, inv)
		}
	}
	if out.Same {
		out.Invalidated = []string{}
	}
	return out, keep
}
