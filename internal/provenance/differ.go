package provenance

import (
	"errors"
	"fmt"

	"github.com/rpattn/provgraph/internal/domain"

	"go.uber.org/zap"
)

// Mode selects the granularity of the reconstructed provenance.
type Mode int

const (
	// ColumnLevel tracks whole column snapshots only.
	ColumnLevel Mode = iota + 1
	// EntityLevel tracks cells as well as the columns they belong to.
	EntityLevel
)

func (m Mode) String() string {
	switch m {
	case ColumnLevel:
		return "column"
	case EntityLevel:
		return "entity"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode reads "column" or "entity".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "column":
		return ColumnLevel, nil
	case "entity":
		return EntityLevel, nil
	}
	return 0, fmt.Errorf("unknown provenance mode %q", s)
}

// StepInput is what the differ needs to reconcile one snapshot pair.
type StepInput struct {
	ActivityID  string
	Before      *domain.Table
	After       *domain.Table
	UsedColumns []string
}

// StepResult holds the relations and new edges inferred for one step.
type StepResult struct {
	ColumnRelation    domain.Relation
	EntityRelation    domain.Relation
	ColumnDerivations []domain.Derivation
	EntityDerivations []domain.Derivation
	Memberships       []domain.Membership
	Features          StepFeatures
}

// StepFeatures names what a step touched by column name and row index.
type StepFeatures struct {
	// Generated lists after columns with no before counterpart.
	Generated []string
	// Deleted lists before columns that vanished without being renamed.
	Deleted          []string
	GeneratedRecords []int64
	DeletedRecords   []int64
}

// Differ reconciles before/after table snapshots into provenance records.
// Column and entity granularity share one code path; entity bookkeeping is
// switched on by the mode.
type Differ struct {
	registry *Registry
	mode     Mode
	logger   *zap.Logger
}

// NewDiffer creates a differ writing into registry.
func NewDiffer(registry *Registry, mode Mode, logger *zap.Logger) *Differ {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Differ{registry: registry, mode: mode, logger: logger}
}

// Diff infers what the activity generated, used and invalidated.
//
// Columns of the after table are matched to the before table by name. When
// the after table has at least as many columns as the before table, an
// unmatched column may instead be matched positionally as a rename. Matched
// columns are compared cell by cell, unmatched after columns are wholly
// generated, and unmatched before columns are wholly invalidated. Rows that
// disappeared supersede every surviving column.
func (d *Differ) Diff(in StepInput) (StepResult, error) {
	if in.Before == nil || in.After == nil {
		return StepResult{}, errors.New("diff requires both before and after tables")
	}
	if d.mode != ColumnLevel && d.mode != EntityLevel {
		return StepResult{}, fmt.Errorf("unsupported mode %v", d.mode)
	}

	s := newStep(d, in)
	allowRename := in.After.NumColumns() >= in.Before.NumColumns()
	claimed := make(map[string]struct{})

	for pos, name := range in.After.Columns() {
		source := ""
		switch {
		case in.Before.HasColumn(name):
			source = name
		case allowRename:
			if candidate, ok := s.renameCandidate(pos, name); ok {
				source = candidate
				claimed[candidate] = struct{}{}
				d.logger.Debug("column rename detected",
					zap.String("activity", in.ActivityID),
					zap.String("from", candidate),
					zap.String("to", name))
			}
		}

		var err error
		if source == "" {
			err = s.generateColumn(name)
		} else {
			err = s.compareColumn(source, name)
		}
		if err != nil {
			return StepResult{}, err
		}
	}

	for _, name := range in.Before.Columns() {
		if in.After.HasColumn(name) {
			continue
		}
		if _, ok := claimed[name]; ok {
			continue
		}
		if err := s.invalidateColumn(name); err != nil {
			return StepResult{}, err
		}
	}

	if err := s.deleteRows(); err != nil {
		return StepResult{}, err
	}
	for _, row := range in.After.Index() {
		if !in.Before.HasRow(row) {
			s.features.GeneratedRecords = append(s.features.GeneratedRecords, row)
		}
	}

	return s.result(), nil
}

type step struct {
	d        *Differ
	in       StepInput
	used     map[string]struct{}
	entities bool

	colGen, colUsed, colInv idSet
	entGen, entUsed, entInv idSet

	colDerivs edgeSet
	entDerivs edgeSet
	members   edgeSet
	features  StepFeatures

	columnNodes map[*domain.Table]map[string]domain.Column
}

func newStep(d *Differ, in StepInput) *step {
	used := make(map[string]struct{}, len(in.UsedColumns))
	for _, name := range in.UsedColumns {
		used[name] = struct{}{}
	}
	return &step{
		d:           d,
		in:          in,
		used:        used,
		entities:    d.mode == EntityLevel,
		columnNodes: make(map[*domain.Table]map[string]domain.Column, 2),
	}
}

type cellChange struct {
	row     int64
	before  any
	existed bool
	after   any
}

// renameCandidate looks at the before column in the same position as an
// unmatched after column. It is a rename only when that before column is gone
// from the after table and holds the very same values over the same rows.
func (s *step) renameCandidate(pos int, name string) (string, bool) {
	candidate, ok := s.in.Before.ColumnAt(pos)
	if !ok || s.in.After.HasColumn(candidate) {
		return "", false
	}
	if s.in.Before.SerializedIndex() != s.in.After.SerializedIndex() {
		return "", false
	}
	oldValues, err := s.in.Before.Column(candidate)
	if err != nil {
		return "", false
	}
	newValues, err := s.in.After.Column(name)
	if err != nil || len(oldValues) != len(newValues) {
		return "", false
	}
	for i := range oldValues {
		if !domain.Unchanged(oldValues[i], newValues[i]) {
			return "", false
		}
	}
	return candidate, true
}

// compareColumn diffs the after column name against the before column source,
// which is either the same name or a detected rename.
func (s *step) compareColumn(source, name string) error {
	before, after := s.in.Before, s.in.After
	_, declared := s.used[source]

	var oldColumn domain.Column
	var err error
	if declared || source != name {
		if oldColumn, err = s.column(before, source); err != nil {
			return err
		}
	}
	if declared {
		s.colUsed.add(oldColumn.ID)
	}

	var changes []cellChange
	for _, row := range after.Index() {
		newValue, _ := after.At(row, name)
		oldValue, existed := before.At(row, source)
		if declared && existed && s.entities {
			old, _ := s.d.registry.Entity(oldValue, source, row)
			s.entUsed.add(old.ID)
			s.members.add(old.ID, oldColumn.ID)
		}
		if existed && source == name && domain.Unchanged(oldValue, newValue) {
			continue
		}
		changes = append(changes, cellChange{row: row, before: oldValue, existed: existed, after: newValue})
	}
	if len(changes) == 0 {
		return nil
	}

	if oldColumn.ID == "" {
		if oldColumn, err = s.column(before, source); err != nil {
			return err
		}
	}
	newColumn, err := s.column(after, name)
	if err != nil {
		return err
	}
	if newColumn.ID != oldColumn.ID {
		s.colGen.add(newColumn.ID)
		s.colUsed.add(oldColumn.ID)
		s.colInv.add(oldColumn.ID)
		s.colDerivs.add(newColumn.ID, oldColumn.ID)
	}

	if !s.entities {
		return nil
	}
	for _, change := range changes {
		newEntity, _ := s.d.registry.Entity(change.after, name, change.row)
		s.entGen.add(newEntity.ID)
		s.members.add(newEntity.ID, newColumn.ID)
		if !change.existed {
			continue
		}
		oldEntity, _ := s.d.registry.Entity(change.before, source, change.row)
		if oldEntity.ID == newEntity.ID {
			continue
		}
		s.entUsed.add(oldEntity.ID)
		s.entInv.add(oldEntity.ID)
		s.members.add(oldEntity.ID, oldColumn.ID)
		s.entDerivs.add(newEntity.ID, oldEntity.ID)
	}
	return nil
}

// generateColumn records an after column with no counterpart.
func (s *step) generateColumn(name string) error {
	column, err := s.column(s.in.After, name)
	if err != nil {
		return err
	}
	s.colGen.add(column.ID)
	s.features.Generated = append(s.features.Generated, name)
	if !s.entities {
		return nil
	}
	for _, row := range s.in.After.Index() {
		value, _ := s.in.After.At(row, name)
		entity, _ := s.d.registry.Entity(value, name, row)
		s.entGen.add(entity.ID)
		s.members.add(entity.ID, column.ID)
	}
	return nil
}

// invalidateColumn records a before column that vanished.
func (s *step) invalidateColumn(name string) error {
	column, err := s.column(s.in.Before, name)
	if err != nil {
		return err
	}
	s.colUsed.add(column.ID)
	s.colInv.add(column.ID)
	s.features.Deleted = append(s.features.Deleted, name)
	if !s.entities {
		return nil
	}
	for _, row := range s.in.Before.Index() {
		value, _ := s.in.Before.At(row, name)
		entity, _ := s.d.registry.Entity(value, name, row)
		s.entUsed.add(entity.ID)
		s.entInv.add(entity.ID)
		s.members.add(entity.ID, column.ID)
	}
	return nil
}

// deleteRows supersedes every column present on both sides when rows vanished.
func (s *step) deleteRows() error {
	before, after := s.in.Before, s.in.After
	var deleted []int64
	for _, row := range before.Index() {
		if !after.HasRow(row) {
			deleted = append(deleted, row)
		}
	}
	if len(deleted) == 0 {
		return nil
	}
	s.features.DeletedRecords = deleted

	for _, name := range after.Columns() {
		if !before.HasColumn(name) {
			continue
		}
		oldColumn, err := s.column(before, name)
		if err != nil {
			return err
		}
		newColumn, err := s.column(after, name)
		if err != nil {
			return err
		}
		s.colUsed.add(oldColumn.ID)
		s.colInv.add(oldColumn.ID)
		if newColumn.ID != oldColumn.ID {
			s.colGen.add(newColumn.ID)
			s.colDerivs.add(newColumn.ID, oldColumn.ID)
		}
		if !s.entities {
			continue
		}
		for _, row := range deleted {
			value, _ := before.At(row, name)
			entity, _ := s.d.registry.Entity(value, name, row)
			s.entUsed.add(entity.ID)
			s.entInv.add(entity.ID)
			s.members.add(entity.ID, oldColumn.ID)
		}
	}
	return nil
}

// column materialises the column node for a table's column, reusing the
// registry entry when the same content was seen before.
func (s *step) column(t *domain.Table, name string) (domain.Column, error) {
	cache, ok := s.columnNodes[t]
	if !ok {
		cache = make(map[string]domain.Column)
		s.columnNodes[t] = cache
	}
	if column, ok := cache[name]; ok {
		return column, nil
	}
	values, err := t.SerializedColumn(name)
	if err != nil {
		return domain.Column{}, fmt.Errorf("serialize column: %w", err)
	}
	column, _ := s.d.registry.Column(domain.ColumnKey{
		Values: values,
		Index:  t.SerializedIndex(),
		Name:   name,
	})
	cache[name] = column
	return column, nil
}

func (s *step) result() StepResult {
	out := StepResult{
		ColumnRelation: domain.NewRelation(s.in.ActivityID,
			s.colGen.list(), s.colUsed.list(), s.colInv.list(), false),
		ColumnDerivations: s.colDerivs.derivations(),
		Features:          s.features,
	}
	if s.entities {
		out.EntityRelation = domain.NewRelation(s.in.ActivityID,
			s.entGen.list(), s.entUsed.list(), s.entInv.list(), false)
		out.EntityDerivations = s.entDerivs.derivations()
		out.Memberships = s.members.memberships()
	}
	return out
}

// idSet is an insertion ordered set of node ids.
type idSet struct {
	ids  []string
	seen map[string]struct{}
}

func (s *idSet) add(id string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *idSet) list() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// edgeSet is an insertion ordered set of (from, to) pairs.
type edgeSet struct {
	pairs [][2]string
	seen  map[[2]string]struct{}
}

func (s *edgeSet) add(from, to string) {
	if s.seen == nil {
		s.seen = make(map[[2]string]struct{})
	}
	key := [2]string{from, to}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.pairs = append(s.pairs, key)
}

func (s *edgeSet) derivations() []domain.Derivation {
	out := make([]domain.Derivation, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, domain.Derivation{Gen: p[0], Used: p[1]})
	}
	return out
}

func (s *edgeSet) memberships() []domain.Membership {
	out := make([]domain.Membership, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, domain.Membership{EntityID: p[0], ColumnID: p[1]})
	}
	return out
}
