package provenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/metrics"

	"go.uber.org/zap"
)

// UsedColumnsInferer names the before-table columns an activity read.
// Implementations may fail; the driver then treats the set as empty.
type UsedColumnsInferer interface {
	UsedColumns(ctx context.Context, before, after *domain.Table, code, description string) ([]string, error)
}

// Run is everything captured for one pipeline execution.
type Run struct {
	Steps        []domain.Step
	Descriptions []domain.ActivityDescription
	Failure      *domain.ExecutionFailure
	TrackerID    string
}

// StepFailure reports a step that could not be reconciled.
type StepFailure struct {
	Index  int
	Reason string
}

// Report is the outcome of Reconstruct.
type Report struct {
	Graph         *domain.Graph
	FailedSteps   []StepFailure
	DegradedSteps []int
}

// Driver walks the captured steps in execution order and assembles the
// provenance graph of the run.
type Driver struct {
	mode        Mode
	granularity domain.Granularity
	inferer     UsedColumnsInferer
	picker      Picker
	newID       IDFunc
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures a Driver.
type Option func(*Driver)

func WithMode(mode Mode) Option {
	return func(d *Driver) { d.mode = mode }
}

func WithGranularity(g domain.Granularity) Option {
	return func(d *Driver) { d.granularity = g }
}

// WithUsedColumns sets the used-columns collaborator.
func WithUsedColumns(inferer UsedColumnsInferer) Option {
	return func(d *Driver) { d.inferer = inferer }
}

// WithPicker sets the representative selection policy for reduced granularities.
func WithPicker(p Picker) Option {
	return func(d *Driver) { d.picker = p }
}

func WithIDFunc(fn IDFunc) Option {
	return func(d *Driver) { d.newID = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// NewDriver builds a driver. Defaults: entity mode, full granularity, no
// used-columns inference, first-element picker, uuid ids.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		mode:        EntityLevel,
		granularity: domain.GranularityFull,
		picker:      FirstPicker,
		newID:       NewUUID,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reconstruct rebuilds the provenance graph of a run using a fresh registry.
func (d *Driver) Reconstruct(ctx context.Context, run Run) (*Report, error) {
	return d.ReconstructWith(ctx, NewRegistry(d.newID), run)
}

// ReconstructWith rebuilds the provenance graph of a run into registry.
// Step 0 is the subscription step and is skipped; step i belongs to activity i-1.
// A step that fails to diff is rolled back and reported without affecting
// the steps before it.
func (d *Driver) ReconstructWith(ctx context.Context, registry *Registry, run Run) (*Report, error) {
	if !d.granularity.Valid() {
		return nil, fmt.Errorf("invalid granularity level %d", d.granularity)
	}

	activities := make([]domain.Activity, 0, len(run.Descriptions))
	for _, desc := range run.Descriptions {
		activities = append(activities, domain.NewActivity(d.newID(domain.NamespaceActivity), desc, run.TrackerID))
	}
	if run.Failure != nil && len(activities) > 0 {
		activities[0].AttachFailure(run.Failure)
		d.logger.Warn("pipeline execution failed, reconstructing partial provenance",
			zap.String("failure", run.Failure.Summary()),
			zap.Int("steps", len(run.Steps)))
	}

	graph := &domain.Graph{Activities: activities, Granularity: d.granularity}
	report := &Report{Graph: graph}

	steps := make([]domain.Step, len(run.Steps))
	copy(steps, run.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })

	differ := NewDiffer(registry, d.mode, d.logger)
	reducer := NewReducer(d.picker)

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st.Index == 0 {
			d.metrics.ObserveStep(metrics.StepSkipped, 0)
			continue
		}
		if st.Index < 0 || st.Index > len(activities) {
			d.logger.Warn("step has no matching activity description",
				zap.Int("step", st.Index), zap.Int("activities", len(activities)))
			report.FailedSteps = append(report.FailedSteps, StepFailure{Index: st.Index, Reason: "no matching activity"})
			d.metrics.ObserveStep(metrics.StepFailed, 0)
			continue
		}
		activity := &activities[st.Index-1]
		logger := d.logger.With(
			zap.Int("step", st.Index),
			zap.String("activity", activity.FunctionName),
			zap.Stringer("mode", d.mode))

		used, degraded := d.usedColumns(ctx, logger, st, *activity)
		if degraded {
			report.DegradedSteps = append(report.DegradedSteps, st.Index)
			d.metrics.Degraded()
		}

		cp := registry.Checkpoint()
		entitiesBefore, columnsBefore := registry.Len()
		started := time.Now()
		result, err := differ.Diff(StepInput{
			ActivityID:  activity.ID,
			Before:      st.Before,
			After:       st.After,
			UsedColumns: used,
		})
		if err != nil {
			registry.Rollback(cp)
			logger.Error("step diff failed", zap.Error(err))
			report.FailedSteps = append(report.FailedSteps, StepFailure{Index: st.Index, Reason: err.Error()})
			d.metrics.ObserveStep(metrics.StepFailed, 0)
			continue
		}
		d.metrics.ObserveStep(metrics.StepDiffed, time.Since(started))
		recordFeatures(activity, used, result.Features)
		entitiesAfter, columnsAfter := registry.Len()
		d.metrics.AddNodes(string(domain.NodeEntity), entitiesAfter-entitiesBefore)
		d.metrics.AddNodes(string(domain.NodeColumn), columnsAfter-columnsBefore)

		graph.ColumnRelations = append(graph.ColumnRelations, result.ColumnRelation)
		graph.ColumnDerivations = append(graph.ColumnDerivations, result.ColumnDerivations...)
		d.metrics.AddEdges(string(domain.EdgeDerivedFrom), string(domain.NodeColumn), len(result.ColumnDerivations))

		if d.mode == EntityLevel {
			relation := result.EntityRelation
			if d.granularity.ReducesRelations() {
				var keep []string
				relation, keep = reducer.Reduce(relation)
				graph.EntitiesToKeep = append(graph.EntitiesToKeep, keep...)
			}
			graph.EntityRelations = append(graph.EntityRelations, relation)
			graph.EntityDerivations = append(graph.EntityDerivations, result.EntityDerivations...)
			graph.Memberships = append(graph.Memberships, result.Memberships...)
			d.metrics.AddEdges(string(domain.EdgeDerivedFrom), string(domain.NodeEntity), len(result.EntityDerivations))
			d.metrics.AddEdges(string(domain.EdgeBelongsTo), string(domain.NodeEntity), len(result.Memberships))
		}

		logger.Debug("step reconciled",
			zap.Int("generatedColumns", len(result.ColumnRelation.Generated)),
			zap.Int("invalidatedColumns", len(result.ColumnRelation.Invalidated)),
			zap.Int("generatedEntities", len(result.EntityRelation.Generated)),
			zap.Int("invalidatedEntities", len(result.EntityRelation.Invalidated)))
	}

	for i := 0; i+1 < len(activities); i++ {
		graph.Next = append(graph.Next, domain.Sequence{In: activities[i].ID, Out: activities[i+1].ID})
	}
	d.metrics.AddEdges(string(domain.EdgeNext), string(domain.NodeActivity), len(graph.Next))

	graph.Columns = registry.Columns()
	if d.mode == EntityLevel {
		graph.Entities = registry.Entities()
	}
	return report, nil
}

func (d *Driver) usedColumns(ctx context.Context, logger *zap.Logger, st domain.Step, activity domain.Activity) ([]string, bool) {
	if d.inferer == nil {
		return nil, false
	}
	cols, err := d.inferer.UsedColumns(ctx, st.Before, st.After, activity.Code, activity.Context)
	if err != nil {
		logger.Warn("used-columns inference failed, assuming none", zap.Error(err))
		return nil, true
	}
	return cols, false
}

// recordFeatures copies the column and row footprint of a step onto its
// activity.
func recordFeatures(activity *domain.Activity, used []string, f StepFeatures) {
	activity.UsedFeatures = append([]string{}, used...)
	activity.GeneratedFeatures = f.Generated
	activity.DeletedUsedFeatures = f.Deleted
	activity.GeneratedRecords = f.GeneratedRecords
	activity.DeletedRecords = f.DeletedRecords
}
