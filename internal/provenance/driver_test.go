package provenance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type stubInferer struct {
	columns []string
	err     error
	calls   int
}

func (s *stubInferer) UsedColumns(_ context.Context, _, _ *domain.Table, _, _ string) ([]string, error) {
	s.calls++
	return s.columns, s.err
}

// cleaningRun models subscribe, then a value fix, then a derived column.
func cleaningRun() Run {
	raw := domain.MustNewTable([]string{"age"}, []int64{0, 1}, map[string][]any{"age": {30, -1}})
	fixed := domain.MustNewTable([]string{"age"}, []int64{0, 1}, map[string][]any{"age": {30, 31}})
	derived := domain.MustNewTable([]string{"age", "adult"}, []int64{0, 1}, map[string][]any{
		"age":   {30, 31},
		"adult": {true, true},
	})
	return Run{
		Steps: []domain.Step{
			{Index: 2, Before: fixed, After: derived},
			{Index: 0, Before: raw, After: raw},
			{Index: 1, Before: raw, After: fixed},
		},
		Descriptions: []domain.ActivityDescription{
			{Name: "fix_age", Description: "replace negative ages", Code: "df.age = df.age.abs()"},
			{Name: "flag_adult", Description: "derive adult flag", Code: "df['adult'] = df.age >= 18"},
		},
		TrackerID: "t-1",
	}
}

func TestReconstructBuildsActivitySequence(t *testing.T) {
	driver := NewDriver(WithIDFunc(sequentialIDs()))

	report, err := driver.Reconstruct(context.Background(), cleaningRun())
	require.NoError(t, err)
	require.Empty(t, report.FailedSteps)
	require.Empty(t, report.DegradedSteps)

	g := report.Graph
	require.Len(t, g.Activities, 2)
	first, second := g.Activities[0], g.Activities[1]
	require.Equal(t, "fix_age", first.FunctionName)
	require.Equal(t, "tracker:t-1", first.TrackerID)
	require.Equal(t, domain.NoExceptionNote, first.RuntimeExceptions)
	require.Equal(t, domain.NoExceptionNote, second.RuntimeExceptions)
	require.Equal(t, []domain.Sequence{{In: first.ID, Out: second.ID}}, g.Next)

	// Steps run in index order regardless of input order.
	require.Len(t, g.ColumnRelations, 2)
	require.Equal(t, first.ID, g.ColumnRelations[0].ActivityID)
	require.Equal(t, second.ID, g.ColumnRelations[1].ActivityID)
	require.Len(t, g.EntityRelations, 2)

	require.Len(t, g.EntityRelations[0].Generated, 1)
	require.Len(t, g.EntityRelations[0].Invalidated, 1)
	require.Len(t, g.EntityRelations[1].Generated, 2)
	require.Empty(t, g.EntityRelations[1].Invalidated)
	require.Len(t, g.EntityDerivations, 1)

	// age@1 before, age@1 after, adult@0, adult@1.
	require.Len(t, g.Entities, 4)
	// raw age, fixed age, adult.
	require.Len(t, g.Columns, 3)
	require.Equal(t, domain.GranularityFull, g.Granularity)
	require.Empty(t, g.EntitiesToKeep)
}

func TestReconstructColumnMode(t *testing.T) {
	driver := NewDriver(WithIDFunc(sequentialIDs()), WithMode(ColumnLevel))

	report, err := driver.Reconstruct(context.Background(), cleaningRun())
	require.NoError(t, err)
	require.Len(t, report.Graph.ColumnRelations, 2)
	require.Empty(t, report.Graph.EntityRelations)
	require.Empty(t, report.Graph.Entities)
	require.Empty(t, report.Graph.Memberships)
}

func TestReconstructTagsFailureOnFirstActivity(t *testing.T) {
	run := cleaningRun()
	run.Failure = &domain.ExecutionFailure{Type: "ValueError", Message: "boom"}

	report, err := NewDriver(WithIDFunc(sequentialIDs())).Reconstruct(context.Background(), run)
	require.NoError(t, err)

	acts := report.Graph.Activities
	require.Equal(t, "An exception occurred here or before (ValueError - boom)", acts[0].RuntimeExceptions)
	require.Equal(t, domain.NoExceptionNote, acts[1].RuntimeExceptions)
}

func TestReconstructDegradesFailedInference(t *testing.T) {
	reg := prometheus.NewRegistry()
	inferer := &stubInferer{columns: []string{"age"}, err: errors.New("model unavailable")}
	driver := NewDriver(
		WithIDFunc(sequentialIDs()),
		WithUsedColumns(inferer),
		WithMetrics(metrics.New(reg)),
	)

	report, err := driver.Reconstruct(context.Background(), cleaningRun())
	require.NoError(t, err)
	require.Equal(t, 2, inferer.calls)
	require.Equal(t, []int{1, 2}, report.DegradedSteps)
	// Nothing was declared used by the derived-column step.
	require.Empty(t, report.Graph.ColumnRelations[1].Used)
	require.Equal(t, []string{}, report.Graph.Activities[0].UsedFeatures)

	expected := `
# HELP provgraph_used_columns_degraded_total Steps whose used-columns inference failed and fell back to empty.
# TYPE provgraph_used_columns_degraded_total counter
provgraph_used_columns_degraded_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "provgraph_used_columns_degraded_total"))
}

func TestReconstructUsesInferredColumns(t *testing.T) {
	inferer := &stubInferer{columns: []string{"age"}}
	driver := NewDriver(WithIDFunc(sequentialIDs()), WithUsedColumns(inferer))

	report, err := driver.Reconstruct(context.Background(), cleaningRun())
	require.NoError(t, err)
	require.Len(t, report.Graph.ColumnRelations[1].Used, 1)
	require.Len(t, report.Graph.EntityRelations[1].Used, 2)
}

func TestReconstructRecordsActivityFeatures(t *testing.T) {
	start := domain.MustNewTable([]string{"name", "age", "tmp"}, []int64{0, 1, 2}, map[string][]any{
		"name": {"ann", "bob", "cy"},
		"age":  {41, 30, 12},
		"tmp":  {1, 2, 3},
	})
	trimmed := domain.MustNewTable([]string{"name", "age"}, []int64{0, 1}, map[string][]any{
		"name": {"ann", "bob"},
		"age":  {41, 30},
	})
	extended := domain.MustNewTable([]string{"name", "age", "adult"}, []int64{0, 1, 3}, map[string][]any{
		"name":  {"ann", "bob", "dee"},
		"age":   {41, 30, 52},
		"adult": {true, true, true},
	})
	run := Run{
		Steps: []domain.Step{
			{Index: 0, Before: start, After: start},
			{Index: 1, Before: start, After: trimmed},
			{Index: 2, Before: trimmed, After: extended},
		},
		Descriptions: []domain.ActivityDescription{
			{Name: "drop_minors", Description: "drop minors and scratch column", Code: "df = df[df.age >= 18].drop(columns=['tmp'])"},
			{Name: "append_adult", Description: "append a row and flag adults", Code: "df.loc[3] = ['dee', 52]; df['adult'] = df.age >= 18"},
		},
	}
	driver := NewDriver(WithIDFunc(sequentialIDs()), WithUsedColumns(&stubInferer{columns: []string{"age"}}))

	report, err := driver.Reconstruct(context.Background(), run)
	require.NoError(t, err)
	require.Empty(t, report.FailedSteps)

	drop, appendRow := report.Graph.Activities[0], report.Graph.Activities[1]
	require.Equal(t, []string{"age"}, drop.UsedFeatures)
	require.Empty(t, drop.GeneratedFeatures)
	require.Equal(t, []string{"tmp"}, drop.DeletedUsedFeatures)
	require.Equal(t, []int64{2}, drop.DeletedRecords)
	require.Empty(t, drop.GeneratedRecords)

	require.Equal(t, []string{"age"}, appendRow.UsedFeatures)
	require.Equal(t, []string{"adult"}, appendRow.GeneratedFeatures)
	require.Empty(t, appendRow.DeletedUsedFeatures)
	require.Equal(t, []int64{3}, appendRow.GeneratedRecords)
	require.Empty(t, appendRow.DeletedRecords)
}

func TestReconstructRollsBackFailedStep(t *testing.T) {
	run := cleaningRun()
	// Step 1 lost its after snapshot.
	run.Steps[2].After = nil
	reg := NewRegistry(sequentialIDs())

	report, err := NewDriver(WithIDFunc(sequentialIDs())).ReconstructWith(context.Background(), reg, run)
	require.NoError(t, err)
	require.Len(t, report.FailedSteps, 1)
	require.Equal(t, 1, report.FailedSteps[0].Index)

	// Only the second step was recorded.
	require.Len(t, report.Graph.ColumnRelations, 1)
	require.Equal(t, report.Graph.Activities[1].ID, report.Graph.ColumnRelations[0].ActivityID)
	require.Len(t, report.Graph.Next, 1)
}

func TestReconstructSampleGranularity(t *testing.T) {
	driver := NewDriver(WithIDFunc(sequentialIDs()), WithGranularity(domain.GranularitySample))

	report, err := driver.Reconstruct(context.Background(), cleaningRun())
	require.NoError(t, err)

	g := report.Graph
	for _, rel := range g.EntityRelations {
		require.LessOrEqual(t, len(rel.Generated), 1)
		require.LessOrEqual(t, len(rel.Used), 1)
		require.LessOrEqual(t, len(rel.Invalidated), 1)
	}
	require.NotEmpty(t, g.EntitiesToKeep)

	pruned := g.Pruned()
	require.Len(t, pruned.Entities, len(g.EntitiesToKeep))
	for _, m := range pruned.Memberships {
		require.Contains(t, g.EntitiesToKeep, m.EntityID)
	}
}

func TestReconstructReducedGranularityKeepsAllEntities(t *testing.T) {
	driver := NewDriver(WithIDFunc(sequentialIDs()), WithGranularity(domain.GranularityReduced))

	report, err := driver.Reconstruct(context.Background(), cleaningRun())
	require.NoError(t, err)
	require.Len(t, report.Graph.Entities, 4)
	require.Same(t, report.Graph, report.Graph.Pruned())
}

func TestReconstructRejectsInvalidGranularity(t *testing.T) {
	_, err := NewDriver(WithGranularity(domain.Granularity(7))).Reconstruct(context.Background(), cleaningRun())
	require.Error(t, err)
}

func TestReconstructReportsUnmatchedStep(t *testing.T) {
	run := cleaningRun()
	run.Descriptions = run.Descriptions[:1]

	report, err := NewDriver(WithIDFunc(sequentialIDs())).Reconstruct(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, []StepFailure{{Index: 2, Reason: "no matching activity"}}, report.FailedSteps)
	require.Empty(t, report.Graph.Next)
}

func TestReconstructHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDriver().Reconstruct(ctx, cleaningRun())
	require.ErrorIs(t, err, context.Canceled)
}
