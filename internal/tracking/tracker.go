// Package tracking captures before/after table snapshots while a cleaning
// pipeline runs.
package tracking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker records one snapshot pair per analyzed step. Calls to Analyze made
// before Subscribe are ignored.
type Tracker struct {
	mu      sync.Mutex
	id      string
	enabled bool
	before  *domain.Table
	counter int
	changes map[int]domain.Step
	logger  *zap.Logger
}

// NewTracker returns a tracker with a fresh id.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		id:      uuid.NewString(),
		changes: make(map[int]domain.Step),
		logger:  logger,
	}
}

// ID identifies the tracker; activities reference it as their owner.
func (t *Tracker) ID() string { return t.id }

// Subscribe marks the initial table and enables tracking.
func (t *Tracker) Subscribe(table *domain.Table) *domain.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.before = table
	t.enabled = true
	return table
}

// Analyze stores the pair (previous, table) under the next step index and
// makes table the next step's before snapshot.
func (t *Tracker) Analyze(table *domain.Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		t.logger.Debug("analyze called before subscribe, ignoring")
		return
	}
	t.changes[t.counter] = domain.Step{Index: t.counter, Before: t.before, After: table}
	t.logger.Debug("step captured",
		zap.Int("step", t.counter),
		zap.Int("rows", table.NumRows()),
		zap.Int("columns", table.NumColumns()))
	t.before = table
	t.counter++
}

// Changes returns the captured steps ordered by index.
func (t *Tracker) Changes() []domain.Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := make([]domain.Step, 0, len(t.changes))
	for _, st := range t.changes {
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps
}

// Pipeline is an instrumented cleaning pipeline.
type Pipeline func(ctx context.Context, tracker *Tracker) error

// Outcome is what a pipeline execution left behind.
type Outcome struct {
	Steps   []domain.Step
	Failure *domain.ExecutionFailure
}

// Run executes pipeline against tracker. A returned error or a panic ends the
// run early; the steps captured until then are kept and the failure summarised.
func Run(ctx context.Context, tracker *Tracker, pipeline Pipeline) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			out.Failure = domain.NewExecutionFailure(err)
			if !ok {
				out.Failure.Type = "panic"
			}
			tracker.logger.Error("pipeline panicked", zap.String("failure", out.Failure.Summary()))
		}
		out.Steps = tracker.Changes()
	}()

	if err := pipeline(ctx, tracker); err != nil {
		out.Failure = domain.NewExecutionFailure(err)
		tracker.logger.Warn("pipeline stopped early", zap.Error(err))
	}
	return out
}
