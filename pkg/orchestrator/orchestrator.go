// Package orchestrator runs the investigation loop: pull the next eligible
// work item, hand it to the external executor, commit the resulting findings
// into the memory tree, consult the planner for guidance and new work, and
// evaluate convergence. The loop stops when the run concludes or the context
// is cancelled.
package orchestrator

import (
	"context"
	"errors"

	"github.com/inquest-ai/inquest/pkg/convergence"
	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
	"github.com/inquest-ai/inquest/pkg/trace"
)

// ExecutionResult is what the external executor returns for one work item.
type ExecutionResult struct {
	// Success reports whether the work produced a usable result. A false
	// value marks the item Failed with the result text as the error.
	Success bool

	// Result is the free-text outcome stored on the completed item.
	Result string

	// Findings are committed into the memory tree via Place.
	Findings []memtree.Finding
}

// Executor performs one unit of investigation work. Implementations wrap
// external collaborators (LLM agents, tool runners); retries for transient
// transport failures are the executor's own concern.
type Executor interface {
	Execute(ctx context.Context, item *taskqueue.Item) (*ExecutionResult, error)
}

// PlanRequest carries the completion context the planner consults.
type PlanRequest struct {
	// Completed is the item that just finished.
	Completed *taskqueue.Item

	// Result is the executor's result text for that item.
	Result string

	// Focus is the current narrowing hint, if the last evaluation chose one.
	Focus string

	// QueueStats and TreeStats describe the current run state.
	QueueStats taskqueue.Stats
	TreeStats  memtree.Stats
}

// PlanResponse is the planner's guidance plus any proposed new work. The
// proposals pass through the convergence filter before being merged.
type PlanResponse struct {
	Guidance convergence.Guidance
	Proposed []*taskqueue.Item
}

// Planner supplies the guidance signal and optional new work after each
// completed item.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)
}

// Options wires a Loop. Tree, Queue, Controller, Executor and Planner are
// required; Metrics and Trace default to no-ops.
type Options struct {
	Tree       *memtree.Tree
	Queue      *taskqueue.Queue
	Controller *convergence.Controller
	Executor   Executor
	Planner    Planner
	Metrics    metrics.Collector
	Trace      trace.Exporter
}

func (o Options) validate() error {
	switch {
	case o.Tree == nil:
		return errors.New("orchestrator: tree is required")
	case o.Queue == nil:
		return errors.New("orchestrator: queue is required")
	case o.Controller == nil:
		return errors.New("orchestrator: controller is required")
	case o.Executor == nil:
		return errors.New("orchestrator: executor is required")
	case o.Planner == nil:
		return errors.New("orchestrator: planner is required")
	}
	return nil
}
