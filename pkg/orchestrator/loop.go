package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/inquest-ai/inquest/pkg/convergence"
	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
	"github.com/inquest-ai/inquest/pkg/trace"
)

// Loop drives one investigation run. It is the only writer of tree and
// queue state during normal execution; the sole concurrent activity is the
// controller's background evaluator, which the controller itself serializes.
type Loop struct {
	tree       *memtree.Tree
	queue      *taskqueue.Queue
	controller *convergence.Controller
	executor   Executor
	planner    Planner
	metrics    metrics.Collector
	trace      trace.Exporter

	focus  string
	rounds int
}

// NewLoop wires a loop from its collaborators.
func NewLoop(opts Options) (*Loop, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	return &Loop{
		tree:       opts.Tree,
		queue:      opts.Queue,
		controller: opts.Controller,
		executor:   opts.Executor,
		planner:    opts.Planner,
		metrics:    opts.Metrics,
		trace:      opts.Trace,
	}, nil
}

// Run drains the queue until the run concludes or the context is cancelled.
// Executor failures mark the item Failed and the loop moves on; they never
// abort the run. When no eligible work remains the run is concluded
// directly so every run ends with a terminal artifact.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.controller.Concluded() {
			return nil
		}

		item := l.queue.Next()
		if item == nil {
			l.controller.ConcludeNow(ctx, "no eligible work remaining")
			return nil
		}

		decision, err := l.runRound(ctx, item)
		if err != nil {
			return err
		}
		if decision.Action == convergence.ActionConclude {
			return nil
		}
	}
}

// Rounds returns how many rounds have run.
func (l *Loop) Rounds() int {
	return l.rounds
}

// runRound processes one work item end to end. The returned error is only
// non-nil for context cancellation; collaborator failures are absorbed.
func (l *Loop) runRound(ctx context.Context, item *taskqueue.Item) (convergence.Decision, error) {
	l.rounds++
	roundStart := time.Now()
	record := &trace.TraceRecord{
		Timestamp: roundStart.UTC(),
		RoundID:   uuid.NewString(),
		Operation: "round",
		Status:    "success",
		IDs:       map[string]interface{}{"itemId": item.ID, "round": l.rounds},
	}

	l.queue.Start(ctx, item.ID)

	execStart := time.Now()
	result, err := l.executor.Execute(ctx, item)
	if err == nil && result == nil {
		err = errors.New("executor returned no result")
	}
	execSpan := trace.SpanRecord{Name: "execute", DurationMs: time.Since(execStart).Milliseconds(), OK: err == nil}

	// A conclusion reached while the executor was out (background
	// evaluator or a restored artifact) discards this result.
	if l.controller.Concluded() {
		log.Printf("inquest: discarding result for %s, run already concluded", item.ID)
		return convergence.Decision{Action: convergence.ActionConclude, Reason: "already concluded"}, nil
	}

	if err != nil {
		errType := ClassifyError(err)
		execSpan.ErrorType = errType
		l.queue.MarkFailed(ctx, item.ID, err.Error())
		l.metrics.RecordError(ctx, "execute", errType)
		record.Status = "error"
		record.ErrorType = errType
		record.Spans = append(record.Spans, execSpan)
		l.finishRound(ctx, record, roundStart)
		if ctx.Err() != nil {
			return convergence.Decision{}, ctx.Err()
		}
		return convergence.Decision{Action: convergence.ActionContinue, Reason: "work item failed"}, nil
	}
	if !result.Success {
		execSpan.OK = false
		execSpan.ErrorType = ErrTypeExecutor
		l.queue.MarkFailed(ctx, item.ID, result.Result)
		l.metrics.RecordError(ctx, "execute", ErrTypeExecutor)
		record.Status = "error"
		record.ErrorType = ErrTypeExecutor
		record.Spans = append(record.Spans, execSpan)
		l.finishRound(ctx, record, roundStart)
		return convergence.Decision{Action: convergence.ActionContinue, Reason: "work item failed"}, nil
	}
	record.Spans = append(record.Spans, execSpan)

	placeStart := time.Now()
	placed := int64(0)
	for _, f := range result.Findings {
		if _, err := l.tree.Place(ctx, f); err != nil {
			l.metrics.RecordError(ctx, "place", ClassifyError(err))
			log.Printf("inquest: failed to place finding %q: %v", f.Title, err)
			continue
		}
		placed++
	}
	record.Spans = append(record.Spans, trace.SpanRecord{
		Name:       "place",
		DurationMs: time.Since(placeStart).Milliseconds(),
		OK:         true,
		Counters:   map[string]int64{"findingsPlaced": placed},
	})

	l.queue.MarkCompleted(ctx, item.ID, result.Result)

	planStart := time.Now()
	resp, planErr := l.planner.Plan(ctx, PlanRequest{
		Completed:  item,
		Result:     result.Result,
		Focus:      l.focus,
		QueueStats: l.queue.Statistics(),
		TreeStats:  l.tree.Statistics(),
	})
	planSpan := trace.SpanRecord{Name: "plan", DurationMs: time.Since(planStart).Milliseconds(), OK: planErr == nil}

	var guidance *convergence.Guidance
	merged := int64(0)
	if planErr != nil {
		planSpan.ErrorType = ErrTypeGuidance
		l.metrics.RecordError(ctx, "plan", ErrTypeGuidance)
		log.Printf("inquest: planner failed after %s: %v", item.ID, planErr)
	} else if resp != nil {
		g := resp.Guidance
		guidance = &g
		if accepted := l.controller.FilterProposed(resp.Proposed); len(accepted) > 0 {
			ids := l.queue.Merge(ctx, accepted)
			merged = int64(len(ids))
		}
	}
	planSpan.Counters = map[string]int64{"itemsMerged": merged}
	record.Spans = append(record.Spans, planSpan)

	evalStart := time.Now()
	decision := l.controller.Evaluate(ctx, guidance)
	record.Spans = append(record.Spans, trace.SpanRecord{
		Name:       "evaluate",
		DurationMs: time.Since(evalStart).Milliseconds(),
		OK:         true,
	})
	record.Signal = decision.Action.String()

	if decision.Action == convergence.ActionFocus {
		l.focus = decision.Focus
	}

	l.finishRound(ctx, record, roundStart)
	return decision, nil
}

// finishRound emits the round's trace record and metrics.
func (l *Loop) finishRound(ctx context.Context, record *trace.TraceRecord, start time.Time) {
	record.DurationMs = time.Since(start).Milliseconds()

	l.metrics.RecordOperation(ctx, "round", record.Status, record.DurationMs)
	for _, span := range record.Spans {
		l.metrics.RecordStage(ctx, "round", span.Name, span.DurationMs)
	}
	l.metrics.SetStorageCount(ctx, "nodes", int64(l.tree.Count()))
	l.metrics.SetStorageCount(ctx, "items", int64(l.queue.Count()))

	if l.trace != nil {
		if err := l.trace.Export(ctx, record); err != nil {
			log.Printf("inquest: failed to export trace: %v", err)
		}
	}
}
