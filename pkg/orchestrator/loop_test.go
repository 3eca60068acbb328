package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/convergence"
	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// scriptedExecutor returns canned results keyed by item description.
type scriptedExecutor struct {
	results map[string]*ExecutionResult
	errs    map[string]error
	calls   []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, item *taskqueue.Item) (*ExecutionResult, error) {
	e.calls = append(e.calls, item.Description)
	if err, ok := e.errs[item.Description]; ok {
		return nil, err
	}
	if res, ok := e.results[item.Description]; ok {
		return res, nil
	}
	return &ExecutionResult{Success: true, Result: "done: " + item.Description}, nil
}

// scriptedPlanner returns a fixed guidance and hands out each proposal batch
// once.
type scriptedPlanner struct {
	guidance convergence.Guidance
	proposed []*taskqueue.Item
	err      error
	requests []PlanRequest
}

func (p *scriptedPlanner) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	resp := &PlanResponse{Guidance: p.guidance, Proposed: p.proposed}
	p.proposed = nil
	return resp, nil
}

type fixture struct {
	tree       *memtree.Tree
	queue      *taskqueue.Queue
	controller *convergence.Controller
	executor   *scriptedExecutor
	planner    *scriptedPlanner
	loop       *Loop
}

func newFixture(t *testing.T, cfg convergence.Config, descriptions ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	tree := memtree.NewTree(nil)
	_, err := tree.Place(ctx, memtree.Finding{Title: "Case Overview"})
	require.NoError(t, err)

	queue := taskqueue.NewQueue(nil)
	for _, desc := range descriptions {
		_, err := queue.Add(ctx, taskqueue.NewItem(desc, "", taskqueue.PriorityMedium), "")
		require.NoError(t, err)
	}

	controller := convergence.NewController(cfg, tree, queue, nil)
	executor := &scriptedExecutor{results: map[string]*ExecutionResult{}, errs: map[string]error{}}
	planner := &scriptedPlanner{guidance: convergence.Guidance{Confidence: 0.2, Recommendation: convergence.RecommendContinue}}

	loop, err := NewLoop(Options{
		Tree:       tree,
		Queue:      queue,
		Controller: controller,
		Executor:   executor,
		Planner:    planner,
	})
	require.NoError(t, err)

	return &fixture{tree: tree, queue: queue, controller: controller, executor: executor, planner: planner, loop: loop}
}

func TestNewLoop_RequiresCollaborators(t *testing.T) {
	_, err := NewLoop(Options{})
	assert.Error(t, err)
}

func TestRun_DrainsQueueAndConcludes(t *testing.T) {
	f := newFixture(t, convergence.Config{},
		"examine the fingerprint on the latch",
		"verify the caretaker alibi",
	)
	f.executor.results["examine the fingerprint on the latch"] = &ExecutionResult{
		Success: true,
		Result:  "partial match",
		Findings: []memtree.Finding{
			{Title: "Fingerprint partial on latch", Body: "matches right thumb pattern"},
		},
	}

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	// Both items executed, queue exhausted, run concluded with exactly one
	// terminal artifact.
	assert.Len(t, f.executor.calls, 2)
	assert.True(t, f.controller.Concluded())
	assert.Len(t, f.tree.FindByKeyword(convergence.ConclusionTitle), 1)

	stats := f.queue.Statistics()
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 0, stats.Pending)

	// The executor's findings were committed.
	assert.Len(t, f.tree.FindByKeyword("latch"), 1)
}

func TestRun_ExecutorErrorMarksFailedAndContinues(t *testing.T) {
	f := newFixture(t, convergence.Config{},
		"stable lookup",
		"broken lookup",
	)
	f.executor.errs["broken lookup"] = errors.New("executor: upstream unreachable")

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	stats := f.queue.Statistics()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, f.controller.Concluded(), "partial failure must not block convergence")

	failed := f.queue.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "executor: upstream unreachable", failed[0].ErrMessage)
}

func TestRun_UnsuccessfulResultMarksFailed(t *testing.T) {
	f := newFixture(t, convergence.Config{}, "dead end search")
	f.executor.results["dead end search"] = &ExecutionResult{Success: false, Result: "no records found"}

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	failed := f.queue.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "no records found", failed[0].ErrMessage)
}

func TestRun_GuidanceConcludeStopsEarly(t *testing.T) {
	f := newFixture(t, convergence.Config{},
		"first inquiry",
		"second inquiry",
	)
	f.planner.guidance = convergence.Guidance{Confidence: 0.95, Recommendation: convergence.RecommendConclude}

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	// The first round concludes the run; the second item is never executed.
	assert.Len(t, f.executor.calls, 1)
	assert.Equal(t, 1, f.queue.Statistics().Pending)
	assert.Len(t, f.tree.FindByKeyword(convergence.ConclusionTitle), 1)
}

func TestRun_MergesFilteredProposals(t *testing.T) {
	f := newFixture(t, convergence.Config{}, "survey the storeroom")
	f.planner.proposed = []*taskqueue.Item{
		taskqueue.NewItem("compare the fabric sample against the coat", "", taskqueue.PriorityHigh),
		taskqueue.NewItem("gather more information", "", taskqueue.PriorityLow), // generic, filtered out
	}

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	// The concrete proposal was merged and then executed in a later round.
	assert.Contains(t, f.executor.calls, "compare the fabric sample against the coat")
	for _, call := range f.executor.calls {
		assert.NotEqual(t, "gather more information", call)
	}
}

func TestRun_PlannerFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t, convergence.Config{}, "solo inquiry")
	f.planner.err = errors.New("planner: malformed guidance payload")

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.queue.Statistics().Completed)
	assert.True(t, f.controller.Concluded())
}

func TestRun_ContextCancellation(t *testing.T) {
	f := newFixture(t, convergence.Config{}, "anything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.controller.Concluded())
}

func TestRun_FocusHintReachesPlanner(t *testing.T) {
	f := newFixture(t, convergence.Config{}, "first inquiry", "second inquiry")
	f.planner.guidance = convergence.Guidance{
		Confidence:     0.4,
		Recommendation: convergence.RecommendFocus,
		Focus:          "the storeroom lock",
	}

	err := f.loop.Run(context.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(f.planner.requests), 2)
	assert.Equal(t, "", f.planner.requests[0].Focus)
	assert.Equal(t, "the storeroom lock", f.planner.requests[1].Focus)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, ErrTypeTimeout},
		{errors.New("executor: upstream unreachable"), ErrTypeExecutor},
		{errors.New("planner returned malformed data"), ErrTypeGuidance},
		{errors.New("sql: database is locked"), ErrTypeDatabase},
		{errors.New("title cannot be empty"), ErrTypeValidation},
		{errors.New("something odd"), ErrTypeUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
