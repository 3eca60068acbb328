package convergence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

func newFixture(t *testing.T, cfg Config) (*Controller, *memtree.Tree, *taskqueue.Queue) {
	t.Helper()
	tree := memtree.NewTree(nil)
	if _, err := tree.Place(context.Background(), memtree.Finding{Title: "Case Overview"}); err != nil {
		t.Fatalf("failed to seed tree: %v", err)
	}
	queue := taskqueue.NewQueue(nil)
	return NewController(cfg, tree, queue, nil), tree, queue
}

func completeItems(t *testing.T, queue *taskqueue.Queue, descriptions ...string) {
	t.Helper()
	ctx := context.Background()
	for _, desc := range descriptions {
		item := taskqueue.NewItem(desc, "", taskqueue.PriorityMedium)
		if _, err := queue.Add(ctx, item, ""); err != nil {
			t.Fatalf("Add(%q) failed: %v", desc, err)
		}
		queue.Start(ctx, item.ID)
		queue.MarkCompleted(ctx, item.ID, "done")
	}
}

func conclusionCount(tree *memtree.Tree) int {
	return len(tree.FindByKeyword(ConclusionTitle))
}

func TestEvaluate_ContinueByDefault(t *testing.T) {
	c, tree, _ := newFixture(t, Config{})

	d := c.Evaluate(context.Background(), nil)

	assert.Equal(t, ActionContinue, d.Action)
	assert.False(t, c.Concluded())
	assert.Equal(t, 0, conclusionCount(tree))
}

func TestEvaluate_LimitReached(t *testing.T) {
	c, tree, queue := newFixture(t, Config{MaxWork: 2})
	completeItems(t, queue, "analyze fingerprint sample", "verify suspect alibi")

	d := c.Evaluate(context.Background(), nil)

	assert.Equal(t, ActionConclude, d.Action)
	assert.Equal(t, "limit reached", d.Reason)
	assert.True(t, c.Concluded())
	assert.Equal(t, 1, conclusionCount(tree))

	// A second evaluation is a no-op and never duplicates the artifact.
	again := c.Evaluate(context.Background(), nil)
	assert.Equal(t, ActionConclude, again.Action)
	assert.Equal(t, "already concluded", again.Reason)
	assert.Equal(t, 1, conclusionCount(tree))
}

func TestEvaluate_RepetitionDetected(t *testing.T) {
	// Six completed items, four on the fingerprint theme.
	c, tree, queue := newFixture(t, Config{})
	completeItems(t, queue,
		"run the fingerprint through AFIS",
		"compare fingerprint ridge detail",
		"re-examine the fingerprint smudge",
		"request fingerprint expert review",
		"check the appointment ledger",
		"re-interview the caretaker",
	)

	d := c.Evaluate(context.Background(), nil)

	assert.Equal(t, ActionConclude, d.Action)
	assert.Equal(t, "repetition detected", d.Reason)
	assert.Equal(t, 1, conclusionCount(tree))

	// Seventh evaluation call is a no-op.
	again := c.Evaluate(context.Background(), nil)
	assert.Equal(t, "already concluded", again.Reason)
	assert.Equal(t, 1, conclusionCount(tree))
}

func TestEvaluate_ConfidenceReached(t *testing.T) {
	c, tree, _ := newFixture(t, Config{})

	d := c.Evaluate(context.Background(), &Guidance{Confidence: 0.5, Recommendation: RecommendConclude})
	assert.Equal(t, ActionConclude, d.Action)
	assert.Equal(t, "confidence reached", d.Reason)
	assert.Equal(t, 1, conclusionCount(tree))

	// High confidence alone also concludes.
	c2, tree2, _ := newFixture(t, Config{})
	d2 := c2.Evaluate(context.Background(), &Guidance{Confidence: 0.9, Recommendation: RecommendContinue})
	assert.Equal(t, ActionConclude, d2.Action)
	assert.Equal(t, "confidence reached", d2.Reason)
	assert.Equal(t, 1, conclusionCount(tree2))
}

func TestEvaluate_SufficientEvidence(t *testing.T) {
	c, _, queue := newFixture(t, Config{})
	completeItems(t, queue,
		"compare fingerprint ridge detail",
		"verify suspect alibi",
		"trace the fabric fibers",
		"interview the night guard",
		"map the timeline of deliveries",
		"audit the shipping documents",
	)

	d := c.Evaluate(context.Background(), &Guidance{Confidence: 0.7, Recommendation: RecommendFocus})

	assert.Equal(t, ActionConclude, d.Action)
	assert.Equal(t, "sufficient evidence", d.Reason)
}

func TestEvaluate_FocusNarrowsWork(t *testing.T) {
	c, _, queue := newFixture(t, Config{})
	completeItems(t, queue, "verify suspect alibi")

	d := c.Evaluate(context.Background(), &Guidance{
		Confidence:     0.4,
		Recommendation: RecommendFocus,
		Focus:          "the locked storeroom",
	})

	assert.Equal(t, ActionFocus, d.Action)
	assert.Equal(t, "the locked storeroom", d.Focus)
	assert.False(t, c.Concluded())
}

func TestEvaluate_IdempotentTerminationUnderRace(t *testing.T) {
	c, tree, _ := newFixture(t, Config{})
	conclude := &Guidance{Confidence: 0.95, Recommendation: RecommendConclude}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Evaluate(context.Background(), conclude)
		}()
	}
	wg.Wait()

	assert.True(t, c.Concluded())
	assert.Equal(t, 1, conclusionCount(tree), "both racers decided to terminate, exactly one artifact allowed")
}

func TestEvaluate_RestoredArtifactDetected(t *testing.T) {
	// A conclusion node restored from a prior session must be detected by
	// the defensive re-scan even though the in-memory flag is fresh.
	c, tree, _ := newFixture(t, Config{})
	_, err := tree.Place(context.Background(), memtree.Finding{
		Title:             ConclusionTitle,
		RequestedParentID: tree.RootID(),
		Status:            memtree.StatusCompleted,
	})
	assert.NoError(t, err)

	d := c.Evaluate(context.Background(), &Guidance{Recommendation: RecommendConclude})

	assert.Equal(t, "already concluded", d.Reason)
	assert.Equal(t, 1, conclusionCount(tree))
}

func TestConcludeNow(t *testing.T) {
	c, tree, _ := newFixture(t, Config{})

	d := c.ConcludeNow(context.Background(), "no eligible work remaining")
	assert.Equal(t, ActionConclude, d.Action)
	assert.Equal(t, "no eligible work remaining", d.Reason)
	assert.Equal(t, 1, conclusionCount(tree))

	again := c.ConcludeNow(context.Background(), "second call")
	assert.Equal(t, "already concluded", again.Reason)
	assert.Equal(t, 1, conclusionCount(tree))
}

func TestDetectRepetition(t *testing.T) {
	c, _, _ := newFixture(t, Config{})

	items := func(descs ...string) []*taskqueue.Item {
		var out []*taskqueue.Item
		for _, d := range descs {
			out = append(out, taskqueue.NewItem(d, "", taskqueue.PriorityMedium))
		}
		return out
	}

	// Fewer items than the window never trigger.
	_, looping := c.DetectRepetition(items("fingerprint one", "fingerprint two", "fingerprint three", "fingerprint four"))
	assert.False(t, looping)

	theme, looping := c.DetectRepetition(items(
		"fingerprint one", "fingerprint two", "fingerprint three", "fingerprint four",
		"check the ledger", "walk the timeline",
	))
	assert.True(t, looping)
	assert.Equal(t, "fingerprint", theme)

	// Varied themes do not trigger.
	_, looping = c.DetectRepetition(items(
		"fingerprint check", "verify the alibi", "fabric sample", "interview the guard",
		"timeline review", "document audit",
	))
	assert.False(t, looping)
}

func TestConclusionBodySummarizesRun(t *testing.T) {
	c, tree, queue := newFixture(t, Config{MaxWork: 1})
	completeItems(t, queue, "analyze fingerprint sample")

	c.Evaluate(context.Background(), &Guidance{Confidence: 0.6, Reasoning: "the prints align"})

	nodes := tree.FindByKeyword(ConclusionTitle)
	if assert.Len(t, nodes, 1) {
		body := nodes[0].Body
		assert.True(t, strings.Contains(body, "limit reached"), "body: %s", body)
		assert.True(t, strings.Contains(body, "1 completed"), "body: %s", body)
		assert.True(t, strings.Contains(body, "the prints align"), "body: %s", body)
	}
}

func TestBackgroundEvaluator(t *testing.T) {
	c, tree, queue := newFixture(t, Config{MaxWork: 1, EvalInterval: 5 * time.Millisecond})
	completeItems(t, queue, "analyze fingerprint sample")

	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Concluded() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, c.Concluded(), "background evaluator should conclude on its own")
	assert.Equal(t, 1, conclusionCount(tree))
}

func TestStop_WithoutStart(t *testing.T) {
	c, _, _ := newFixture(t, Config{})

	done := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop without Start must not block")
	}
}

func TestLastGuidanceAndRounds(t *testing.T) {
	c, _, _ := newFixture(t, Config{})

	assert.Nil(t, c.LastGuidance())
	c.Evaluate(context.Background(), &Guidance{Confidence: 0.3})
	c.Evaluate(context.Background(), nil)

	g := c.LastGuidance()
	if assert.NotNil(t, g) {
		assert.InDelta(t, 0.3, g.Confidence, 1e-9)
	}
	assert.Equal(t, 2, c.Rounds())
}

func TestEvaluateOrderIsFirstMatchWins(t *testing.T) {
	// Limit reached outranks a conclude recommendation in the reason.
	c, _, queue := newFixture(t, Config{MaxWork: 2})
	completeItems(t, queue, "analyze fingerprint sample", "verify suspect alibi")

	d := c.Evaluate(context.Background(), &Guidance{Confidence: 0.99, Recommendation: RecommendConclude})
	assert.Equal(t, "limit reached", d.Reason, fmt.Sprintf("decision: %+v", d))
}
