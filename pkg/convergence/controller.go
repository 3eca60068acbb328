package convergence

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// ConclusionTitle is the title of the single terminal artifact a run
// produces. The defensive re-scan matches on it, so it must stay stable.
const ConclusionTitle = "Investigation Conclusion"

// Controller applies the convergence policy for one investigation run.
//
// Both the orchestration loop and the background evaluator call Evaluate, so
// the concluded flag and the terminal-artifact emission are guarded by one
// mutex held across the check and the act. A defensive re-scan of the tree
// and queue backs the flag up in case state was restored from a prior
// session that already concluded.
type Controller struct {
	cfg     Config
	tree    *memtree.Tree
	queue   *taskqueue.Queue
	metrics metrics.Collector

	mu           sync.Mutex
	rounds       int
	lastGuidance *Guidance
	concluded    bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// NewController creates a controller over the given tree and queue. Zero
// config fields take defaults.
func NewController(cfg Config, tree *memtree.Tree, queue *taskqueue.Queue, collector metrics.Collector) *Controller {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &Controller{
		cfg:     cfg.withDefaults(),
		tree:    tree,
		queue:   queue,
		metrics: collector,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Evaluate runs the ordered decision policy and returns the verdict. Rules
// are checked first-match-wins:
//
//  1. already concluded: no-op
//  2. completed+failed work at the configured maximum
//  3. recent completions collapse to a dominant repeated theme
//  4. guidance recommends conclude, or confidence at the high threshold
//  5. enough work, medium confidence, and a focus recommendation
//  6. otherwise continue, narrowing to the guidance focus if given
//
// The first terminal match emits the conclusion artifact before returning.
func (c *Controller) Evaluate(ctx context.Context, g *Guidance) Decision {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rounds++
	if g != nil {
		c.lastGuidance = g
	}

	d := c.evaluateLocked(ctx, g)
	c.metrics.RecordOperation(ctx, "evaluate", d.Action.String(), time.Since(start).Milliseconds())
	return d
}

func (c *Controller) evaluateLocked(ctx context.Context, g *Guidance) Decision {
	if c.concluded || c.artifactExists() {
		c.concluded = true
		return Decision{Action: ActionConclude, Reason: "already concluded"}
	}

	stats := c.queue.Statistics()
	totalWork := stats.Completed + stats.Failed

	if totalWork >= c.cfg.MaxWork {
		return c.concludeLocked(ctx, "limit reached", g)
	}

	recent := c.queue.RecentCompleted(c.cfg.RepetitionWindow)
	if theme, looping := c.DetectRepetition(recent); looping {
		log.Printf("inquest: repeated %q work in last %d completions", theme, len(recent))
		return c.concludeLocked(ctx, "repetition detected", g)
	}

	if g != nil {
		if g.Recommendation == RecommendConclude || g.Confidence >= c.cfg.ConcludeConfidence {
			return c.concludeLocked(ctx, "confidence reached", g)
		}
		if totalWork >= c.cfg.FocusWorkFloor && g.Confidence >= c.cfg.FocusConfidence && g.Recommendation == RecommendFocus {
			return c.concludeLocked(ctx, "sufficient evidence", g)
		}
		if g.Recommendation == RecommendFocus && g.Focus != "" {
			return Decision{Action: ActionFocus, Reason: "guidance focus", Focus: g.Focus}
		}
	}

	return Decision{Action: ActionContinue, Reason: "investigation in progress"}
}

// concludeLocked emits the terminal artifact. Caller holds c.mu; the
// artifact re-scan closes the window against state restored mid-run.
func (c *Controller) concludeLocked(ctx context.Context, reason string, g *Guidance) Decision {
	if c.artifactExists() {
		c.concluded = true
		return Decision{Action: ActionConclude, Reason: "already concluded"}
	}

	body := c.conclusionBody(reason, g)
	if _, err := c.tree.Place(ctx, memtree.Finding{
		Title:             ConclusionTitle,
		Body:              body,
		RequestedParentID: c.tree.RootID(),
		Status:            memtree.StatusCompleted,
	}); err != nil {
		// Persistence failed but the in-memory flag still prevents a
		// second artifact.
		log.Printf("inquest: failed to persist conclusion: %v", err)
	}

	c.concluded = true
	log.Printf("inquest: investigation concluded: %s", reason)
	return Decision{Action: ActionConclude, Reason: reason}
}

// artifactExists scans the tree for a conclusion node and the queue for a
// critical conclusion item left over from a restored run.
func (c *Controller) artifactExists() bool {
	inTree := c.tree.HasMatchingTitle(func(title string) bool {
		return strings.Contains(strings.ToLower(title), strings.ToLower(ConclusionTitle))
	})
	if inTree {
		return true
	}
	return c.queue.HasMatching(func(it *taskqueue.Item) bool {
		return it.Priority == taskqueue.PriorityCritical &&
			strings.Contains(strings.ToLower(it.Description), "conclusion")
	})
}

func (c *Controller) conclusionBody(reason string, g *Guidance) string {
	qs := c.queue.Statistics()
	ts := c.tree.Statistics()

	var b strings.Builder
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	fmt.Fprintf(&b, "Work: %d completed, %d failed of %d total (%.0f%% complete)\n",
		qs.Completed, qs.Failed, qs.Total, qs.CompletionRate*100)
	fmt.Fprintf(&b, "Memory: %d nodes, max depth %d, %d leaves\n",
		ts.Count, ts.MaxDepth, ts.LeafCount)
	fmt.Fprintf(&b, "Evaluations: %d\n", c.rounds)
	if g != nil {
		fmt.Fprintf(&b, "Final confidence: %.2f (%s)\n", g.Confidence, g.Recommendation)
		if g.Reasoning != "" {
			fmt.Fprintf(&b, "Assessment: %s\n", g.Reasoning)
		}
	}
	return b.String()
}

// ConcludeNow forces the terminal path outside the ordered policy. The
// orchestration loop uses it when the queue runs out of eligible work
// without any stop rule having fired. Idempotent like Evaluate.
func (c *Controller) ConcludeNow(ctx context.Context, reason string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.concluded || c.artifactExists() {
		c.concluded = true
		return Decision{Action: ActionConclude, Reason: "already concluded"}
	}
	return c.concludeLocked(ctx, reason, c.lastGuidance)
}

// Concluded reports whether the terminal artifact has been produced.
func (c *Controller) Concluded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concluded
}

// Rounds returns how many evaluations have run.
func (c *Controller) Rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds
}

// LastGuidance returns the most recent guidance signal, or nil.
func (c *Controller) LastGuidance() *Guidance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastGuidance == nil {
		return nil
	}
	g := *c.lastGuidance
	return &g
}

// Start launches the background evaluator. It re-evaluates convergence on a
// timer using the last seen guidance, independent of the orchestration loop,
// and exits when Stop is called, the context is cancelled, or the run
// concludes.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.cfg.EvalInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if d := c.Evaluate(ctx, c.LastGuidance()); d.Action == ActionConclude {
					return
				}
			}
		}
	}()
}

// Stop signals the background evaluator and waits for it to exit. Safe to
// call more than once and without a prior Start.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.doneCh
	}
}
