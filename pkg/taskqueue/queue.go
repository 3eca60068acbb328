package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sentinel errors for scheduler operations.
var (
	// ErrItemNotFound is returned when an operation references an unknown
	// work item ID.
	ErrItemNotFound = errors.New("work item not found")

	// ErrCycle is returned when adding a dependency would create a cycle in
	// the dependency graph. The graph is left unchanged.
	ErrCycle = errors.New("dependency would create a cycle")
)

// Persister receives the full queue state after every mutation.
type Persister interface {
	SaveQueue(ctx context.Context, snap *Snapshot) error
}

// Stats summarizes the scheduler state.
type Stats struct {
	Total              int     `json:"total"`
	Pending            int     `json:"pending"`
	InProgress         int     `json:"in_progress"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	CompletionRate     float64 `json:"completion_rate"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
	Eligible           int     `json:"eligible"`
}

// Snapshot is the full serializable state of a queue.
type Snapshot struct {
	Items          map[string]*Item `json:"items"`
	ExecutionOrder []string         `json:"execution_order,omitempty"`
	CompletedIDs   []string         `json:"completed_ids,omitempty"`
	FailedIDs      []string         `json:"failed_ids,omitempty"`
}

// Queue owns the work item set and its dependency graph. The derived
// execution order (topological, priority-tie-broken) is recomputed whenever
// the item set mutates. Safe for concurrent use.
type Queue struct {
	mu             sync.RWMutex
	items          map[string]*Item
	executionOrder []string
	completedIDs   []string
	failedIDs      []string
	persist        Persister
}

// NewQueue creates an empty queue. persist may be nil.
func NewQueue(persist Persister) *Queue {
	return &Queue{
		items:   make(map[string]*Item),
		persist: persist,
	}
}

// Add inserts an item. If afterID is non-empty it is recorded as a
// dependency; an unknown afterID rejects the insert with ErrItemNotFound.
func (q *Queue) Add(ctx context.Context, item *Item, afterID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if afterID != "" {
		if _, ok := q.items[afterID]; !ok {
			return "", fmt.Errorf("dependency %s: %w", afterID, ErrItemNotFound)
		}
		item.Dependencies = append(item.Dependencies, afterID)
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = DefaultMaxRetries
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	q.items[item.ID] = item.clone()
	q.reorderLocked()
	return item.ID, q.persistLocked(ctx)
}

// AddDependency records that item id depends on dependsOn. The edge is
// rejected with ErrCycle, leaving the graph unchanged, if dependsOn can
// already reach id through existing dependencies.
func (q *Queue) AddDependency(ctx context.Context, id, dependsOn string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	if _, ok := q.items[dependsOn]; !ok {
		return fmt.Errorf("dependency %s: %w", dependsOn, ErrItemNotFound)
	}
	if id == dependsOn || q.reachesLocked(dependsOn, id) {
		return fmt.Errorf("%s -> %s: %w", id, dependsOn, ErrCycle)
	}

	item.Dependencies = append(item.Dependencies, dependsOn)
	q.reorderLocked()
	return q.persistLocked(ctx)
}

// reachesLocked reports whether target is reachable from start over
// dependency edges. Iterative DFS with a visited set.
func (q *Queue) reachesLocked(start, target string) bool {
	visited := map[string]struct{}{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		if item, ok := q.items[cur]; ok {
			stack = append(stack, item.Dependencies...)
		}
	}
	return false
}

// Next returns a copy of the eligible item with the highest priority, ties
// broken by earliest creation time. An item is eligible when it is pending
// and every dependency is completed. Returns nil when nothing is eligible,
// even if blocked pending items remain.
func (q *Queue) Next() *Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var best *Item
	for _, item := range q.eligibleLocked() {
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.CreatedAt.Before(best.CreatedAt)) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	return best.clone()
}

func (q *Queue) eligibleLocked() []*Item {
	var eligible []*Item
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		ready := true
		for _, depID := range item.Dependencies {
			dep, ok := q.items[depID]
			if ok && dep.Status != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, item)
		}
	}
	return eligible
}

// Start transitions a pending item to in progress and stamps its start
// time. Returns false for unknown IDs or items not pending.
func (q *Queue) Start(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || item.Status != StatusPending {
		return false
	}
	now := time.Now()
	item.Status = StatusInProgress
	item.StartedAt = &now

	q.flushLocked(ctx, "start")
	return true
}

// MarkCompleted records a successful terminal transition. A previously
// failed item that succeeds on retry is removed from the failed list so it
// is not double counted.
func (q *Queue) MarkCompleted(ctx context.Context, id, result string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return false
	}
	now := time.Now()
	item.Status = StatusCompleted
	item.CompletedAt = &now
	item.Result = result

	if !containsID(q.completedIDs, id) {
		q.completedIDs = append(q.completedIDs, id)
	}
	q.failedIDs = removeID(q.failedIDs, id)

	q.reorderLocked()
	q.flushLocked(ctx, "complete")
	return true
}

// MarkFailed records a failed terminal transition with the raw error text
// and consumes one retry.
func (q *Queue) MarkFailed(ctx context.Context, id, errMessage string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return false
	}
	now := time.Now()
	item.Status = StatusFailed
	item.CompletedAt = &now
	item.ErrMessage = errMessage
	item.RetryCount++

	if !containsID(q.failedIDs, id) {
		q.failedIDs = append(q.failedIDs, id)
	}

	q.flushLocked(ctx, "fail")
	return true
}

// Retry resets a failed item with remaining retry budget back to pending,
// clearing timestamps and error text. Returns false otherwise.
func (q *Queue) Retry(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || !item.CanRetry() {
		return false
	}
	item.Status = StatusPending
	item.StartedAt = nil
	item.CompletedAt = nil
	item.ErrMessage = ""
	q.failedIDs = removeID(q.failedIDs, id)

	q.reorderLocked()
	q.flushLocked(ctx, "retry")
	return true
}

// Merge inserts externally-proposed items, deduplicating against existing
// pending or in-progress items by case-insensitive description. A duplicate
// merges its instructions, priority and metadata into the existing item
// instead of inserting. Returns the IDs of the items actually added.
func (q *Queue) Merge(ctx context.Context, proposed []*Item) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var added []string
	for _, item := range proposed {
		if existing := q.findSimilarLocked(item.Description); existing != nil {
			existing.Instructions = item.Instructions
			if item.Priority > existing.Priority {
				existing.Priority = item.Priority
			}
			if item.Metadata != nil {
				if existing.Metadata == nil {
					existing.Metadata = make(map[string]interface{}, len(item.Metadata))
				}
				for k, v := range item.Metadata {
					existing.Metadata[k] = v
				}
			}
			continue
		}

		if item.MaxRetries == 0 {
			item.MaxRetries = DefaultMaxRetries
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now()
		}
		q.items[item.ID] = item.clone()
		added = append(added, item.ID)
	}

	q.reorderLocked()
	q.flushLocked(ctx, "merge")
	return added
}

func (q *Queue) findSimilarLocked(description string) *Item {
	lower := strings.ToLower(description)
	for _, item := range q.items {
		if item.Status != StatusPending && item.Status != StatusInProgress {
			continue
		}
		if strings.ToLower(item.Description) == lower {
			return item
		}
	}
	return nil
}

// Get returns a copy of the item with the given ID.
func (q *Queue) Get(id string) (*Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	return item.clone(), true
}

// Count returns the total number of items held.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Pending returns copies of all pending items.
func (q *Queue) Pending() []*Item { return q.byStatus(StatusPending) }

// Completed returns copies of all completed items.
func (q *Queue) Completed() []*Item { return q.byStatus(StatusCompleted) }

// Failed returns copies of all failed items.
func (q *Queue) Failed() []*Item { return q.byStatus(StatusFailed) }

func (q *Queue) byStatus(status Status) []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Item
	for _, item := range q.items {
		if item.Status == status {
			out = append(out, item.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecentCompleted returns copies of the most recently completed items,
// newest completion first.
func (q *Queue) RecentCompleted(limit int) []*Item {
	completed := q.Completed()
	sort.Slice(completed, func(i, j int) bool {
		ti, tj := completed[i].CompletedAt, completed[j].CompletedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	if limit > 0 && len(completed) > limit {
		completed = completed[:limit]
	}
	return completed
}

// HasMatching reports whether any item satisfies the predicate. Used by the
// convergence controller's defensive terminal-artifact scan.
func (q *Queue) HasMatching(pred func(*Item) bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, item := range q.items {
		if pred(item.clone()) {
			return true
		}
	}
	return false
}

// ExecutionOrder returns the current derived order: a topological sort of
// the dependency graph with priority tie-breaking.
func (q *Queue) ExecutionOrder() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]string(nil), q.executionOrder...)
}

// reorderLocked recomputes the execution order with Kahn's algorithm. The
// zero in-degree frontier is re-sorted by descending priority (creation
// time, then ID, as tie-breaks) before each pop, so the total order is
// consistent with both dependencies and priority.
func (q *Queue) reorderLocked() {
	inDegree := make(map[string]int, len(q.items))
	for id := range q.items {
		inDegree[id] = 0
	}
	for _, item := range q.items {
		for _, depID := range item.Dependencies {
			if _, ok := q.items[depID]; ok {
				inDegree[item.ID]++
			}
		}
	}

	var frontier []string
	for id, degree := range inDegree {
		if degree == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(q.items))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			a, b := q.items[frontier[i]], q.items[frontier[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
		cur := frontier[0]
		frontier = frontier[1:]
		order = append(order, cur)

		for _, item := range q.items {
			if !containsID(item.Dependencies, cur) {
				continue
			}
			inDegree[item.ID]--
			if inDegree[item.ID] == 0 {
				frontier = append(frontier, item.ID)
			}
		}
	}

	q.executionOrder = order
}

// Statistics summarizes the queue for convergence evaluation and reporting.
func (q *Queue) Statistics() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Stats{Total: len(q.items)}

	var durationSum float64
	var durationCount int
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
			if mins, ok := item.DurationMinutes(); ok {
				durationSum += mins
				durationCount++
			}
		case StatusFailed:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.Completed) / float64(stats.Total)
	}
	if durationCount > 0 {
		stats.AvgDurationMinutes = durationSum / float64(durationCount)
	}
	stats.Eligible = len(q.eligibleLocked())

	return stats
}

// Snapshot returns a deep copy of the full queue state.
func (q *Queue) Snapshot() *Snapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Items:          make(map[string]*Item, len(q.items)),
		ExecutionOrder: append([]string(nil), q.executionOrder...),
		CompletedIDs:   append([]string(nil), q.completedIDs...),
		FailedIDs:      append([]string(nil), q.failedIDs...),
	}
	for id, item := range q.items {
		snap.Items[id] = item.clone()
	}
	return snap
}

// Restore replaces the queue state with a snapshot. Used on session load;
// does not write back to the persister. The execution order is recomputed
// rather than trusted from the snapshot.
func (q *Queue) Restore(snap *Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*Item, len(snap.Items))
	for id, item := range snap.Items {
		q.items[id] = item.clone()
	}
	q.completedIDs = append([]string(nil), snap.CompletedIDs...)
	q.failedIDs = append([]string(nil), snap.FailedIDs...)
	q.reorderLocked()
}

// persistLocked flushes the full queue state through the persister.
func (q *Queue) persistLocked(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	if err := q.persist.SaveQueue(ctx, q.snapshotLocked()); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

// flushLocked persists and logs instead of failing, for the boolean
// transition operations whose contract has no error return.
func (q *Queue) flushLocked(ctx context.Context, op string) {
	if err := q.persistLocked(ctx); err != nil {
		log.Printf("inquest: queue persist after %s failed: %v", op, err)
	}
}

func containsID(ids []string, id string) bool {
	for _, cur := range ids {
		if cur == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, cur := range ids {
		if cur != id {
			out = append(out, cur)
		}
	}
	return out
}
