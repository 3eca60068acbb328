package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func add(t *testing.T, q *Queue, item *Item, afterID string) string {
	t.Helper()
	id, err := q.Add(context.Background(), item, afterID)
	if err != nil {
		t.Fatalf("Add(%q) failed: %v", item.Description, err)
	}
	return id
}

func TestAdd_UnknownDependencyRejected(t *testing.T) {
	q := NewQueue(nil)
	_, err := q.Add(context.Background(), NewItem("check alibi", "", PriorityMedium), "no-such-id")
	if !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if q.Count() != 0 {
		t.Errorf("failed add should not insert, count %d", q.Count())
	}
}

func TestNext_PriorityAndCreationOrder(t *testing.T) {
	q := NewQueue(nil)
	low := NewItem("low priority sweep", "", PriorityLow)
	first := NewItem("first high", "", PriorityHigh)
	second := NewItem("second high", "", PriorityHigh)
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	add(t, q, low, "")
	add(t, q, second, "")
	add(t, q, first, "")

	next := q.Next()
	if next == nil || next.ID != first.ID {
		t.Fatalf("expected earliest high-priority item first")
	}

	q.Start(context.Background(), first.ID)
	q.MarkCompleted(context.Background(), first.ID, "done")

	if next := q.Next(); next == nil || next.ID != second.ID {
		t.Fatalf("expected second high-priority item after first completes")
	}
}

func TestNext_BlockedByDependencies(t *testing.T) {
	// C depends on A and B; C stays blocked until both complete.
	ctx := context.Background()
	q := NewQueue(nil)
	a := add(t, q, NewItem("analyze fingerprint", "", PriorityCritical), "")
	b := add(t, q, NewItem("verify alibi", "", PriorityCritical), "")
	c := NewItem("synthesize findings", "", PriorityCritical)
	c.CreatedAt = time.Now().Add(-time.Hour) // oldest, but blocked
	add(t, q, c, a)
	if err := q.AddDependency(ctx, c.ID, b); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	if next := q.Next(); next.ID == c.ID {
		t.Fatalf("blocked item returned by Next")
	}

	q.Start(ctx, a)
	q.MarkCompleted(ctx, a, "match found")
	if next := q.Next(); next.ID == c.ID {
		t.Fatalf("item with one incomplete dependency returned by Next")
	}

	q.Start(ctx, b)
	q.MarkCompleted(ctx, b, "alibi holds")
	if next := q.Next(); next == nil || next.ID != c.ID {
		t.Fatalf("expected %s once all dependencies completed", c.ID)
	}
}

func TestAddDependency_CycleRejected(t *testing.T) {
	// A->B accepted, then B->A rejected with the graph unchanged.
	ctx := context.Background()
	q := NewQueue(nil)
	a := add(t, q, NewItem("task a", "", PriorityMedium), "")
	b := add(t, q, NewItem("task b", "", PriorityMedium), "")

	if err := q.AddDependency(ctx, a, b); err != nil {
		t.Fatalf("first dependency should be accepted: %v", err)
	}
	err := q.AddDependency(ctx, b, a)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}

	got, _ := q.Get(b)
	if len(got.Dependencies) != 0 {
		t.Errorf("rejected edge must leave the graph unchanged, got deps %v", got.Dependencies)
	}

	if err := q.AddDependency(ctx, a, a); !errors.Is(err, ErrCycle) {
		t.Errorf("self dependency should be rejected, got %v", err)
	}
}

func TestAddDependency_TransitiveCycleRejected(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	a := add(t, q, NewItem("task a", "", PriorityMedium), "")
	b := add(t, q, NewItem("task b", "", PriorityMedium), "")
	c := add(t, q, NewItem("task c", "", PriorityMedium), "")

	if err := q.AddDependency(ctx, b, a); err != nil {
		t.Fatalf("b->a failed: %v", err)
	}
	if err := q.AddDependency(ctx, c, b); err != nil {
		t.Fatalf("c->b failed: %v", err)
	}
	if err := q.AddDependency(ctx, a, c); !errors.Is(err, ErrCycle) {
		t.Fatalf("a->c closes a cycle, expected ErrCycle, got %v", err)
	}
}

func TestExecutionOrder_RespectsDependenciesAndPriority(t *testing.T) {
	q := NewQueue(nil)
	base := add(t, q, NewItem("collect evidence", "", PriorityLow), "")
	high := add(t, q, NewItem("urgent interview", "", PriorityCritical), "")
	dependent := add(t, q, NewItem("compare samples", "", PriorityHigh), base)

	order := q.ExecutionOrder()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 items in order, got %d", len(order))
	}
	if pos[base] > pos[dependent] {
		t.Errorf("dependency must precede dependent in execution order")
	}
	if pos[high] != 0 {
		t.Errorf("unblocked critical item should lead the order, got position %d", pos[high])
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	id := add(t, q, NewItem("fragile lookup", "", PriorityMedium), "")

	q.Start(ctx, id)
	q.MarkFailed(ctx, id, "upstream timeout")

	got, _ := q.Get(id)
	if got.Status != StatusFailed || got.ErrMessage != "upstream timeout" || got.RetryCount != 1 {
		t.Fatalf("unexpected failed state: %+v", got)
	}

	if !q.Retry(ctx, id) {
		t.Fatalf("Retry should succeed with budget left")
	}
	got, _ = q.Get(id)
	if got.Status != StatusPending || got.ErrMessage != "" || got.StartedAt != nil {
		t.Errorf("retry should reset the item, got %+v", got)
	}

	// Exhaust the budget; the item is never retried again.
	for i := 0; i < DefaultMaxRetries; i++ {
		q.Start(ctx, id)
		q.MarkFailed(ctx, id, "still failing")
		q.Retry(ctx, id)
	}
	got, _ = q.Get(id)
	if got.Status != StatusFailed {
		t.Errorf("expected item to stay failed after exhausting retries, got %s", got.Status)
	}
	if q.Retry(ctx, id) {
		t.Errorf("Retry should refuse an exhausted item")
	}
}

func TestMarkCompleted_ClearsFailedRecord(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	id := add(t, q, NewItem("flaky task", "", PriorityMedium), "")

	q.Start(ctx, id)
	q.MarkFailed(ctx, id, "boom")
	q.Retry(ctx, id)
	q.Start(ctx, id)
	q.MarkCompleted(ctx, id, "recovered")

	snap := q.Snapshot()
	if len(snap.FailedIDs) != 0 {
		t.Errorf("completed item should leave the failed list, got %v", snap.FailedIDs)
	}
	if len(snap.CompletedIDs) != 1 {
		t.Errorf("expected one completed record, got %v", snap.CompletedIDs)
	}
}

func TestMerge_DeduplicatesByDescription(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	existing := NewItem("Trace the fabric sample", "initial instructions", PriorityLow)
	add(t, q, existing, "")

	duplicate := NewItem("trace the FABRIC sample", "sharper instructions", PriorityHigh)
	fresh := NewItem("interview the locksmith", "", PriorityMedium)
	added := q.Merge(ctx, []*Item{duplicate, fresh})

	if len(added) != 1 || added[0] != fresh.ID {
		t.Fatalf("expected only the new item to be added, got %v", added)
	}
	got, _ := q.Get(existing.ID)
	if got.Priority != PriorityHigh {
		t.Errorf("duplicate should raise priority, got %s", got.Priority)
	}
	if got.Instructions != "sharper instructions" {
		t.Errorf("duplicate should refresh instructions, got %q", got.Instructions)
	}
	if q.Count() != 2 {
		t.Errorf("expected 2 items after merge, got %d", q.Count())
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	a := add(t, q, NewItem("done task", "", PriorityMedium), "")
	b := add(t, q, NewItem("failed task", "", PriorityMedium), "")
	add(t, q, NewItem("waiting task", "", PriorityMedium), "")

	q.Start(ctx, a)
	q.MarkCompleted(ctx, a, "ok")
	q.Start(ctx, b)
	q.MarkFailed(ctx, b, "nope")

	stats := q.Statistics()
	if stats.Total != 3 || stats.Completed != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.CompletionRate < 0.33 || stats.CompletionRate > 0.34 {
		t.Errorf("expected completion rate ~1/3, got %f", stats.CompletionRate)
	}
	if stats.Eligible != 1 {
		t.Errorf("expected 1 eligible item, got %d", stats.Eligible)
	}
}

func TestRecentCompleted(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	var ids []string
	for _, desc := range []string{"first", "second", "third"} {
		id := add(t, q, NewItem(desc, "", PriorityMedium), "")
		ids = append(ids, id)
		q.Start(ctx, id)
		q.MarkCompleted(ctx, id, "ok")
		time.Sleep(2 * time.Millisecond)
	}

	recent := q.RecentCompleted(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent items, got %d", len(recent))
	}
	if recent[0].ID != ids[2] || recent[1].ID != ids[1] {
		t.Errorf("expected newest completion first")
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(nil)
	a := add(t, q, NewItem("task a", "", PriorityHigh), "")
	add(t, q, NewItem("task b", "", PriorityLow), a)
	q.Start(ctx, a)
	q.MarkCompleted(ctx, a, "ok")

	snap := q.Snapshot()

	fresh := NewQueue(nil)
	fresh.Restore(snap)

	if got, want := fresh.Statistics(), q.Statistics(); got != want {
		t.Errorf("restored statistics differ: %+v vs %+v", got, want)
	}
	if len(fresh.ExecutionOrder()) != 2 {
		t.Errorf("restored queue should recompute execution order")
	}
}
