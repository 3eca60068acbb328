package memtree

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persister receives the full tree state after every mutation.
// Implementations must write the snapshot wholesale (write-through, no
// partial-update format).
type Persister interface {
	SaveTree(ctx context.Context, snap *Snapshot) error
}

// Tree is the hierarchical knowledge store. Nodes live in a flat map keyed
// by ID with parent/children stored as IDs, so every traversal is iterative
// and bounded. Safe for concurrent use; the orchestration loop is the only
// writer, while the background convergence evaluator reads statistics.
type Tree struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	rootID  string
	persist Persister
}

// NewTree creates an empty tree. persist may be nil for a purely in-memory
// tree (tests, dry runs).
func NewTree(persist Persister) *Tree {
	return &Tree{
		nodes:   make(map[string]*Node),
		persist: persist,
	}
}

// Place inserts a new finding and returns the new node's ID.
//
// Parent resolution, in order: empty store makes the node root regardless of
// the requested parent; exact ID match; 8-character prefix match; fuzzy title
// containment; the placement heuristic. Placement never fails on an unknown
// requested parent, it degrades through the chain.
func (t *Tree) Place(ctx context.Context, f Finding) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := &Node{
		ID:        uuid.New().String(),
		Title:     f.Title,
		Body:      f.Body,
		Status:    f.Status,
		CreatedAt: time.Now(),
	}

	if len(t.nodes) == 0 {
		t.rootID = node.ID
		t.nodes[node.ID] = node
		return node.ID, t.persistLocked(ctx)
	}

	parentID := t.resolveParentLocked(f)
	node.ParentID = parentID
	t.nodes[node.ID] = node
	if parent, ok := t.nodes[parentID]; ok {
		parent.ChildIDs = append(parent.ChildIDs, node.ID)
	}

	return node.ID, t.persistLocked(ctx)
}

// resolveParentLocked walks the fallback chain for a non-empty tree.
// Always returns a live node ID.
func (t *Tree) resolveParentLocked(f Finding) string {
	requested := f.RequestedParentID

	if requested != "" {
		if _, ok := t.nodes[requested]; ok {
			return requested
		}

		if len(requested) >= 8 {
			prefix := requested[:8]
			var matches []*Node
			for id, n := range t.nodes {
				if strings.HasPrefix(id, prefix) {
					matches = append(matches, n)
				}
			}
			if len(matches) > 0 {
				return oldestNode(matches).ID
			}
		}

		lower := strings.ToLower(requested)
		var matches []*Node
		for _, n := range t.nodes {
			title := strings.ToLower(n.Title)
			if strings.Contains(title, lower) || strings.Contains(lower, title) {
				matches = append(matches, n)
			}
		}
		if len(matches) > 0 {
			return oldestNode(matches).ID
		}
	}

	return t.bestParentLocked(f)
}

// Update applies a partial update to a node. Returns false if the ID is
// unknown; the tree is left untouched in that case.
func (t *Tree) Update(ctx context.Context, id string, fields UpdateFields) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return false
	}

	if fields.Title != nil {
		node.Title = *fields.Title
	}
	if fields.Body != nil {
		node.Body = *fields.Body
	}
	if fields.Status != nil {
		node.Status = *fields.Status
	}
	if fields.Result != nil {
		node.Result = *fields.Result
	}

	if err := t.persistLocked(ctx); err != nil {
		log.Printf("inquest: tree persist after update failed: %v", err)
	}
	return true
}

// Remove deletes a node and its entire subtree, fixing up the parent's child
// list and clearing the root pointer if the root itself is removed. Children
// are removed before the node, so no orphan is ever left behind. Returns
// false if the ID is unknown.
func (t *Tree) Remove(ctx context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return false
	}

	// Iterative subtree collection with a visited set; a corrupted child
	// list cannot send this into unbounded recursion.
	doomed := []string{}
	visited := map[string]struct{}{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		doomed = append(doomed, cur)
		if n, ok := t.nodes[cur]; ok {
			stack = append(stack, n.ChildIDs...)
		}
	}

	if parent, ok := t.nodes[node.ParentID]; ok {
		parent.ChildIDs = removeID(parent.ChildIDs, id)
	}
	for _, did := range doomed {
		delete(t.nodes, did)
	}
	if t.rootID == id {
		t.rootID = ""
	}

	if err := t.persistLocked(ctx); err != nil {
		log.Printf("inquest: tree persist after remove failed: %v", err)
	}
	return true
}

// Get returns a copy of the node with the given ID.
func (t *Tree) Get(id string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return copyNode(node), true
}

// RootID returns the current root node ID, or "" for an empty tree.
func (t *Tree) RootID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// Count returns the total number of nodes held, connected or not.
func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Children returns copies of a node's live children in discovery order.
func (t *Tree) Children(id string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.childrenLocked(id)
}

func (t *Tree) childrenLocked(id string) []*Node {
	node, ok := t.nodes[id]
	if !ok {
		return nil
	}
	var children []*Node
	for _, cid := range node.ChildIDs {
		if child, ok := t.nodes[cid]; ok {
			children = append(children, copyNode(child))
		}
	}
	return children
}

// Siblings returns copies of all nodes sharing the node's parent. The root
// has no siblings.
func (t *Tree) Siblings(id string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[id]
	if !ok || node.ParentID == "" {
		return nil
	}
	parent, ok := t.nodes[node.ParentID]
	if !ok {
		return nil
	}
	var siblings []*Node
	for _, cid := range parent.ChildIDs {
		if cid == id {
			continue
		}
		if sib, ok := t.nodes[cid]; ok {
			siblings = append(siblings, copyNode(sib))
		}
	}
	return siblings
}

// PathToRoot returns copies of the nodes from the given node up to the root,
// starting with the node itself. A visited set guards against a corrupted
// parent chain.
func (t *Tree) PathToRoot(id string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var path []*Node
	visited := map[string]struct{}{}
	cur := id
	for cur != "" {
		if _, seen := visited[cur]; seen {
			break
		}
		visited[cur] = struct{}{}
		node, ok := t.nodes[cur]
		if !ok {
			break
		}
		path = append(path, copyNode(node))
		cur = node.ParentID
	}
	return path
}

// Leaves returns copies of all nodes with no children.
func (t *Tree) Leaves() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var leaves []*Node
	for _, n := range t.nodes {
		if len(n.ChildIDs) == 0 {
			leaves = append(leaves, copyNode(n))
		}
	}
	sortByAge(leaves)
	return leaves
}

// Depth returns the number of edges between a node and the root. Unknown IDs
// and the root itself report 0.
func (t *Tree) Depth(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.depthLocked(id)
}

func (t *Tree) depthLocked(id string) int {
	depth := 0
	visited := map[string]struct{}{}
	cur := id
	for {
		node, ok := t.nodes[cur]
		if !ok || node.ParentID == "" {
			return depth
		}
		if _, seen := visited[cur]; seen {
			return depth
		}
		visited[cur] = struct{}{}
		cur = node.ParentID
		depth++
	}
}

// Statistics computes tree statistics over the root-reachable subgraph only.
// Detached nodes are excluded as a defensive policy against heuristic
// placement errors.
func (t *Tree) Statistics() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{ByStatus: make(map[string]int)}

	connected := t.connectedLocked()
	if len(connected) == 0 {
		return stats
	}

	stats.Count = len(connected)
	if root, ok := t.nodes[t.rootID]; ok {
		for _, cid := range root.ChildIDs {
			if _, live := t.nodes[cid]; live {
				stats.RootChildren++
			}
		}
	}

	totalChildren := 0
	for _, n := range connected {
		stats.ByStatus[n.Status.String()]++

		liveChildren := 0
		for _, cid := range n.ChildIDs {
			if _, live := t.nodes[cid]; live {
				liveChildren++
			}
		}
		totalChildren += liveChildren
		if liveChildren == 0 {
			stats.LeafCount++
		}

		if d := t.depthLocked(n.ID) + 1; d > stats.MaxDepth {
			stats.MaxDepth = d
		}
	}
	stats.AvgChildren = float64(totalChildren) / float64(len(connected))

	return stats
}

// connectedLocked returns all nodes reachable from the root via live child
// links, using an iterative BFS with a visited set.
func (t *Tree) connectedLocked() []*Node {
	if t.rootID == "" {
		return nil
	}
	root, ok := t.nodes[t.rootID]
	if !ok {
		return nil
	}

	var connected []*Node
	visited := map[string]struct{}{}
	queue := []*Node{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur.ID]; seen {
			continue
		}
		visited[cur.ID] = struct{}{}
		connected = append(connected, cur)
		for _, cid := range cur.ChildIDs {
			if child, ok := t.nodes[cid]; ok {
				queue = append(queue, child)
			}
		}
	}
	return connected
}

// RecentNodes returns copies of the most recently created nodes, newest
// first. Ties on creation time resolve by ID for a stable order.
func (t *Tree) RecentNodes(limit int) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		all = append(all, copyNode(n))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// FindByKeyword returns copies of all nodes whose title or body contains the
// keyword, case-insensitively.
func (t *Tree) FindByKeyword(keyword string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lower := strings.ToLower(keyword)
	var matches []*Node
	for _, n := range t.nodes {
		if strings.Contains(strings.ToLower(n.Title), lower) ||
			strings.Contains(strings.ToLower(n.Body), lower) {
			matches = append(matches, copyNode(n))
		}
	}
	sortByAge(matches)
	return matches
}

// HasMatchingTitle reports whether any node's title satisfies the predicate.
// Used by the convergence controller's defensive terminal-artifact scan.
func (t *Tree) HasMatchingTitle(pred func(title string) bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, n := range t.nodes {
		if pred(n.Title) {
			return true
		}
	}
	return false
}

// Render produces an indented text view of the tree for collaborator
// context, truncated to maxDepth levels below the root. Status markers:
// [ ] pending, [~] in progress, [x] completed, [!] failed.
func (t *Tree) Render(maxDepth int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.rootID == "" {
		return "empty tree"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memory tree (%d nodes)\n", len(t.nodes))

	type frame struct {
		id    string
		depth int
	}
	visited := map[string]struct{}{}
	stack := []frame{{t.rootID, 0}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cur.id]; seen {
			continue
		}
		visited[cur.id] = struct{}{}

		node, ok := t.nodes[cur.id]
		if !ok || (maxDepth > 0 && cur.depth > maxDepth) {
			continue
		}

		fmt.Fprintf(&b, "%s%s[%s] %s (%s)\n",
			strings.Repeat("  ", cur.depth), statusMarker(node.Status), node.ID[:8], node.Title, node.Status)

		// Push children in reverse so discovery order renders first.
		for i := len(node.ChildIDs) - 1; i >= 0; i-- {
			stack = append(stack, frame{node.ChildIDs[i], cur.depth + 1})
		}
	}
	return b.String()
}

func statusMarker(s Status) string {
	switch s {
	case StatusInProgress:
		return "[~]"
	case StatusCompleted:
		return "[x]"
	case StatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

// Snapshot returns a deep copy of the full tree state.
func (t *Tree) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tree) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		RootID: t.rootID,
		Nodes:  make(map[string]*Node, len(t.nodes)),
	}
	for id, n := range t.nodes {
		snap.Nodes[id] = copyNode(n)
	}
	return snap
}

// Restore replaces the tree state with a snapshot. Used on session load;
// does not write back to the persister.
func (t *Tree) Restore(snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rootID = snap.RootID
	t.nodes = make(map[string]*Node, len(snap.Nodes))
	for id, n := range snap.Nodes {
		t.nodes[id] = copyNode(n)
	}
}

// persistLocked flushes the full tree state through the persister.
// Must be called with the write lock held.
func (t *Tree) persistLocked(ctx context.Context) error {
	if t.persist == nil {
		return nil
	}
	if err := t.persist.SaveTree(ctx, t.snapshotLocked()); err != nil {
		return fmt.Errorf("failed to persist tree: %w", err)
	}
	return nil
}

func copyNode(n *Node) *Node {
	c := *n
	c.ChildIDs = append([]string(nil), n.ChildIDs...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
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

// oldestNode picks the earliest-created node, breaking ties by ID, so
// resolution is deterministic for identical inputs.
func oldestNode(nodes []*Node) *Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.CreatedAt.Before(best.CreatedAt) ||
			(n.CreatedAt.Equal(best.CreatedAt) && n.ID < best.ID) {
			best = n
		}
	}
	return best
}

func sortByAge(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
