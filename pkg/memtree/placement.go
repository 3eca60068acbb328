package memtree

import "strings"

// Placement scoring weights. Tuned empirically in the original deployment;
// the policy shape (category match, token overlap, depth preference, child
// balancing, acceptance threshold) is the contract, not the exact values.
const (
	categoryMatchBonus = 5 // candidate and finding share a concrete category
	analysisMatchBonus = 4 // both classify as analytical
	tokenOverlapWeight = 2 // per shared significant token
	deepBonus          = 10
	midBonus           = 5
	shallowPenalty     = 5 // applied to root's direct children
	leafBonus          = 3
	crowdedPenalty     = 2
	crowdedChildCount  = 3
	acceptThreshold    = 3
)

// bestParentLocked selects a parent for a new finding when no requested ID
// resolved. Greedy single pass over all candidates, deterministic for
// identical tree state and finding text: candidates are compared with
// strictly-greater scores and ties resolve to the earliest-created node.
//
// If no candidate clears the acceptance threshold the finding attaches to
// the deepest existing non-root node rather than the root; the root is used
// only when it has no descendants at all.
func (t *Tree) bestParentLocked(f Finding) string {
	text := f.Title + " " + f.Body
	cat := Classify(text)
	tokens := significantTokens(text)

	var best *Node
	bestScore := 0
	bestDepth := -1
	for _, cand := range t.sortedCandidatesLocked() {
		score := t.scoreCandidateLocked(cand, cat, tokens)
		depth := t.depthLocked(cand.ID)
		// Equal scores resolve to the deeper candidate; candidates are
		// iterated oldest first, so remaining ties go to the earliest node.
		if score > bestScore || (score == bestScore && best != nil && depth > bestDepth) {
			bestScore = score
			bestDepth = depth
			best = cand
		}
	}

	if best != nil && bestScore >= acceptThreshold {
		return best.ID
	}

	if deepest := t.deepestNonRootLocked(); deepest != nil {
		return deepest.ID
	}
	return t.rootID
}

// scoreCandidateLocked scores one candidate parent against the finding's
// category and token set.
func (t *Tree) scoreCandidateLocked(cand *Node, cat Category, tokens map[string]struct{}) int {
	candText := cand.Title + " " + cand.Body
	score := 0

	// Category affinity. Analytical matches score slightly lower: analysis
	// nodes accumulate children from many directions and should not win on
	// category alone.
	candCat := Classify(candText)
	if cat != CategoryGeneral && candCat == cat {
		if cat == CategoryAnalysis {
			score += analysisMatchBonus
		} else {
			score += categoryMatchBonus
		}
	}

	// Shared significant tokens between finding text and candidate text.
	candTokens := significantTokens(candText)
	for tok := range tokens {
		if _, ok := candTokens[tok]; ok {
			score += tokenOverlapWeight
		}
	}

	// Depth preference: deepening existing branches beats widening the
	// root. Root's direct children are actively penalized.
	switch depth := t.depthLocked(cand.ID); {
	case depth >= 3:
		score += deepBonus
	case depth == 2:
		score += midBonus
	default:
		score -= shallowPenalty
	}

	// Child balancing: extend leaves, avoid piling onto crowded nodes.
	liveChildren := 0
	for _, cid := range cand.ChildIDs {
		if _, ok := t.nodes[cid]; ok {
			liveChildren++
		}
	}
	if liveChildren == 0 {
		score += leafBonus
	} else if liveChildren >= crowdedChildCount {
		score -= crowdedPenalty
	}

	return score
}

// sortedCandidatesLocked returns all placement candidates (every node except
// the root) ordered oldest first so the scoring loop is deterministic.
func (t *Tree) sortedCandidatesLocked() []*Node {
	candidates := make([]*Node, 0, len(t.nodes))
	for id, n := range t.nodes {
		if id == t.rootID {
			continue
		}
		candidates = append(candidates, n)
	}
	sortByAge(candidates)
	return candidates
}

// deepestNonRootLocked returns the deepest node other than the root, or nil
// when the root is the only node. Ties resolve to the earliest-created node.
func (t *Tree) deepestNonRootLocked() *Node {
	var deepest *Node
	maxDepth := -1
	for _, cand := range t.sortedCandidatesLocked() {
		if d := t.depthLocked(cand.ID); d > maxDepth {
			maxDepth = d
			deepest = cand
		}
	}
	return deepest
}

// ReferencesNode reports whether free text mentions an existing node, either
// by an 8+ character ID prefix or by a case-insensitive title mention. The
// convergence work filter uses this to distinguish targeted follow-ups from
// generic proposals.
func (t *Tree) ReferencesNode(text string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lower := strings.ToLower(text)
	for id, n := range t.nodes {
		if len(id) >= 8 && strings.Contains(lower, strings.ToLower(id[:8])) {
			return true
		}
		title := strings.ToLower(strings.TrimSpace(n.Title))
		if title != "" && strings.Contains(lower, title) {
			return true
		}
	}
	return false
}
