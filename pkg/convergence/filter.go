package convergence

import (
	"strings"

	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// genericPhrases mark proposed work as too vague to schedule unless it names
// a specific existing node.
var genericPhrases = []string{
	"general analysis",
	"overall",
	"broad",
	"comprehensive review",
	"complete analysis",
	"gather more information",
	"investigate further",
	"look into",
	"explore options",
}

// FilterProposed rejects proposed work that duplicates recent completions or
// reads as generic, then caps the survivors at the per-round limit with
// evidence-focused items moved to the front.
func (c *Controller) FilterProposed(proposed []*taskqueue.Item) []*taskqueue.Item {
	recent := c.queue.RecentCompleted(c.cfg.RepetitionWindow)
	recentEntries := make([]recentEntry, 0, len(recent))
	for _, it := range recent {
		recentEntries = append(recentEntries, recentEntry{
			theme:  themeOf(it.Description),
			tokens: wordSet(it.Description),
		})
	}

	var accepted []*taskqueue.Item
	for _, item := range proposed {
		if item == nil || strings.TrimSpace(item.Description) == "" {
			continue
		}

		if tooSimilar(themeOf(item.Description), wordSet(item.Description), recentEntries, c.cfg.SimilarityLimit) {
			continue
		}
		if isGeneric(item.Description) && !c.tree.ReferencesNode(item.Description) {
			continue
		}
		accepted = append(accepted, item)
	}

	// Concrete evidence work goes first so it survives the cap.
	ordered := make([]*taskqueue.Item, 0, len(accepted))
	var rest []*taskqueue.Item
	for _, item := range accepted {
		if memtree.Classify(item.Description) == memtree.CategoryEvidence {
			ordered = append(ordered, item)
		} else {
			rest = append(rest, item)
		}
	}
	ordered = append(ordered, rest...)

	if len(ordered) > c.cfg.PerRoundLimit {
		ordered = ordered[:c.cfg.PerRoundLimit]
	}
	return ordered
}

type recentEntry struct {
	theme  string
	tokens map[string]struct{}
}

// tooSimilar checks the token-overlap (Jaccard) ratio against recent
// descriptions on the same theme. Shared vocabulary across themes is not
// repetition; only same-theme overlap rejects a proposal.
func tooSimilar(theme string, tokens map[string]struct{}, recent []recentEntry, limit float64) bool {
	for _, r := range recent {
		if r.theme != theme {
			continue
		}
		if jaccard(tokens, r.tokens) > limit {
			return true
		}
	}
	return false
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func isGeneric(description string) bool {
	desc := strings.ToLower(description)
	for _, phrase := range genericPhrases {
		if strings.Contains(desc, phrase) {
			return true
		}
	}
	return false
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}
