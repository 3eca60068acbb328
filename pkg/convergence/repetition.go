package convergence

import (
	"strings"

	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// themeBuckets is a small fixed keyword classifier for completed-work
// descriptions. First matching bucket wins. This is a loop heuristic, not
// semantic similarity.
var themeBuckets = []struct {
	theme    string
	keywords []string
}{
	{"fingerprint", []string{"fingerprint", "afis", "print match"}},
	{"alibi", []string{"alibi", "verify", "corroborate"}},
	{"forensic", []string{"fabric", "fiber", "forensic", "sample", "residue"}},
	{"interview", []string{"interview", "witness", "statement", "testimony"}},
	{"timeline", []string{"timeline", "chronology", "sequence of events"}},
	{"document", []string{"document", "record", "report", "ledger"}},
}

// themeOf buckets a work description, or returns "" when nothing matches.
func themeOf(description string) string {
	desc := strings.ToLower(description)
	for _, bucket := range themeBuckets {
		for _, kw := range bucket.keywords {
			if strings.Contains(desc, kw) {
				return bucket.theme
			}
		}
	}
	return ""
}

// DetectRepetition reports the dominant theme among recent completed items
// when it reaches the configured share of the window. Fewer items than the
// window never trigger.
func (c *Controller) DetectRepetition(recent []*taskqueue.Item) (string, bool) {
	if len(recent) < c.cfg.RepetitionWindow {
		return "", false
	}

	counts := make(map[string]int)
	for _, it := range recent {
		if theme := themeOf(it.Description); theme != "" {
			counts[theme]++
		}
	}

	dominant, best := "", 0
	for theme, n := range counts {
		if n > best || (n == best && theme < dominant) {
			dominant, best = theme, n
		}
	}

	if best >= c.cfg.RepetitionShare {
		return dominant, true
	}
	return "", false
}
