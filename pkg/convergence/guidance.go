// Package convergence decides when an investigation run should stop
// generating work. The controller consumes queue and tree statistics plus an
// external guidance signal and applies an ordered first-match policy; the
// terminal path emits exactly one conclusion artifact per run.
package convergence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Recommendation is the strategic advice carried by a guidance signal.
type Recommendation int

const (
	RecommendContinue Recommendation = iota
	RecommendFocus
	RecommendConclude
)

var recommendationNames = map[Recommendation]string{
	RecommendContinue: "continue",
	RecommendFocus:    "focus",
	RecommendConclude: "conclude",
}

var recommendationValues = map[string]Recommendation{
	"continue": RecommendContinue,
	"focus":    RecommendFocus,
	"conclude": RecommendConclude,
}

func (r Recommendation) String() string {
	if name, ok := recommendationNames[r]; ok {
		return name
	}
	return "continue"
}

// ParseRecommendation maps a name to its Recommendation, defaulting to
// continue for unknown input.
func ParseRecommendation(name string) Recommendation {
	if r, ok := recommendationValues[name]; ok {
		return r
	}
	return RecommendContinue
}

func (r Recommendation) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("failed to unmarshal recommendation: %w", err)
	}
	*r = ParseRecommendation(name)
	return nil
}

// Guidance is the advisory signal supplied by the external synthesis
// collaborator after each completed unit of work.
type Guidance struct {
	// Confidence is the collaborator's belief in the current hypothesis,
	// in [0, 1].
	Confidence float64 `json:"confidence"`

	// Recommendation is the strategic advice: continue, focus, or conclude.
	Recommendation Recommendation `json:"recommendation"`

	// Focus optionally names the area new work should narrow to.
	Focus string `json:"focus,omitempty"`

	// Patterns lists notable patterns the collaborator observed.
	Patterns []string `json:"patterns,omitempty"`

	// Reasoning is the collaborator's free-text rationale.
	Reasoning string `json:"reasoning,omitempty"`
}

// Action is the controller's verdict for one evaluation.
type Action int

const (
	ActionContinue Action = iota
	ActionFocus
	ActionConclude
)

var actionNames = map[Action]string{
	ActionContinue: "continue",
	ActionFocus:    "focus",
	ActionConclude: "conclude",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "continue"
}

// Decision is the outcome of one convergence evaluation.
type Decision struct {
	Action Action
	// Reason explains a conclude decision ("limit reached", "repetition
	// detected", "confidence reached", "sufficient evidence") or why the
	// run keeps going.
	Reason string
	// Focus carries the narrowing hint when Action is ActionFocus.
	Focus string
}

// Config holds the convergence thresholds. The numeric values are tuning
// knobs, not correctness requirements; the ordered policy is the contract.
type Config struct {
	// MaxWork is the completed+failed item count that forces conclusion.
	MaxWork int

	// RepetitionWindow is how many recent completed items the repetition
	// detector inspects.
	RepetitionWindow int

	// RepetitionShare is the dominant-theme count within the window that
	// signals an unproductive loop.
	RepetitionShare int

	// ConcludeConfidence is the guidance confidence that alone forces
	// conclusion.
	ConcludeConfidence float64

	// FocusWorkFloor and FocusConfidence gate the "sufficient evidence"
	// rule: at least this much work done and this much confidence while
	// the recommendation is focus.
	FocusWorkFloor  int
	FocusConfidence float64

	// SimilarityLimit is the token-overlap ratio above which a proposed
	// item is rejected as a near-duplicate of recent work.
	SimilarityLimit float64

	// PerRoundLimit caps how many proposed items survive one filter pass.
	PerRoundLimit int

	// EvalInterval is the background evaluator's polling interval.
	EvalInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWork == 0 {
		c.MaxWork = 8
	}
	if c.RepetitionWindow == 0 {
		c.RepetitionWindow = 6
	}
	if c.RepetitionShare == 0 {
		c.RepetitionShare = 4
	}
	if c.ConcludeConfidence == 0 {
		c.ConcludeConfidence = 0.8
	}
	if c.FocusWorkFloor == 0 {
		c.FocusWorkFloor = 6
	}
	if c.FocusConfidence == 0 {
		c.FocusConfidence = 0.65
	}
	if c.SimilarityLimit == 0 {
		c.SimilarityLimit = 0.3
	}
	if c.PerRoundLimit == 0 {
		c.PerRoundLimit = 2
	}
	if c.EvalInterval == 0 {
		c.EvalInterval = 30 * time.Second
	}
	return c
}
