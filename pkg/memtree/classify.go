package memtree

import "strings"

// Category is the coarse content classification used by the placement
// heuristic to match a new finding against candidate parents.
type Category int

// Content categories.
const (
	CategoryGeneral Category = iota
	CategoryEvidence
	CategorySubject
	CategoryChronology
	CategoryAnalysis
)

var categoryNames = map[Category]string{
	CategoryGeneral:    "general",
	CategoryEvidence:   "evidence",
	CategorySubject:    "subject",
	CategoryChronology: "chronology",
	CategoryAnalysis:   "analysis",
}

// String returns the category name.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "general"
}

// Keyword tables backing Classify. Checked in order; first category with a
// keyword hit wins, so evidentiary vocabulary outranks analytical vocabulary
// when both appear.
var (
	evidenceKeywords   = []string{"evidence", "forensic", "fingerprint", "weapon", "fabric", "sample", "trace", "artifact", "exhibit"}
	subjectKeywords    = []string{"suspect", "subject", "witness", "motive", "person", "actor", "alibi"}
	chronologyKeywords = []string{"timeline", "chronology", "sequence", "appointment", "schedule", "time", "date"}
	analysisKeywords   = []string{"analysis", "synthesis", "conclusion", "correlation", "assessment", "hypothesis"}
)

// Classify assigns a coarse category to free text by keyword presence.
// Pure function of its input; unit-testable in isolation from the tree.
func Classify(text string) Category {
	lower := strings.ToLower(text)

	for _, kw := range evidenceKeywords {
		if strings.Contains(lower, kw) {
			return CategoryEvidence
		}
	}
	for _, kw := range subjectKeywords {
		if strings.Contains(lower, kw) {
			return CategorySubject
		}
	}
	for _, kw := range chronologyKeywords {
		if strings.Contains(lower, kw) {
			return CategoryChronology
		}
	}
	for _, kw := range analysisKeywords {
		if strings.Contains(lower, kw) {
			return CategoryAnalysis
		}
	}

	return CategoryGeneral
}

// significantTokens splits text into lowercase tokens longer than three
// characters. Short tokens carry too little signal for overlap scoring.
func significantTokens(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if len(tok) > 3 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}
