package inquest

import "github.com/inquest-ai/inquest/pkg/orchestrator"

// Error type constants re-exported from orchestrator package
const (
	ErrTypeExecutor   = orchestrator.ErrTypeExecutor
	ErrTypeGuidance   = orchestrator.ErrTypeGuidance
	ErrTypeTimeout    = orchestrator.ErrTypeTimeout
	ErrTypeDatabase   = orchestrator.ErrTypeDatabase
	ErrTypeValidation = orchestrator.ErrTypeValidation
	ErrTypeUnknown    = orchestrator.ErrTypeUnknown
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	return orchestrator.ClassifyError(err)
}
