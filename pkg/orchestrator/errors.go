package orchestrator

import (
	"context"
	"errors"
	"strings"
)

// Error type constants for classification
const (
	ErrTypeExecutor   = "executor"
	ErrTypeGuidance   = "guidance"
	ErrTypeTimeout    = "timeout"
	ErrTypeDatabase   = "database"
	ErrTypeValidation = "validation"
	ErrTypeUnknown    = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	errStrLower := strings.ToLower(err.Error())

	// Check for timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	// Check for executor collaborator errors
	if strings.Contains(errStrLower, "executor") ||
		strings.Contains(errStrLower, "execute") ||
		strings.Contains(errStrLower, "rate limit") ||
		strings.Contains(errStrLower, "api error") {
		return ErrTypeExecutor
	}

	// Check for planner/guidance collaborator errors
	if strings.Contains(errStrLower, "guidance") ||
		strings.Contains(errStrLower, "planner") ||
		strings.Contains(errStrLower, "plan") ||
		strings.Contains(errStrLower, "invalid response") {
		return ErrTypeGuidance
	}

	// Check for database errors (SQLite specific)
	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") {
		return ErrTypeDatabase
	}

	// Check for validation errors
	if strings.Contains(errStrLower, "validation") ||
		strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "cannot be empty") ||
		strings.Contains(errStrLower, "must be") {
		return ErrTypeValidation
	}

	// Default to unknown
	return ErrTypeUnknown
}
