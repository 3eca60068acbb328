package trace

import (
	"context"
	"time"
)

// Exporter defines the interface for exporting orchestration traces.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	// Returns error if export fails.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	// Should be called during graceful shutdown.
	Close() error
}

// TraceRecord represents a sanitized orchestration trace ready for export.
// This structure contains NO sensitive data (no executor payloads, API keys,
// finding bodies).
type TraceRecord struct {
	// Timestamp is the round start time
	Timestamp time.Time `json:"timestamp"`

	// RoundID uniquely identifies this orchestration round (for correlation)
	RoundID string `json:"roundId"`

	// Operation is the operation type: "round", "place", "evaluate"
	Operation string `json:"operation"`

	// DurationMs is the total operation duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// Status is "success" or "error"
	Status string `json:"status"`

	// Spans contains per-stage timing and status
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the error (if Status == "error")
	// Values: executor, guidance, timeout, database, validation, unknown
	ErrorType string `json:"errorType,omitempty"`

	// Signal is the convergence decision reached this round, if any
	Signal string `json:"signal,omitempty"`

	// IDs contains operation-specific identifiers (no content)
	IDs map[string]interface{} `json:"ids,omitempty"`
}

// SpanRecord represents a single stage within an orchestration round.
type SpanRecord struct {
	// Name is the stage name (next, execute, place, plan, evaluate)
	Name string `json:"name"`

	// DurationMs is the stage duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// OK indicates success (true) or failure (false)
	OK bool `json:"ok"`

	// ErrorType classifies the error (if OK == false)
	ErrorType string `json:"errorType,omitempty"`

	// Counters provides stage-specific metrics (e.g., findingsPlaced, itemsMerged)
	Counters map[string]int64 `json:"counters,omitempty"`
}

// FileExporterOption configures a FileExporter.
// This type is available in both tracing and non-tracing builds to maintain API compatibility.
type FileExporterOption func(interface{})
