// Package taskqueue provides the dependency-aware work scheduler: pending
// work items ordered by priority subject to an acyclic dependency graph.
package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is how many times a failed item may be reset to pending.
const DefaultMaxRetries = 3

// Priority orders work items. Higher values are scheduled first.
type Priority int

// Priority levels.
const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

var priorityValues = map[string]Priority{
	"low":      PriorityLow,
	"medium":   PriorityMedium,
	"high":     PriorityHigh,
	"critical": PriorityCritical,
}

// String returns the serialized name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "medium"
}

// ParsePriority converts a serialized priority name back to a Priority.
// Unknown names map to PriorityMedium.
func ParsePriority(name string) Priority {
	if p, ok := priorityValues[name]; ok {
		return p
	}
	return PriorityMedium
}

// MarshalJSON serializes the priority as its string name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON deserializes a priority from its string name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("failed to unmarshal priority: %w", err)
	}
	*p = ParsePriority(name)
	return nil
}

// Status is the lifecycle state of a work item.
type Status int

// Work item lifecycle states.
const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusInProgress: "in_progress",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
}

var statusValues = map[string]Status{
	"pending":     StatusPending,
	"in_progress": StatusInProgress,
	"completed":   StatusCompleted,
	"failed":      StatusFailed,
}

// String returns the serialized name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "pending"
}

// ParseStatus converts a serialized status name back to a Status.
func ParseStatus(name string) Status {
	if s, ok := statusValues[name]; ok {
		return s
	}
	return StatusPending
}

// MarshalJSON serializes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes a status from its string name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("failed to unmarshal status: %w", err)
	}
	*s = ParseStatus(name)
	return nil
}

// Item is a single unit of pending or executed work. Dependencies hold IDs
// of items that must reach StatusCompleted before this item is eligible.
type Item struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Instructions string     `json:"instructions"`
	Priority     Priority   `json:"priority"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrMessage   string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewItem creates a pending work item with a fresh ID and default retry
// budget.
func NewItem(description, instructions string, priority Priority) *Item {
	return &Item{
		ID:           uuid.New().String(),
		Description:  description,
		Instructions: instructions,
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
		MaxRetries:   DefaultMaxRetries,
	}
}

// CanRetry reports whether the item is failed with retry budget remaining.
func (it *Item) CanRetry() bool {
	return it.Status == StatusFailed && it.RetryCount < it.MaxRetries
}

// DurationMinutes returns the wall-clock minutes between start and
// completion, or false when either timestamp is missing.
func (it *Item) DurationMinutes() (float64, bool) {
	if it.StartedAt == nil || it.CompletedAt == nil {
		return 0, false
	}
	return it.CompletedAt.Sub(*it.StartedAt).Minutes(), true
}

func (it *Item) clone() *Item {
	c := *it
	c.Dependencies = append([]string(nil), it.Dependencies...)
	if it.StartedAt != nil {
		ts := *it.StartedAt
		c.StartedAt = &ts
	}
	if it.CompletedAt != nil {
		ts := *it.CompletedAt
		c.CompletedAt = &ts
	}
	if it.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(it.Metadata))
		for k, v := range it.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
