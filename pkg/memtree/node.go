// Package memtree provides the hierarchical knowledge store that records
// investigation findings as a single-rooted tree of nodes.
package memtree

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a knowledge node.
type Status int

// Node lifecycle states.
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
// Unknown names map to StatusPending.
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

// Node is a single recorded finding in the memory tree.
// Parent and child links are stored as IDs into the owning tree's flat map,
// never as pointers, so a malformed snapshot cannot produce unbounded
// recursion on traversal.
type Node struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ParentID  string    `json:"parent_id,omitempty"`
	ChildIDs  []string  `json:"child_ids,omitempty"` // insertion order = discovery order
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Result    string    `json:"result,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Finding is the input to Place: a unit of knowledge produced by executing
// a work item. RequestedParentID is advisory; the tree resolves it through
// the fallback chain and never fails placement on an unknown ID.
type Finding struct {
	Title             string
	Body              string
	RequestedParentID string
	Status            Status
}

// UpdateFields carries a partial update for a node. Nil fields are left
// untouched, distinguishing "not provided" from "set to zero value".
type UpdateFields struct {
	Title  *string
	Body   *string
	Status *Status
	Result *string
}

// Stats summarizes the tree. All counts cover only nodes reachable from the
// root; a detached node (possible after a placement error) is deliberately
// excluded.
type Stats struct {
	Count        int            `json:"count"`
	RootChildren int            `json:"root_children"`
	MaxDepth     int            `json:"max_depth"`
	ByStatus     map[string]int `json:"by_status"`
	LeafCount    int            `json:"leaf_count"`
	AvgChildren  float64        `json:"avg_children"`
}

// Snapshot is the full serializable state of a tree, used for write-through
// persistence and round-trip restore.
type Snapshot struct {
	RootID string           `json:"root_id"`
	Nodes  map[string]*Node `json:"nodes"`
}
