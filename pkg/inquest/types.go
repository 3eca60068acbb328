package inquest

import (
	"github.com/inquest-ai/inquest/pkg/convergence"
	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/orchestrator"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// Type re-exports for caller convenience

// Finding is re-exported from memtree package
type Finding = memtree.Finding

// Node is re-exported from memtree package
type Node = memtree.Node

// WorkItem is re-exported from taskqueue package
type WorkItem = taskqueue.Item

// Priority is re-exported from taskqueue package
type Priority = taskqueue.Priority

// Priority constants re-exported from taskqueue package
const (
	PriorityLow      = taskqueue.PriorityLow
	PriorityMedium   = taskqueue.PriorityMedium
	PriorityHigh     = taskqueue.PriorityHigh
	PriorityCritical = taskqueue.PriorityCritical
)

// Guidance is re-exported from convergence package
type Guidance = convergence.Guidance

// Decision is re-exported from convergence package
type Decision = convergence.Decision

// Recommendation constants re-exported from convergence package
const (
	RecommendContinue = convergence.RecommendContinue
	RecommendFocus    = convergence.RecommendFocus
	RecommendConclude = convergence.RecommendConclude
)

// Executor is re-exported from orchestrator package
type Executor = orchestrator.Executor

// Planner is re-exported from orchestrator package
type Planner = orchestrator.Planner

// ExecutionResult is re-exported from orchestrator package
type ExecutionResult = orchestrator.ExecutionResult

// PlanResponse is re-exported from orchestrator package
type PlanResponse = orchestrator.PlanResponse
