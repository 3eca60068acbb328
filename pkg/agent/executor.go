package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/orchestrator"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// Executor performs work items by prompting an LLM with the item and the
// current memory tree as context.
type Executor struct {
	client *Client
	tree   *memtree.Tree
}

// NewExecutor creates an LLM-backed executor over the given memory tree.
func NewExecutor(client *Client, tree *memtree.Tree) *Executor {
	return &Executor{client: client, tree: tree}
}

type executorPayload struct {
	Success  bool   `json:"success"`
	Result   string `json:"result"`
	Findings []struct {
		Title    string `json:"title"`
		Body     string `json:"body"`
		ParentID string `json:"parent_id,omitempty"`
	} `json:"findings"`
}

// Execute runs one work item and returns the result with any proposed
// findings. The model sees the rendered memory tree so findings can target
// existing branches by title or ID prefix.
func (e *Executor) Execute(ctx context.Context, item *taskqueue.Item) (*orchestrator.ExecutionResult, error) {
	prompt := e.buildPrompt(item)

	var payload executorPayload
	if err := e.client.CompleteJSON(ctx, prompt, &payload); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	result := &orchestrator.ExecutionResult{
		Success: payload.Success,
		Result:  payload.Result,
	}
	for _, f := range payload.Findings {
		if strings.TrimSpace(f.Title) == "" {
			continue
		}
		result.Findings = append(result.Findings, memtree.Finding{
			Title:             f.Title,
			Body:              f.Body,
			RequestedParentID: f.ParentID,
			Status:            memtree.StatusCompleted,
		})
	}
	return result, nil
}

func (e *Executor) buildPrompt(item *taskqueue.Item) string {
	var b strings.Builder
	b.WriteString("You are an investigator working one task of a larger investigation.\n\n")
	fmt.Fprintf(&b, "TASK: %s\n", item.Description)
	if item.Instructions != "" {
		fmt.Fprintf(&b, "INSTRUCTIONS: %s\n", item.Instructions)
	}
	b.WriteString("\nCURRENT MEMORY TREE:\n")
	b.WriteString(e.tree.Render(3))
	b.WriteString(`
Work the task and report findings that extend existing branches of the tree.
Reference a parent by its 8-character ID prefix or exact title when a finding
belongs under a specific node.

Respond with JSON only:
{
  "success": true/false,
  "result": "summary of what the task produced",
  "findings": [
    {"title": "short finding title", "body": "finding detail", "parent_id": "optional parent reference"}
  ]
}
`)
	return b.String()
}
