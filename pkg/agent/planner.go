package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/inquest-ai/inquest/pkg/convergence"
	"github.com/inquest-ai/inquest/pkg/orchestrator"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
)

// Planner produces guidance and proposed follow-up work from the completion
// context. Its proposals still pass through the convergence filter; it does
// not need to self-censor duplicates.
type Planner struct {
	client *Client
}

// NewPlanner creates an LLM-backed planner.
func NewPlanner(client *Client) *Planner {
	return &Planner{client: client}
}

type plannerPayload struct {
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
	Focus          string  `json:"focus,omitempty"`
	Reasoning      string  `json:"reasoning,omitempty"`
	NewTasks       []struct {
		Description  string `json:"description"`
		Instructions string `json:"instructions"`
		Priority     string `json:"priority"`
	} `json:"new_tasks"`
}

// Plan consults the model after a completed work item.
func (p *Planner) Plan(ctx context.Context, req orchestrator.PlanRequest) (*orchestrator.PlanResponse, error) {
	prompt := buildPlanPrompt(req)

	var payload plannerPayload
	if err := p.client.CompleteJSON(ctx, prompt, &payload); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	resp := &orchestrator.PlanResponse{
		Guidance: convergence.Guidance{
			Confidence:     payload.Confidence,
			Recommendation: convergence.ParseRecommendation(strings.ToLower(payload.Recommendation)),
			Focus:          payload.Focus,
			Reasoning:      payload.Reasoning,
		},
	}
	for _, task := range payload.NewTasks {
		if strings.TrimSpace(task.Description) == "" {
			continue
		}
		priority := taskqueue.ParsePriority(strings.ToLower(task.Priority))
		resp.Proposed = append(resp.Proposed, taskqueue.NewItem(task.Description, task.Instructions, priority))
	}
	return resp, nil
}

func buildPlanPrompt(req orchestrator.PlanRequest) string {
	var b strings.Builder
	b.WriteString("You are the planner for an ongoing investigation.\n\n")
	if req.Completed != nil {
		fmt.Fprintf(&b, "COMPLETED TASK: %s\n", req.Completed.Description)
	}
	fmt.Fprintf(&b, "RESULT: %s\n\n", truncate(req.Result, 500))
	fmt.Fprintf(&b, "STATE: %d tree nodes at depth %d; %d of %d tasks completed, %d failed.\n",
		req.TreeStats.Count, req.TreeStats.MaxDepth,
		req.QueueStats.Completed, req.QueueStats.Total, req.QueueStats.Failed)
	if req.Focus != "" {
		fmt.Fprintf(&b, "CURRENT FOCUS: %s\n", req.Focus)
	}
	b.WriteString(`
Propose at most a handful of follow-up tasks that deepen existing analysis.
Each task must target something specific; broad or repeated work is dropped.

Respond with JSON only:
{
  "confidence": 0.0-1.0,
  "recommendation": "continue|focus|conclude",
  "focus": "optional area to narrow to",
  "reasoning": "one-line rationale",
  "new_tasks": [
    {"description": "specific task", "instructions": "how to do it", "priority": "low|medium|high|critical"}
  ]
}
`)
	return b.String()
}
