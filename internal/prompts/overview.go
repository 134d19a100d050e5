package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// OverviewPrompt handles the task-overview MCP prompt.
// It instructs the AI to present the loaded task forest and its health.
type OverviewPrompt struct{}

// NewOverviewPrompt creates an OverviewPrompt.
func NewOverviewPrompt() *OverviewPrompt {
	return &OverviewPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *OverviewPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("task-overview",
		mcp.WithPromptDescription(
			"Overview of the loaded task history: how many tasks, how they were linked, "+
				"and which trees are the largest.",
		),
	)
}

// Handle processes the task-overview prompt request.
func (p *OverviewPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Task history overview",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `state_stats` to check the loaded task history.\n\n" +
						"Then:\n" +
						"1. If no generation is loaded, run `state_rebuild` and check again\n" +
						"2. Run `task_tree` without a task_id and show me the trees in a compact form\n" +
						"3. Point out tasks linked by instruction with low confidence, and missing parents\n" +
						"4. Tell me which trees look worth resuming",
				),
			},
		},
	}, nil
}
