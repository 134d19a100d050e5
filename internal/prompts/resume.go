// Package prompts implements MCP prompt handlers for task history.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to call the tasklens tools in a specific sequence.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ResumePrompt handles the task-resume MCP prompt.
// It guides the AI to reload the history leading to a task before continuing it.
type ResumePrompt struct{}

// NewResumePrompt creates a ResumePrompt.
func NewResumePrompt() *ResumePrompt {
	return &ResumePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ResumePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("task-resume",
		mcp.WithPromptDescription(
			"Resume a past task. Loads the history from its root task down to it, "+
				"shows where it sits in its tree, and summarizes what is left to do.",
		),
		mcp.WithArgument("task_id",
			mcp.ArgumentDescription("Id or unique id prefix of the task to resume"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("focus",
			mcp.ArgumentDescription("Optional topic to pay special attention to"),
		),
	)
}

// Handle processes the task-resume prompt request.
func (p *ResumePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	args := req.Params.Arguments
	taskID := strings.TrimSpace(args["task_id"])
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	var focus string
	if f := strings.TrimSpace(args["focus"]); f != "" {
		focus = fmt.Sprintf("\n\nPay special attention to anything about: %s", f)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Resume task %s", taskID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"I want to continue task %[1]s.\n\n"+
						"Please:\n"+
						"1. Run `task_chain` with task_id='%[1]s' to read the history from its root task down to it\n"+
						"2. Run `task_tree` with task_id='%[1]s' and current_task_id='%[1]s' to see its siblings and subtasks\n"+
						"3. Summarize what was asked, what was done, and what is still open\n"+
						"4. Propose the next step and wait for my confirmation%[2]s",
					taskID, focus,
				)),
			},
		},
	}, nil
}
