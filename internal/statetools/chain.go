package statetools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/HendryAvila/tasklens/internal/truncation"
	"github.com/mark3labs/mcp-go/mcp"
)

// ChainTool handles the task_chain MCP tool.
type ChainTool struct {
	state *state.Manager
}

// NewChainTool creates a ChainTool.
func NewChainTool(sm *state.Manager) *ChainTool {
	return &ChainTool{state: sm}
}

// Definition returns the MCP tool definition for task_chain.
func (t *ChainTool) Definition() mcp.Tool {
	return mcp.NewTool("task_chain",
		mcp.WithDescription(
			"Show the conversation history from the root task down to the given task, fitted into an "+
				"output budget. The first and last tasks of the chain are preserved; the middle is shortened first.",
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id or unique id prefix"),
		),
		mcp.WithString("mode",
			mcp.Description("chain (default): root to task. tree: the whole tree the task belongs to."),
			mcp.Enum(string(state.ViewChain), string(state.ViewTree)),
		),
		mcp.WithNumber("max_output_length",
			mcp.Description("Override the configured output budget, in characters"),
		),
		mcp.WithBoolean("show_plan",
			mcp.Description("Append the per-task truncation budget (default: false)"),
		),
	)
}

// Handle processes the task_chain tool call.
func (t *ChainTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("task_id", ""))
	if id == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	mode := state.ViewMode(req.GetString("mode", string(state.ViewChain)))

	var override *truncation.Config
	if n := intArg(req, "max_output_length", 0); n > 0 {
		cfg := t.state.Config().Truncation
		cfg.MaxOutputLength = n
		override = &cfg
	}

	view, err := t.state.TruncatedView(id, mode, override)
	if err != nil {
		return stateError(err), nil
	}

	var b strings.Builder
	RenderView(&b, view)
	if boolArg(req, "show_plan", false) {
		b.WriteString("\n### Plan\n")
		for _, p := range view.Truncation.Plans {
			fmt.Fprintf(&b, "- %s\n", budgetLine(p))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}
