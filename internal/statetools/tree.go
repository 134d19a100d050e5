package statetools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// TreeTool handles the task_tree MCP tool.
type TreeTool struct {
	state *state.Manager
}

// NewTreeTool creates a TreeTool.
func NewTreeTool(sm *state.Manager) *TreeTool {
	return &TreeTool{state: sm}
}

// Definition returns the MCP tool definition for task_tree.
func (t *TreeTool) Definition() mcp.Tool {
	return mcp.NewTool("task_tree",
		mcp.WithDescription(
			"Show the reconstructed task hierarchy. With task_id, shows the tree that task belongs to; "+
				"without it, shows every root task with its subtasks. Parent links come from explicit "+
				"metadata or from matching a task's first instruction against instructions its parent declared.",
		),
		mcp.WithString("task_id",
			mcp.Description("Task id or unique id prefix (8-character short ids work)"),
		),
		mcp.WithBoolean("include_siblings",
			mcp.Description("Show the whole tree from the absolute root (default: true). "+
				"When false, only the path to the task and its own subtasks are shown."),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum depth to expand (default and max: 100)"),
		),
		mcp.WithString("current_task_id",
			mcp.Description("Task to highlight as the current one"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: ascii (default) or json"),
			mcp.Enum("ascii", "json"),
		),
	)
}

// Handle processes the task_tree tool call.
func (t *TreeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := hierarchy.TreeOptions{
		IncludeSiblings: boolArg(req, "include_siblings", true),
		MaxDepth:        intArg(req, "max_depth", 0),
		CurrentTaskID:   strings.TrimSpace(req.GetString("current_task_id", "")),
	}
	format := req.GetString("format", "ascii")

	var trees []*hierarchy.TreeNode
	if id := strings.TrimSpace(req.GetString("task_id", "")); id != "" {
		tree, err := t.state.Tree(id, opts)
		if err != nil {
			return stateError(err), nil
		}
		trees = []*hierarchy.TreeNode{tree}
	} else {
		all, err := t.state.FullTree(opts)
		if err != nil {
			return stateError(err), nil
		}
		trees = all
	}

	if len(trees) == 0 {
		return mcp.NewToolResultText("No tasks loaded."), nil
	}

	if format == "json" {
		b, err := json.MarshalIndent(trees, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding tree: %v", err)), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}

	var b strings.Builder
	total := 0
	for _, tree := range trees {
		RenderTree(&b, tree)
		total += tree.Count()
	}
	fmt.Fprintf(&b, "\n%d tasks in %d tree(s)\n", total, len(trees))
	return mcp.NewToolResultText(b.String()), nil
}
