package statetools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// DeclaredChildrenTool handles the task_declared_children MCP tool.
type DeclaredChildrenTool struct {
	state *state.Manager
}

// NewDeclaredChildrenTool creates a DeclaredChildrenTool.
func NewDeclaredChildrenTool(sm *state.Manager) *DeclaredChildrenTool {
	return &DeclaredChildrenTool{state: sm}
}

// Definition returns the MCP tool definition for task_declared_children.
func (t *DeclaredChildrenTool) Definition() mcp.Tool {
	return mcp.NewTool("task_declared_children",
		mcp.WithDescription(
			"Explain a task's subtasks: the child instructions the task declared and which tasks were "+
				"linked under it, with how each link was detected and its confidence.",
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id or unique id prefix"),
		),
	)
}

// Handle processes the task_declared_children tool call.
func (t *DeclaredChildrenTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("task_id", ""))
	if id == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	d, err := t.state.DeclaredChildren(id)
	if err != nil {
		return stateError(err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s %s\n\n", skeleton.ShortID(d.TaskID), d.Title)

	if len(d.Prefixes) == 0 {
		b.WriteString("Declared instructions: none\n")
	} else {
		fmt.Fprintf(&b, "Declared instructions (%d):\n", len(d.Prefixes))
		for _, p := range d.Prefixes {
			fmt.Fprintf(&b, "- %q\n", p)
		}
	}

	b.WriteString("\n")
	if len(d.Children) == 0 {
		b.WriteString("Linked subtasks: none\n")
		return mcp.NewToolResultText(b.String()), nil
	}
	fmt.Fprintf(&b, "Linked subtasks (%d):\n", len(d.Children))
	for _, c := range d.Children {
		fmt.Fprintf(&b, "- %s %s (%s", skeleton.ShortID(c.TaskID), c.Title, c.Method)
		if c.Method == hierarchy.MethodFuzzyIndex {
			fmt.Fprintf(&b, ", confidence %.2f, matched %q", c.Confidence, c.Prefix)
		}
		b.WriteString(")\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}
