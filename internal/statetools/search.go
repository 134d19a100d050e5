package statetools

import (
	"context"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// SearchTool handles the task_search MCP tool.
type SearchTool struct {
	state *state.Manager
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(sm *state.Manager) *SearchTool {
	return &SearchTool{state: sm}
}

// Definition returns the MCP tool definition for task_search.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("task_search",
		mcp.WithDescription(
			"Search tasks by title and message text. An empty query lists the most recently active tasks.",
		),
		mcp.WithString("query",
			mcp.Description("Keywords to search for"),
		),
		mcp.WithString("workspace",
			mcp.Description("Filter by workspace path"),
		),
		mcp.WithString("mode",
			mcp.Description("Filter by task mode"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10)"),
		),
	)
}

// Handle processes the task_search tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	results, err := t.state.Search(query, skeleton.SearchOptions{
		Workspace: req.GetString("workspace", ""),
		Mode:      req.GetString("mode", ""),
		Limit:     intArg(req, "limit", 10),
	})
	if err != nil {
		return stateError(err), nil
	}

	if len(results) == 0 {
		return mcp.NewToolResultText("No tasks found matching your query."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(results))
	for i, r := range results {
		status := "open"
		if r.IsCompleted {
			status = "completed"
		}
		fmt.Fprintf(&b, "[%d] %s - %s\n", i+1, skeleton.ShortID(r.ID), r.Title)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "    %s\n", skeleton.Truncate(strings.Join(strings.Fields(r.Snippet), " "), 300))
		}
		fmt.Fprintf(&b, "    %s | %s | active %s\n\n", r.WorkspacePath, status, humanize.Time(r.LastActivityAt))
	}
	return mcp.NewToolResultText(b.String()), nil
}
