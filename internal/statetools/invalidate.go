package statetools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/tasklens/internal/cache"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// InvalidateTool handles the cache_invalidate MCP tool.
type InvalidateTool struct {
	state *state.Manager
}

// NewInvalidateTool creates an InvalidateTool.
func NewInvalidateTool(sm *state.Manager) *InvalidateTool {
	return &InvalidateTool{state: sm}
}

// Definition returns the MCP tool definition for cache_invalidate.
func (t *InvalidateTool) Definition() mcp.Tool {
	return mcp.NewTool("cache_invalidate",
		mcp.WithDescription(
			"Drop cached views. Select entries by dependency tag (tree, search, config:truncation, "+
				"config:hierarchy), key prefix, key pattern (regular expression), or everything.",
		),
		mcp.WithString("tag",
			mcp.Description("Dependency tag to invalidate"),
		),
		mcp.WithString("prefix",
			mcp.Description("Key prefix to invalidate, e.g. 'tree:' or 'search:'"),
		),
		mcp.WithString("pattern",
			mcp.Description("Regular expression matched against keys"),
		),
		mcp.WithBoolean("all",
			mcp.Description("Invalidate every entry"),
		),
		mcp.WithBoolean("sweep",
			mcp.Description("Only remove expired entries (ignores the other selectors)"),
		),
	)
}

// Handle processes the cache_invalidate tool call.
func (t *InvalidateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c := t.state.Cache()
	if boolArg(req, "sweep", false) {
		n := c.Sweep()
		return mcp.NewToolResultText(fmt.Sprintf("Removed %d expired entries. %d entries remain.", n, c.Len())), nil
	}

	sel := cache.Selector{
		All:        boolArg(req, "all", false),
		Prefix:     strings.TrimSpace(req.GetString("prefix", "")),
		Dependency: strings.TrimSpace(req.GetString("tag", "")),
	}
	if pattern := strings.TrimSpace(req.GetString("pattern", "")); pattern != "" {
		ps, err := cache.PatternSelector(pattern)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid pattern: %v", err)), nil
		}
		sel.Pattern = ps.Pattern
	}
	if !sel.All && sel.Prefix == "" && sel.Dependency == "" && sel.Pattern == nil {
		return mcp.NewToolResultError("one of 'tag', 'prefix', 'pattern' or 'all' is required"), nil
	}

	n := c.Invalidate(sel)
	return mcp.NewToolResultText(fmt.Sprintf("Invalidated %d entries. %d entries remain.", n, c.Len())), nil
}
