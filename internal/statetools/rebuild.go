package statetools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// RebuildTool handles the state_rebuild MCP tool.
type RebuildTool struct {
	state *state.Manager
}

// NewRebuildTool creates a RebuildTool.
func NewRebuildTool(sm *state.Manager) *RebuildTool {
	return &RebuildTool{state: sm}
}

// Definition returns the MCP tool definition for state_rebuild.
func (t *RebuildTool) Definition() mcp.Tool {
	return mcp.NewTool("state_rebuild",
		mcp.WithDescription(
			"Reload every task from the record store and rebuild the hierarchy. Cached trees and "+
				"searches from the previous generation are discarded.",
		),
	)
}

// Handle processes the state_rebuild tool call.
func (t *RebuildTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gen, err := t.state.RebuildFromStore(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rebuild failed: %v", err)), nil
	}
	recon := gen.Forest.Reconstruction()

	var b strings.Builder
	b.WriteString("## Rebuild complete\n\n")
	fmt.Fprintf(&b, "- **Generation**: %s\n", gen.ID)
	fmt.Fprintf(&b, "- **Tasks**: %d\n", len(gen.Records))
	fmt.Fprintf(&b, "- **Root tasks**: %d\n", len(gen.Forest.Roots()))
	fmt.Fprintf(&b, "- **Metadata links**: %d\n", recon.MetadataEdges)
	fmt.Fprintf(&b, "- **Instruction links**: %d\n", recon.FuzzyEdges)
	if n := len(recon.DanglingParents); n > 0 {
		fmt.Fprintf(&b, "- **Missing parents**: %d\n", n)
	}
	fmt.Fprintf(&b, "- **Took**: %s\n", gen.Duration)
	return mcp.NewToolResultText(b.String()), nil
}
