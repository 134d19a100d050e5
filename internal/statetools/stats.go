package statetools

import (
	"context"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// StatsTool handles the state_stats MCP tool.
type StatsTool struct {
	state *state.Manager
}

// NewStatsTool creates a StatsTool with the given state manager.
func NewStatsTool(sm *state.Manager) *StatsTool {
	return &StatsTool{state: sm}
}

// Definition returns the MCP tool definition for state_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("state_stats",
		mcp.WithDescription(
			"Show hierarchy and cache statistics: tasks, links by detection method, instruction index size, "+
				"cache hit rate and memory use.",
		),
	)
}

// Handle processes the state_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := t.state.Stats()

	var sb strings.Builder
	sb.WriteString("## Task Hierarchy\n\n")
	if st.GenerationID == "" {
		sb.WriteString("- **Generation**: none (run state_rebuild)\n")
	} else {
		sb.WriteString(fmt.Sprintf("- **Generation**: %s (built %s in %s)\n", st.GenerationID, humanize.Time(st.BuiltAt), st.RebuildTime))
		sb.WriteString(fmt.Sprintf("- **Tasks**: %s in %d root(s)\n", humanize.Comma(int64(st.Tasks)), st.Roots))
		sb.WriteString(fmt.Sprintf("- **Links**: %d metadata, %d instruction\n", st.MetadataEdges, st.FuzzyEdges))
		if st.DanglingParent > 0 {
			sb.WriteString(fmt.Sprintf("- **Missing parents**: %d\n", st.DanglingParent))
		}
		sb.WriteString(fmt.Sprintf("- **Instruction index**: %d instructions, %d declarations, %d nodes, avg depth %.1f\n",
			st.Index.Instructions, st.Index.Declarations, st.Index.Nodes, st.Index.AverageDepth))
		if len(st.Workspaces) > 0 {
			sb.WriteString(fmt.Sprintf("- **Workspaces** (%d): %s\n", len(st.Workspaces), strings.Join(st.Workspaces, ", ")))
		}
	}
	sb.WriteString(fmt.Sprintf("- **Rebuilds**: %d\n", st.Rebuilds))

	c := st.Cache
	sb.WriteString("\n## Cache\n\n")
	sb.WriteString(fmt.Sprintf("- **Entries**: %d using %s of %s\n", c.Entries,
		humanize.Bytes(uint64(c.SizeBytes)), humanize.Bytes(uint64(c.MaxSizeBytes))))
	sb.WriteString(fmt.Sprintf("- **Hit rate**: %.1f%% (%d hits, %d misses)\n", c.HitRate*100, c.Hits, c.Misses))
	sb.WriteString(fmt.Sprintf("- **Evictions**: %d, expirations: %d, invalidations: %d\n", c.Evictions, c.Expirations, c.Invalidations))

	cfg := st.Config
	sb.WriteString("\n## Configuration\n\n")
	sb.WriteString(fmt.Sprintf("- **Hierarchy**: max depth %d, fuzzy threshold %.2f\n", cfg.Hierarchy.MaxDepth, cfg.Hierarchy.FuzzyThreshold))
	sb.WriteString(fmt.Sprintf("- **Truncation**: budget %s, gradient %.1f, preserve ≥ %.0f%%, cut ≤ %.0f%%\n",
		humanize.Comma(int64(cfg.Truncation.MaxOutputLength)), cfg.Truncation.GradientStrength,
		cfg.Truncation.MinPreservationRate*100, cfg.Truncation.MaxTruncationRate*100))

	return mcp.NewToolResultText(sb.String()), nil
}
