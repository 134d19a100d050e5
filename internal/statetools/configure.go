package statetools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// ConfigSaver persists a state configuration that was applied through
// state_configure.
type ConfigSaver interface {
	SaveStateConfig(cfg state.Config) error
}

// ConfigureTool handles the state_configure MCP tool.
type ConfigureTool struct {
	state *state.Manager
	saver ConfigSaver
}

// NewConfigureTool creates a ConfigureTool.
func NewConfigureTool(sm *state.Manager) *ConfigureTool {
	return &ConfigureTool{state: sm}
}

// SetSaver makes applied settings survive a restart. Without a saver
// changes only last for the process.
func (t *ConfigureTool) SetSaver(s ConfigSaver) {
	t.saver = s
}

// Definition returns the MCP tool definition for state_configure.
func (t *ConfigureTool) Definition() mcp.Tool {
	return mcp.NewTool("state_configure",
		mcp.WithDescription(
			"Change hierarchy or truncation settings. Only the given fields change. Cached views computed "+
				"under the old settings are invalidated; changing fuzzy_threshold also rebuilds the hierarchy.",
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum tree depth (1-100)"),
		),
		mcp.WithNumber("fuzzy_threshold",
			mcp.Description("Minimum instruction similarity for linking an orphan task (0-1)"),
		),
		mcp.WithNumber("max_output_length",
			mcp.Description("Total output budget for chains, in characters"),
		),
		mcp.WithNumber("gradient_strength",
			mcp.Description("How strongly truncation concentrates on the middle of a chain"),
		),
		mcp.WithNumber("min_preservation_rate",
			mcp.Description("Share of each task that always survives (0-1)"),
		),
		mcp.WithNumber("max_truncation_rate",
			mcp.Description("Largest share of a task that may be cut (0-1)"),
		),
		mcp.WithNumber("start_lines",
			mcp.Description("Lines kept at the start of a shortened element"),
		),
		mcp.WithNumber("end_lines",
			mcp.Description("Lines kept at the end of a shortened element"),
		),
	)
}

// Handle processes the state_configure tool call.
func (t *ConfigureTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := t.state.Config()
	var changed []string
	set := func(name string, apply func(v float64)) {
		if v, ok := floatArg(req, name); ok {
			apply(v)
			changed = append(changed, name)
		}
	}
	set("max_depth", func(v float64) { cfg.Hierarchy.MaxDepth = int(v) })
	set("fuzzy_threshold", func(v float64) { cfg.Hierarchy.FuzzyThreshold = v })
	set("max_output_length", func(v float64) { cfg.Truncation.MaxOutputLength = int(v) })
	set("gradient_strength", func(v float64) { cfg.Truncation.GradientStrength = v })
	set("min_preservation_rate", func(v float64) { cfg.Truncation.MinPreservationRate = v })
	set("max_truncation_rate", func(v float64) { cfg.Truncation.MaxTruncationRate = v })
	set("start_lines", func(v float64) { cfg.Truncation.StartLines = int(v) })
	set("end_lines", func(v float64) { cfg.Truncation.EndLines = int(v) })

	if len(changed) == 0 {
		return mcp.NewToolResultError("no settings given; pass at least one field to change"), nil
	}

	res, err := t.state.Configure(ctx, cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("configuration rejected: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Updated: %s\n", strings.Join(changed, ", "))
	fmt.Fprintf(&b, "Invalidated %d hierarchy and %d truncation entries.\n", res.HierarchyInvalidated, res.TruncationInvalidated)
	if res.Rebuilt {
		b.WriteString("Hierarchy rebuilt with the new threshold.\n")
	}
	if t.saver != nil {
		if err := t.saver.SaveStateConfig(cfg); err != nil {
			fmt.Fprintf(&b, "Warning: settings are active but could not be saved: %v\n", err)
		} else {
			b.WriteString("Saved to the configuration file.\n")
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}
