// Package statetools provides MCP tool handlers over the task hierarchy
// state manager.
//
// Each tool handler follows the same pattern:
// - A struct with dependencies (state.Manager) injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Domain failures (unknown ids, no generation yet) are returned as tool
// errors, never as Go errors.
package statetools

import (
	"errors"
	"fmt"

	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// floatArg extracts a number argument and reports whether it was present.
func floatArg(req mcp.CallToolRequest, key string) (float64, bool) {
	v, ok := req.GetArguments()[key].(float64)
	return v, ok
}

// stateError turns a state read error into a tool result the caller can
// act on.
func stateError(err error) *mcp.CallToolResult {
	var nf *hierarchy.NotFoundError
	var amb *hierarchy.AmbiguousIDError
	switch {
	case errors.Is(err, state.ErrNotReady):
		return mcp.NewToolResultError("No task generation is loaded yet. Run state_rebuild first.")
	case errors.As(err, &nf):
		return mcp.NewToolResultError(nf.Error())
	case errors.As(err, &amb):
		return mcp.NewToolResultError(amb.Error() + ". Use a longer id prefix.")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("request failed: %v", err))
	}
}
