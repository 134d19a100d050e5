// Package resources implements MCP resource handlers for the state manager.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (tasklens://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/tasklens/internal/state"
)

// Resource URIs.
const (
	StatsURI  = "tasklens://state/stats"
	ConfigURI = "tasklens://state/config"
	RootsURI  = "tasklens://tasks/roots"
)

// Handler manages the state manager resource endpoints.
type Handler struct {
	state *state.Manager
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(sm *state.Manager) *Handler {
	return &Handler{state: sm}
}

// StatsResource returns the MCP resource definition for state statistics.
func (h *Handler) StatsResource() mcp.Resource {
	return mcp.NewResource(
		StatsURI,
		"Task State Statistics",
		mcp.WithResourceDescription("Current generation, link counts, instruction index and cache metrics"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStats returns state.Stats as JSON.
func (h *Handler) HandleStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, h.state.Stats())
}

// ConfigResource returns the MCP resource definition for the active
// hierarchy and truncation settings.
func (h *Handler) ConfigResource() mcp.Resource {
	return mcp.NewResource(
		ConfigURI,
		"Task State Configuration",
		mcp.WithResourceDescription("Active hierarchy and truncation settings"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleConfig returns the active configuration as JSON.
func (h *Handler) HandleConfig(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, h.state.Config())
}

// RootsResource returns the MCP resource definition for the root tasks.
func (h *Handler) RootsResource() mcp.Resource {
	return mcp.NewResource(
		RootsURI,
		"Root Tasks",
		mcp.WithResourceDescription("Ids and titles of every root task in the current generation"),
		mcp.WithMIMEType("application/json"),
	)
}

type rootEntry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Children int    `json:"children"`
}

// HandleRoots lists the root tasks of the current generation.
func (h *Handler) HandleRoots(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	gen := h.state.Current()
	if gen == nil {
		return errorResource(req.Params.URI, "no task generation is loaded yet"), nil
	}
	roots := gen.Forest.Roots()
	adj := gen.Forest.Reconstruction().Adjacency
	entries := make([]rootEntry, 0, len(roots))
	for _, id := range roots {
		r, ok := gen.Forest.Record(id)
		if !ok {
			continue
		}
		entries = append(entries, rootEntry{ID: id, Title: r.Title, Children: len(adj[id])})
	}
	return jsonResource(req.Params.URI, entries)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
