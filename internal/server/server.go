// Package server wires all components and creates the MCP server instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the tools that depend on them. No business logic
// lives here, only wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/tasklens/internal/cache"
	"github.com/HendryAvila/tasklens/internal/config"
	"github.com/HendryAvila/tasklens/internal/logging"
	"github.com/HendryAvila/tasklens/internal/prompts"
	"github.com/HendryAvila/tasklens/internal/resources"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/HendryAvila/tasklens/internal/statetools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Runtime holds the wired components shared by the MCP server and the
// command line.
type Runtime struct {
	Config config.Config
	Logger *slog.Logger
	Store  *skeleton.Store
	Cache  *cache.Manager
	State  *state.Manager

	stopSweeper context.CancelFunc
}

// Open creates the record store, the cache (restoring its snapshot) and
// the state manager, then builds the first generation from the store.
// Close must be called on shutdown.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	store, err := skeleton.New(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	c := cache.New(cfg.CacheOptions(), logger.With("component", "cache"))
	if path := cfg.SnapshotPath(); path != "" {
		if n := c.LoadSnapshot(path); n > 0 {
			logger.Info("cache snapshot restored", "entries", n, "path", path)
		}
	}

	sm, err := state.New(store, c, cfg.StateOptions(), logger.With("component", "state"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating state manager: %w", err)
	}

	if _, err := sm.RebuildFromStore(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initial rebuild: %w", err)
	}

	sweepCtx, stop := context.WithCancel(context.Background())
	if interval := cfg.SweepInterval(); interval > 0 {
		c.StartSweeper(sweepCtx, interval)
	}

	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Cache:       c,
		State:       sm,
		stopSweeper: stop,
	}, nil
}

// Close stops the sweeper, writes the cache snapshot and closes the store.
// It is safe to call more than once.
func (rt *Runtime) Close() error {
	if rt.stopSweeper != nil {
		rt.stopSweeper()
		rt.stopSweeper = nil
	}
	var errs []error
	if path := rt.Config.SnapshotPath(); path != "" && rt.Cache != nil {
		n, err := rt.Cache.SaveSnapshot(path)
		if err != nil {
			rt.Logger.Warn("cache snapshot not saved", "error", err, "path", path)
		} else {
			rt.Logger.Debug("cache snapshot saved", "entries", n, "path", path)
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing record store: %w", err))
		}
		rt.Store = nil
	}
	return errors.Join(errs...)
}

// New creates the MCP server with every tool registered. configPath is
// where state_configure persists changed settings; empty disables
// persistence.
func New(rt *Runtime, configPath string) *server.MCPServer {
	s := server.NewMCPServer(
		"tasklens",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	registerStateTools(s, rt.State, configPath)

	// --- Prompts ---
	resumePrompt := prompts.NewResumePrompt()
	s.AddPrompt(resumePrompt.Definition(), resumePrompt.Handle)

	overviewPrompt := prompts.NewOverviewPrompt()
	s.AddPrompt(overviewPrompt.Definition(), overviewPrompt.Handle)

	// --- Resources ---
	resourceHandler := resources.NewHandler(rt.State)
	s.AddResource(resourceHandler.StatsResource(), resourceHandler.HandleStats)
	s.AddResource(resourceHandler.ConfigResource(), resourceHandler.HandleConfig)
	s.AddResource(resourceHandler.RootsResource(), resourceHandler.HandleRoots)

	return s
}

// registerStateTools registers all 8 task hierarchy MCP tools with the server.
func registerStateTools(s *server.MCPServer, sm *state.Manager, configPath string) {
	// --- Hierarchy queries ---
	treeTool := statetools.NewTreeTool(sm)
	s.AddTool(treeTool.Definition(), treeTool.Handle)

	chainTool := statetools.NewChainTool(sm)
	s.AddTool(chainTool.Definition(), chainTool.Handle)

	declaredTool := statetools.NewDeclaredChildrenTool(sm)
	s.AddTool(declaredTool.Definition(), declaredTool.Handle)

	// --- Search ---
	searchTool := statetools.NewSearchTool(sm)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	// --- Lifecycle ---
	rebuildTool := statetools.NewRebuildTool(sm)
	s.AddTool(rebuildTool.Definition(), rebuildTool.Handle)

	statsTool := statetools.NewStatsTool(sm)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	invalidateTool := statetools.NewInvalidateTool(sm)
	s.AddTool(invalidateTool.Definition(), invalidateTool.Handle)

	configureTool := statetools.NewConfigureTool(sm)
	if configPath != "" {
		configureTool.SetSaver(&fileSaver{path: configPath})
	}
	s.AddTool(configureTool.Definition(), configureTool.Handle)
}

// fileSaver writes the hierarchy and truncation sections back to the
// configuration file, leaving the other sections as they are on disk.
type fileSaver struct {
	path string
}

func (f *fileSaver) SaveStateConfig(cfg state.Config) error {
	current, err := config.Load(f.path)
	if err != nil {
		return err
	}
	current.Hierarchy = cfg.Hierarchy
	current.Truncation = cfg.Truncation
	return config.Save(f.path, current)
}

// serverInstructions returns the system instructions that tell the AI
// how to use tasklens effectively.
func serverInstructions() string {
	return `You have access to tasklens, which reconstructs the hierarchy of past coding tasks
(conversations) and serves size-bounded views of them.

## How tasks are linked
- A task that recorded its parent is linked to it directly ("metadata").
- A task that did not is matched against the subtask instructions other tasks declared
  when they started it ("fuzzy-index"). These links carry a confidence score.

## Tools
- task_tree: show the tree a task belongs to, or every tree. Use current_task_id to
  highlight where you are.
- task_chain: read the history from the root task down to a task. Long chains are
  shortened in the middle; the root and the target are kept.
- task_search: find a task by keywords when you do not know its id.
- task_declared_children: explain why subtasks were linked under a task.
- state_rebuild: reload tasks after a new scan.
- state_stats, cache_invalidate, state_configure: inspect and tune the state manager.

## Prompts and resources
- task-resume and task-overview are ready-made workflows over these tools.
- tasklens://state/stats, tasklens://state/config and tasklens://tasks/roots expose the same
  data read-only.

Ids can be abbreviated to any unique prefix; the 8-character short ids shown in trees work.`
}
