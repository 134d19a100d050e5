// Package command builds the tasklens command line.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"

	"github.com/HendryAvila/tasklens/internal/config"
	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/logging"
	"github.com/HendryAvila/tasklens/internal/server"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/HendryAvila/tasklens/internal/statetools"
	"github.com/HendryAvila/tasklens/internal/truncation"
)

// Deps are the parts of the application that tests replace.
type Deps struct {
	LoadConfig func(path string) (config.Config, error)
	// Serve runs the MCP server until the client disconnects.
	Serve  func(ctx context.Context, rt *server.Runtime, configPath string) error
	Stdout io.Writer
}

func (d Deps) stdout() io.Writer {
	if d.Stdout != nil {
		return d.Stdout
	}
	return os.Stdout
}

// BuildApp returns the command tree.
func BuildApp(deps Deps) *cli.App {
	if deps.LoadConfig == nil {
		deps.LoadConfig = config.Load
	}
	return &cli.App{
		Name:    "tasklens",
		Usage:   "task hierarchy state manager for coding-assistant histories",
		Version: server.Version,
		Writer:  deps.stdout(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file",
				Value:   config.DefaultPath(),
				EnvVars: []string{"TASKLENS_CONFIG"},
			},
		},
		Action: func(ctx *cli.Context) error {
			return runServe(ctx, deps)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the MCP server (stdio transport)",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx, deps)
				},
			},
			{
				Name:      "ingest",
				Usage:     "replace the stored tasks with the records of a scan file",
				ArgsUsage: "<file.json>",
				Action: func(ctx *cli.Context) error {
					return runIngest(ctx, deps)
				},
			},
			{
				Name:      "export",
				Usage:     "write every stored task to a JSON file",
				ArgsUsage: "<file.json>",
				Action: func(ctx *cli.Context) error {
					return runExport(ctx, deps)
				},
			},
			{
				Name:      "tree",
				Usage:     "print the task tree (every tree when no id is given)",
				ArgsUsage: "[task-id]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-siblings", Usage: "only the path to the task and its subtasks"},
					&cli.IntFlag{Name: "depth", Usage: "maximum depth to expand"},
					&cli.StringFlag{Name: "current", Usage: "task to highlight"},
				},
				Action: func(ctx *cli.Context) error {
					return runTree(ctx, deps)
				},
			},
			{
				Name:      "chain",
				Usage:     "print the history from the root down to a task, fitted into the output budget",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "budget", Usage: "output budget in characters (default: configured)"},
					&cli.BoolFlag{Name: "tree", Usage: "cover the whole tree instead of the chain"},
				},
				Action: func(ctx *cli.Context) error {
					return runChain(ctx, deps)
				},
			},
			{
				Name:  "stats",
				Usage: "print store, hierarchy and cache statistics",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print JSON"},
				},
				Action: func(ctx *cli.Context) error {
					return runStats(ctx, deps)
				},
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx *cli.Context) error {
					fmt.Fprintf(deps.stdout(), "tasklens v%s\n", server.Version)
					return nil
				},
			},
		},
	}
}

// open loads the configuration and wires the runtime.
func open(ctx *cli.Context, deps Deps) (*server.Runtime, string, error) {
	path := ctx.String("config")
	cfg, err := deps.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	logger := logging.NewLogger(logging.Options{
		Level:     cfg.Log.Level,
		Component: "tasklens",
		Text:      cfg.Log.Format == "text",
	})
	rt, err := server.Open(ctx.Context, cfg, logger)
	if err != nil {
		return nil, path, err
	}
	return rt, path, nil
}

func runServe(ctx *cli.Context, deps Deps) error {
	if deps.Serve == nil {
		return errors.New("serve runner is not configured")
	}
	rt, path, err := open(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()
	return deps.Serve(ctx.Context, rt, path)
}

func runIngest(ctx *cli.Context, deps Deps) error {
	file := strings.TrimSpace(ctx.Args().First())
	if file == "" {
		return errors.New("ingest: a scan file is required")
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	data, err := decodeScan(raw)
	if err != nil {
		return fmt.Errorf("ingest: %s: %w", file, err)
	}

	rt, _, err := open(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Store.Import(uuid.NewString(), data)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	gen, err := rt.State.RebuildFromStore(ctx.Context)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	out := deps.stdout()
	recon := gen.Forest.Reconstruction()
	fmt.Fprintf(out, "Imported %s tasks (%d skipped).\n", humanize.Comma(int64(res.TasksImported)), len(res.Skipped))
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "  skipped: %s\n", s)
	}
	fmt.Fprintf(out, "Linked %d by metadata and %d by instruction; %d root task(s).\n",
		recon.MetadataEdges, recon.FuzzyEdges, len(gen.Forest.Roots()))
	return nil
}

// decodeScan accepts either an export document ({"tasks": [...]}) or a
// bare array of task records.
func decodeScan(raw []byte) (*skeleton.ExportData, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("not valid JSON")
	}
	doc := gjson.ParseBytes(raw)
	tasks := doc.Get("tasks")
	switch {
	case doc.IsArray():
		tasks = doc
	case !tasks.IsArray():
		return nil, errors.New(`expected a "tasks" array or an array of task records`)
	}
	var records []skeleton.TaskRecord
	if err := json.Unmarshal([]byte(tasks.Raw), &records); err != nil {
		return nil, err
	}
	return &skeleton.ExportData{Version: doc.Get("version").String(), Tasks: records}, nil
}

func runExport(ctx *cli.Context, deps Deps) error {
	file := strings.TrimSpace(ctx.Args().First())
	if file == "" {
		return errors.New("export: an output file is required")
	}
	rt, _, err := open(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	data, err := rt.Store.Export()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := os.WriteFile(file, b, 0o644); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Fprintf(deps.stdout(), "Exported %d tasks to %s (%s).\n", len(data.Tasks), file, humanize.Bytes(uint64(len(b))))
	return nil
}

func runTree(ctx *cli.Context, deps Deps) error {
	rt, _, err := open(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := hierarchy.TreeOptions{
		IncludeSiblings: !ctx.Bool("no-siblings"),
		MaxDepth:        ctx.Int("depth"),
		CurrentTaskID:   ctx.String("current"),
	}
	out := deps.stdout()
	if id := strings.TrimSpace(ctx.Args().First()); id != "" {
		tree, err := rt.State.Tree(id, opts)
		if err != nil {
			return err
		}
		statetools.RenderTree(out, tree)
		return nil
	}

	trees, err := rt.State.FullTree(opts)
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		fmt.Fprintln(out, "No tasks loaded. Run tasklens ingest first.")
		return nil
	}
	for _, tree := range trees {
		statetools.RenderTree(out, tree)
	}
	return nil
}

func runChain(ctx *cli.Context, deps Deps) error {
	id := strings.TrimSpace(ctx.Args().First())
	if id == "" {
		return errors.New("chain: a task id is required")
	}
	rt, _, err := open(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	var override *truncation.Config
	if n := ctx.Int("budget"); n > 0 {
		cfg := rt.State.Config().Truncation
		cfg.MaxOutputLength = n
		override = &cfg
	}
	mode := state.ViewChain
	if ctx.Bool("tree") {
		mode = state.ViewTree
	}
	view, err := rt.State.TruncatedView(id, mode, override)
	if err != nil {
		return err
	}
	statetools.RenderView(deps.stdout(), view)
	return nil
}

func runStats(ctx *cli.Context, deps Deps) error {
	rt, _, err := open(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	storeStats, err := rt.Store.Stats()
	if err != nil {
		return err
	}
	st := rt.State.Stats()
	out := deps.stdout()

	if ctx.Bool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Store *skeleton.Stats `json:"store"`
			State state.Stats     `json:"state"`
		}{storeStats, st})
	}

	fmt.Fprintf(out, "Tasks:        %s (%s of content)\n",
		humanize.Comma(int64(storeStats.TotalTasks)), humanize.Bytes(uint64(storeStats.TotalSizeBytes)))
	fmt.Fprintf(out, "Elements:     %s\n", humanize.Comma(int64(storeStats.TotalElements)))
	fmt.Fprintf(out, "Declarations: %d\n", storeStats.TotalPrefixes)
	if storeStats.LastScanID != "" {
		fmt.Fprintf(out, "Last scan:    %s at %s\n", storeStats.LastScanID, storeStats.LastScanAt)
	}
	fmt.Fprintf(out, "Roots:        %d\n", st.Roots)
	fmt.Fprintf(out, "Links:        %d metadata, %d instruction, %d missing parents\n",
		st.MetadataEdges, st.FuzzyEdges, st.DanglingParent)
	fmt.Fprintf(out, "Cache:        %d entries, %s\n", st.Cache.Entries, humanize.Bytes(uint64(st.Cache.SizeBytes)))
	return nil
}
