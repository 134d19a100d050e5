// tasklens: task hierarchy state manager and MCP server
//
// tasklens reconstructs parent/child relationships between the tasks of
// an AI coding assistant's history and serves trees and size-bounded
// conversation chains to MCP clients.
//
// Usage:
//
//	tasklens serve               # Start MCP server (stdio transport)
//	tasklens ingest scan.json    # Load the records of a workspace scan
//	tasklens tree [task-id]      # Print the task tree
//	tasklens chain <task-id>     # Print the root-to-task history
//	tasklens stats               # Print statistics
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/tasklens/internal/command"
	tlserver "github.com/HendryAvila/tasklens/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Graceful shutdown on interrupt.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{Serve: serve})
	return app.RunContext(ctx, os.Args)
}

// serve runs the MCP server over stdio. Logs go to stderr so they don't
// interfere with the transport on stdout.
func serve(ctx context.Context, rt *tlserver.Runtime, configPath string) error {
	s := tlserver.New(rt, configPath)
	rt.Logger.Info("serving MCP over stdio", "version", tlserver.Version, "tasks", len(rt.State.Current().Records))
	return server.ServeStdio(s)
}
