package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/wake/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so assistants
can read and manage alarms. Configure an MCP client with:

  {
    "mcpServers": {
      "wake": { "command": "wake", "args": ["mcp"] }
    }
  }

Available tools: wake_list_alarms, wake_create_alarm, wake_set_alarm_enabled,
wake_list_sessions, wake_dismiss, wake_snooze, wake_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	ctx, stop := signalContext()
	defer stop()

	e, closeFn, err := openEngine(ctx, engineMode{})
	if err != nil {
		return err
	}
	defer closeFn()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Stdio ends when the client closes stdin; stop the engine with it.
		defer stop()
		err := mcp.NewServer(e, snoozeDefaults(), buildVersion).ServeStdio(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}
