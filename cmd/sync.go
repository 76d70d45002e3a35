package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/output"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued edits to the remote store and pull its changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncNowRun()
	},
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncNowRun()
	},
}

var syncQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show edits waiting to reach the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncQueueRun()
	},
}

func init() {
	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncQueueCmd)
	rootCmd.AddCommand(syncCmd)
}

func syncNowRun() error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		if dryRun {
			ui.DryRunMsg("Would sync with %s", e.UserID())
			return syncQueueList(ctx, e)
		}
		rep, err := e.Sync(ctx)
		if errors.Is(err, engine.ErrNoRemote) {
			return fmt.Errorf("%w; set remote.url (wake config edit)", err)
		}
		if err != nil {
			return err
		}

		ui.Success("Sync done: %d applied, %d still queued", rep.Applied, rep.Kept)
		if rep.Pull != nil {
			ui.Info("Pulled: %d added, %d updated, %d removed, %d sessions converged",
				rep.Pull.Added, rep.Pull.Updated, rep.Pull.Removed, rep.Pull.Converged)
		}
		for _, l := range rep.Losses {
			ui.Warning("Discarded %s of alarm %s: %s", l.Op, shortID(l.AlarmID), l.Reason)
		}
		for _, f := range rep.Failures {
			ui.Warning("%v", f)
		}
		return nil
	})
}

func syncQueueRun() error {
	return withEngine(syncQueueList)
}

func syncQueueList(ctx context.Context, e *engine.Engine) error {
	queue, err := e.Queue(ctx)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		ui.Info("Queue is empty.")
		return nil
	}

	now := e.Now()
	table := ui.Table([]string{"Seq", "Op", "Alarm", "Attempts", "Age", "Last Error"})
	for _, m := range queue {
		table.Append([]string{
			fmt.Sprintf("%d", m.Seq),
			string(m.Op),
			shortID(m.AlarmID),
			fmt.Sprintf("%d", m.Attempts),
			output.Ago(m.CreatedAt, now),
			m.LastError,
		})
	}
	table.Render()
	return nil
}
