package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/wake/internal/agent"
	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/output"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show alarms, ringing sessions and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(_ *cobra.Command) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(ui.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		now := e.Now()
		ui.Info("User %s, %d alarms (%d enabled)", output.Cyan(st.UserID), st.Alarms, st.Enabled)

		if st.Next != nil {
			ui.Info("Next: %s", describeEntry(ctx, e, st.Next))
			fmt.Fprintf(ui.Out, "  %s  %s\n", st.Next.At.Local().Format("Mon 2006-01-02 15:04"), output.Until(st.Next.At, now))
		} else {
			ui.Info("Next: nothing scheduled")
		}

		for _, s := range st.Live {
			line := fmt.Sprintf("%s %s", shortID(s.ID), output.StatusColor(string(s.State)))
			if s.SnoozedUntil != nil {
				line += " until " + s.SnoozedUntil.Local().Format("15:04")
			}
			if def, err := e.Alarm(ctx, s.AlarmID); err == nil && def.Label != "" {
				line += " (" + def.Label + ")"
			}
			ui.Warning("%s", line)
		}

		if owner, alive := lockFile().Held(); alive {
			ui.Info("Agent: %s (PID %d)", output.Green("running"), owner.PID)
		} else {
			ui.Info("Agent: %s; alarms ring only while 'wake agent start' or 'wake serve' runs", output.Red("not running"))
		}

		switch {
		case !st.Remote:
			ui.Info("Sync: local only")
		case st.Pending > 0:
			ui.Info("Sync: %s", output.Yellow(fmt.Sprintf("%d edits queued", st.Pending)))
		default:
			ui.Info("Sync: %s", output.Green("up to date"))
		}
		return nil
	})
}

func describeEntry(ctx context.Context, e *engine.Engine, en *agent.Entry) string {
	label := shortID(en.AlarmID)
	if def, err := e.Alarm(ctx, en.AlarmID); err == nil && def.Label != "" {
		label = def.Label
	}
	if en.Kind == agent.KindSnooze {
		return label + " (snoozed)"
	}
	return label
}
