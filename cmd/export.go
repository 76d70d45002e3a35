package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/wake/internal/daemon"
	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/ical"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alarms as an iCalendar file",
	Long: `Write every alarm as a VEVENT with a VALARM, so calendar apps can show
the schedule. Repeating alarms carry an RRULE.

  wake export -o alarms.ics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun()
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func exportRun() error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		defs, err := e.Alarms(ctx)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := ical.Encode(&buf, defs, e.Now()); errors.Is(err, ical.ErrEmpty) {
			ui.Info("Nothing to export.")
			return nil
		} else if err != nil {
			return fmt.Errorf("encode calendar: %w", err)
		}

		if exportOutput == "" {
			_, err := ui.Out.Write(buf.Bytes())
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would write %d alarms to %s", len(defs), exportOutput)
			return nil
		}
		if err := daemon.WriteFileAtomic(exportOutput, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", exportOutput, err)
		}
		ui.Success("Exported %d alarms to %s", len(defs), exportOutput)
		return nil
	})
}
