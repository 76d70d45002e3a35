package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/output"
	"github.com/joescharf/wake/internal/sessions"
)

var sessionListState string

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions", "s"},
	Short:   "Inspect and answer ringing alarms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun("live")
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List alarm sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(sessionListState)
	},
}

var sessionDismissCmd = &cobra.Command{
	Use:   "dismiss <session-id>",
	Short: "Dismiss a ringing or snoozed alarm on every device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], models.SessionStateDismissed)
	},
}

var sessionSnoozeCmd = &cobra.Command{
	Use:   "snooze <session-id>",
	Short: "Snooze a ringing alarm on every device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], models.SessionStateSnoozed)
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionListState, "state", "", "Filter: ringing, snoozed, dismissed, suppressed or live")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionDismissCmd)
	sessionCmd.AddCommand(sessionSnoozeCmd)
	rootCmd.AddCommand(sessionCmd)

	// Shortcuts for the two actions used most.
	rootCmd.AddCommand(&cobra.Command{
		Use:   "dismiss <session-id>",
		Short: sessionDismissCmd.Short,
		Args:  cobra.ExactArgs(1),
		RunE:  sessionDismissCmd.RunE,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "snooze <session-id>",
		Short: sessionSnoozeCmd.Short,
		Args:  cobra.ExactArgs(1),
		RunE:  sessionSnoozeCmd.RunE,
	})
}

// parseStateFilter maps a --state value to session states.
func parseStateFilter(s string) ([]models.SessionState, error) {
	switch s {
	case "":
		return nil, nil
	case "live":
		return []models.SessionState{models.SessionStateRinging, models.SessionStateSnoozed}, nil
	case string(models.SessionStateRinging), string(models.SessionStateSnoozed),
		string(models.SessionStateDismissed), string(models.SessionStateSuppressed):
		return []models.SessionState{models.SessionState(s)}, nil
	default:
		return nil, fmt.Errorf("invalid state %q (want ringing, snoozed, dismissed, suppressed or live)", s)
	}
}

func sessionListRun(state string) error {
	states, err := parseStateFilter(state)
	if err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		list, err := e.ListSessions(ctx, states...)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			ui.Info("No sessions.")
			return nil
		}

		now := e.Now()
		table := ui.Table([]string{"ID", "Alarm", "State", "Snoozes", "Fired", "Until", "Method", "Origin"})
		for _, s := range list {
			until := "-"
			if s.State == models.SessionStateSnoozed && s.SnoozedUntil != nil {
				until = output.Until(*s.SnoozedUntil, now)
			}
			table.Append([]string{
				shortID(s.ID),
				shortID(s.AlarmID),
				output.StatusColor(string(s.State)),
				snoozeCountText(s),
				s.FireAt.Local().Format("Mon 15:04"),
				until,
				string(s.LastMethod),
				s.Origin,
			})
		}
		table.Render()
		return nil
	})
}

func snoozeCountText(s *models.AlarmSession) string {
	if !s.SnoozeEnabled {
		return "-"
	}
	return fmt.Sprintf("%d/%d", s.SnoozeCount, s.MaxSnoozes)
}

func sessionTransitionRun(ref string, to models.SessionState) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		s, err := e.ResolveSession(ctx, ref)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would move session %s from %s to %s", shortID(s.ID), s.State, to)
			return nil
		}

		var res *sessions.Result
		if to == models.SessionStateSnoozed {
			res, err = e.Snooze(ctx, s.ID, models.MethodManual)
		} else {
			res, err = e.Dismiss(ctx, s.ID, models.MethodManual)
		}
		if err != nil {
			return err
		}

		switch res.Outcome {
		case sessions.OutcomeApplied:
			if to == models.SessionStateSnoozed && res.Session.SnoozedUntil != nil {
				ui.Success("Snoozed %s until %s (%d/%d)", output.Cyan(shortID(s.ID)),
					res.Session.SnoozedUntil.Local().Format("15:04"), res.Session.SnoozeCount, res.Session.MaxSnoozes)
			} else {
				ui.Success("Dismissed %s", output.Cyan(shortID(s.ID)))
			}
		case sessions.OutcomeNoop:
			ui.Info("Session %s is already %s", shortID(s.ID), output.StatusColor(string(res.Session.State)))
		case sessions.OutcomeRejected:
			return res.Err()
		}
		return nil
	})
}
