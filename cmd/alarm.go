package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/output"
	"github.com/joescharf/wake/internal/recurrence"
)

var (
	alarmListEnabled bool
	alarmListJSON    bool
	alarmNextCount   int
)

var alarmCmd = &cobra.Command{
	Use:     "alarm",
	Aliases: []string{"alarms", "a"},
	Short:   "Manage alarms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmListRun()
	},
}

var alarmAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an alarm",
	Long: `Create an alarm. Use --days for a repeating alarm or --date for a
single-shot one. Snooze defaults come from the snooze.* config keys.

Examples:
  wake alarm add --time 07:00 --days weekdays --label "Work"
  wake alarm add --time 06:30 --date 2026-10-20 --location Europe/Berlin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmAddRun(cmd)
	},
}

var alarmListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List alarms with their next fire time",
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmListRun()
	},
}

var alarmShowCmd = &cobra.Command{
	Use:   "show <alarm-id>",
	Short: "Show one alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmShowRun(args[0])
	},
}

var alarmEditCmd = &cobra.Command{
	Use:   "edit <alarm-id>",
	Short: "Change an alarm; only the flags given are applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmEditRun(cmd, args[0])
	},
}

var alarmRmCmd = &cobra.Command{
	Use:     "rm <alarm-id>",
	Aliases: []string{"delete"},
	Short:   "Delete an alarm",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmRmRun(args[0])
	},
}

var alarmEnableCmd = &cobra.Command{
	Use:   "enable <alarm-id>",
	Short: "Enable an alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmSetEnabledRun(args[0], true)
	},
}

var alarmDisableCmd = &cobra.Command{
	Use:   "disable <alarm-id>",
	Short: "Disable an alarm without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmSetEnabledRun(args[0], false)
	},
}

var alarmNextCmd = &cobra.Command{
	Use:   "next <alarm-id>",
	Short: "Show the next fire times of an alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alarmNextRun(args[0], alarmNextCount)
	},
}

func init() {
	addAlarmFlags(alarmAddCmd)
	addAlarmFlags(alarmEditCmd)
	alarmEditCmd.Flags().Bool("enabled", true, "Enable or disable the alarm")

	alarmListCmd.Flags().BoolVar(&alarmListEnabled, "enabled", false, "Only show enabled alarms")
	alarmListCmd.Flags().BoolVar(&alarmListJSON, "json", false, "Print JSON instead of a table")
	alarmNextCmd.Flags().IntVarP(&alarmNextCount, "count", "c", 5, "Number of fire times to show")

	alarmCmd.AddCommand(alarmAddCmd)
	alarmCmd.AddCommand(alarmListCmd)
	alarmCmd.AddCommand(alarmShowCmd)
	alarmCmd.AddCommand(alarmEditCmd)
	alarmCmd.AddCommand(alarmRmCmd)
	alarmCmd.AddCommand(alarmEnableCmd)
	alarmCmd.AddCommand(alarmDisableCmd)
	alarmCmd.AddCommand(alarmNextCmd)
	rootCmd.AddCommand(alarmCmd)
}

// addAlarmFlags registers the definition flags shared by add and edit.
func addAlarmFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("time", "t", "", "Time of day (HH:MM or HH:MM:SS)")
	f.StringP("days", "d", "", `Repeat days ("mon-fri", "mon,wed", "weekdays", "weekends", "daily")`)
	f.String("date", "", "Single-shot date (YYYY-MM-DD)")
	f.StringP("label", "l", "", "Label shown when the alarm rings")
	f.String("location", "", "IANA time zone (default: local)")
	f.Duration("snooze", 0, "Snooze interval")
	f.Int("max-snoozes", 0, "Snoozes allowed per ring")
	f.Bool("no-snooze", false, "Disable snoozing")
	f.Int("volume", 80, "Volume 0-100")
	f.String("sound", "", "Sound name")
	f.Bool("vibrate", false, "Vibrate when ringing")
	f.String("challenge", "", "Dismissal challenge shown by the notification surface")
}

// patchFromFlags collects the flags the user actually set. snooze and sound
// are the values the snooze and sound flags are applied over.
func patchFromFlags(cmd *cobra.Command, snooze models.SnoozePolicy, sound models.SoundPreferences) (*models.AlarmPatch, error) {
	f := cmd.Flags()
	p := &models.AlarmPatch{}
	str := func(name string) *string {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetString(name)
		return &v
	}
	p.Time = str("time")
	p.Days = str("days")
	p.Date = str("date")
	p.Label = str("label")
	p.Location = str("location")
	p.Challenge = str("challenge")

	if f.Changed("enabled") {
		v, _ := f.GetBool("enabled")
		p.Enabled = &v
	}

	if f.Changed("snooze") || f.Changed("max-snoozes") || f.Changed("no-snooze") {
		if f.Changed("snooze") {
			snooze.Interval, _ = f.GetDuration("snooze")
			snooze.Enabled = snooze.Interval > 0
		}
		if f.Changed("max-snoozes") {
			snooze.MaxCount, _ = f.GetInt("max-snoozes")
			if snooze.Interval > 0 {
				snooze.Enabled = true
			}
		}
		if off, _ := f.GetBool("no-snooze"); off {
			if f.Changed("snooze") {
				return nil, fmt.Errorf("--snooze and --no-snooze are mutually exclusive")
			}
			snooze.Enabled = false
		}
		p.Snooze = &snooze
	}

	if f.Changed("volume") || f.Changed("sound") || f.Changed("vibrate") {
		if f.Changed("volume") {
			sound.Volume, _ = f.GetInt("volume")
		}
		if f.Changed("sound") {
			sound.Name, _ = f.GetString("sound")
		}
		if f.Changed("vibrate") {
			sound.Vibrate, _ = f.GetBool("vibrate")
		}
		p.Sound = &sound
	}
	return p, nil
}

func alarmAddRun(cmd *cobra.Command) error {
	p, err := patchFromFlags(cmd, snoozeDefaults(), models.SoundPreferences{Volume: 80})
	if err != nil {
		return err
	}
	def, err := models.NewAlarm(p, snoozeDefaults())
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create alarm %s", def.Schedule())
		return nil
	}

	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		created, err := e.CreateAlarm(ctx, def)
		if err != nil {
			return err
		}
		ui.Success("Created alarm %s (%s)", output.Cyan(shortID(created.ID)), created.Schedule())
		printNextFire(created, e.Now())
		return nil
	})
}

func alarmListRun() error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		defs, err := e.Alarms(ctx)
		if err != nil {
			return err
		}
		if alarmListEnabled {
			filtered := defs[:0]
			for _, d := range defs {
				if d.Enabled {
					filtered = append(filtered, d)
				}
			}
			defs = filtered
		}

		if alarmListJSON {
			enc := json.NewEncoder(ui.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(defs)
		}

		if len(defs) == 0 {
			ui.Info("No alarms. Use 'wake alarm add --time 07:00 --days weekdays' to create one.")
			return nil
		}

		now := e.Now()
		table := ui.Table([]string{"ID", "Label", "Schedule", "Zone", "Enabled", "Snooze", "Next"})
		for _, d := range defs {
			table.Append([]string{
				shortID(d.ID),
				d.Label,
				d.Schedule(),
				zoneName(d),
				output.EnabledColor(d.Enabled),
				snoozeText(d.Snooze),
				nextFireText(d, now),
			})
		}
		table.Render()
		return nil
	})
}

func alarmShowRun(ref string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		def, err := e.ResolveAlarm(ctx, ref)
		if err != nil {
			return err
		}
		now := e.Now()
		fmt.Fprintf(ui.Out, "ID:        %s\n", def.ID)
		fmt.Fprintf(ui.Out, "Label:     %s\n", def.Label)
		fmt.Fprintf(ui.Out, "Schedule:  %s\n", def.Schedule())
		fmt.Fprintf(ui.Out, "Zone:      %s\n", zoneName(def))
		fmt.Fprintf(ui.Out, "Enabled:   %s\n", output.EnabledColor(def.Enabled))
		fmt.Fprintf(ui.Out, "Snooze:    %s\n", snoozeText(def.Snooze))
		fmt.Fprintf(ui.Out, "Sound:     %s\n", soundText(def.Sound))
		if def.Challenge != "" {
			fmt.Fprintf(ui.Out, "Challenge: %s\n", def.Challenge)
		}
		if rule := recurrence.Rule(def); rule != "" {
			fmt.Fprintf(ui.Out, "RRULE:     %s\n", rule)
		}
		fmt.Fprintf(ui.Out, "Version:   %d\n", def.Version)
		fmt.Fprintf(ui.Out, "Next:      %s\n", nextFireText(def, now))
		return nil
	})
}

func alarmEditRun(cmd *cobra.Command, ref string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		def, err := e.ResolveAlarm(ctx, ref)
		if err != nil {
			return err
		}
		p, err := patchFromFlags(cmd, def.Snooze, def.Sound)
		if err != nil {
			return err
		}
		if p.Empty() {
			return fmt.Errorf("nothing to change; pass at least one flag")
		}
		if err := p.Apply(def); err != nil {
			return err
		}

		if dryRun {
			ui.DryRunMsg("Would update alarm %s to %s", shortID(def.ID), def.Schedule())
			return nil
		}

		updated, err := e.UpdateAlarm(ctx, def)
		if err != nil {
			return err
		}
		ui.Success("Updated alarm %s (%s, version %d)", output.Cyan(shortID(updated.ID)), updated.Schedule(), updated.Version)
		printNextFire(updated, e.Now())
		return nil
	})
}

func alarmRmRun(ref string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		def, err := e.ResolveAlarm(ctx, ref)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would delete alarm %s (%s)", shortID(def.ID), def.Schedule())
			return nil
		}
		if err := e.DeleteAlarm(ctx, def.ID); err != nil {
			return err
		}
		ui.Success("Deleted alarm %s", output.Cyan(shortID(def.ID)))
		return nil
	})
}

func alarmSetEnabledRun(ref string, enabled bool) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		def, err := e.ResolveAlarm(ctx, ref)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would set alarm %s enabled=%t", shortID(def.ID), enabled)
			return nil
		}
		updated, err := e.SetEnabled(ctx, def.ID, enabled)
		if err != nil {
			return err
		}
		ui.Success("Alarm %s is %s", output.Cyan(shortID(updated.ID)), output.EnabledColor(updated.Enabled))
		return nil
	})
}

func alarmNextRun(ref string, n int) error {
	if n < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		def, err := e.ResolveAlarm(ctx, ref)
		if err != nil {
			return err
		}
		times, err := e.Upcoming(ctx, def.ID, n)
		if err != nil {
			return err
		}
		if len(times) == 0 {
			ui.Info("Alarm %s will not fire again.", shortID(def.ID))
			return nil
		}
		loc, _ := def.Loc()
		now := e.Now()
		for _, t := range times {
			fmt.Fprintf(ui.Out, "  %s  %s\n", t.In(loc).Format("Mon 2006-01-02 15:04 MST"), output.Until(t, now))
		}
		return nil
	})
}

func printNextFire(def *models.AlarmDefinition, now time.Time) {
	if !def.Enabled {
		return
	}
	if next, ok := recurrence.NextFireInstant(def, now); ok {
		ui.Info("Next ring %s (%s)", next.Format("Mon 2006-01-02 15:04 MST"), output.Until(next, now))
	}
}

func nextFireText(def *models.AlarmDefinition, now time.Time) string {
	if !def.Enabled {
		return "-"
	}
	next, ok := recurrence.NextFireInstant(def, now)
	if !ok {
		return "-"
	}
	return next.Format("Mon 15:04") + " " + output.Until(next, now)
}

func zoneName(def *models.AlarmDefinition) string {
	if def.Location == "" {
		return "local"
	}
	return def.Location
}

func snoozeText(p models.SnoozePolicy) string {
	if !p.Enabled {
		return "off"
	}
	return fmt.Sprintf("%s x%d", p.Interval, p.MaxCount)
}

func soundText(s models.SoundPreferences) string {
	name := s.Name
	if name == "" {
		name = "default"
	}
	out := fmt.Sprintf("%s at %d%%", name, s.Volume)
	if s.Vibrate {
		out += ", vibrate"
	}
	return out
}

// shortID trims a ULID to a prefix that is still unique in practice.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
