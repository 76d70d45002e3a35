package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/wake/internal/daemon"
	"github.com/joescharf/wake/internal/output"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background agent that rings alarms",
	Long: `The agent keeps the schedule of every enabled alarm and rings them on
time. Only one agent runs per alarm cache; 'wake serve' runs one too when
none is running yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentStatusRun()
	},
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentRunRun()
	},
}

var agentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentStartRun()
	},
}

var agentStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentStopRun()
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the agent is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentStatusRun()
	},
}

func init() {
	agentCmd.AddCommand(agentRunCmd)
	agentCmd.AddCommand(agentStartCmd)
	agentCmd.AddCommand(agentStopCmd)
	agentCmd.AddCommand(agentStatusCmd)
	rootCmd.AddCommand(agentCmd)
}

// lockFile is the single-agent lock for the configured cache.
func lockFile() *daemon.Lock {
	return daemon.NewLock(filepath.Join(viper.GetString("state_dir"), "agent.pid"))
}

func agentLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "agent.log")
}

// signalContext is cancelled on the platform's shutdown signals.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), shutdownSignals()...)
}

func agentRunRun() error {
	ctx, stop := signalContext()
	defer stop()

	e, closeFn, err := openEngine(ctx, engineMode{runAgent: true, interactive: true})
	if err != nil {
		return err
	}
	defer closeFn()

	lock := lockFile()
	if err := lock.Acquire(e.ContextID()); err != nil {
		return fmt.Errorf("agent already running: %w", err)
	}
	defer func() { _ = lock.Release() }()

	ui.Info("Agent running as %s (Ctrl-C to stop)", output.Cyan(e.ContextID()))
	if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	ui.Info("Agent stopped")
	return nil
}

func agentStartRun() error {
	lock := lockFile()
	if owner, alive := lock.Held(); alive {
		return fmt.Errorf("agent already running (PID %d)", owner.PID)
	}

	if dryRun {
		ui.DryRunMsg("Would start agent, logging to %s", agentLogPath())
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	logPath := agentLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"agent", "run"}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	// The background agent shows alerts in-app only; there is no terminal.
	child.Env = append(os.Environ(), "WAKE_NOTIFY_BACKEND=inapp", "WAKE_LOG_FORMAT=json")
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	_ = child.Process.Release()

	// Wait for the child to take the lock.
	for range 20 {
		if owner, alive := lock.Held(); alive {
			ui.Success("Agent started (PID %d), logging to %s", owner.PID, logPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("agent did not start; see %s", logPath)
}

func agentStopRun() error {
	lock := lockFile()
	owner, alive := lock.Held()
	if !alive {
		return fmt.Errorf("agent is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop agent (PID %d)", owner.PID)
		return nil
	}

	if err := lock.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}

	for range 50 {
		if _, alive := lock.Held(); !alive {
			ui.Success("Agent stopped (PID %d)", owner.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Agent did not exit in time, killing PID %d", owner.PID)
	if err := lock.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill agent: %w", err)
	}
	return nil
}

func agentStatusRun() error {
	owner, alive := lockFile().Held()
	if !alive {
		ui.Info("Agent: %s", output.Red("not running"))
		return nil
	}
	ui.Info("Agent: %s (PID %d, context %s)", output.Green("running"), owner.PID, owner.ContextID)
	ui.VerboseLog("log: %s", agentLogPath())
	return nil
}
