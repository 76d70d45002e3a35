package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	wlog "github.com/joescharf/wake/internal/log"
	"github.com/joescharf/wake/internal/output"
	"github.com/joescharf/wake/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore *store.SQLiteStore

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "wake",
	Short: "Alarm clock engine - schedule alarms and ring them on every device",
	Long: `wake keeps a user's alarms, rings them on time, and keeps every
device's view of a ringing alarm in step: snooze on one, and the others
stop ringing too. Edits made offline are replayed when the remote store
is reachable again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/wake/config.yaml)")
	rootCmd.PersistentFlags().String("user", "", "User the alarms belong to (overrides user_id)")
	_ = viper.BindPFlag("user_id", rootCmd.PersistentFlags().Lookup("user"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "wake")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WAKE")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "wake"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "wake.db"))
	viper.SetDefault("user_id", defaultUserID())
	viper.SetDefault("context_id", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("agent.rescan_interval", time.Minute)
	viper.SetDefault("snooze.default_interval", 5*time.Minute)
	viper.SetDefault("snooze.default_max", 3)
	viper.SetDefault("remote.url", "")
	viper.SetDefault("remote.timeout", 10*time.Second)
	viper.SetDefault("sync.interval", 30*time.Second)
	viper.SetDefault("sync.max_attempts", 5)
	viper.SetDefault("sync.initial_backoff", 500*time.Millisecond)
	viper.SetDefault("sync.max_backoff", 30*time.Second)
	viper.SetDefault("sync.concurrency", 4)
	viper.SetDefault("bus.backend", "memory")
	viper.SetDefault("bus.redis_addr", "localhost:6379")
	viper.SetDefault("notify.backend", "terminal")
	viper.SetDefault("serve.port", 8470)
	viper.SetDefault("serve.rate_limit", 60)
}

func defaultUserID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	wlog.Configure(wlog.Config{Level: level, Format: viper.GetString("log.format")})

	// Initialize store lazily: only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (*store.SQLiteStore, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
