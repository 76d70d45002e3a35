package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/wake/internal/daemon"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "wake"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage wake configuration.

Running bare 'wake config' is the same as 'wake config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# wake configuration
# See: wake config show (for effective values and sources)

# State/data directory (default: ~/.config/wake)
# state_dir: {{ .StateDir }}

# SQLite cache path (default: ~/.config/wake/wake.db)
# db_path: {{ .DBPath }}

# Whose alarms this context manages (default: $USER)
user_id: "{{ .UserID }}"

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"
  # console or json
  format: "{{ .LogFormat }}"

# Defaults for alarms created without a snooze policy
snooze:
  default_interval: {{ .SnoozeInterval }}
  default_max: {{ .SnoozeMax }}

# Authoritative alarm store. Leave url empty to keep alarms local only.
remote:
  url: "{{ .RemoteURL }}"
  timeout: {{ .RemoteTimeout }}

sync:
  interval: {{ .SyncInterval }}
  max_attempts: {{ .SyncMaxAttempts }}

# How this device hears about the user's other devices (memory or redis)
bus:
  backend: "{{ .BusBackend }}"
  redis_addr: "{{ .RedisAddr }}"

# Where ringing alarms are shown (terminal or inapp)
notify:
  backend: "{{ .NotifyBackend }}"

serve:
  port: {{ .ServePort }}
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	UserID          string
	LogLevel        string
	LogFormat       string
	SnoozeInterval  string
	SnoozeMax       int
	RemoteURL       string
	RemoteTimeout   string
	SyncInterval    string
	SyncMaxAttempts int
	BusBackend      string
	RedisAddr       string
	NotifyBackend   string
	ServePort       int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		UserID:          viper.GetString("user_id"),
		LogLevel:        viper.GetString("log.level"),
		LogFormat:       viper.GetString("log.format"),
		SnoozeInterval:  viper.GetDuration("snooze.default_interval").String(),
		SnoozeMax:       viper.GetInt("snooze.default_max"),
		RemoteURL:       viper.GetString("remote.url"),
		RemoteTimeout:   viper.GetDuration("remote.timeout").String(),
		SyncInterval:    viper.GetDuration("sync.interval").String(),
		SyncMaxAttempts: viper.GetInt("sync.max_attempts"),
		BusBackend:      viper.GetString("bus.backend"),
		RedisAddr:       viper.GetString("bus.redis_addr"),
		NotifyBackend:   viper.GetString("notify.backend"),
		ServePort:       viper.GetInt("serve.port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := daemon.WriteFileAtomic(cfgPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = func() []configKeyInfo {
	keys := []string{
		"state_dir", "db_path", "user_id", "context_id",
		"log.level", "log.format",
		"agent.rescan_interval",
		"snooze.default_interval", "snooze.default_max",
		"remote.url", "remote.timeout",
		"sync.interval", "sync.max_attempts", "sync.initial_backoff", "sync.max_backoff", "sync.concurrency",
		"bus.backend", "bus.redis_addr",
		"notify.backend",
		"serve.port", "serve.rate_limit",
	}
	out := make([]configKeyInfo, len(keys))
	for i, k := range keys {
		out[i] = configKeyInfo{Key: k, EnvVar: "WAKE_" + strings.ToUpper(envKeyReplacer.Replace(k))}
	}
	return out
}()

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'wake config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
