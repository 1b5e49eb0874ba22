package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "triage"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage triage configuration.

Running bare 'triage config' is the same as 'triage config show'.`,
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
const configTemplate = `# triage configuration
# See: triage config show (for effective values and sources)

# State/data directory (default: ~/.config/triage)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/triage/triage.db)
# db_path: {{ .DBPath }}

# Identity recorded as the creator of new issues
user:
  id: "{{ .UserID }}"
  email: "{{ .UserEmail }}"

# Duplicate detection
similar:
  # How many similar issues to show when filing a new one
  limit: {{ .SimilarLimit }}

  # Quiet period before checking a title typed interactively
  debounce: "{{ .SimilarDebounce }}"

# Store settings
store:
  # How long to retry when the database is locked by another writer
  retry_max_elapsed: "{{ .RetryMaxElapsed }}"

# Logging (serve)
log:
  level: "{{ .LogLevel }}"
  # Rotated log file (default: <state_dir>/triage-serve.log)
  file: "{{ .LogFile }}"
  max_size_mb: {{ .LogMaxSizeMB }}
  max_backups: {{ .LogMaxBackups }}

# OpenTelemetry
telemetry:
  enabled: {{ .TelemetryEnabled }}
  stdout: {{ .TelemetryStdout }}
  otlp_endpoint: "{{ .TelemetryOTLPEndpoint }}"

# Anthropic (issue import)
anthropic:
  # API key (prefer the TRIAGE_ANTHROPIC_API_KEY env var)
  # api_key: ""
  model: "{{ .AnthropicModel }}"

# API server port
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir              string
	DBPath                string
	UserID                string
	UserEmail             string
	SimilarLimit          int
	SimilarDebounce       string
	RetryMaxElapsed       string
	LogLevel              string
	LogFile               string
	LogMaxSizeMB          int
	LogMaxBackups         int
	TelemetryEnabled      bool
	TelemetryStdout       bool
	TelemetryOTLPEndpoint string
	AnthropicModel        string
	Port                  int
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
		StateDir:              viper.GetString("state_dir"),
		DBPath:                viper.GetString("db_path"),
		UserID:                viper.GetString("user.id"),
		UserEmail:             viper.GetString("user.email"),
		SimilarLimit:          viper.GetInt("similar.limit"),
		SimilarDebounce:       viper.GetDuration("similar.debounce").String(),
		RetryMaxElapsed:       viper.GetDuration("store.retry_max_elapsed").String(),
		LogLevel:              viper.GetString("log.level"),
		LogFile:               viper.GetString("log.file"),
		LogMaxSizeMB:          viper.GetInt("log.max_size_mb"),
		LogMaxBackups:         viper.GetInt("log.max_backups"),
		TelemetryEnabled:      viper.GetBool("telemetry.enabled"),
		TelemetryStdout:       viper.GetBool("telemetry.stdout"),
		TelemetryOTLPEndpoint: viper.GetString("telemetry.otlp_endpoint"),
		AnthropicModel:        viper.GetString("anthropic.model"),
		Port:                  viper.GetInt("port"),
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

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
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

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "TRIAGE_STATE_DIR"},
	{Key: "db_path", EnvVar: "TRIAGE_DB_PATH"},
	{Key: "user.id", EnvVar: "TRIAGE_USER_ID"},
	{Key: "user.email", EnvVar: "TRIAGE_USER_EMAIL"},
	{Key: "similar.limit", EnvVar: "TRIAGE_SIMILAR_LIMIT"},
	{Key: "similar.debounce", EnvVar: "TRIAGE_SIMILAR_DEBOUNCE"},
	{Key: "store.retry_max_elapsed", EnvVar: "TRIAGE_STORE_RETRY_MAX_ELAPSED"},
	{Key: "log.level", EnvVar: "TRIAGE_LOG_LEVEL"},
	{Key: "log.file", EnvVar: "TRIAGE_LOG_FILE"},
	{Key: "log.max_size_mb", EnvVar: "TRIAGE_LOG_MAX_SIZE_MB"},
	{Key: "log.max_backups", EnvVar: "TRIAGE_LOG_MAX_BACKUPS"},
	{Key: "telemetry.enabled", EnvVar: "TRIAGE_TELEMETRY_ENABLED"},
	{Key: "telemetry.stdout", EnvVar: "TRIAGE_TELEMETRY_STDOUT"},
	{Key: "telemetry.otlp_endpoint", EnvVar: "TRIAGE_TELEMETRY_OTLP_ENDPOINT"},
	{Key: "anthropic.api_key", EnvVar: "TRIAGE_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "TRIAGE_ANTHROPIC_MODEL"},
	{Key: "port", EnvVar: "TRIAGE_PORT"},
}

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
		if k.Key == "anthropic.api_key" {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a secret.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
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
		return fmt.Errorf("config file not found: %s (run 'triage config init' first)", cfgPath)
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
