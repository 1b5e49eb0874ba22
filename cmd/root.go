package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/git"
	"github.com/joescharf/triage/internal/issues"
	"github.com/joescharf/triage/internal/output"
	"github.com/joescharf/triage/internal/store"
	"github.com/joescharf/triage/internal/telemetry"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	repo      *issues.Repository
	gitClient git.Client = git.NewClient()

	verbose   bool
	dryRun    bool
	useMemory bool
)

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Triage - track issues through open, in progress and done",
	Long: `triage is a small issue tracker.
It records issues with a title, description, priority and assignee,
enforces that work is started before it is finished, and warns about
likely duplicates when new issues are filed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDeps()
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		closeDeps()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "Use an in-memory store (nothing is persisted)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/triage/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TRIAGE")
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config default relative to the config dir.
func setDefaults(configDir string) {
	viper.SetDefault("state_dir", configDir)
	viper.SetDefault("db_path", filepath.Join(configDir, "triage.db"))
	viper.SetDefault("user.id", os.Getenv("USER"))
	viper.SetDefault("user.email", "")
	viper.SetDefault("similar.limit", 3)
	viper.SetDefault("similar.debounce", "500ms")
	viper.SetDefault("store.retry_max_elapsed", "5s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.stdout", false)
	viper.SetDefault("telemetry.otlp_endpoint", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	cfg := telemetry.Config{
		Enabled:      viper.GetBool("telemetry.enabled"),
		Stdout:       viper.GetBool("telemetry.stdout"),
		OTLPEndpoint: viper.GetString("telemetry.otlp_endpoint"),
	}
	if err := telemetry.Init(context.Background(), cfg, "triage", buildVersion); err != nil {
		ui.Warning("Telemetry disabled: %v", err)
	}

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// closeDeps flushes telemetry and closes the store if it was opened.
func closeDeps() {
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
		repo = nil
	}
	telemetry.Shutdown(context.Background())
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	if useMemory {
		ui.VerboseLog("Using in-memory store")
		dataStore = telemetry.WrapStore(store.NewMemoryStore())
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath,
		store.WithRetryMaxElapsed(viper.GetDuration("store.retry_max_elapsed")),
		store.WithLogger(newLogger(os.Stderr)),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	ui.VerboseLog("Using database %s", dbPath)
	dataStore = telemetry.WrapStore(s)
	return dataStore, nil
}

// getRepository returns the shared issue repository.
func getRepository() (*issues.Repository, error) {
	if repo != nil {
		return repo, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	repo = issues.NewRepository(s, issues.WithLogger(newLogger(os.Stderr)))
	return repo, nil
}

// newLogger builds a text slog logger at the configured level. Verbose mode
// forces debug.
func newLogger(w *os.File) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel()}))
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// currentUser returns the configured creator identity. A blank email falls
// back to git's user.email for the working directory.
func currentUser() (id, email string) {
	id, email = viper.GetString("user.id"), viper.GetString("user.email")
	if email != "" {
		return id, email
	}
	gitID, err := gitClient.Identity(".")
	if err != nil {
		ui.VerboseLog("No git identity: %v", err)
		return id, email
	}
	return id, gitID.Email
}
