package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"imagedecloner/internal/config"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/logging"
)

// version is set via ldflags at build time
var version = "dev"

var (
	configPath string
	logLevel   string
	logJSON    bool
	dbPath     string
	strategy   string
	threshold  float64
	workers    int

	// cfg and logger are ready once PersistentPreRunE has run.
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "imagedecloner",
	Short: "Find and manage near-duplicate images",
	Long: `imagedecloner finds groups of near-duplicate images in a folder or a
remote photo library and helps delete the redundant copies.

Each image is reduced to a compact feature (a perceptual hash by default).
Images whose features are within the threshold of each other are linked,
and linked images form groups. Deleting an image removes it from its group
without rescanning.

Sources:
  <folder>     a local directory
  remote:      the photo library service (run 'imagedecloner auth login' first)

Example usage:
  imagedecloner scan ./photos              # Show duplicate groups
  imagedecloner clean --dry-run ./photos   # Preview what would be deleted
  imagedecloner serve remote:              # Browse groups over HTTP
  imagedecloner history                    # Past scans and deletions`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command with ctx, which is cancelled on interrupt.
func Execute(ctx context.Context) error {
	return fang.Execute(ctx, rootCmd)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON lines")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the SQLite history database (default from config)")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "phash", fmt.Sprintf("Feature strategy %v", feature.Names()))
	rootCmd.PersistentFlags().Float64Var(&threshold, "threshold", -1, "Similarity threshold (negative = strategy default, lower = stricter)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 8, "Number of parallel workers")
}

// setup loads the config file and lets explicitly set flags override it.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		loaded.HistoryDB = dbPath
	}
	if flags.Changed("strategy") {
		loaded.Strategy = strategy
	}
	if flags.Changed("threshold") {
		loaded.Threshold = threshold
	}
	if flags.Changed("workers") {
		loaded.Workers = workers
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	l, err := logging.New(os.Stderr, logLevel, !logJSON)
	if err != nil {
		return err
	}

	cfg = loaded
	logger = l
	return nil
}
