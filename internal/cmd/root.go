// Package cmd implements the corpusd command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/annolab/corpusd/internal/config"
	"github.com/annolab/corpusd/internal/observability"
)

// versionInfo is populated at build time via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "corpusd",
	Short: "Corpus annotation scheduler",
	Long: `corpusd schedules annotation pipeline runs over corpora held in a
storage tier. It exposes an HTTP API for resource lifecycle and job
control, and advances a bounded FIFO job queue on a periodic tick.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default ./corpusd.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging level (debug, info, warn, error)")
}

// Execute runs the root command. It returns the process exit code.
func Execute() int {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		observability.Sync()
		return 1
	}
	observability.Sync()
	return 0
}

// loadConfig builds the runtime configuration, applying the persistent
// --config and --log-level flags, and initializes the process logger.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if cfgFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", cfgFile); err != nil {
			return nil, fmt.Errorf("set config path: %w", err)
		}
	}

	var overrides []map[string]any
	if logLevel != "" {
		overrides = append(overrides, map[string]any{
			"logging": map[string]any{"level": logLevel},
		})
	}

	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, err
	}
	if err := observability.InitLogging(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
