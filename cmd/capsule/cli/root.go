package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/capsulebuild/capsule/cmd/capsule/config"
	"github.com/capsulebuild/capsule/lib/paths"
)

var (
	cfg      *config.Config
	appPaths *paths.Paths
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Build, test, sign and publish container images",
	Long: `capsule turns a declarative definition file into an immutable,
signed container image and publishes it to a registry.

The pipeline runs strictly forward: definition -> sandbox -> smoke
tests -> packaged archive -> signature -> registry. A failure at any
stage aborts the pipeline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		appPaths = paths.New(cfg.DataDir, cfg.ConfigDir)
		if err := appPaths.Ensure(); err != nil {
			return fmt.Errorf("prepare data directories: %w", err)
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		}))
		slog.SetDefault(logger)
		return nil
	},
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// exitCode carries a sandboxed command's exit status out to Execute, so
// deferred cleanups run before the process exits.
var exitCode int

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
