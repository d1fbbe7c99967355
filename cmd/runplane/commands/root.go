package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/config"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runplane",
		Short: "runplane - run orchestration for external execution engines",
		Long: `runplane turns registered functions and tasks into runs, packages each
run into a runnable for an external execution engine, submits it and tracks
its status until the engine reports a terminal state.

Runs move forward only:
  CREATED -> BUILT -> RUNNING -> COMPLETED | FAILED`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFunctionCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newURNCommand())

	return rootCmd
}

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}
