// Package commands implements the rig CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/config"
	"github.com/hostrig/hostrig/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rig",
		Short: "hostrig - single-host provisioning engine",
		Long: `hostrig provisions a single host from a declared set of modules.

Modules declare dependencies and run in batched parallel order. Completed
modules leave checkpoints so reruns skip finished work, and every mutating
step is journaled so a failed run rolls its own work back.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newArchiveCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig resolves the configuration and builds the root logger shared by
// all commands.
func loadConfig() (*config.Config, *telemetry.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: level, Format: logFormat()})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func logFormat() string {
	if jsonOutput {
		return "json"
	}
	return "console"
}
