package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/config"
	"github.com/hostrig/hostrig/pkg/engine"
	"github.com/hostrig/hostrig/pkg/modules"
	"github.com/hostrig/hostrig/pkg/txlog"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, module graph, and journal integrity",
		Example: `  # One-shot validation
  rig validate -c hostrig.yaml

  # Re-validate whenever the config file changes
  rig validate -c hostrig.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				return runValidation(cmd)
			}
			if configPath == "" {
				return fmt.Errorf("--watch requires --config")
			}

			if err := runValidation(cmd); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Invalid: %v\n", err)
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("creating watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(configPath); err != nil {
				return fmt.Errorf("watching %s: %w", configPath, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes...\n", configPath)
			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
						continue
					}
					// Editors often replace the file; re-add after rename.
					if event.Has(fsnotify.Create) {
						_ = watcher.Add(configPath)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] config changed\n", time.Now().Format(time.TimeOnly))
					if err := runValidation(cmd); err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "Invalid: %v\n", err)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the config file changes")

	return cmd
}

func runValidation(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if fieldErrs := config.Validate(cfg); len(fieldErrs) > 0 {
		reasons := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			reasons = append(reasons, fe.Error())
		}
		return fmt.Errorf("configuration invalid: %s", strings.Join(reasons, "; "))
	}

	registry := engine.NewRegistry()
	if err := registry.RegisterAll(modules.Builtin()...); err != nil {
		return err
	}
	if err := registry.Validate(); err != nil {
		return err
	}

	journal := txlog.NewLog(cfg.JournalPath())
	if err := journal.Validate(); err != nil {
		return err
	}

	plan, err := registry.BuildPlan()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Valid: %d modules, %d batches, journal ok\n", plan.ModuleCount(), len(plan.Batches))
	return nil
}
