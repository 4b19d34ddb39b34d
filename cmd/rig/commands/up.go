package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/checkpoint"
	"github.com/hostrig/hostrig/pkg/engine"
	"github.com/hostrig/hostrig/pkg/modules"
	"github.com/hostrig/hostrig/pkg/monitor"
	"github.com/hostrig/hostrig/pkg/runlock"
	"github.com/hostrig/hostrig/pkg/runner"
	"github.com/hostrig/hostrig/pkg/stores"
	"github.com/hostrig/hostrig/pkg/telemetry"
	"github.com/hostrig/hostrig/pkg/txlog"
)

func newUpCommand() *cobra.Command {
	var (
		dryRun        bool
		yes           bool
		force         []string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision the host",
		Long: `Provision the host by executing every registered module in dependency
order. Checkpointed modules are skipped; a failing module halts the run and
rolls back the journal entries this run recorded.`,
		Example: `  # Provision with the default configuration
  rig up --yes

  # Show what would run without executing anything
  rig up --dry-run

  # Re-execute a module despite its checkpoint
  rig up --yes --force devtools`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			registry := engine.NewRegistry()
			if err := registry.RegisterAll(modules.Builtin()...); err != nil {
				return err
			}
			if err := registry.Validate(); err != nil {
				return err
			}

			if !dryRun && !yes && !confirm(cmd, "Provision this host?") {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			// Only one mutating run at a time. Dry runs touch nothing and
			// do not take the lock.
			if !dryRun {
				lock := runlock.New(cfg.LockPath())
				if err := lock.Acquire(); err != nil {
					return fmt.Errorf("another run appears to be active: %w", err)
				}
				defer func() {
					if err := lock.Release(); err != nil {
						logger.WithError(err).Warn("failed to release run lock")
					}
				}()
			}

			checkpoints := checkpoint.NewStore(cfg.CheckpointDir())
			journal := txlog.NewLog(cfg.JournalPath())
			shell := runner.NewShellRunner()

			events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

			listen := metricsListen
			if listen == "" {
				listen = cfg.MetricsListen
			}
			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       listen != "",
				ListenAddress: listen,
			})
			if err := metrics.StartServer(); err != nil {
				logger.WithError(err).Warn("metrics listener unavailable")
			}
			defer metrics.Close()

			tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
				Enabled:  cfg.Tracing.Enabled,
				Exporter: cfg.Tracing.Exporter,
				Endpoint: cfg.Tracing.Endpoint,
				Insecure: cfg.Tracing.Insecure,
			}, "hostrig", cmd.Root().Version)
			if err != nil {
				return fmt.Errorf("initializing tracer: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					logger.WithError(err).Warn("tracer shutdown failed")
				}
			}()

			// Run history is informational; failing to open it degrades to
			// an unpersisted run rather than blocking provisioning.
			var history *stores.HistoryStore
			if !dryRun {
				history, err = stores.NewHistoryStore(cfg.HistoryPath())
				if err == nil {
					err = history.Init(ctx)
				}
				if err != nil {
					logger.WithError(err).Warn("run history unavailable")
					history = nil
				} else {
					defer history.Close()
				}
			}

			mon := monitor.New(history, logger, cfg.AdvisoryDurations())
			mon.Attach(events)
			mon.Start()

			orch := engine.NewOrchestrator(registry, checkpoints, journal, shell, cfg, logger).
				WithEvents(events).
				WithMetrics(metrics).
				WithTracer(tracer)

			report, runErr := orch.Run(ctx, engine.Options{
				DryRun: dryRun,
				Force:  forceSet(force),
			})

			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := events.Shutdown(flushCtx); err != nil {
				logger.WithError(err).Warn("event flush incomplete")
			}
			cancel()
			mon.Stop()

			if history != nil {
				if err := monitor.RecordReport(context.Background(), history, report); err != nil {
					logger.WithError(err).Warn("failed to persist run history")
				}
			}

			printReport(cmd, report)
			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and check prerequisites without executing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringSliceVar(&force, "force", nil, "re-execute these modules despite their checkpoints")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Prometheus listen address (overrides config)")

	return cmd
}

func forceSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printReport(cmd *cobra.Command, report *engine.RunReport) {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	fmt.Fprintf(out, "Run %s: %s\n", report.RunID, report.Summary())
	for _, result := range report.OrderedResults() {
		line := fmt.Sprintf("  %-12s %s", result.ID, result.State)
		if result.Duration > 0 {
			line += fmt.Sprintf(" (%s)", result.Duration.Round(time.Millisecond))
		}
		if result.Reason != "" {
			line += " " + result.Reason
		}
		fmt.Fprintln(out, line)
	}
	if report.Rollback != nil {
		fmt.Fprintf(out, "Rollback: %s\n", report.Rollback.Summary())
		for _, failure := range report.Rollback.Failed {
			fmt.Fprintf(out, "  entry %d (%s): %v\n", failure.Entry.Seq, failure.Entry.Action, failure.Err)
		}
	}
}
