package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/checkpoint"
	"github.com/hostrig/hostrig/pkg/runlock"
	"github.com/hostrig/hostrig/pkg/runner"
	"github.com/hostrig/hostrig/pkg/txlog"
)

func newRollbackCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Replay the whole transaction journal in reverse",
		Long: `Undo every journaled action, newest first. A failing undo command is
reported and skipped; the pass continues to older entries. Unlike the
automatic rollback after a failed run, this command is not scoped to a
single run: it replays the entire journal and revokes every module
checkpoint, so the next run rebuilds from scratch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			journal := txlog.NewLog(cfg.JournalPath())
			entries, err := journal.Entries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Journal is empty, nothing to roll back.")
				return nil
			}

			if !yes && !confirm(cmd, fmt.Sprintf("Undo %d journaled actions?", len(entries))) {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			lock := runlock.New(cfg.LockPath())
			if err := lock.Acquire(); err != nil {
				return fmt.Errorf("another run appears to be active: %w", err)
			}
			defer func() {
				if err := lock.Release(); err != nil {
					logger.WithError(err).Warn("failed to release run lock")
				}
			}()

			executor := txlog.NewExecutor(journal, runner.NewShellRunner(), logger)
			report, execErr := executor.Execute(ctx)
			if report != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Rollback: %s\n", report.Summary())
				for _, failure := range report.Failed {
					fmt.Fprintf(cmd.OutOrStdout(), "  entry %d (%s): %v\n",
						failure.Entry.Seq, failure.Entry.Action, failure.Err)
				}
			}
			if execErr != nil {
				return execErr
			}

			// The journaled work is undone; the completion markers must
			// go with it or the next run would skip the rebuilt modules.
			checkpoints := checkpoint.NewStore(cfg.CheckpointDir())
			ids, err := checkpoints.List()
			if err != nil {
				return fmt.Errorf("listing checkpoints: %w", err)
			}
			revoked := 0
			for _, id := range ids {
				if err := checkpoints.Remove(id); err != nil {
					logger.WithError(err).WithModule(id).Warn("failed to revoke checkpoint")
					continue
				}
				revoked++
			}
			if revoked > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d checkpoints.\n", revoked)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}
