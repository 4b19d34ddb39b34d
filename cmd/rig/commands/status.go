package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/checkpoint"
	"github.com/hostrig/hostrig/pkg/stores"
	"github.com/hostrig/hostrig/pkg/txlog"
)

func newStatusCommand() *cobra.Command {
	var (
		historyCount int
		showEvents   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpoints, journal state, and run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			checkpoints := checkpoint.NewStore(cfg.CheckpointDir())
			done, err := checkpoints.List()
			if err != nil {
				return err
			}

			journal := txlog.NewLog(cfg.JournalPath())
			entries, err := journal.Entries()
			if err != nil {
				return err
			}

			if jsonOutput {
				status := map[string]interface{}{
					"checkpoints":     done,
					"journal_entries": len(entries),
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintf(out, "Checkpoints (%d):\n", len(done))
			for _, id := range done {
				line := "  " + id
				if at, err := checkpoints.CompletedAt(id); err == nil {
					line += " (completed " + at.Format(time.RFC3339) + ")"
				}
				fmt.Fprintln(out, line)
			}

			fmt.Fprintf(out, "Journal: %d entries\n", len(entries))
			for _, entry := range entries {
				marker := ""
				if txlog.IsRollbackMarker(entry) {
					marker = " [rollback marker]"
				}
				fmt.Fprintf(out, "  %3d %s %s%s\n",
					entry.Seq, entry.Timestamp.Format(time.RFC3339), entry.Action, marker)
			}

			if historyCount <= 0 {
				return nil
			}

			history, err := stores.NewHistoryStore(cfg.HistoryPath())
			if err == nil {
				err = history.Init(ctx)
			}
			if err != nil {
				fmt.Fprintf(out, "Run history unavailable: %v\n", err)
				return nil
			}
			defer history.Close()

			runs, err := history.ListRuns(ctx, historyCount, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Recent runs (%d):\n", len(runs))
			for _, run := range runs {
				line := fmt.Sprintf("  %s %s started %s", run.ID, run.Status,
					run.StartedAt.Format(time.RFC3339))
				if run.FailedModule != "" {
					line += " failed_module=" + run.FailedModule
				}
				fmt.Fprintln(out, line)

				if rb, err := history.RollbackReportByRun(ctx, run.ID); err == nil {
					fmt.Fprintf(out, "    rollback: attempted=%d succeeded=%d failed=%d\n",
						rb.Attempted, rb.Succeeded, rb.Failed)
				} else if !errors.Is(err, stores.ErrNotFound) {
					fmt.Fprintf(out, "    rollback report unavailable: %v\n", err)
				}

				if showEvents {
					events, err := history.EventsByRun(ctx, run.ID, 100, 0)
					if err != nil {
						return err
					}
					for _, event := range events {
						fmt.Fprintf(out, "    %s %-18s %s\n",
							event.Timestamp.Format(time.RFC3339), event.Type, event.Message)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&historyCount, "history", 0, "also show the N most recent runs")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include persisted events per run (with --history)")

	return cmd
}
