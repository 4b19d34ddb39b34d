package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostrig/hostrig/pkg/runlock"
	"github.com/hostrig/hostrig/pkg/txlog"
)

func newArchiveCommand() *cobra.Command {
	var destination string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive the transaction journal and start a fresh one",
		Long: `Copy the journal to an archive file and truncate the live journal.
Archiving is the way to retire journal entries whose side effects are now
permanent; rolled-up history stays inspectable in the archive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
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

			journal := txlog.NewLog(cfg.JournalPath())
			dst := destination
			if dst == "" {
				dst = fmt.Sprintf("%s.%s", cfg.JournalPath(), time.Now().Format("20060102T150405"))
			}
			if err := journal.Archive(dst); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Journal archived to %s\n", dst)
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "out", "o", "", "archive destination (default: journal path with timestamp suffix)")

	return cmd
}
