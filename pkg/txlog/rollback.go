package txlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostrig/hostrig/pkg/runner"
	"github.com/hostrig/hostrig/pkg/telemetry"
)

// rollbackMarkerPrefix identifies the terminal entry appended after a
// rollback pass. Its own rollback command is a shell no-op.
const (
	rollbackMarkerPrefix  = "rollback completed"
	rollbackMarkerCommand = ":"
)

// Failure records one undo command that failed during rollback.
type Failure struct {
	Entry Entry
	Err   error
}

// Report summarizes a rollback pass.
type Report struct {
	// Attempted is the number of entries whose undo command was run.
	Attempted int `json:"attempted"`

	// Succeeded is the number of undo commands that completed.
	Succeeded int `json:"succeeded"`

	// Failed lists the entries whose undo command errored.
	Failed []Failure `json:"failed,omitempty"`
}

// Degraded reports whether any undo command failed. A degraded rollback
// still completed; the caller surfaces it to the operator.
func (r *Report) Degraded() bool {
	return len(r.Failed) > 0
}

// Summary renders the attempted/succeeded/failed counts.
func (r *Report) Summary() string {
	return fmt.Sprintf("attempted=%d succeeded=%d failed=%d", r.Attempted, r.Succeeded, len(r.Failed))
}

// Executor replays journal entries in reverse through a command runner.
//
// Policy is best-effort and non-stopping: a failing undo command is recorded
// and the pass continues, because abandoning the remaining entries would
// orphan more state than a partially degraded rollback.
type Executor struct {
	log    *Log
	runner runner.CommandRunner
	logger *telemetry.Logger

	// floor scopes the replay: only entries with Seq > floor are undone.
	// Zero replays the entire journal.
	floor int
}

// NewExecutor creates a rollback executor over the journal.
func NewExecutor(log *Log, run runner.CommandRunner, logger *telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Executor{log: log, runner: run, logger: logger.NewComponentLogger("rollback")}
}

// WithFloor returns an executor that only replays entries recorded after the
// given journal position. The orchestrator snapshots the journal length at
// run start and passes it here so a failed run never undoes the work of an
// earlier, already-checkpointed run.
func (e *Executor) WithFloor(floor int) *Executor {
	clone := *e
	clone.floor = floor
	return &clone
}

// Execute replays the in-scope journal entries newest-first and appends a
// terminal marker entry recording the outcome. The returned report is
// non-nil even when the pass was degraded; err is reserved for conditions
// that prevented the pass itself (unreadable journal, marker append failure).
func (e *Executor) Execute(ctx context.Context) (*Report, error) {
	entries, err := e.log.EntriesReverse()
	if err != nil {
		return nil, fmt.Errorf("txlog: read journal for rollback: %w", err)
	}

	report := &Report{}
	for _, entry := range entries {
		if entry.Seq <= e.floor {
			break // Remaining entries belong to earlier runs.
		}
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("txlog: rollback interrupted: %w", err)
		}

		report.Attempted++
		e.logger.WithField("seq", entry.Seq).Infof("undoing: %s", entry.Action)

		if _, err := e.runner.Run(ctx, entry.Rollback); err != nil {
			report.Failed = append(report.Failed, Failure{Entry: entry, Err: err})
			e.logger.WithError(err).WithField("seq", entry.Seq).
				Errorf("undo command failed, continuing: %s", entry.Rollback)
			continue
		}
		report.Succeeded++
	}

	marker := fmt.Sprintf("%s: %d/%d entries undone", rollbackMarkerPrefix, report.Succeeded, report.Attempted)
	if err := e.log.Record(marker, rollbackMarkerCommand); err != nil {
		return report, fmt.Errorf("txlog: append rollback marker: %w", err)
	}

	e.logger.Infof("rollback finished: %s", report.Summary())
	return report, nil
}

// IsRollbackMarker reports whether an entry is a terminal rollback marker.
func IsRollbackMarker(entry Entry) bool {
	return strings.HasPrefix(entry.Action, rollbackMarkerPrefix)
}
