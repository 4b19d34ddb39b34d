package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hostrig/hostrig/pkg/engine"
	"github.com/hostrig/hostrig/pkg/stores"
)

// RecordReport persists a finished run report into the history store: the
// run row, one row per module outcome, and the rollback summary when the
// run was compensated.
func RecordReport(ctx context.Context, store *stores.HistoryStore, report *engine.RunReport) error {
	if store == nil || report == nil {
		return nil
	}

	run := &stores.RunRecord{
		ID:           report.RunID,
		DryRun:       report.DryRun,
		Status:       string(report.Status),
		StartedAt:    report.StartedAt,
		DurationMS:   report.Duration.Milliseconds(),
		FailedModule: report.FailedModule,
		Cause:        report.Cause,
		CreatedAt:    report.StartedAt,
	}
	if !report.CompletedAt.IsZero() {
		t := report.CompletedAt
		run.CompletedAt = &t
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	if err := store.FinishRun(ctx, run); err != nil {
		return fmt.Errorf("recording run outcome: %w", err)
	}

	for _, result := range report.OrderedResults() {
		rec := &stores.ModuleRecord{
			RunID:      report.RunID,
			ModuleID:   result.ID,
			State:      string(result.State),
			Reason:     result.Reason,
			DurationMS: result.Duration.Milliseconds(),
		}
		if !result.StartedAt.IsZero() {
			t := result.StartedAt
			rec.StartedAt = &t
		}
		if !result.CompletedAt.IsZero() {
			t := result.CompletedAt
			rec.CompletedAt = &t
		}
		if err := store.SaveModuleResult(ctx, rec); err != nil {
			return fmt.Errorf("recording module %s: %w", result.ID, err)
		}
	}

	if report.Rollback != nil {
		detail := ""
		if len(report.Rollback.Failed) > 0 {
			type failDetail struct {
				Seq    int    `json:"seq"`
				Action string `json:"action"`
				Error  string `json:"error"`
			}
			details := make([]failDetail, 0, len(report.Rollback.Failed))
			for _, f := range report.Rollback.Failed {
				details = append(details, failDetail{
					Seq:    f.Entry.Seq,
					Action: f.Entry.Action,
					Error:  f.Err.Error(),
				})
			}
			if data, err := json.Marshal(details); err == nil {
				detail = string(data)
			}
		}
		rec := &stores.RollbackRecord{
			RunID:     report.RunID,
			Attempted: report.Rollback.Attempted,
			Succeeded: report.Rollback.Succeeded,
			Failed:    len(report.Rollback.Failed),
			Detail:    detail,
		}
		if err := store.SaveRollbackReport(ctx, rec); err != nil {
			return fmt.Errorf("recording rollback report: %w", err)
		}
	}
	return nil
}
