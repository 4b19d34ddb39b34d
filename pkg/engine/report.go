package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hostrig/hostrig/pkg/txlog"
)

// RunStatus is the overall outcome of an orchestrator invocation.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPlanned   RunStatus = "planned"
	RunFailed    RunStatus = "failed"
)

// ModuleResult is the terminal record for one module in one run.
type ModuleResult struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Duration    time.Duration `json:"duration,omitempty"`

	// Err is the structured failure, if any.
	Err error `json:"-"`
}

// RunReport is the user-visible result of a run: final status, the failing
// module and its reason when the run failed, and the rollback summary.
type RunReport struct {
	RunID       string                   `json:"run_id"`
	DryRun      bool                     `json:"dry_run,omitempty"`
	Status      RunStatus                `json:"status"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt time.Time                `json:"completed_at,omitzero"`
	Duration    time.Duration            `json:"duration"`
	Modules     map[string]*ModuleResult `json:"modules"`

	// FailedModule identifies the module whose failure halted the run.
	FailedModule string `json:"failed_module,omitempty"`

	// Cause is the first fatal cause. A degraded rollback never replaces it.
	Cause string `json:"cause,omitempty"`

	// Rollback summarizes the compensation pass, when one ran.
	Rollback *txlog.Report `json:"rollback,omitempty"`
}

func newRunReport(runID string, dryRun bool) *RunReport {
	return &RunReport{
		RunID:     runID,
		DryRun:    dryRun,
		StartedAt: time.Now(),
		Modules:   make(map[string]*ModuleResult),
	}
}

// Success reports whether every module reached SKIPPED, COMPLETED, or (in a
// dry run) PLANNED.
func (r *RunReport) Success() bool {
	return r.Status == RunSucceeded || r.Status == RunPlanned
}

// ExitCode maps the report to the process exit status.
func (r *RunReport) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}

// Counts tallies terminal module states.
func (r *RunReport) Counts() map[State]int {
	counts := make(map[State]int)
	for _, m := range r.Modules {
		counts[m.State]++
	}
	return counts
}

// Summary renders a one-line human-readable result.
func (r *RunReport) Summary() string {
	counts := r.Counts()
	parts := []string{fmt.Sprintf("status=%s", r.Status)}
	for _, state := range []State{StateCompleted, StateSkipped, StatePlanned, StateBlocked, StateFailed} {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, n))
		}
	}
	if r.FailedModule != "" {
		parts = append(parts, fmt.Sprintf("failed_module=%s", r.FailedModule))
	}
	if r.Rollback != nil {
		parts = append(parts, fmt.Sprintf("rollback(%s)", r.Rollback.Summary()))
	}
	return strings.Join(parts, " ")
}

// OrderedResults returns module results sorted by identifier.
func (r *RunReport) OrderedResults() []*ModuleResult {
	results := make([]*ModuleResult, 0, len(r.Modules))
	for _, m := range r.Modules {
		results = append(results, m)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *RunReport) finish(status RunStatus) {
	r.Status = status
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}
