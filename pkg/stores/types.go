package stores

import "time"

// RunRecord is one provisioning run as persisted in history.
type RunRecord struct {
	ID           string     `json:"id"`
	DryRun       bool       `json:"dry_run"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	FailedModule string     `json:"failed_module,omitempty"`
	Cause        string     `json:"cause,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ModuleRecord is one module's terminal outcome within a run.
type ModuleRecord struct {
	RunID       string     `json:"run_id"`
	ModuleID    string     `json:"module_id"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// RollbackRecord summarizes a rollback pass attached to a failed run.
type RollbackRecord struct {
	RunID     string `json:"run_id"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Detail    string `json:"detail,omitempty"`
}

// EventRecord is one phase event persisted for later inspection.
type EventRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Module    string    `json:"module,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
