package engine

import (
	"context"

	"github.com/hostrig/hostrig/pkg/checkpoint"
	"github.com/hostrig/hostrig/pkg/config"
	"github.com/hostrig/hostrig/pkg/runner"
	"github.com/hostrig/hostrig/pkg/telemetry"
	"github.com/hostrig/hostrig/pkg/txlog"
)

// Module is the capability contract every provisioning module implements.
//
// CheckPrerequisites must be side-effect free: it inspects configuration,
// the checkpoint store, and the environment, and returns an error describing
// why the module cannot run. Execute performs the mutating work; for every
// action it cannot trivially re-derive it must record a journal entry before
// (or atomically with) the corresponding side effect, so a crash mid-action
// still leaves an undo path. Modules never write their own checkpoint; the
// orchestrator does that after Execute reports success.
type Module interface {
	CheckPrerequisites(ctx context.Context, rc *RunContext) error
	Execute(ctx context.Context, rc *RunContext) error
}

// Descriptor binds a module identifier to its dependencies, its optional
// parallel group, and its implementation. Descriptors are immutable once
// registered; the registry is built once per run.
type Descriptor struct {
	// ID is the unique, stable module identifier.
	ID string

	// Dependencies lists module identifiers that must complete first.
	Dependencies []string

	// Group is the optional parallel-group tag. Modules sharing a tag and
	// having no dependency edge between them run in the same batch; sharing
	// a tag is the registration-time promise that they touch disjoint
	// resources.
	Group string

	// Impl is the module implementation.
	Impl Module
}

// RunContext carries the explicit collaborator handles a module works with.
// Handles are scoped to one run; modules never reach for process globals.
type RunContext struct {
	// Config is the resolved provisioning configuration.
	Config *config.Config

	// DryRun is set when the orchestrator is only planning and validating.
	// The orchestrator never calls Execute in dry-run mode, but checks may
	// consult the flag to skip environment probes that need privileges.
	DryRun bool

	// Logger is a module-scoped logger.
	Logger *telemetry.Logger

	// Checkpoints allows prerequisite checks to inspect cross-module
	// conditions beyond the declared dependency set.
	Checkpoints *checkpoint.Store

	// Journal is the shared transaction log modules record undo entries to.
	Journal *txlog.Log

	// Runner executes provisioning commands.
	Runner runner.CommandRunner
}

// State is a module's position in its per-run state machine.
//
//	PENDING -> SKIPPED                                (checkpoint exists)
//	PENDING -> CHECKING -> BLOCKED                    (prerequisite failure)
//	PENDING -> CHECKING -> PLANNED                    (dry run, check passed)
//	PENDING -> CHECKING -> RUNNING -> COMPLETED       (checkpoint written)
//	PENDING -> CHECKING -> RUNNING -> FAILED          (triggers run rollback)
type State string

const (
	StatePending   State = "pending"
	StateChecking  State = "checking"
	StateRunning   State = "running"
	StateSkipped   State = "skipped"
	StatePlanned   State = "planned"
	StateBlocked   State = "blocked"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the state ends a module's participation in the
// run.
func (s State) IsTerminal() bool {
	switch s {
	case StateSkipped, StatePlanned, StateBlocked, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Fatal reports whether the state halts the run.
func (s State) Fatal() bool {
	return s == StateBlocked || s == StateFailed
}

// ModuleFunc adapts a pair of functions to the Module interface. Check may
// be nil, in which case prerequisites always pass.
type ModuleFunc struct {
	Check func(ctx context.Context, rc *RunContext) error
	Run   func(ctx context.Context, rc *RunContext) error
}

// CheckPrerequisites implements Module.
func (m ModuleFunc) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	if m.Check == nil {
		return nil
	}
	return m.Check(ctx, rc)
}

// Execute implements Module.
func (m ModuleFunc) Execute(ctx context.Context, rc *RunContext) error {
	if m.Run == nil {
		return nil
	}
	return m.Run(ctx, rc)
}
