package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/hostrig/hostrig/pkg/checkpoint"
	"github.com/hostrig/hostrig/pkg/config"
	"github.com/hostrig/hostrig/pkg/runner"
	"github.com/hostrig/hostrig/pkg/telemetry"
	"github.com/hostrig/hostrig/pkg/txlog"
)

// Options control one orchestrator invocation.
type Options struct {
	// DryRun computes the plan and runs prerequisite checks, but never
	// executes, never checkpoints, and never appends to the journal.
	DryRun bool

	// Force lists module ids to re-execute even when checkpointed.
	Force map[string]bool

	// RunID overrides the generated run identifier. Intended for tests.
	RunID string
}

// Orchestrator walks the execution plan batch by batch, consulting the
// checkpoint store, driving module check/execute phases, and invoking the
// rollback executor when a run fails.
//
// Every invocation recomputes the plan and re-reads checkpoint existence
// from scratch; nothing is cached across invocations, which is what makes
// reruns both correct and cheap.
type Orchestrator struct {
	registry    *Registry
	checkpoints *checkpoint.Store
	journal     *txlog.Log
	cmdRunner   runner.CommandRunner
	cfg         *config.Config
	logger      *telemetry.Logger

	events  *telemetry.EventPublisher
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewOrchestrator creates an orchestrator over explicit store handles.
func NewOrchestrator(
	registry *Registry,
	checkpoints *checkpoint.Store,
	journal *txlog.Log,
	cmdRunner runner.CommandRunner,
	cfg *config.Config,
	logger *telemetry.Logger,
) *Orchestrator {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Orchestrator{
		registry:    registry,
		checkpoints: checkpoints,
		journal:     journal,
		cmdRunner:   cmdRunner,
		cfg:         cfg,
		logger:      logger.NewComponentLogger("orchestrator"),
	}
}

// WithEvents attaches the phase-event publisher.
func (o *Orchestrator) WithEvents(events *telemetry.EventPublisher) *Orchestrator {
	o.events = events
	return o
}

// WithMetrics attaches the metrics collector.
func (o *Orchestrator) WithMetrics(metrics *telemetry.Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// WithTracer attaches the tracer.
func (o *Orchestrator) WithTracer(tracer *telemetry.Tracer) *Orchestrator {
	o.tracer = tracer
	return o
}

// Run executes the plan. The returned report is always non-nil; err carries
// the first fatal cause when the run failed.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (report *RunReport, err error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	log := o.logger.WithRunID(runID)
	report = newRunReport(runID, opts.DryRun)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartRun(ctx, runID)
		defer func() { telemetry.EndSpan(span, err) }()
	}

	plan, err := o.registry.BuildPlan()
	if err != nil {
		report.Cause = err.Error()
		report.finish(RunFailed)
		return report, err
	}
	log.Infof("plan computed: %d modules in %d batches", plan.ModuleCount(), len(plan.Batches))

	if plan.ModuleCount() == 0 {
		report.finish(o.successStatus(opts))
		return report, nil
	}

	if !opts.DryRun {
		if err := o.journal.Init(); err != nil {
			serr := NewStorageError("journal initialization failed", err)
			report.Cause = serr.Error()
			report.finish(RunFailed)
			return report, serr
		}
	}

	// The journal length at run start scopes any rollback to entries this
	// run records; earlier runs' work is never undone by this run's failure.
	floor, err := o.journal.Count()
	if err != nil {
		serr := NewStorageError("journal unreadable at run start", err)
		report.Cause = serr.Error()
		report.finish(RunFailed)
		return report, serr
	}

	o.metrics.RecordRunStarted()
	o.events.PublishPhase(telemetry.EventTypeRunStarted, runID, "", telemetry.EventLevelInfo,
		"provisioning run started (%d modules)", plan.ModuleCount())

	fatalModule, fatalErr := o.runBatches(ctx, plan, report, opts, runID, log)

	if !opts.DryRun {
		if count, cerr := o.journal.Count(); cerr == nil {
			for i := floor; i < count; i++ {
				o.metrics.RecordJournalEntry()
			}
		}
	}

	if fatalErr == nil {
		if cerr := ctx.Err(); cerr != nil {
			fatalErr = NewExecutionError("run cancelled", cerr)
		}
	}

	if fatalErr != nil {
		report.FailedModule = fatalModule
		report.Cause = fatalErr.Error()
		o.compensate(ctx, report, opts, floor, runID, log)
		report.finish(RunFailed)
		o.metrics.RecordRunCompleted(string(RunFailed), report.Duration)
		o.events.PublishPhase(telemetry.EventTypeRunFailed, runID, fatalModule, telemetry.EventLevelError,
			"provisioning run failed: %v", fatalErr)
		return report, fatalErr
	}

	report.finish(o.successStatus(opts))
	o.metrics.RecordRunCompleted(string(report.Status), report.Duration)
	o.events.PublishPhase(telemetry.EventTypeRunCompleted, runID, "", telemetry.EventLevelInfo,
		"provisioning run completed: %s", report.Summary())
	return report, nil
}

func (o *Orchestrator) successStatus(opts Options) RunStatus {
	if opts.DryRun {
		return RunPlanned
	}
	return RunSucceeded
}

// runBatches walks the plan with a barrier between batches. On the first
// batch containing a BLOCKED or FAILED member it stops launching and returns
// that member; in-flight siblings have already reached their own terminal
// state through the barrier, never by forced termination.
func (o *Orchestrator) runBatches(
	ctx context.Context,
	plan *Plan,
	report *RunReport,
	opts Options,
	runID string,
	log *telemetry.Logger,
) (string, error) {
	for bi, batch := range plan.Batches {
		batchCtx := ctx
		var batchSpan trace.Span
		if o.tracer != nil {
			batchCtx, batchSpan = o.tracer.StartBatch(ctx, bi, len(batch))
		}

		var wg sync.WaitGroup
		for _, id := range batch {
			desc, _ := o.registry.Resolve(id)
			result := &ModuleResult{ID: id, State: StatePending}
			report.Modules[id] = result

			if !opts.Force[id] && o.checkpoints.Exists(id) {
				result.State = StateSkipped
				o.metrics.RecordCheckpointHit()
				o.metrics.RecordModuleState(string(StateSkipped))
				o.events.PublishPhase(telemetry.EventTypeModuleSkipped, runID, id, telemetry.EventLevelInfo,
					"checkpoint present, skipping")
				log.WithModule(id).Debug("checkpoint present, skipping")
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runModule(batchCtx, desc, result, opts, runID, log)
			}()
		}
		wg.Wait()

		var batchErr error
		failedID := ""
		for _, id := range batch {
			result := report.Modules[id]
			if result.State.Fatal() && batchErr == nil {
				failedID, batchErr = id, result.Err
			}
		}
		if batchSpan != nil {
			telemetry.EndSpan(batchSpan, batchErr)
		}
		if batchErr != nil {
			return failedID, batchErr
		}
		if err := ctx.Err(); err != nil {
			return "", NewExecutionError("run cancelled between batches", err)
		}
	}
	return "", nil
}

// runModule drives one module through its state machine to a terminal state.
func (o *Orchestrator) runModule(
	ctx context.Context,
	desc Descriptor,
	result *ModuleResult,
	opts Options,
	runID string,
	log *telemetry.Logger,
) {
	mlog := log.WithModule(desc.ID)
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.StartModule(ctx, desc.ID)
		defer func() { telemetry.EndSpan(span, result.Err) }()
	}

	rc := &RunContext{
		Config:      o.cfg,
		DryRun:      opts.DryRun,
		Logger:      mlog,
		Checkpoints: o.checkpoints,
		Journal:     o.journal,
		Runner:      o.cmdRunner,
	}

	result.State = StateChecking
	o.events.PublishPhase(telemetry.EventTypeModuleChecking, runID, desc.ID, telemetry.EventLevelInfo,
		"checking prerequisites")

	if err := desc.Impl.CheckPrerequisites(ctx, rc); err != nil {
		result.State = StateBlocked
		result.Err = NewPrerequisiteError("prerequisite check failed", err).
			WithModule(desc.ID).WithOperation("check")
		result.Reason = err.Error()
		o.metrics.RecordModuleState(string(StateBlocked))
		o.events.PublishPhase(telemetry.EventTypeModuleBlocked, runID, desc.ID, telemetry.EventLevelError,
			"blocked: %v", err)
		mlog.WithError(err).Error("prerequisite check failed")
		return
	}

	if opts.DryRun {
		result.State = StatePlanned
		o.metrics.RecordModuleState(string(StatePlanned))
		mlog.Info("prerequisites satisfied (dry run, not executing)")
		return
	}

	result.State = StateRunning
	result.StartedAt = time.Now()
	o.metrics.ModuleRunning(1)
	o.events.PublishPhase(telemetry.EventTypeModuleStarted, runID, desc.ID, telemetry.EventLevelInfo,
		"executing")
	mlog.Info("executing")

	execErr := desc.Impl.Execute(ctx, rc)

	o.metrics.ModuleRunning(-1)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	o.metrics.RecordModuleDuration(desc.ID, result.Duration)

	if execErr != nil {
		result.State = StateFailed
		result.Err = NewExecutionError("module execution failed", execErr).
			WithModule(desc.ID).WithOperation("execute")
		result.Reason = execErr.Error()
		o.metrics.RecordModuleState(string(StateFailed))
		o.events.PublishPhase(telemetry.EventTypeModuleFailed, runID, desc.ID, telemetry.EventLevelError,
			"execution failed: %v", execErr)
		mlog.WithError(execErr).Error("execution failed")
		return
	}

	// The work happened; failing to remember it as done is worse than the
	// module failing, so a checkpoint write error is fatal storage trouble.
	if err := o.checkpoints.Create(desc.ID); err != nil {
		result.State = StateFailed
		result.Err = NewStorageError("checkpoint write failed after successful execution", err).
			WithModule(desc.ID)
		result.Reason = result.Err.Error()
		o.metrics.RecordModuleState(string(StateFailed))
		o.events.PublishPhase(telemetry.EventTypeModuleFailed, runID, desc.ID, telemetry.EventLevelError,
			"checkpoint write failed: %v", err)
		mlog.WithError(err).Error("checkpoint write failed")
		return
	}

	result.State = StateCompleted
	o.metrics.RecordModuleState(string(StateCompleted))
	o.events.PublishPhase(telemetry.EventTypeModuleCompleted, runID, desc.ID, telemetry.EventLevelInfo,
		"completed in %s", result.Duration.Round(time.Millisecond))
	mlog.Infof("completed in %s", result.Duration.Round(time.Millisecond))
}

// compensate runs the scoped rollback after a fatal failure. Entries from
// before this run's floor are left alone. A rollback failure is logged and
// attached to the report but never replaces the original cause.
func (o *Orchestrator) compensate(
	ctx context.Context,
	report *RunReport,
	opts Options,
	floor int,
	runID string,
	log *telemetry.Logger,
) {
	if opts.DryRun {
		return
	}

	count, err := o.journal.Count()
	if err != nil {
		log.WithError(err).Error("journal unreadable, rollback not attempted")
		return
	}
	if count <= floor {
		log.Info("no transactions recorded by this run, nothing to roll back")
		return
	}

	o.events.PublishPhase(telemetry.EventTypeRollbackStarted, runID, "", telemetry.EventLevelWarning,
		"rolling back %d transactions", count-floor)

	// Rollback proceeds even when the run context was cancelled; abandoning
	// compensation would orphan the very state the journal exists to undo.
	rbCtx := context.WithoutCancel(ctx)
	executor := txlog.NewExecutor(o.journal, o.cmdRunner, log).WithFloor(floor)
	rbReport, rbErr := executor.Execute(rbCtx)
	report.Rollback = rbReport

	if rbReport != nil {
		for i := 0; i < rbReport.Succeeded; i++ {
			o.metrics.RecordRollbackEntry("succeeded")
		}
		for range rbReport.Failed {
			o.metrics.RecordRollbackEntry("failed")
		}
	}
	if rbErr != nil {
		log.WithError(rbErr).Error("rollback pass incomplete")
	}
	if rbReport != nil && rbReport.Degraded() {
		log.Warnf("rollback degraded: %s", rbReport.Summary())
	}

	// Modules that completed during this run just had their journal
	// entries replayed, so their checkpoints no longer describe finished
	// work. Revoke them so the next run re-executes instead of skipping.
	if rbErr == nil {
		for id, result := range report.Modules {
			if result.State != StateCompleted {
				continue
			}
			if err := o.checkpoints.Remove(id); err != nil {
				log.WithError(err).WithModule(id).Error("failed to revoke checkpoint of rolled-back module")
				continue
			}
			result.Reason = "rolled back"
			log.WithModule(id).Info("checkpoint revoked, module re-executes on the next run")
		}
	}

	o.events.PublishPhase(telemetry.EventTypeRollbackCompleted, runID, "", telemetry.EventLevelWarning,
		"rollback finished: %s", rollbackSummary(rbReport, rbErr))
}

func rollbackSummary(report *txlog.Report, err error) string {
	if report == nil {
		return fmt.Sprintf("not executed: %v", err)
	}
	return report.Summary()
}
