package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostrig/hostrig/pkg/engine"
	"github.com/hostrig/hostrig/pkg/stores"
	"github.com/hostrig/hostrig/pkg/telemetry"
	"github.com/hostrig/hostrig/pkg/txlog"
)

func newTestStore(t *testing.T) *stores.HistoryStore {
	t.Helper()
	store, err := stores.NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewHistoryStore failed: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMonitor_TracksRunningModules(t *testing.T) {
	mon := New(nil, nil, nil)

	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleStarted, Module: "desktop", Timestamp: time.Now()})
	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleStarted, Module: "sysprep", Timestamp: time.Now()})

	running := mon.Running()
	if len(running) != 2 {
		t.Fatalf("Expected 2 running modules, got %v", running)
	}

	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleCompleted, Module: "sysprep"})
	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleFailed, Module: "desktop"})

	if running := mon.Running(); len(running) != 0 {
		t.Errorf("Expected no running modules, got %v", running)
	}
}

func TestMonitor_IgnoresNonPhaseEvents(t *testing.T) {
	mon := New(nil, nil, nil)

	mon.handle(telemetry.Event{Type: telemetry.EventTypeRunStarted})
	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleChecking, Module: "desktop"})

	if running := mon.Running(); len(running) != 0 {
		t.Errorf("Expected no running modules, got %v", running)
	}
}

func TestMonitor_SampleWarnsOncePerOverrun(t *testing.T) {
	mon := New(nil, nil, map[string]time.Duration{"desktop": time.Minute})

	started := time.Now().Add(-2 * time.Minute)
	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleStarted, Module: "desktop", Timestamp: started})
	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleStarted, Module: "sysprep", Timestamp: started})

	mon.sample(time.Now())
	if !mon.warned["desktop"] {
		t.Error("Expected overrun warning for desktop")
	}
	if mon.warned["sysprep"] {
		t.Error("Expected no warning for module without an advisory duration")
	}

	// A second sample must not re-warn, and completion clears the flag.
	mon.sample(time.Now())
	if !mon.warned["desktop"] {
		t.Error("Expected warning flag to persist across samples")
	}
	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleCompleted, Module: "desktop"})
	if mon.warned["desktop"] {
		t.Error("Expected warning flag cleared on completion")
	}
}

func TestMonitor_SampleRespectsExpectedDuration(t *testing.T) {
	mon := New(nil, nil, map[string]time.Duration{"desktop": time.Hour})

	mon.handle(telemetry.Event{Type: telemetry.EventTypeModuleStarted, Module: "desktop", Timestamp: time.Now()})
	mon.sample(time.Now())

	if mon.warned["desktop"] {
		t.Error("Expected no warning before the advisory duration elapses")
	}
}

func TestMonitor_PersistsEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &stores.RunRecord{ID: "run-1", Status: "running", StartedAt: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	mon := New(store, nil, nil)
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	mon.Attach(events)

	events.PublishPhase(telemetry.EventTypeModuleStarted, "run-1", "desktop", telemetry.EventLevelInfo, "executing")
	events.PublishPhase(telemetry.EventTypeModuleCompleted, "run-1", "desktop", telemetry.EventLevelInfo, "done in %s", time.Second)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := events.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got, err := store.EventsByRun(ctx, "run-1", 10, 0)
	if err != nil {
		t.Fatalf("EventsByRun failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 persisted events, got %d", len(got))
	}
	if got[0].Type != telemetry.EventTypeModuleStarted || got[0].Module != "desktop" {
		t.Errorf("Unexpected first event: %+v", got[0])
	}
	if got[1].Message != "done in 1s" {
		t.Errorf("Expected formatted message, got %q", got[1].Message)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	mon := New(nil, nil, nil).WithSampleInterval(time.Millisecond)

	mon.Start()
	mon.Start() // idempotent
	time.Sleep(10 * time.Millisecond)
	mon.Stop()
	mon.Stop() // idempotent
}

func TestRecordReport_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	completed := started.Add(5 * time.Second)
	report := &engine.RunReport{
		RunID:       "run-1",
		Status:      engine.RunFailed,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    5 * time.Second,
		Modules: map[string]*engine.ModuleResult{
			"sysprep": {ID: "sysprep", State: engine.StateCompleted, StartedAt: started, CompletedAt: started.Add(time.Second), Duration: time.Second},
			"desktop": {ID: "desktop", State: engine.StateFailed, Reason: "install exploded"},
		},
		FailedModule: "desktop",
		Cause:        "install exploded",
		Rollback: &txlog.Report{
			Attempted: 2,
			Succeeded: 1,
			Failed: []txlog.Failure{
				{Entry: txlog.Entry{Seq: 2, Action: "installed desktop"}, Err: errors.New("undo exploded")},
			},
		},
	}

	if err := RecordReport(ctx, store, report); err != nil {
		t.Fatalf("RecordReport failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != "failed" || run.FailedModule != "desktop" || run.Cause != "install exploded" {
		t.Errorf("Unexpected run record: %+v", run)
	}
	if run.CompletedAt == nil || !run.CompletedAt.Equal(completed) {
		t.Errorf("Expected completed_at %s, got %v", completed, run.CompletedAt)
	}

	results, err := store.ModuleResultsByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ModuleResultsByRun failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 module results, got %d", len(results))
	}
	byID := make(map[string]*stores.ModuleRecord, len(results))
	for _, rec := range results {
		byID[rec.ModuleID] = rec
	}
	if byID["desktop"].State != "failed" || byID["desktop"].Reason != "install exploded" {
		t.Errorf("Unexpected desktop record: %+v", byID["desktop"])
	}
	if byID["desktop"].StartedAt != nil {
		t.Errorf("Expected nil started_at for module that never started, got %v", byID["desktop"].StartedAt)
	}
	if byID["sysprep"].DurationMS != 1000 {
		t.Errorf("Expected sysprep duration 1000ms, got %d", byID["sysprep"].DurationMS)
	}

	rollback, err := store.RollbackReportByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("RollbackReportByRun failed: %v", err)
	}
	if rollback.Attempted != 2 || rollback.Succeeded != 1 || rollback.Failed != 1 {
		t.Errorf("Unexpected rollback record: %+v", rollback)
	}
	if rollback.Detail == "" {
		t.Error("Expected failure detail recorded")
	}
}

func TestRecordReport_NilStoreIsNoop(t *testing.T) {
	if err := RecordReport(context.Background(), nil, &engine.RunReport{RunID: "x"}); err != nil {
		t.Fatalf("Expected nil error for nil store, got %v", err)
	}
}
