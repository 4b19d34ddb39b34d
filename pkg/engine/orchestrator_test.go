package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hostrig/hostrig/pkg/checkpoint"
	"github.com/hostrig/hostrig/pkg/config"
	"github.com/hostrig/hostrig/pkg/runner"
	"github.com/hostrig/hostrig/pkg/txlog"
)

type harness struct {
	orch        *Orchestrator
	registry    *Registry
	checkpoints *checkpoint.Store
	journal     *txlog.Log
	recorder    *runner.Recorder

	mu       sync.Mutex
	executed []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		registry:    NewRegistry(),
		checkpoints: checkpoint.NewStore(filepath.Join(dir, "checkpoints")),
		journal:     txlog.NewLog(filepath.Join(dir, "journal.log")),
		recorder:    &runner.Recorder{},
	}
	cfg := &config.Config{StateDir: dir}
	h.orch = NewOrchestrator(h.registry, h.checkpoints, h.journal, h.recorder, cfg, nil)
	return h
}

func (h *harness) markExecuted(id string) {
	h.mu.Lock()
	h.executed = append(h.executed, id)
	h.mu.Unlock()
}

func (h *harness) executionOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

// register adds a module that records its execution order in the harness.
func (h *harness) register(t *testing.T, id string, deps []string, group string, impl ModuleFunc) {
	t.Helper()
	run := impl.Run
	impl.Run = func(ctx context.Context, rc *RunContext) error {
		h.markExecuted(id)
		if run == nil {
			return nil
		}
		return run(ctx, rc)
	}
	if err := h.registry.Register(Descriptor{ID: id, Dependencies: deps, Group: group, Impl: impl}); err != nil {
		t.Fatalf("Register %s failed: %v", id, err)
	}
}

func TestOrchestrator_AllModulesComplete(t *testing.T) {
	h := newHarness(t)
	h.register(t, "base", nil, "", ModuleFunc{})
	h.register(t, "mid", []string{"base"}, "", ModuleFunc{})
	h.register(t, "top", []string{"mid"}, "", ModuleFunc{})

	report, err := h.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunSucceeded {
		t.Fatalf("Expected status %s, got %s", RunSucceeded, report.Status)
	}
	for _, id := range []string{"base", "mid", "top"} {
		result := report.Modules[id]
		if result == nil || result.State != StateCompleted {
			t.Errorf("Expected %s completed, got %+v", id, result)
		}
		if !h.checkpoints.Exists(id) {
			t.Errorf("Expected checkpoint for %s", id)
		}
	}

	order := h.executionOrder()
	if len(order) != 3 || order[0] != "base" || order[1] != "mid" || order[2] != "top" {
		t.Errorf("Expected dependency order base,mid,top, got %v", order)
	}
}

func TestOrchestrator_RerunSkipsCompletedModules(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", nil, "", ModuleFunc{})
	h.register(t, "b", []string{"a"}, "", ModuleFunc{})

	if _, err := h.orch.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	report, err := h.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if report.Status != RunSucceeded {
		t.Fatalf("Expected status %s, got %s", RunSucceeded, report.Status)
	}
	for _, id := range []string{"a", "b"} {
		if report.Modules[id].State != StateSkipped {
			t.Errorf("Expected %s skipped on rerun, got %s", id, report.Modules[id].State)
		}
	}
	if n := len(h.executionOrder()); n != 2 {
		t.Errorf("Expected 2 total executions across both runs, got %d", n)
	}
}

func TestOrchestrator_MixedSkippedAndCompleted(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", nil, "", ModuleFunc{})
	h.register(t, "b", nil, "", ModuleFunc{})

	if err := h.checkpoints.Create("a"); err != nil {
		t.Fatalf("Create checkpoint failed: %v", err)
	}

	report, err := h.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := report.Modules["a"].State; got != StateSkipped {
		t.Errorf("Expected a skipped, got %s", got)
	}
	if got := report.Modules["b"].State; got != StateCompleted {
		t.Errorf("Expected b completed, got %s", got)
	}
}

func TestOrchestrator_ForceReexecutesCheckpointed(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", nil, "", ModuleFunc{})

	if err := h.checkpoints.Create("a"); err != nil {
		t.Fatalf("Create checkpoint failed: %v", err)
	}

	report, err := h.orch.Run(context.Background(), Options{Force: map[string]bool{"a": true}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Modules["a"].State != StateCompleted {
		t.Errorf("Expected forced module completed, got %s", report.Modules["a"].State)
	}
	if len(h.executionOrder()) != 1 {
		t.Errorf("Expected forced module to execute, got %v", h.executionOrder())
	}
}

func TestOrchestrator_DryRunPlansWithoutExecuting(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", nil, "", ModuleFunc{})
	h.register(t, "b", []string{"a"}, "", ModuleFunc{})

	report, err := h.orch.Run(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunPlanned {
		t.Fatalf("Expected status %s, got %s", RunPlanned, report.Status)
	}
	for _, id := range []string{"a", "b"} {
		if report.Modules[id].State != StatePlanned {
			t.Errorf("Expected %s planned, got %s", id, report.Modules[id].State)
		}
		if h.checkpoints.Exists(id) {
			t.Errorf("Expected no checkpoint for %s after dry run", id)
		}
	}
	if len(h.executionOrder()) != 0 {
		t.Errorf("Expected no executions in dry run, got %v", h.executionOrder())
	}
	if _, err := os.Stat(h.journal.Path()); !os.IsNotExist(err) {
		t.Error("Expected dry run to leave no journal file")
	}
}

func TestOrchestrator_EmptyRegistrySucceedsImmediately(t *testing.T) {
	h := newHarness(t)

	report, err := h.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Errorf("Expected status %s, got %s", RunSucceeded, report.Status)
	}
	if len(report.Modules) != 0 {
		t.Errorf("Expected no module results, got %d", len(report.Modules))
	}
}

func TestOrchestrator_BlockedModuleHaltsRun(t *testing.T) {
	h := newHarness(t)
	h.register(t, "gate", nil, "", ModuleFunc{
		Check: func(ctx context.Context, rc *RunContext) error {
			return errors.New("tool missing")
		},
	})
	h.register(t, "after", []string{"gate"}, "", ModuleFunc{})

	report, err := h.orch.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("Expected run error")
	}
	if !IsPrerequisite(err) {
		t.Errorf("Expected prerequisite error, got %v", err)
	}
	if report.Status != RunFailed {
		t.Errorf("Expected status %s, got %s", RunFailed, report.Status)
	}
	if report.Modules["gate"].State != StateBlocked {
		t.Errorf("Expected gate blocked, got %s", report.Modules["gate"].State)
	}
	if report.FailedModule != "gate" {
		t.Errorf("Expected failed module gate, got %q", report.FailedModule)
	}
	if len(h.executionOrder()) != 0 {
		t.Errorf("Expected no executions, got %v", h.executionOrder())
	}
	// Nothing mutated, so no rollback pass ran.
	if report.Rollback != nil {
		t.Errorf("Expected no rollback, got %s", report.Rollback.Summary())
	}
}

func TestOrchestrator_FailureRollsBackThisRunsEntries(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ok", nil, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			return rc.Journal.Record("ok step", "undo-ok")
		},
	})
	h.register(t, "boom", []string{"ok"}, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			if err := rc.Journal.Record("boom step 1", "undo-boom-1"); err != nil {
				return err
			}
			if err := rc.Journal.Record("boom step 2", "undo-boom-2"); err != nil {
				return err
			}
			return errors.New("install exploded")
		},
	})

	report, err := h.orch.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("Expected run error")
	}
	if !IsExecution(err) {
		t.Errorf("Expected execution error, got %v", err)
	}
	if report.Rollback == nil {
		t.Fatal("Expected a rollback report")
	}
	if report.Rollback.Attempted != 3 || report.Rollback.Succeeded != 3 {
		t.Errorf("Expected rollback {3,3}, got %s", report.Rollback.Summary())
	}

	// Undo commands ran newest-first.
	commands := h.recorder.Commands()
	want := []string{"undo-boom-2", "undo-boom-1", "undo-ok"}
	if len(commands) != len(want) {
		t.Fatalf("Expected %d undo commands, got %v", len(want), commands)
	}
	for i := range want {
		if commands[i] != want[i] {
			t.Errorf("Expected %q at position %d, got %q", want[i], i, commands[i])
		}
	}

	// The rollback undid ok's work, so its checkpoint must go with it.
	if h.checkpoints.Exists("ok") {
		t.Error("Expected ok's checkpoint revoked after its entries were undone")
	}
	if report.Modules["ok"].Reason != "rolled back" {
		t.Errorf("Expected ok marked rolled back, got %q", report.Modules["ok"].Reason)
	}
	if h.checkpoints.Exists("boom") {
		t.Error("Expected no checkpoint for the failed module")
	}
}

func TestOrchestrator_RolledBackModulesReexecuteOnRerun(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ok", nil, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			return rc.Journal.Record("ok step", "undo-ok")
		},
	})
	failOnce := true
	h.register(t, "boom", []string{"ok"}, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			if failOnce {
				failOnce = false
				return errors.New("transient failure")
			}
			return nil
		},
	})

	if _, err := h.orch.Run(context.Background(), Options{}); err == nil {
		t.Fatal("Expected first run to fail")
	}
	commands := h.recorder.Commands()
	if len(commands) != 1 || commands[0] != "undo-ok" {
		t.Fatalf("Expected ok's work undone, got %v", commands)
	}

	report, err := h.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report.Modules["ok"].State != StateCompleted {
		t.Errorf("Expected ok re-executed after rollback, got %s", report.Modules["ok"].State)
	}
	if report.Modules["boom"].State != StateCompleted {
		t.Errorf("Expected boom completed on rerun, got %s", report.Modules["boom"].State)
	}
	if got := h.executionOrder(); len(got) != 4 {
		t.Errorf("Expected ok to run in both passes, got %v", got)
	}
}

func TestOrchestrator_RollbackScopedToCurrentRun(t *testing.T) {
	h := newHarness(t)
	h.register(t, "first", nil, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			return rc.Journal.Record("first run step", "undo-first")
		},
	})

	if _, err := h.orch.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	h.recorder.Reset()

	h.register(t, "second", []string{"first"}, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			if err := rc.Journal.Record("second run step", "undo-second"); err != nil {
				return err
			}
			return errors.New("failed after mutating")
		},
	})

	report, err := h.orch.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("Expected run error")
	}
	if report.Modules["first"].State != StateSkipped {
		t.Errorf("Expected first skipped, got %s", report.Modules["first"].State)
	}
	if report.Rollback == nil {
		t.Fatal("Expected a rollback report")
	}
	if report.Rollback.Attempted != 1 {
		t.Errorf("Expected only the second run's entry rolled back, got %s", report.Rollback.Summary())
	}
	commands := h.recorder.Commands()
	if len(commands) != 1 || commands[0] != "undo-second" {
		t.Errorf("Expected [undo-second], got %v", commands)
	}

	// The first run's entry is still in the journal, followed by the
	// second run's entry and the rollback marker.
	entries, err := h.journal.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 journal entries, got %d", len(entries))
	}
	if entries[0].Rollback != "undo-first" {
		t.Errorf("Expected the earlier run's entry preserved, got %q", entries[0].Rollback)
	}
	if !txlog.IsRollbackMarker(entries[2]) {
		t.Errorf("Expected terminal rollback marker, got %q", entries[2].Action)
	}
}

func TestOrchestrator_FailureWithoutEntriesSkipsRollback(t *testing.T) {
	h := newHarness(t)
	h.register(t, "boom", nil, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			return errors.New("failed before mutating")
		},
	})

	report, err := h.orch.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("Expected run error")
	}
	if report.Rollback != nil {
		t.Errorf("Expected no rollback pass, got %s", report.Rollback.Summary())
	}
	count, err := h.journal.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no journal entries (and no marker), got %d", count)
	}
}

func TestOrchestrator_GroupMembersRunConcurrently(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	wg.Add(2)
	waitForPeer := func() error {
		wg.Done()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("peer never started")
		}
	}

	h.register(t, "base", nil, "", ModuleFunc{})
	h.register(t, "left", []string{"base"}, "apps", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error { return waitForPeer() },
	})
	h.register(t, "right", []string{"base"}, "apps", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error { return waitForPeer() },
	})

	report, err := h.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("Expected status %s, got %s: %s", RunSucceeded, report.Status, report.Summary())
	}
}

func TestOrchestrator_ConfigurationErrorRunsNothing(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", []string{"b"}, "", ModuleFunc{})
	h.register(t, "b", []string{"a"}, "", ModuleFunc{})

	report, err := h.orch.Run(context.Background(), Options{})
	if !IsConfiguration(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if report.Status != RunFailed {
		t.Errorf("Expected status %s, got %s", RunFailed, report.Status)
	}
	if len(report.Modules) != 0 {
		t.Errorf("Expected no module results, got %d", len(report.Modules))
	}
	if len(h.executionOrder()) != 0 {
		t.Errorf("Expected no executions, got %v", h.executionOrder())
	}
}

func TestOrchestrator_CancelledContextStopsLaunching(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	h.register(t, "first", nil, "", ModuleFunc{
		Run: func(ctx context.Context, rc *RunContext) error {
			cancel()
			return nil
		},
	})
	h.register(t, "second", []string{"first"}, "", ModuleFunc{})

	report, err := h.orch.Run(ctx, Options{})
	if err == nil {
		t.Fatal("Expected run error after cancellation")
	}
	if report.Status != RunFailed {
		t.Errorf("Expected status %s, got %s", RunFailed, report.Status)
	}
	// The in-flight module finished; the next batch never launched.
	if report.Modules["first"].State != StateCompleted {
		t.Errorf("Expected first completed, got %s", report.Modules["first"].State)
	}
	if _, launched := report.Modules["second"]; launched {
		t.Error("Expected second to never launch")
	}
}
