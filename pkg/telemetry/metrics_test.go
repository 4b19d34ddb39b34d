package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.RecordRunStarted()
	m.RecordRunCompleted("succeeded", time.Second)
	m.RecordModuleState("completed")
	m.RecordModuleDuration("desktop", time.Second)
	m.RecordCheckpointHit()
	m.RecordJournalEntry()
	m.RecordRollbackEntry("failed")
	m.ModuleRunning(1)
	m.ModuleRunning(-1)

	if err := m.StartServer(); err != nil {
		t.Errorf("Expected disabled StartServer to succeed, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Expected disabled Close to succeed, got %v", err)
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRunStarted()
	m.RecordRollbackEntry("succeeded")
	m.ModuleRunning(1)
}

func TestMetrics_RecordsCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.RecordRunStarted()
	m.RecordRunStarted()
	m.RecordCheckpointHit()
	m.RecordJournalEntry()
	m.RecordRollbackEntry("succeeded")
	m.RecordRollbackEntry("succeeded")
	m.RecordRollbackEntry("failed")

	if got := testutil.ToFloat64(m.runsStarted); got != 2 {
		t.Errorf("Expected 2 started runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkpointHits); got != 1 {
		t.Errorf("Expected 1 checkpoint hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.rollbackEntries.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("Expected 2 succeeded rollback entries, got %v", got)
	}
	if got := testutil.ToFloat64(m.rollbackEntries.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed rollback entry, got %v", got)
	}
}

func TestMetrics_ModuleRunningGauge(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.ModuleRunning(1)
	m.ModuleRunning(1)
	m.ModuleRunning(-1)

	if got := testutil.ToFloat64(m.activeModules); got != 1 {
		t.Errorf("Expected 1 active module, got %v", got)
	}
}

func TestMetrics_ModuleStateLabels(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.RecordModuleState("completed")
	m.RecordModuleState("completed")
	m.RecordModuleState("failed")

	if got := testutil.ToFloat64(m.modulesByState.WithLabelValues("completed")); got != 2 {
		t.Errorf("Expected 2 completed modules, got %v", got)
	}
	if got := testutil.ToFloat64(m.modulesByState.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed module, got %v", got)
	}
}
