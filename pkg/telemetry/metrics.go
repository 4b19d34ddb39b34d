package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for provisioning runs. A disabled
// instance is a no-op so call sites never have to branch.
type Metrics struct {
	config MetricsConfig

	runsStarted     prometheus.Counter
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	modulesByState  *prometheus.CounterVec
	moduleDuration  *prometheus.HistogramVec
	checkpointHits  prometheus.Counter
	journalEntries  prometheus.Counter
	rollbackEntries *prometheus.CounterVec
	activeModules   prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "hostrig"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of provisioning runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of provisioning runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of provisioning runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		modulesByState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_total",
			Help:      "Total number of modules reaching a terminal state",
		}, []string{"state"}),
		moduleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_duration_seconds",
			Help:      "Duration of module execution in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
		checkpointHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_hits_total",
			Help:      "Total number of modules skipped via checkpoint",
		}),
		journalEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_total",
			Help:      "Total number of transaction journal entries recorded",
		}),
		rollbackEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_entries_total",
			Help:      "Total number of rollback entries replayed",
		}, []string{"result"}),
		activeModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_modules",
			Help:      "Number of modules currently executing",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.modulesByState, m.moduleDuration,
		m.checkpointHits, m.journalEntries, m.rollbackEntries,
		m.activeModules,
	)
	return m
}

// RecordRunStarted increments the started-runs counter.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a finished run with its final status.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordModuleState records a module reaching a terminal state.
func (m *Metrics) RecordModuleState(state string) {
	if m == nil || m.registry == nil {
		return
	}
	m.modulesByState.WithLabelValues(state).Inc()
}

// RecordModuleDuration records how long a module's execute phase took.
func (m *Metrics) RecordModuleDuration(moduleID string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.moduleDuration.WithLabelValues(moduleID).Observe(duration.Seconds())
}

// RecordCheckpointHit records a module skipped on checkpoint existence.
func (m *Metrics) RecordCheckpointHit() {
	if m == nil || m.registry == nil {
		return
	}
	m.checkpointHits.Inc()
}

// RecordJournalEntry records one appended transaction entry.
func (m *Metrics) RecordJournalEntry() {
	if m == nil || m.registry == nil {
		return
	}
	m.journalEntries.Inc()
}

// RecordRollbackEntry records one replayed rollback entry.
func (m *Metrics) RecordRollbackEntry(result string) {
	if m == nil || m.registry == nil {
		return
	}
	m.rollbackEntries.WithLabelValues(result).Inc()
}

// ModuleRunning adjusts the in-flight module gauge.
func (m *Metrics) ModuleRunning(delta float64) {
	if m == nil || m.registry == nil {
		return
	}
	m.activeModules.Add(delta)
}

// StartServer starts the metrics HTTP listener if one is configured.
func (m *Metrics) StartServer() error {
	if m == nil || m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The listener is advisory; a bind failure never fails a run.
			fmt.Println("metrics listener:", err)
		}
	}()
	return nil
}

// Close shuts down the metrics listener if one is running.
func (m *Metrics) Close() error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Close()
}
