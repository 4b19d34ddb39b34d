// Package monitor observes a provisioning run from outside the engine. It
// subscribes to phase events, persists them to run history, and samples
// in-flight modules against their advisory expected durations. The monitor
// only ever reads and reports; it never influences scheduling.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/hostrig/hostrig/pkg/stores"
	"github.com/hostrig/hostrig/pkg/telemetry"
)

const defaultSampleInterval = time.Second

// Monitor consumes phase events and runs a duration-overrun sampling loop
// on its own cancellation lane, independent of the run context.
type Monitor struct {
	store    *stores.HistoryStore
	logger   *telemetry.Logger
	expected map[string]time.Duration
	interval time.Duration

	mu      sync.Mutex
	running map[string]time.Time
	warned  map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. The store may be nil, in which case events are
// observed for overrun tracking but not persisted.
func New(store *stores.HistoryStore, logger *telemetry.Logger, expected map[string]time.Duration) *Monitor {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Monitor{
		store:    store,
		logger:   logger.NewComponentLogger("monitor"),
		expected: expected,
		interval: defaultSampleInterval,
		running:  make(map[string]time.Time),
		warned:   make(map[string]bool),
	}
}

// WithSampleInterval overrides the sampling cadence. Intended for tests.
func (m *Monitor) WithSampleInterval(interval time.Duration) *Monitor {
	if interval > 0 {
		m.interval = interval
	}
	return m
}

// Attach subscribes the monitor to the publisher's event stream.
func (m *Monitor) Attach(events *telemetry.EventPublisher) {
	if events == nil {
		return
	}
	events.Subscribe(m.handle, nil)
}

// Start launches the sampling loop. Stopping the monitor is decoupled from
// run cancellation: a cancelled run still gets its trailing events observed
// until Stop is called.
func (m *Monitor) Start() {
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sampleLoop(ctx)
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.done = nil
}

// handle is the event subscriber. It runs on the publisher's drain
// goroutine, so persistence uses a short independent timeout.
func (m *Monitor) handle(event telemetry.Event) {
	switch event.Type {
	case telemetry.EventTypeModuleStarted:
		m.mu.Lock()
		m.running[event.Module] = event.Timestamp
		m.mu.Unlock()
	case telemetry.EventTypeModuleCompleted, telemetry.EventTypeModuleFailed:
		m.mu.Lock()
		delete(m.running, event.Module)
		delete(m.warned, event.Module)
		m.mu.Unlock()
	}

	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &stores.EventRecord{
		RunID:     event.RunID,
		Module:    event.Module,
		Type:      event.Type,
		Level:     event.Level,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if err := m.store.AppendEvent(ctx, rec); err != nil {
		m.logger.WithError(err).Warn("failed to persist event")
	}
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sample(now)
		}
	}
}

// sample warns once per module per run when the execute phase overruns its
// advisory expected duration. Overruns are informational only.
func (m *Monitor) sample(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for moduleID, startedAt := range m.running {
		expected, ok := m.expected[moduleID]
		if !ok || expected <= 0 || m.warned[moduleID] {
			continue
		}
		if elapsed := now.Sub(startedAt); elapsed > expected {
			m.warned[moduleID] = true
			m.logger.WithModule(moduleID).Warnf(
				"running for %s, expected about %s",
				elapsed.Round(time.Second), expected,
			)
		}
	}
}

// Running returns the ids of modules currently in their execute phase.
func (m *Monitor) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}
