package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a phase event emitted by the orchestrator. The engine never
// blocks on event delivery; the monitoring collaborator consumes events on
// its own scheduling lane.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Module is the associated module identifier, if applicable.
	Module string `json:"module,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific values.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTypeRunStarted        = "run.started"
	EventTypeRunCompleted      = "run.completed"
	EventTypeRunFailed         = "run.failed"
	EventTypeModuleSkipped     = "module.skipped"
	EventTypeModuleChecking    = "module.checking"
	EventTypeModuleStarted     = "module.started"
	EventTypeModuleCompleted   = "module.completed"
	EventTypeModuleBlocked     = "module.blocked"
	EventTypeModuleFailed      = "module.failed"
	EventTypeRollbackStarted   = "rollback.started"
	EventTypeRollbackCompleted = "rollback.completed"
)

// Event severity constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher is an asynchronous phase-event bus. Publish never blocks
// the caller: events queue into a buffer drained by a single goroutine, and
// an overflowing buffer drops the event rather than stalling a run.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates an event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	ep.wg.Add(1)
	go ep.drain()
	return ep
}

// Publish queues an event for delivery. A disabled publisher and a full
// buffer are both silent no-ops from the engine's point of view.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case ep.buffer <- event:
	case <-ep.ctx.Done():
	default:
		// Buffer full. Dropping is preferable to stalling the run.
	}
}

// PublishPhase is a convenience for orchestrator phase transitions.
func (ep *EventPublisher) PublishPhase(eventType, runID, module, level, format string, args ...interface{}) {
	ep.Publish(Event{
		Type:    eventType,
		RunID:   runID,
		Module:  module,
		Message: fmt.Sprintf(format, args...),
		Level:   level,
	})
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) drain() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.ctx.Done():
			// Flush whatever is still queued before exiting.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops delivery after flushing queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
