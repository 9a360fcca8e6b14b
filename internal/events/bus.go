package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 64

	// EventTypeSourceChanged identifies a debounced source tree change.
	EventTypeSourceChanged = "SourceChanged"
	// EventTypeBuildSucceeded identifies a successful session rebuild.
	EventTypeBuildSucceeded = "BuildSucceeded"
	// EventTypeBuildFailed identifies a rebuild that reported errors.
	EventTypeBuildFailed = "BuildFailed"
	// EventTypeProcessStarted identifies a supervised child launch.
	EventTypeProcessStarted = "ProcessStarted"
	// EventTypeProcessStopped identifies a supervisor-initiated termination.
	EventTypeProcessStopped = "ProcessStopped"
	// EventTypeProcessExited identifies a child that exited and was reaped.
	EventTypeProcessExited = "ProcessExited"
	// EventTypeCycleCoalesced identifies change events folded into a pending cycle.
	EventTypeCycleCoalesced = "CycleCoalesced"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is one lifecycle notification from the build loop.
type Event struct {
	Type      string
	Timestamp time.Time
	// Source names the emitter: a session name, "supervisor" or "watcher".
	Source   string
	PID      int
	Severity string
	Message  string
	Duration time.Duration
}

// Handler consumes a published event.
type Handler func(Event)

// Logger receives warnings for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Publisher is the write side used by the build loop components.
type Publisher interface {
	Publish(event Event)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Publisher
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the sink for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus delivers events to subscribers over buffered channels. A slow
// subscriber loses events rather than blocking the publisher.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	subs       []*subscriber
	closed     bool
	wg         sync.WaitGroup
}

type subscriber struct {
	eventType string
	ch        chan Event
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default().WithPrefix("events"),
	}
	for _, option := range options {
		if option != nil {
			option(bus)
		}
	}
	return bus
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	b.subscribe(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	b.subscribe("", handler)
}

func (b *InMemoryBus) subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	sub := &subscriber{eventType: eventType, ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}

// Publish delivers an event to matching subscribers without blocking.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Printf("events: dropping %s event from %s", event.Type, event.Source)
		}
	}
}

// Close stops delivery and waits for handlers to drain queued events.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop returns a publisher that discards events.
func Nop() Publisher {
	return nopPublisher{}
}
