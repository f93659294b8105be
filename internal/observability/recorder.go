package observability

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event names emitted by the routing core.
const (
	EventRouteRegister   = "route.register"
	EventRouteReplace    = "route.replace"
	EventRouteUnregister = "route.unregister"
	EventForwardNotFound = "forward.not_found"
	EventStateTransition = "endpoint.state"
	EventDisconnect      = "endpoint.disconnect"
	EventRetryAttempt    = "retry.attempt"
	EventSessionOpened   = "session.opened"
	EventSessionClosed   = "session.closed"
	EventRouteDeferred   = "route.unregister.deferred"
)

// Recorder is the sink for state transitions and retry attempts.
type Recorder interface {
	Record(event string, attrs map[string]any)
}

// NopRecorder drops every event.
type NopRecorder struct{}

func (NopRecorder) Record(string, map[string]any) {}

// LogRecorder writes events through zerolog at debug level.
type LogRecorder struct {
	Logger *zerolog.Logger
}

// NewLogRecorder binds a recorder to the global zerolog logger.
func NewLogRecorder() LogRecorder {
	return LogRecorder{}
}

func (r LogRecorder) Record(event string, attrs map[string]any) {
	logger := r.Logger
	if logger == nil {
		logger = &log.Logger
	}
	logger.Debug().Fields(attrs).Msg(event)
}

// RecordedEvent is one captured event.
type RecordedEvent struct {
	Name  string
	Attrs map[string]any
}

// MemoryRecorder keeps every event in order; used by tests and the admin surface.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(event string, attrs map[string]any) {
	copied := make(map[string]any, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Name: event, Attrs: copied})
}

// Events returns a copy of all recorded events.
func (r *MemoryRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns event names in record order.
func (r *MemoryRecorder) Names() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}

// Count returns how many events named name were recorded.
func (r *MemoryRecorder) Count(name string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Name == name {
			n++
		}
	}
	return n
}
