package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event type constants.
const (
	ServiceStarting    = "service.starting"
	ServiceOperational = "service.operational"
	ServiceUnhealthy   = "service.unhealthy"
	ServiceExited      = "service.exited"
	ServicePaused      = "service.paused"
	ServiceUnpaused    = "service.unpaused"
	ServiceRestarted   = "service.restarted"
	ProjectStarted     = "project.started"
	ProjectStopped     = "project.stopped"
	RetryExhausted     = "retry.exhausted"
	CommandFailed      = "command.failed"
	ProgramRestarted   = "program.restarted"
	ProgramReloaded    = "program.reloaded"
	ProgramInterrupted = "program.interrupted"
)

// Event is a lifecycle observation about one service of a compose project.
// Service is empty for project-wide events.
type Event struct {
	Type      string            `json:"type"`
	Project   string            `json:"project"`
	Service   string            `json:"service,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Emitter logs events and dispatches them to registered handlers.
// A nil *Emitter is valid and drops every event.
type Emitter struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers []func(Event)
}

// NewEmitter creates a new event emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger: logger.With("component", "events"),
	}
}

// Emit logs the event and calls all registered handlers.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	attrs := []any{
		"event", ev.Type,
		"project", ev.Project,
	}
	if ev.Service != "" {
		attrs = append(attrs, "service", ev.Service)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	e.logger.Info("event emitted", attrs...)

	e.mu.RLock()
	handlers := slices.Clone(e.handlers)
	e.mu.RUnlock()

	for _, fn := range handlers {
		if fn != nil {
			fn(ev)
		}
	}
}

// OnEvent registers a handler to be called for every emitted event.
// Returns an ID that can be used with RemoveHandler.
func (e *Emitter) OnEvent(fn func(Event)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
	return len(e.handlers) - 1
}

// RemoveHandler removes a handler by its ID.
func (e *Emitter) RemoveHandler(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= 0 && id < len(e.handlers) {
		e.handlers[id] = nil
	}
}
