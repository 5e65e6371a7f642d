package session

import "time"

// EventKind names a session state transition.
type EventKind string

const (
	EventInitialized      EventKind = "session.initialized"
	EventLoggedIn         EventKind = "session.logged_in"
	EventLoggedOut        EventKind = "session.logged_out"
	EventTenantSwitched   EventKind = "session.tenant_switched"
	EventConnectionChange EventKind = "session.connection_changed"
)

// Event carries the details of a state transition for subscribers.
type Event struct {
	Kind       EventKind
	UserID     string
	TenantID   string
	Connection ConnectionState
	At         time.Time
}

// Sink receives session events. Implementations must not block; the manager
// emits synchronously while holding no locks.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(Event) {}
