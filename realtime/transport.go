package realtime

// TransportEventType distinguishes connection edges from decoded push events.
type TransportEventType string

const (
	// TransportConnected is delivered once per successful (re)connect.
	TransportConnected TransportEventType = "connected"
	// TransportDisconnected is delivered once when a physical connection drops.
	TransportDisconnected TransportEventType = "disconnected"
	// TransportPush carries one decoded push event.
	TransportPush TransportEventType = "push"
)

// TransportEvent is one item on a transport's event stream.
type TransportEvent struct {
	Type  TransportEventType
	Event Event
}

// Transport is the push-channel capability the core consumes. A transport
// delivers each event at most once per physical connection; reconnect policy
// is the transport's own concern and happens outside the core's control.
type Transport interface {
	// Emit sends one event frame. It returns ErrNotConnected while the
	// channel is down; it never blocks on reconnection.
	Emit(event string, payload any) error

	// Connected reports whether a physical connection is currently up.
	Connected() bool

	// Events delivers connection edges and decoded push events in arrival
	// order. The channel is closed when the transport shuts down.
	Events() <-chan TransportEvent

	// Close tears the transport down and closes the event stream.
	Close() error
}
