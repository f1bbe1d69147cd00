package switchctl

import "time"

// EventType identifies a control-plane event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventRinging      EventType = "ringing"
	EventAnswered     EventType = "answered"
	EventHangup       EventType = "hangup"
)

// Event is a typed control-plane notification. Call-lifecycle events carry
// the external call identifier assigned by the switch.
type Event struct {
	Type       EventType
	ExternalID string
	Channel    string
	Cause      int
	Err        error
	Fatal      bool
	At         time.Time
}
