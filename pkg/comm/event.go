package comm

import (
	"fmt"
	"time"
)

// EventKind identifies what a dispatched Event describes.
type EventKind uint8

const (
	EventConnectionEstablished EventKind = iota
	EventDisconnect
	EventMessage
	EventTimer
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionEstablished:
		return "CONNECTION_ESTABLISHED"
	case EventDisconnect:
		return "DISCONNECT"
	case EventMessage:
		return "MESSAGE"
	case EventTimer:
		return "TIMER"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("EVENT(%d)", k)
	}
}

// Event is the value delivered to dispatch handlers and response
// callbacks. Payload is only set for MESSAGE events; Header is set when
// the event originated from a framed message.
type Event struct {
	Kind    EventKind
	Peer    Address
	Local   Address
	Proxy   string // proxy name the peer is known by, if any
	Err     error  // non-nil for ERROR, DISCONNECT and TIMEOUT deliveries
	Header  Header
	Payload []byte
	Arrived time.Time // monotonic arrival timestamp
}

func (e *Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s peer=%s err=%v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s peer=%s len=%d", e.Kind, e.Peer, len(e.Payload))
}

// DispatchHandler receives events for a connection or listener. Calls
// are made from the application worker pool, never from a reactor
// goroutine, so implementations may block without starving I/O.
type DispatchHandler interface {
	Handle(ev *Event)
}

// DispatchFunc adapts a function to the DispatchHandler interface.
type DispatchFunc func(ev *Event)

func (f DispatchFunc) Handle(ev *Event) { f(ev) }
