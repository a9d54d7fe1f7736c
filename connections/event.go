package connections

import (
	"fmt"
	"time"
)

// EventType discriminates Event.
type EventType uint8

const (
	// EventEstablished: the connection reached Active.
	EventEstablished EventType = iota + 1
	// EventDataReadable: Data holds bytes read from the peer.
	EventDataReadable
	// EventWriteFlushed: the pending-write queue emptied.  Send
	// backpressure for the handle is lifted.
	EventWriteFlushed
	// EventClosed: the connection closed gracefully.  Terminal.
	EventClosed
	// EventFailed: the connection failed.  Terminal for the handle;
	// when Final is false a reconnect under a new handle is scheduled
	// for RetryAt.
	EventFailed
	// EventReconnecting: a scheduled reconnect started.  Handle is the
	// new connection, Previous the failed one.
	EventReconnecting
)

var eventNames = map[EventType]string{
	EventEstablished:  "established",
	EventDataReadable: "data",
	EventWriteFlushed: "flushed",
	EventClosed:       "closed",
	EventFailed:       "failed",
	EventReconnecting: "reconnecting",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one notification produced by Poll.
type Event struct {
	Type   EventType
	Handle Handle

	// EventDataReadable
	Data []byte

	// EventFailed
	Err     error
	Kind    Kind
	Final   bool
	RetryAt time.Time

	// EventReconnecting
	Previous Handle
	Attempt  uint32
}

func (e Event) String() string {
	switch e.Type {
	case EventDataReadable:
		return fmt.Sprintf("%s %s (%d bytes)", e.Handle, e.Type, len(e.Data))
	case EventFailed:
		return fmt.Sprintf("%s %s [%s]: %v", e.Handle, e.Type, e.Kind, e.Err)
	case EventReconnecting:
		return fmt.Sprintf("%s %s (attempt %d after %s)", e.Handle, e.Type, e.Attempt, e.Previous)
	}
	return fmt.Sprintf("%s %s", e.Handle, e.Type)
}
