package host

import (
	"errors"
	"fmt"
)

// EventKind is the kind of execution event a thread reports to its hook.
type EventKind uint8

const (
	EventCall EventKind = iota
	EventReturn
	EventLine
	EventCCall
	EventCReturn
	EventCException
	// EventContextChanged is never emitted by a thread. Samplers report it
	// when the logically active task changes.
	EventContextChanged
)

var ErrUnknownEvent = errors.New("unknown event")

var eventNames = [...]string{
	EventCall:           "call",
	EventReturn:         "return",
	EventLine:           "line",
	EventCCall:          "c_call",
	EventCReturn:        "c_return",
	EventCException:     "c_exception",
	EventContextChanged: "context_changed",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ParseEventKind decodes an event name. Matching is exact, so "Call" or
// "RETURN" are rejected rather than normalized.
func ParseEventKind(name string) (EventKind, error) {
	for k, n := range eventNames {
		if n == name {
			return EventKind(k), nil
		}
	}
	return 0, fmt.Errorf("host: %w: %q", ErrUnknownEvent, name)
}

// Builtin is the argument of C call events: the function without
// source that is being entered or left.
type Builtin struct {
	Name string
}

// ContextChange is the argument of EventContextChanged.
type ContextChange struct {
	New        any
	Old        any
	AwaitStack []string
}
