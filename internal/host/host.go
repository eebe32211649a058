// Package host models the execution threads of a profiled program.
//
// A Thread owns a stack of Frames and a single hook slot. Every call,
// return, line and C call it executes is reported to the installed hook,
// which is how samplers observe the program. A Thread, its frames and its
// hook belong to one goroutine and are not safe for concurrent use.
package host

import (
	"sync"
	"sync/atomic"

	"github.com/getsentry/stacksampler/internal/frame"
)

type (
	// Hook receives the events of a thread.
	Hook func(f *Frame, kind EventKind, arg any)

	// Code is a code location: a function body. Frames executing the same
	// Code share its identifier, which is formatted once.
	Code struct {
		Name      string
		File      string
		FirstLine int
		Coroutine bool

		once       sync.Once
		identifier string
	}

	Frame struct {
		Code *Code
		Back *Frame
		Line int
		// ClassName is set when the function runs as a method.
		ClassName string
		// Hide asks tools to leave the frame out of tracebacks and profiles.
		Hide bool
	}

	Thread struct {
		ID   int64
		Name string

		top  *Frame
		hook Hook
		ctx  *Context
	}
)

var lastThreadID atomic.Int64

func (c *Code) Identifier() string {
	c.once.Do(func() {
		c.identifier = frame.NewIdentifier(c.Name, c.File, c.FirstLine)
	})
	return c.identifier
}

// Info returns the frame info of this occurrence of the code.
func (f *Frame) Info() string {
	attributes := make([]string, 0, 3)
	if f.ClassName != "" {
		attributes = append(attributes, frame.ClassNameAttribute(f.ClassName))
	}
	attributes = append(attributes, frame.LineAttribute(f.Line))
	if f.Hide {
		attributes = append(attributes, frame.HideAttribute())
	}
	return frame.Encode(f.Code.Identifier(), attributes)
}

func NewThread(name string) *Thread {
	return &Thread{
		ID:   lastThreadID.Add(1),
		Name: name,
		ctx:  NewContext(),
	}
}

// Identifier returns the pseudo frame identifier rooting the thread's stacks.
func (t *Thread) Identifier() string {
	return frame.ThreadIdentifier(t.Name, t.ID)
}

// SetHook installs h in the thread's hook slot and returns the hook it
// replaced. A nil hook disables event reporting.
func (t *Thread) SetHook(h Hook) Hook {
	previous := t.hook
	t.hook = h
	return previous
}

func (t *Thread) Hook() Hook {
	return t.hook
}

// Top returns the innermost executing frame, or nil.
func (t *Thread) Top() *Frame {
	return t.top
}

// Depth returns the number of frames on the stack.
func (t *Thread) Depth() int {
	n := 0
	for f := t.top; f != nil; f = f.Back {
		n++
	}
	return n
}

func (t *Thread) emit(f *Frame, kind EventKind, arg any) {
	if t.hook != nil {
		t.hook(f, kind, arg)
	}
}

// Call pushes a frame executing code and reports it.
func (t *Thread) Call(code *Code) *Frame {
	return t.Enter(&Frame{Code: code, Line: code.FirstLine})
}

// Enter pushes a prepared frame and reports the call.
func (t *Thread) Enter(f *Frame) *Frame {
	f.Back = t.top
	t.top = f
	t.emit(f, EventCall, nil)
	return f
}

// Line moves the innermost frame to line and reports it.
func (t *Thread) Line(line int) {
	if t.top == nil {
		return
	}
	t.top.Line = line
	t.emit(t.top, EventLine, nil)
}

// Return reports the innermost frame returning value and pops it. For a
// coroutine frame a return is a suspension.
func (t *Thread) Return(value any) {
	f := t.top
	if f == nil {
		return
	}
	t.emit(f, EventReturn, value)
	t.top = f.Back
}

func (t *Thread) CCall(name string) {
	t.emit(t.top, EventCCall, Builtin{Name: name})
}

func (t *Thread) CReturn(name string) {
	t.emit(t.top, EventCReturn, Builtin{Name: name})
}

func (t *Thread) CException(name string) {
	t.emit(t.top, EventCException, Builtin{Name: name})
}

// Emit reports an event given by name, as received from an external event
// source.
func (t *Thread) Emit(name string, arg any) error {
	kind, err := ParseEventKind(name)
	if err != nil {
		return err
	}
	t.emit(t.top, kind, arg)
	return nil
}
