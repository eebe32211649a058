// Package replay profiles a recorded execution trace.
//
// A trace is a stream of JSON objects, one per execution event of a single
// thread, with timestamps in seconds from the start of the recording. The
// events drive a host thread under a profiler whose clock is the trace
// time, so the session is the one a live profiler would have recorded.
package replay

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/getsentry/stacksampler/internal/errorutil"
	"github.com/getsentry/stacksampler/internal/host"
	"github.com/getsentry/stacksampler/internal/profiler"
	"github.com/getsentry/stacksampler/internal/session"
)

// EventSwitch resumes the task named by Event.Task. The thread starts in
// MainTask; a task seen for the first time starts from the context of the
// running one.
const (
	EventSwitch = "switch"
	MainTask    = "main"
)

type (
	Event struct {
		Time      float64 `json:"ts"`
		Event     string  `json:"event"`
		Function  string  `json:"function,omitempty"`
		File      string  `json:"file,omitempty"`
		Line      int     `json:"line,omitempty"`
		Coroutine bool    `json:"coroutine,omitempty"`
		ClassName string  `json:"class_name,omitempty"`
		Hide      bool    `json:"hide,omitempty"`
		Task      string  `json:"task,omitempty"`
	}

	codeKey struct {
		function, file string
		line           int
		coroutine      bool
	}

	player struct {
		thread *host.Thread
		now    time.Duration
		codes  map[codeKey]*host.Code
		tasks  map[string]*host.Context
	}
)

// Run replays the trace read from r. opts gives the interval and async
// mode; the timer is replaced by the trace clock and start is the wall
// time of the first event.
func Run(r io.Reader, opts profiler.Options, start time.Time, thread string) (*session.Session, error) {
	pl := player{
		thread: host.NewThread(thread),
		codes:  make(map[codeKey]*host.Code),
		tasks:  make(map[string]*host.Context),
	}
	opts.Timer = profiler.TimerFunc
	opts.TimerFunc = func() time.Duration { return pl.now }
	opts.Now = func() time.Time { return start.Add(pl.now) }
	opts.Timing = nil

	p, err := profiler.New(opts)
	if err != nil {
		return nil, err
	}
	if err := p.Start(pl.thread); err != nil {
		return nil, err
	}
	pl.tasks[MainTask] = pl.thread.Context()

	dec := json.NewDecoder(r)
	for n := 0; ; n++ {
		var e Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = pl.apply(e)
		}
		if err != nil {
			_, _ = p.Stop(pl.thread)
			return nil, fmt.Errorf("replay: event %d: %w", n, err)
		}
	}
	return p.Stop(pl.thread)
}

func (pl *player) apply(e Event) error {
	now := time.Duration(e.Time * float64(time.Second))
	if now < pl.now {
		return fmt.Errorf("%w: time goes back from %v to %v", errorutil.ErrDataIntegrity, pl.now, now)
	}
	pl.now = now

	th := pl.thread
	switch e.Event {
	case "call":
		if e.Function == "" {
			return fmt.Errorf("%w: call without a function", errorutil.ErrDataIntegrity)
		}
		f := &host.Frame{Code: pl.code(e), ClassName: e.ClassName, Hide: e.Hide}
		f.Line = f.Code.FirstLine
		th.Enter(f)
	case "return":
		th.Return(nil)
	case "line":
		th.Line(e.Line)
	case "c_call", "c_return", "c_exception":
		return th.Emit(e.Event, host.Builtin{Name: e.Function})
	case EventSwitch:
		th.SwitchContext(pl.task(e.Task))
	default:
		if _, err := host.ParseEventKind(e.Event); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s events cannot be replayed", errorutil.ErrDataIntegrity, e.Event)
	}
	return nil
}

// code returns the shared Code of a call site so its identifier is
// formatted once.
func (pl *player) code(e Event) *host.Code {
	key := codeKey{e.Function, e.File, e.Line, e.Coroutine}
	c, ok := pl.codes[key]
	if !ok {
		c = &host.Code{Name: e.Function, File: e.File, FirstLine: e.Line, Coroutine: e.Coroutine}
		pl.codes[key] = c
	}
	return c
}

func (pl *player) task(name string) *host.Context {
	c, ok := pl.tasks[name]
	if !ok {
		c = pl.thread.Context().Copy()
		pl.tasks[name] = c
	}
	return c
}
