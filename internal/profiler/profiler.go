// Package profiler samples the call stacks of a host thread into a
// session.
//
// A Profiler subscribes to the StackSampler of the thread it starts on.
// Several profilers may run on one thread at once; they share a single
// installed sampler running at the smallest interval asked for.
package profiler

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/stacksampler/internal/frame"
	"github.com/getsentry/stacksampler/internal/host"
	"github.com/getsentry/stacksampler/internal/session"
	"github.com/getsentry/stacksampler/internal/timing"
)

type (
	// AsyncMode decides what happens to the time a profiled task spends
	// suspended while other tasks run on its thread.
	AsyncMode string

	TimerType string

	Options struct {
		Interval time.Duration
		Async    AsyncMode
		Timer    TimerType
		// TimerFunc is the clock used with TimerFunc.
		TimerFunc func() time.Duration
		// Timing is the clock service used with TimerWalltimeThread.
		Timing *timing.Service
		// CPUTime returns the CPU time consumed by the process.
		CPUTime func() time.Duration
		// Now gives the session start time and duration.
		Now    func() time.Time
		Target string
	}

	Profiler struct {
		opts Options

		thread       *host.Thread
		subscription int
		previous     any
		started      time.Time
		cpuStarted   time.Duration
		active       *session.Session
		last         *session.Session

		inContext    bool
		outOfContext []string
	}
)

const (
	// AsyncDisabled ignores tasks: every sample is recorded as it is seen.
	AsyncDisabled AsyncMode = "disabled"
	// AsyncEnabled records the time spent out of the task under the
	// coroutines it awaited, or under an out of context frame.
	AsyncEnabled AsyncMode = "enabled"
	// AsyncStrict drops the time spent out of the task.
	AsyncStrict AsyncMode = "strict"
)

const (
	TimerWalltime       TimerType = "walltime"
	TimerWalltimeThread TimerType = "walltime_thread"
	TimerFunc           TimerType = "timer_func"
)

const DefaultInterval = time.Millisecond

var (
	ErrNotRunning       = errors.New("profiler is not running")
	ErrAlreadyRunning   = errors.New("profiler is already running")
	ErrWrongThread      = errors.New("profiler must be stopped on the thread it started on")
	ErrUnknownAsyncMode = errors.New("unknown async mode")
	ErrUnknownTimer     = errors.New("unknown timer type")
)

func ParseAsyncMode(s string) (AsyncMode, error) {
	switch m := AsyncMode(s); m {
	case AsyncDisabled, AsyncEnabled, AsyncStrict:
		return m, nil
	}
	return "", fmt.Errorf("profiler: %w: %q", ErrUnknownAsyncMode, s)
}

func ParseTimerType(s string) (TimerType, error) {
	switch t := TimerType(s); t {
	case TimerWalltime, TimerWalltimeThread, TimerFunc:
		return t, nil
	}
	return "", fmt.Errorf("profiler: %w: %q", ErrUnknownTimer, s)
}

func New(opts Options) (*Profiler, error) {
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("profiler: interval must be positive, got %v", opts.Interval)
	}
	if opts.Async == "" {
		opts.Async = AsyncEnabled
	}
	if _, err := ParseAsyncMode(string(opts.Async)); err != nil {
		return nil, err
	}
	if opts.Timer == "" {
		opts.Timer = TimerWalltime
	}
	if _, err := ParseTimerType(string(opts.Timer)); err != nil {
		return nil, err
	}
	if opts.Timer == TimerFunc && opts.TimerFunc == nil {
		return nil, ErrNoTimerFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Profiler{opts: opts}, nil
}

func (p *Profiler) IsRunning() bool {
	return p.thread != nil
}

// Start begins sampling th. The stack th is executing is recorded as the
// start call stack of the session.
func (p *Profiler) Start(th *host.Thread) error {
	if p.thread != nil {
		return ErrAlreadyRunning
	}

	p.started = p.opts.Now()
	if p.opts.CPUTime != nil {
		p.cpuStarted = p.opts.CPUTime()
	}
	p.active = session.New(p.started, buildCallStack(th, th.Top(), host.EventLine, nil), p.opts.Target)
	p.inContext = true
	p.outOfContext = nil

	var token any
	if p.opts.Async != AsyncDisabled {
		token = p
		p.previous = activeProfiler.Get(th)
		activeProfiler.Set(th, p)
	}
	id, err := StackSamplerFor(th).Subscribe(p.onSample, p.opts.Interval, token, TimerConfig{
		Type:    p.opts.Timer,
		Func:    p.opts.TimerFunc,
		Service: p.opts.Timing,
	})
	if err != nil {
		if token != nil {
			activeProfiler.Set(th, p.previous)
		}
		p.active = nil
		return err
	}
	p.thread = th
	p.subscription = id
	log.Debug().
		Str("thread", th.Name).
		Str("session_id", p.active.ID).
		Dur("interval", p.opts.Interval).
		Str("async_mode", string(p.opts.Async)).
		Msg("profiler: started")
	return nil
}

// Stop ends sampling and returns the session. When the profiler ran
// before, the new samples are combined with the previous session.
func (p *Profiler) Stop(th *host.Thread) (*session.Session, error) {
	if p.thread == nil {
		return nil, ErrNotRunning
	}
	if th != p.thread {
		return nil, ErrWrongThread
	}
	if err := StackSamplerFor(th).Unsubscribe(p.subscription); err != nil {
		return nil, err
	}
	if p.opts.Async != AsyncDisabled && activeProfiler.Get(th) == p {
		activeProfiler.Set(th, p.previous)
	}

	s := p.active
	s.Duration = p.opts.Now().Sub(p.started).Seconds()
	if p.opts.CPUTime != nil {
		s.CPUTime = (p.opts.CPUTime() - p.cpuStarted).Seconds()
	}
	if p.last != nil {
		s = session.Combine(p.last, s)
	}
	p.last = s
	p.active = nil
	p.thread = nil
	p.previous = nil
	log.Debug().
		Str("thread", th.Name).
		Str("session_id", s.ID).
		Int("samples", s.SampleCount).
		Msg("profiler: stopped")
	return s, nil
}

// Session returns the session of the last run, or nil.
func (p *Profiler) Session() *session.Session {
	return p.last
}

// Reset forgets the recorded session, stopping the profiler first when it
// runs.
func (p *Profiler) Reset() error {
	if p.thread != nil {
		if _, err := p.Stop(p.thread); err != nil {
			return err
		}
	}
	p.last = nil
	return nil
}

func (p *Profiler) onSample(stack []string, timeSinceLast float64, async *AsyncState) {
	if p.active == nil {
		return
	}
	if async != nil {
		switch async.Kind {
		case InContext:
			p.recordOutOfContext(timeSinceLast)
			p.inContext = true
			p.outOfContext = nil
		case OutOfContextAwaited, OutOfContextUnknown:
			if p.inContext && timeSinceLast > 0 {
				p.active.RecordSample(stack, timeSinceLast)
			}
			marker := frame.OutOfContextIdentifier
			if async.Kind == OutOfContextAwaited {
				marker = frame.AwaitIdentifier
			}
			outOfContext := make([]string, 0, len(async.Info)+1)
			outOfContext = append(outOfContext, async.Info...)
			p.outOfContext = append(outOfContext, marker)
			p.inContext = false
		}
		return
	}
	if timeSinceLast <= 0 {
		return
	}
	if !p.inContext {
		p.recordOutOfContext(timeSinceLast)
		return
	}
	p.active.RecordSample(stack, timeSinceLast)
}

func (p *Profiler) recordOutOfContext(timeSinceLast float64) {
	if p.opts.Async == AsyncStrict || p.outOfContext == nil || timeSinceLast <= 0 {
		return
	}
	p.active.RecordSample(p.outOfContext, timeSinceLast)
}
