package profiler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/stacksampler/internal/host"
	"github.com/getsentry/stacksampler/internal/sampler"
	"github.com/getsentry/stacksampler/internal/timing"
)

type (
	AsyncStateKind int

	// AsyncState tells a subscriber how a sample relates to its task.
	AsyncState struct {
		Kind AsyncStateKind
		// Info is the stack the task left from, followed by the chain of
		// coroutines it was awaiting, outermost first.
		Info []string
	}

	// SampleTarget receives a stack, outermost first, and the seconds
	// elapsed since the previous sample.
	SampleTarget func(stack []string, timeSinceLast float64, async *AsyncState)

	TimerConfig struct {
		Type TimerType
		// Func is the clock of TimerFunc.
		Func func() time.Duration
		// Service is the shared clock of TimerWalltimeThread.
		Service *timing.Service
	}

	subscriber struct {
		id       int
		target   SampleTarget
		interval time.Duration
		// asyncToken is the value of the active profiler context variable
		// while the subscriber's task runs, nil when it ignores tasks.
		asyncToken any
	}

	// StackSampler shares the sampler hook of one thread between every
	// profiler running on it. It is owned by the thread.
	StackSampler struct {
		thread      *host.Thread
		subscribers []subscriber
		nextID      int

		timer          TimerConfig
		clock          func() time.Duration
		interval       time.Duration
		timingID       int
		lastSampleTime time.Duration
	}
)

const (
	InContext AsyncStateKind = iota
	// OutOfContextAwaited means the task suspended awaiting the coroutines
	// in Info.
	OutOfContextAwaited
	// OutOfContextUnknown means the task stopped running for an unknown
	// reason.
	OutOfContextUnknown
)

var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrAsyncConflict = errors.New("another profiler already tracks async context on this thread")
	ErrTimerConflict = errors.New("profilers on one thread must share their timer")
	ErrNoTimerFunc   = errors.New("timer_func needs a timer function")
	ErrReplaced      = errors.New("the thread has another stack sampler")
)

var (
	stackSamplers sync.Map

	defaultTimingOnce sync.Once
	defaultTiming     *timing.Service

	// activeProfiler holds the profiler owning the task a thread runs.
	activeProfiler = host.NewContextVar("stacksampler.active_profiler", nil)
)

// DefaultTiming returns the clock service used by walltime_thread timers
// that do not bring their own.
func DefaultTiming() *timing.Service {
	defaultTimingOnce.Do(func() {
		defaultTiming = timing.New()
	})
	return defaultTiming
}

// StackSamplerFor returns the stack sampler of th. A stack sampler is
// registered while it has subscribers.
func StackSamplerFor(th *host.Thread) *StackSampler {
	if s, ok := stackSamplers.Load(th); ok {
		return s.(*StackSampler)
	}
	s, _ := stackSamplers.LoadOrStore(th, &StackSampler{thread: th, timingID: -1})
	return s.(*StackSampler)
}

// Subscribe adds a target receiving samples at least every interval and
// returns its id. A non nil asyncToken makes the target receive task
// switches: the token is the value of the active profiler context variable
// while its task runs.
func (s *StackSampler) Subscribe(target SampleTarget, interval time.Duration, asyncToken any, timer TimerConfig) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("profiler: interval must be positive, got %v", interval)
	}
	if asyncToken != nil {
		for _, sub := range s.subscribers {
			if sub.asyncToken != nil {
				return 0, ErrAsyncConflict
			}
		}
	}
	first := len(s.subscribers) == 0
	prevTimer, prevClock := s.timer, s.clock
	if first {
		// a stack sampler left by its last subscriber may have been replaced
		if registered, _ := stackSamplers.LoadOrStore(s.thread, s); registered != s {
			return 0, fmt.Errorf("profiler: %w", ErrReplaced)
		}
		if err := s.setTimer(timer); err != nil {
			stackSamplers.CompareAndDelete(s.thread, s)
			return 0, err
		}
	} else if timer.Type != s.timer.Type {
		return 0, fmt.Errorf("profiler: %w: %s and %s", ErrTimerConflict, s.timer.Type, timer.Type)
	}

	s.subscribers = append(s.subscribers, subscriber{
		id:         s.nextID,
		target:     target,
		interval:   interval,
		asyncToken: asyncToken,
	})
	if err := s.update(); err != nil {
		s.subscribers = s.subscribers[:len(s.subscribers)-1]
		s.timer, s.clock = prevTimer, prevClock
		if first {
			stackSamplers.CompareAndDelete(s.thread, s)
		}
		return 0, err
	}
	if first {
		s.lastSampleTime = s.clock()
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *StackSampler) Unsubscribe(id int) error {
	index := -1
	for i, sub := range s.subscribers {
		if sub.id == id {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("profiler: %w: id %d", ErrNotSubscribed, id)
	}
	s.subscribers = append(s.subscribers[:index:index], s.subscribers[index+1:]...)
	err := s.update()
	if len(s.subscribers) == 0 {
		stackSamplers.CompareAndDelete(s.thread, s)
	}
	return err
}

// Interval returns the interval the installed sampler runs at, or 0 when
// nothing is subscribed.
func (s *StackSampler) Interval() time.Duration {
	return s.interval
}

func (s *StackSampler) setTimer(timer TimerConfig) error {
	switch timer.Type {
	case TimerWalltime, "":
		start := time.Now()
		s.clock = func() time.Duration {
			return time.Since(start)
		}
	case TimerWalltimeThread:
		if timer.Service == nil {
			timer.Service = DefaultTiming()
		}
		s.clock = timer.Service.Time
	case TimerFunc:
		if timer.Func == nil {
			return ErrNoTimerFunc
		}
		s.clock = timer.Func
	default:
		return fmt.Errorf("profiler: %w: %q", ErrUnknownTimer, timer.Type)
	}
	if timer.Type == "" {
		timer.Type = TimerWalltime
	}
	s.timer = timer
	return nil
}

// update installs a sampler matching the subscribers, or removes it.
func (s *StackSampler) update() error {
	if len(s.subscribers) == 0 {
		sampler.Uninstall(s.thread)
		s.interval = 0
		return s.releaseTiming()
	}

	interval := s.subscribers[0].interval
	var context sampler.ContextSignal
	for _, sub := range s.subscribers {
		interval = min(interval, sub.interval)
		if sub.asyncToken != nil {
			context = activeProfiler.Signal(s.thread)
		}
	}

	if s.timer.Type == TimerWalltimeThread && interval != s.interval {
		// subscribe first so a failure leaves the current subscription alone
		id, err := s.timer.Service.Subscribe(interval)
		if err != nil {
			return fmt.Errorf("profiler: %w", err)
		}
		if err := s.releaseTiming(); err != nil {
			_ = s.timer.Service.Unsubscribe(id)
			return err
		}
		s.timingID = id
	}

	s.interval = interval
	sampler.Install(s.thread, sampler.New(sampler.Config{
		Target:   s.onEvent,
		Interval: interval,
		Timer:    s.clock,
		Context:  context,
	}))
	log.Debug().
		Str("thread", s.thread.Name).
		Dur("interval", interval).
		Int("subscribers", len(s.subscribers)).
		Msg("profiler: sampler installed")
	return nil
}

func (s *StackSampler) releaseTiming() error {
	if s.timingID < 0 {
		return nil
	}
	id := s.timingID
	s.timingID = -1
	if err := s.timer.Service.Unsubscribe(id); err != nil {
		return fmt.Errorf("profiler: %w", err)
	}
	return nil
}

func (s *StackSampler) onEvent(f *host.Frame, kind host.EventKind, arg any) {
	now := s.clock()
	timeSinceLast := (now - s.lastSampleTime).Seconds()
	s.lastSampleTime = now

	stack := buildCallStack(s.thread, f, kind, arg)
	subscribers := append([]subscriber(nil), s.subscribers...)

	if kind != host.EventContextChanged {
		for _, sub := range subscribers {
			sub.target(stack, timeSinceLast, nil)
		}
		return
	}

	change, _ := arg.(host.ContextChange)
	for _, sub := range subscribers {
		switch {
		case sub.asyncToken == nil:
			sub.target(stack, timeSinceLast, nil)
		case change.Old == sub.asyncToken:
			state := AsyncState{Kind: OutOfContextUnknown, Info: stack}
			if len(change.AwaitStack) > 0 {
				info := make([]string, 0, len(stack)+len(change.AwaitStack))
				info = append(info, stack...)
				for i := len(change.AwaitStack) - 1; i >= 0; i-- {
					info = append(info, change.AwaitStack[i])
				}
				state = AsyncState{Kind: OutOfContextAwaited, Info: info}
			}
			sub.target(stack, timeSinceLast, &state)
		case change.New == sub.asyncToken:
			sub.target(stack, timeSinceLast, &AsyncState{Kind: InContext})
		default:
			sub.target(stack, timeSinceLast, nil)
		}
	}
}
