// Package sampler decides which execution events of a thread become
// samples.
//
// A Sampler sits in a thread's hook slot and sees every call, return and
// line event. It forwards at most one event per interval to its target,
// reports task switches of a tracked context signal as soon as they are
// seen, and remembers the chain of coroutines that just suspended.
package sampler

import (
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/stacksampler/internal/host"
)

// ErrUncomparableContext is reported when the context signal holds a value
// that cannot be compared, such as a slice or a map.
var ErrUncomparableContext = errors.New("sampler: context value is not comparable")

type (
	// Target receives the events a Sampler lets through.
	Target func(f *host.Frame, kind host.EventKind, arg any)

	// ContextSignal tells which cooperative task is logically running.
	// Values must be comparable; the first uncomparable one stops the
	// tracking and is reported by Sampler.Err.
	ContextSignal interface {
		Value() any
	}

	Config struct {
		Target   Target
		Interval time.Duration
		// Timer returns a monotonic time. It is called on every event that
		// is not a context change.
		Timer   func() time.Duration
		Context ContextSignal
	}

	Sampler struct {
		target         Target
		interval       time.Duration
		timer          func() time.Duration
		context        ContextSignal
		lastContext    any
		lastInvocation time.Duration
		awaitStack     []string
		err            error
	}
)

func New(cfg Config) *Sampler {
	s := &Sampler{
		target:   cfg.Target,
		interval: cfg.Interval,
		timer:    cfg.Timer,
		context:  cfg.Context,
	}
	if s.timer == nil {
		start := time.Now()
		s.timer = func() time.Duration {
			return time.Since(start)
		}
	}
	if s.context != nil {
		s.lastContext = s.context.Value()
		if !isComparable(s.lastContext) {
			s.dropContext()
		}
	}
	return s
}

func isComparable(v any) bool {
	t := reflect.TypeOf(v)
	return t == nil || t.Comparable()
}

// dropContext stops tracking the context signal. Task switches are no
// longer reported; samples still are.
func (s *Sampler) dropContext() {
	s.context = nil
	s.lastContext = nil
	s.err = ErrUncomparableContext
	log.Error().Err(s.err).Msg("sampler: task switches will not be reported")
}

// Err returns the error that made the sampler stop tracking task switches.
func (s *Sampler) Err() error {
	return s.err
}

// Install puts s in the thread's hook slot, replacing whatever was there.
// A nil sampler restores the empty hook.
func Install(th *host.Thread, s *Sampler) {
	if s == nil || s.target == nil {
		th.SetHook(nil)
		return
	}
	th.SetHook(s.OnEvent)
}

func Uninstall(th *host.Thread) {
	th.SetHook(nil)
}

// OnEvent is the thread hook.
func (s *Sampler) OnEvent(f *host.Frame, kind host.EventKind, arg any) {
	if s.context != nil {
		if value := s.context.Value(); !isComparable(value) {
			s.dropContext()
		} else if value != s.lastContext {
			old := s.lastContext
			s.lastContext = value
			top := f
			if kind == host.EventCall && f != nil {
				// the new frame has not started running yet
				top = f.Back
			}
			s.target(top, host.EventContextChanged, host.ContextChange{
				New:        value,
				Old:        old,
				AwaitStack: s.AwaitStack(),
			})
		}
	}

	if kind == host.EventReturn && f != nil && f.Code.Coroutine {
		s.awaitStack = append(s.awaitStack, f.Info())
	} else if len(s.awaitStack) > 0 {
		s.awaitStack = s.awaitStack[:0]
	}

	now := s.timer()
	if now < s.lastInvocation+s.interval {
		return
	}
	s.lastInvocation = now
	s.target(f, kind, arg)
}

// AwaitStack returns a copy of the frames of the coroutines suspended by
// the latest run of consecutive returns, innermost first.
func (s *Sampler) AwaitStack() []string {
	if len(s.awaitStack) == 0 {
		return nil
	}
	stack := make([]string, len(s.awaitStack))
	copy(stack, s.awaitStack)
	return stack
}
