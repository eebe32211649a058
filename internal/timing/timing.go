// Package timing provides a clock shared by many samplers.
//
// A Service runs one background goroutine that refreshes the current time
// at the smallest interval any subscriber asked for. Samplers read the
// cached time instead of each paying for their own clock reads. The
// goroutine starts with the first subscription and exits with the last.
package timing

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog/log"
)

// NotRunning is returned by Interval when there are no subscribers.
const NotRunning time.Duration = -1

const DefaultMaxSubscribers = 1000

var (
	ErrTooManySubscribers = errors.New("too many subscribers")
	ErrNotSubscribed      = errors.New("not subscribed")
)

type (
	subscription struct {
		id       int
		interval time.Duration
	}

	Option func(*Service)

	// Service is safe for concurrent use.
	Service struct {
		clock          func() time.Duration
		maxSubscribers int

		// mu guards subscriptions, ids, the loop channels and writes to now.
		mu            sync.Mutex
		subscriptions []subscription
		ids           *bitset.BitSet
		wake          chan struct{}
		quit          chan struct{}
		done          chan struct{}

		now atomic.Int64
	}
)

// WithClock replaces the monotonic clock the service samples.
func WithClock(clock func() time.Duration) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMaxSubscribers sets the capacity. A negative n is taken as zero.
func WithMaxSubscribers(n int) Option {
	return func(s *Service) {
		s.maxSubscribers = max(n, 0)
	}
}

func New(opts ...Option) *Service {
	start := time.Now()
	s := &Service{
		clock: func() time.Duration {
			return time.Since(start)
		},
		maxSubscribers: DefaultMaxSubscribers,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = bitset.New(uint(s.maxSubscribers))
	return s
}

// Subscribe registers interest in a clock at least as precise as interval
// and returns the subscription id. Ids are the smallest ones not in use.
func (s *Service) Subscribe(interval time.Duration) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("timing: interval must be positive, got %v", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subscriptions) >= s.maxSubscribers {
		return 0, fmt.Errorf("timing: %w: limit is %d", ErrTooManySubscribers, s.maxSubscribers)
	}
	next, _ := s.ids.NextClear(0)
	id := int(next)
	s.ids.Set(next)
	s.subscriptions = append(s.subscriptions, subscription{id: id, interval: interval})

	if len(s.subscriptions) == 1 {
		s.start()
	}
	s.update()
	// the loop may be asleep for a longer interval than the one just asked for
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Unsubscribe removes a subscription. The last one stops the background
// goroutine and waits for it to exit.
func (s *Service) Unsubscribe(id int) error {
	s.mu.Lock()
	index := -1
	for i, sub := range s.subscriptions {
		if sub.id == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("timing: %w: id %d", ErrNotSubscribed, id)
	}
	s.subscriptions = append(s.subscriptions[:index], s.subscriptions[index+1:]...)
	s.ids.Clear(uint(id))

	var done chan struct{}
	if len(s.subscriptions) == 0 {
		close(s.quit)
		done = s.done
		s.wake, s.quit, s.done = nil, nil, nil
	}
	s.mu.Unlock()

	if done != nil {
		<-done
		log.Debug().Msg("timing: background clock stopped")
	}
	return nil
}

// Time returns the clock reading taken at the last wake of the
// background goroutine.
func (s *Service) Time() time.Duration {
	return time.Duration(s.now.Load())
}

// Interval returns the smallest subscribed interval, or NotRunning.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval()
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

func (s *Service) interval() time.Duration {
	if len(s.subscriptions) == 0 {
		return NotRunning
	}
	interval := s.subscriptions[0].interval
	for _, sub := range s.subscriptions[1:] {
		interval = min(interval, sub.interval)
	}
	return interval
}

// update must be called with mu held.
func (s *Service) update() {
	now := int64(s.clock())
	if now > s.now.Load() {
		s.now.Store(now)
	}
}

// start must be called with mu held.
func (s *Service) start() {
	s.wake = make(chan struct{}, 1)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.wake, s.quit, s.done)
	log.Debug().Msg("timing: background clock started")
}

func (s *Service) run(wake <-chan struct{}, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		interval := s.interval()
		s.mu.Unlock()
		if interval == NotRunning {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)

		select {
		case <-quit:
			return
		case <-wake:
		case <-timer.C:
		}

		s.mu.Lock()
		s.update()
		s.mu.Unlock()
	}
}
