package ssdp

import (
	"sync"
	"time"
)

// Periodic intervals, per spec.md §4.4.
const (
	ReannounceInterval = 777 * time.Second
	SweepInterval      = 333 * time.Second
)

// scheduler owns the two periodic tickers and the family of jittered
// one-shot M-SEARCH response timers described in spec.md §4.4. Firing a
// one-shot only ever posts its id to a channel; the actual work (touching
// the registry or event bus) happens back on the engine's single run loop
// when it dequeues that id — this keeps protocol state single-threaded
// per spec.md §5 even though Go's *time.Timer invokes its callback on its
// own goroutine.
type scheduler struct {
	clock  Clock
	random Random

	reannounce Ticker
	sweep      Ticker

	mu      sync.Mutex
	pending map[int64]Timer
	actions map[int64]func()
	nextID  int64

	fired chan int64
}

func newScheduler(clock Clock, random Random) *scheduler {
	return &scheduler{
		clock:   clock,
		random:  random,
		pending: make(map[int64]Timer),
		actions: make(map[int64]func()),
		fired:   make(chan int64, 64),
	}
}

// startPeriodic starts the re-announce and validity-sweep tickers. Per
// Config.Test, callers skip this entirely to suppress periodic tasks.
func (s *scheduler) startPeriodic() {
	s.reannounce = s.clock.NewTicker(ReannounceInterval)
	s.sweep = s.clock.NewTicker(SweepInterval)
}

func (s *scheduler) reannounceC() <-chan time.Time {
	if s.reannounce == nil {
		return nil
	}
	return s.reannounce.C()
}

func (s *scheduler) sweepC() <-chan time.Time {
	if s.sweep == nil {
		return nil
	}
	return s.sweep.C()
}

func (s *scheduler) firedC() <-chan int64 {
	return s.fired
}

// scheduleResponse schedules fn to run at a uniform random delay in
// [0, mx] seconds, per spec.md §4.4/§8 "Response bounded". mx is assumed
// already clamped to [0, 120].
func (s *scheduler) scheduleResponse(mx int, fn func()) {
	delay := 0
	if mx > 0 {
		delay = s.random.IntN(mx + 1)
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.actions[id] = fn
	s.pending[id] = s.clock.AfterFunc(time.Duration(delay)*time.Second, func() {
		s.fired <- id
	})
	s.mu.Unlock()
}

// dispatch runs the action registered for a fired id, if it hasn't already
// been cancelled by shutdown. Must be called from the engine's single run
// loop.
func (s *scheduler) dispatch(id int64) {
	s.mu.Lock()
	fn, ok := s.actions[id]
	delete(s.actions, id)
	delete(s.pending, id)
	s.mu.Unlock()

	if ok {
		fn()
	}
}

// cancelAllResponses cancels every outstanding one-shot, per spec.md §4.4
// "All scheduled one-shots must be cancellable from shutdown".
func (s *scheduler) cancelAllResponses() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
		delete(s.actions, id)
	}
}

// stopPeriodic stops the two tickers. Safe to call even if startPeriodic
// was never called.
func (s *scheduler) stopPeriodic() {
	if s.reannounce != nil {
		s.reannounce.Stop()
	}
	if s.sweep != nil {
		s.sweep.Stop()
	}
}
