package ssdp

import (
	"math/rand/v2"
	"time"
)

// Clock abstracts the passage of time so the engine and scheduler can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, f func()) Timer
}

// Ticker mirrors the subset of *time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer mirrors the subset of *time.Timer a cancellable one-shot needs.
type Timer interface {
	Stop() bool
}

// Random abstracts a uniform integer source, used to jitter M-SEARCH
// responses in [0, MX].
type Random interface {
	// IntN returns a uniform value in [0, n). Callers must pass n > 0.
	IntN(n int) int
}

// systemClock is the real, wall-clock backed Clock used in production.
type systemClock struct{}

// NewSystemClock returns a Clock backed by the standard library.
func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// systemRandom is the real random source used in production.
type systemRandom struct{}

// NewSystemRandom returns a Random backed by math/rand/v2.
func NewSystemRandom() Random { return systemRandom{} }

func (systemRandom) IntN(n int) int { return rand.IntN(n) }
