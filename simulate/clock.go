package simulate

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// stepClock is a fake clock that knows which of its timers are due, so a
// scenario can advance time and wait until every expired callback ran.
type stepClock struct {
	*clockwork.FakeClock

	mu     sync.Mutex
	timers map[*stepTimer]struct{}
	fired  sync.WaitGroup
}

type stepTimer struct {
	clockwork.Timer
	c        *stepClock
	deadline time.Time
	counted  bool
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{
		FakeClock: clockwork.NewFakeClockAt(start),
		timers:    make(map[*stepTimer]struct{}),
	}
}

// AfterFunc overrides the fake clock to track the timer.
func (c *stepClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	t := &stepTimer{c: c, deadline: c.Now().Add(d)}
	c.mu.Lock()
	c.timers[t] = struct{}{}
	c.mu.Unlock()

	t.Timer = c.FakeClock.AfterFunc(d, func() {
		c.mu.Lock()
		counted := t.counted
		delete(c.timers, t)
		c.mu.Unlock()
		f()
		if counted {
			c.fired.Done()
		}
	})
	return t
}

func (t *stepTimer) Stop() bool {
	t.c.mu.Lock()
	delete(t.c.timers, t)
	t.c.mu.Unlock()
	return t.Timer.Stop()
}

func (t *stepTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	t.deadline = t.c.Now().Add(d)
	t.counted = false
	t.c.timers[t] = struct{}{}
	t.c.mu.Unlock()
	return t.Timer.Reset(d)
}

// next returns the earliest pending deadline.
func (c *stepClock) next() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		min time.Time
		ok  bool
	)
	for t := range c.timers {
		if !ok || t.deadline.Before(min) {
			min, ok = t.deadline, true
		}
	}
	return min, ok
}

// advanceTo moves the clock to at and returns once every timer due by then
// has run its callback. Callers must be quiescent: no timer may be
// stopped concurrently.
func (c *stepClock) advanceTo(at time.Time) {
	c.mu.Lock()
	n := 0
	for t := range c.timers {
		if !t.deadline.After(at) && !t.counted {
			t.counted = true
			n++
		}
	}
	c.fired.Add(n)
	c.mu.Unlock()

	if d := at.Sub(c.Now()); d >= 0 {
		c.FakeClock.Advance(d)
	}
	c.fired.Wait()
}
