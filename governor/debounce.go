package governor

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// debouncer is a trailing-edge debounce with two states: Idle (timer nil)
// and Pending (timer set, deadline recorded). Every trigger cancels the
// pending timer and starts a new one from the latest trigger time, so at
// most one callback is ever pending.
//
// trigger and stop run on the session loop; the timer callback only posts
// back to it.
type debouncer struct {
	clock    clockwork.Clock
	window   time.Duration
	post     func(func())
	fire     func()
	timer    clockwork.Timer
	deadline time.Time
	gen      uint64
}

func (d *debouncer) trigger() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.deadline = d.clock.Now().Add(d.window)
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.post(func() { d.expire(gen) })
	})
}

// expire ignores callbacks from timers that were replaced after they had
// already fired but before their task reached the loop.
func (d *debouncer) expire(gen uint64) {
	if d.timer == nil || gen != d.gen {
		return
	}
	d.timer = nil
	d.deadline = time.Time{}
	d.fire()
}

func (d *debouncer) pending() (time.Time, bool) {
	return d.deadline, d.timer != nil
}

func (d *debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.deadline = time.Time{}
	}
}
