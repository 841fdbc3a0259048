package governor

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// VisibilityMonitor owns the session's single viewport subscription. Every
// video that becomes visible is paused right away and checked once more
// after a short delay, which catches players that start asynchronously just
// after the visibility notification.
type VisibilityMonitor struct {
	observer VisibilityObserver
	observed map[string]struct{}
	guard    *Guard
	clock    clockwork.Clock
	recheck  time.Duration
	post     func(func())
	emit     func(Event)

	nextTimer uint64
	timers    map[uint64]clockwork.Timer
}

// Register subscribes v to the viewport observer. It reports whether v was
// newly registered. Already observed videos are left alone; a video whose
// subscription failed stays unobserved so the next scan tries again.
func (m *VisibilityMonitor) Register(v Video) bool {
	id := v.ID()
	if _, ok := m.observed[id]; ok {
		return false
	}
	if err := m.observer.Observe(v); err != nil {
		m.emit(Event{Kind: KindPrimitiveError, VideoID: id, Source: "visibility", Detail: "observe: " + err.Error()})
		return false
	}
	m.observed[id] = struct{}{}
	m.emit(Event{Kind: KindRegistered, VideoID: id, Source: "visibility"})
	return true
}

func (m *VisibilityMonitor) onEntries(entries []VisibilityEntry) {
	for _, e := range entries {
		if !e.Visible || e.Video == nil {
			continue
		}
		v := e.Video
		m.guard.Enforce(v, Assertive, "visibility")
		if m.recheck > 0 {
			m.schedule(v)
		}
	}
}

func (m *VisibilityMonitor) schedule(v Video) {
	m.nextTimer++
	key := m.nextTimer
	m.timers[key] = m.clock.AfterFunc(m.recheck, func() {
		m.post(func() {
			if _, ok := m.timers[key]; !ok {
				return
			}
			delete(m.timers, key)
			m.guard.Enforce(v, Assertive, "recheck")
		})
	})
}

// stop cancels every scheduled recheck. It must not race with the loop.
func (m *VisibilityMonitor) stop() {
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}
