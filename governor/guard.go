package governor

import "fmt"

// Mode selects how strictly the guard enforces a pause.
type Mode int

const (
	// Assertive pauses any video without intent, whatever its current
	// state. Used on visibility transitions.
	Assertive Mode = iota
	// Conservative pauses only videos that are currently playing. Used by
	// the initial check of newly discovered videos.
	Conservative
)

func (m Mode) String() string {
	switch m {
	case Assertive:
		return "assertive"
	case Conservative:
		return "conservative"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Guard is the pause policy. It consults the intent tracker and performs
// pauses with post-condition verification.
type Guard struct {
	intent      *IntentTracker
	interceptor *Interceptor
	emit        func(Event)
}

// Enforce decides whether v must be paused and pauses it if so. It reports
// whether a pause was issued. Host failures are recorded, never returned.
func (g *Guard) Enforce(v Video, mode Mode, source string) bool {
	g.interceptor.Attach(v)

	if g.intent.IsGranted(v) {
		g.emit(Event{Kind: KindPauseSkipped, VideoID: v.ID(), Source: source, Detail: "intent"})
		return false
	}

	if mode == Conservative {
		paused, err := v.Paused()
		if err != nil {
			g.emit(Event{Kind: KindPrimitiveError, VideoID: v.ID(), Source: source, Detail: "paused: " + err.Error()})
			return false
		}
		if paused {
			g.emit(Event{Kind: KindPauseSkipped, VideoID: v.ID(), Source: source, Detail: "already paused"})
			return false
		}
	}

	return g.pause(v, source)
}

// pause invokes the host pause primitive and checks that the element
// reports paused afterwards. A pause that does not take effect is an
// anomaly; the host may flip the state later, so it is not retried.
func (g *Guard) pause(v Video, source string) bool {
	if err := v.Pause(); err != nil {
		g.emit(Event{Kind: KindPrimitiveError, VideoID: v.ID(), Source: source, Detail: "pause: " + err.Error()})
		return false
	}
	g.emit(Event{Kind: KindPauseIssued, VideoID: v.ID(), Source: source})

	paused, err := v.Paused()
	switch {
	case err != nil:
		g.emit(Event{Kind: KindPauseIneffective, VideoID: v.ID(), Source: source, Detail: "verify: " + err.Error()})
	case !paused:
		g.emit(Event{Kind: KindPauseIneffective, VideoID: v.ID(), Source: source, Detail: "still playing"})
	}
	return true
}
