package governor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Kind classifies a governor decision or anomaly.
type Kind string

const (
	KindRegistered       Kind = "registered"
	KindPauseIssued      Kind = "pause_issued"
	KindPauseSkipped     Kind = "pause_skipped"
	KindPauseIneffective Kind = "pause_ineffective"
	KindPrimitiveError   Kind = "primitive_error"
	KindIntentGranted    Kind = "intent_granted"
	KindPlayIssued       Kind = "play_issued"
	KindPlayRejected     Kind = "play_rejected"
	KindIntercepted      Kind = "intercepted"
	KindScan             Kind = "scan"
	KindEnumerateError   Kind = "enumerate_error"
)

// Anomaly reports whether the kind is one of the non-fatal error classes.
func (k Kind) Anomaly() bool {
	switch k {
	case KindPauseIneffective, KindPrimitiveError, KindPlayRejected, KindEnumerateError:
		return true
	}
	return false
}

// Event is one decision taken by the governor.
type Event struct {
	Session string    `json:"session"`
	Kind    Kind      `json:"kind"`
	VideoID string    `json:"video_id,omitempty"`
	Source  string    `json:"source,omitempty"` // visibility | recheck | scan | interceptor | click
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Recorder receives governor events. Record is called on the session loop
// and must not block.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Event)

// Record calls f(e).
func (f RecorderFunc) Record(e Event) { f(e) }

// LogRecorder writes events to a slog logger. Anomalies log at warn.
type LogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r LogRecorder) Record(e Event) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelDebug
	if e.Kind.Anomaly() {
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, "governor: "+string(e.Kind),
		"session", e.Session, "video", e.VideoID, "source", e.Source, "detail", e.Detail)
}

// multiRecorder fans events out to several recorders.
type multiRecorder []Recorder

func (m multiRecorder) Record(e Event) {
	for _, r := range m {
		r.Record(e)
	}
}

// Stats are point-in-time counters for one session.
type Stats struct {
	Scans            int64 `json:"scans"`
	Registered       int64 `json:"registered"`
	PauseIssued      int64 `json:"pause_issued"`
	PauseSkipped     int64 `json:"pause_skipped"`
	PauseIneffective int64 `json:"pause_ineffective"`
	PrimitiveErrors  int64 `json:"primitive_errors"`
	IntentGranted    int64 `json:"intent_granted"`
	PlayIssued       int64 `json:"play_issued"`
	PlayRejected     int64 `json:"play_rejected"`
	Intercepted      int64 `json:"intercepted"`
	EnumerateErrors  int64 `json:"enumerate_errors"`
}

type counters struct {
	scans            atomic.Int64
	registered       atomic.Int64
	pauseIssued      atomic.Int64
	pauseSkipped     atomic.Int64
	pauseIneffective atomic.Int64
	primitiveErrors  atomic.Int64
	intentGranted    atomic.Int64
	playIssued       atomic.Int64
	playRejected     atomic.Int64
	intercepted      atomic.Int64
	enumerateErrors  atomic.Int64
}

func (c *counters) count(k Kind) {
	switch k {
	case KindScan:
		c.scans.Add(1)
	case KindRegistered:
		c.registered.Add(1)
	case KindPauseIssued:
		c.pauseIssued.Add(1)
	case KindPauseSkipped:
		c.pauseSkipped.Add(1)
	case KindPauseIneffective:
		c.pauseIneffective.Add(1)
	case KindPrimitiveError:
		c.primitiveErrors.Add(1)
	case KindIntentGranted:
		c.intentGranted.Add(1)
	case KindPlayIssued:
		c.playIssued.Add(1)
	case KindPlayRejected:
		c.playRejected.Add(1)
	case KindIntercepted:
		c.intercepted.Add(1)
	case KindEnumerateError:
		c.enumerateErrors.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Scans:            c.scans.Load(),
		Registered:       c.registered.Load(),
		PauseIssued:      c.pauseIssued.Load(),
		PauseSkipped:     c.pauseSkipped.Load(),
		PauseIneffective: c.pauseIneffective.Load(),
		PrimitiveErrors:  c.primitiveErrors.Load(),
		IntentGranted:    c.intentGranted.Load(),
		PlayIssued:       c.playIssued.Load(),
		PlayRejected:     c.playRejected.Load(),
		Intercepted:      c.intercepted.Load(),
		EnumerateErrors:  c.enumerateErrors.Load(),
	}
}
