package governor

import "errors"

// ErrDetached is returned by host primitives when the element is no longer
// part of the document.
var ErrDetached = errors.New("governor: element detached")

// Video is a video element owned by the host document. The governor never
// creates or destroys videos; it only observes and annotates them.
//
// Implementations may invoke callbacks from any goroutine.
type Video interface {
	// ID is a stable identifier for the element for the whole session.
	ID() string
	Paused() (bool, error)
	Pause() error
	// Play starts playback. A synchronous failure is returned directly;
	// the asynchronous outcome is delivered once to done.
	Play(done func(error)) error
	// OnPlaying registers fn to run whenever the element transitions into
	// the playing state.
	OnPlaying(fn func()) error
	// Marked reports whether the flag attribute is set on the element.
	Marked(flag string) bool
	Mark(flag string) error
}

// Element is an arbitrary node in the host document, used for click targets.
type Element interface {
	// Closest returns the nearest ancestor (or self) matching any of the
	// selectors.
	Closest(selectors []string) (Element, bool, error)
	// FindVideo returns the first video element inside this element.
	FindVideo() (Video, bool, error)
}

// VisibilityEntry reports one target crossing the visibility threshold.
type VisibilityEntry struct {
	Video   Video
	Visible bool
	Ratio   float64
}

// MutationRecord summarises one structural change notification.
type MutationRecord struct {
	Added   int
	Removed int
}

// Structural reports whether the record added or removed nodes.
func (r MutationRecord) Structural() bool {
	return r.Added > 0 || r.Removed > 0
}

// ClickEvent is a click observed on the document root in capture phase.
type ClickEvent struct {
	Target Element
}

// VisibilityObserver is a single viewport subscription with many targets.
type VisibilityObserver interface {
	Observe(v Video) error
	Disconnect()
}

// Document is the host document the governor runs against.
type Document interface {
	// Videos returns a snapshot of every video element currently present.
	Videos() ([]Video, error)
	// ObserveVisibility creates the viewport subscription. threshold is the
	// fraction of the element that must be on screen to count as visible.
	ObserveVisibility(threshold float64, fn func([]VisibilityEntry)) (VisibilityObserver, error)
	// ObserveStructure subscribes to childList changes over the body subtree.
	ObserveStructure(fn func([]MutationRecord)) (cancel func(), err error)
	// ListenClicks installs a capture-phase click listener on the root.
	ListenClicks(fn func(ClickEvent)) (cancel func(), err error)
}
