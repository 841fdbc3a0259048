package governor

// IntentTracker records which videos the user explicitly started by
// clicking their player container. Membership only grows during a session.
// Entries are keyed by the video's stable id and never hold the video, so a
// removed element leaves a stale but harmless entry behind.
type IntentTracker struct {
	granted map[string]struct{}
}

// NewIntentTracker returns an empty tracker.
func NewIntentTracker() *IntentTracker {
	return &IntentTracker{granted: make(map[string]struct{})}
}

// Grant marks v as user-authorized. It reports whether v was newly added.
func (t *IntentTracker) Grant(v Video) bool {
	id := v.ID()
	if _, ok := t.granted[id]; ok {
		return false
	}
	t.granted[id] = struct{}{}
	return true
}

// IsGranted reports whether v may play freely.
func (t *IntentTracker) IsGranted(v Video) bool {
	_, ok := t.granted[v.ID()]
	return ok
}

// Len returns the number of granted videos.
func (t *IntentTracker) Len() int { return len(t.granted) }
