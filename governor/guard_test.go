package governor_test

import (
	"errors"
	"testing"

	"github.com/hazyhaar/playguard/governor"
	"github.com/hazyhaar/playguard/memhost"
)

func TestIntentTracker_GrantIsIdempotent(t *testing.T) {
	doc := memhost.New()
	v := doc.NewVideo()
	it := governor.NewIntentTracker()

	if it.IsGranted(v) {
		t.Fatal("IsGranted before Grant: got true, want false")
	}
	if !it.Grant(v) {
		t.Fatal("first Grant: got false, want true")
	}
	if it.Grant(v) {
		t.Fatal("second Grant: got true, want false")
	}
	if !it.IsGranted(v) {
		t.Fatal("IsGranted after Grant: got false, want true")
	}
	if it.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", it.Len())
	}
}

func TestIntentTracker_StaleEntryIsHarmless(t *testing.T) {
	doc := memhost.New()
	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())
	it := governor.NewIntentTracker()
	it.Grant(v)

	doc.Remove(v.Node())
	if !it.IsGranted(v) {
		t.Fatal("IsGranted after removal: got false, want true")
	}
}

func TestGuard_Enforce(t *testing.T) {
	tests := []struct {
		name      string
		mode      governor.Mode
		playing   bool
		granted   bool
		wantPause bool
	}{
		{"assertive paused", governor.Assertive, false, false, true},
		{"assertive playing", governor.Assertive, true, false, true},
		{"assertive granted", governor.Assertive, true, true, false},
		{"conservative paused", governor.Conservative, false, false, false},
		{"conservative playing", governor.Conservative, true, false, true},
		{"conservative granted", governor.Conservative, true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := memhost.New()
			h := newHarness(t, doc)

			container := doc.NewElement(`[data-testid="videoPlayer"]`)
			doc.Append(doc.Body(), container)
			v := doc.NewVideo()
			doc.Append(container, v.Node())

			if tt.granted {
				doc.Click(v.Node())
				h.sync()
			}
			if tt.playing {
				v.ScriptPlay()
			}
			// Drain the interceptor reaction to ScriptPlay, if any, before
			// counting.
			h.sync()
			before := v.PauseCalls()

			h.enforce(v, tt.mode)

			got := v.PauseCalls() - before
			if tt.wantPause && got != 1 {
				t.Fatalf("pause calls: got %d, want 1", got)
			}
			if !tt.wantPause && got != 0 {
				t.Fatalf("pause calls: got %d, want 0", got)
			}
		})
	}
}

func TestGuard_PauseIneffectiveIsRecordedNotRetried(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	v.StickyPlay = true
	v.ScriptPlay()
	doc.Append(doc.Body(), v.Node())

	h.gov.Scan()
	h.sync()

	if got := v.PauseCalls(); got != 1 {
		t.Fatalf("pause calls: got %d, want 1", got)
	}
	st := h.gov.Stats()
	if st.PauseIneffective != 1 {
		t.Fatalf("PauseIneffective: got %d, want 1", st.PauseIneffective)
	}
	if h.count(governor.KindPauseIneffective) != 1 {
		t.Fatalf("recorded pause_ineffective events: got %d, want 1", h.count(governor.KindPauseIneffective))
	}
}

func TestGuard_PrimitiveErrorIsolatedWithinScan(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	broken := doc.NewVideo()
	broken.PauseErr = errors.New("pause exploded")
	broken.ScriptPlay()
	ok := doc.NewVideo()
	ok.ScriptPlay()
	doc.Append(doc.Body(), broken.Node())
	doc.Append(doc.Body(), ok.Node())

	h.gov.Scan()
	h.sync()

	if !ok.IsPaused() {
		t.Fatal("second video: still playing after scan")
	}
	st := h.gov.Stats()
	if st.PrimitiveErrors != 1 {
		t.Fatalf("PrimitiveErrors: got %d, want 1", st.PrimitiveErrors)
	}
	if st.Registered != 2 {
		t.Fatalf("Registered: got %d, want 2", st.Registered)
	}
}

func TestMode_String(t *testing.T) {
	if governor.Assertive.String() != "assertive" {
		t.Fatalf("Assertive: got %q", governor.Assertive.String())
	}
	if governor.Conservative.String() != "conservative" {
		t.Fatalf("Conservative: got %q", governor.Conservative.String())
	}
	if governor.Mode(9).String() != "mode(9)" {
		t.Fatalf("Mode(9): got %q", governor.Mode(9).String())
	}
}
