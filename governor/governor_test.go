package governor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hazyhaar/playguard/governor"
	"github.com/hazyhaar/playguard/memhost"
)

type harness struct {
	t     *testing.T
	gov   *governor.Governor
	clock *clockwork.FakeClock

	mu     sync.Mutex
	events []governor.Event
}

func newHarness(t *testing.T, doc *memhost.Document) *harness {
	return newHarnessWith(t, doc, governor.Config{StartupScans: []time.Duration{}})
}

func newHarnessWith(t *testing.T, doc *memhost.Document, cfg governor.Config) *harness {
	t.Helper()
	h := &harness{t: t, clock: clockwork.NewFakeClock()}
	cfg.Session = "test"
	cfg.Clock = h.clock
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Recorder = governor.RecorderFunc(func(e governor.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	h.gov = governor.New(doc, cfg)
	if err := h.gov.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.gov.Stop)
	return h
}

func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gov.Sync(ctx); err != nil {
		h.t.Fatalf("Sync: %v", err)
	}
}

func (h *harness) enforce(v governor.Video, mode governor.Mode) {
	h.gov.EnforceOnLoop(v, mode)
	h.sync()
}

// advance moves the fake clock and lets the loop run whatever the expired
// timers queued.
func (h *harness) advance(d time.Duration) {
	h.sync()
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) count(kind governor.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
		h.sync()
	}
}

func TestInsertedVideoIsScannedAfterQuietWindow(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())

	h.advance(299 * time.Millisecond)
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans before window elapsed: got %d, want 0", got)
	}

	h.advance(time.Millisecond)
	h.waitFor("scan", func() bool { return h.gov.Stats().Scans == 1 })

	if got := doc.ObserveCount(v); got != 1 {
		t.Fatalf("observe count: got %d, want 1", got)
	}
	if got := v.HookCount(); got != 1 {
		t.Fatalf("playing hooks: got %d, want 1", got)
	}
	// Conservative check on a paused video issues nothing.
	if got := v.PauseCalls(); got != 0 {
		t.Fatalf("pause calls after scan: got %d, want 0", got)
	}

	doc.Scroll(v, 1.0)
	h.sync()
	if got := v.PauseCalls(); got != 1 {
		t.Fatalf("pause calls right after becoming visible: got %d, want 1", got)
	}

	h.advance(governor.DefaultRecheckDelay)
	h.waitFor("recheck pause", func() bool { return v.PauseCalls() == 2 })
}

func TestVisibilityBelowThresholdIsIgnored(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())
	h.gov.Scan()
	h.sync()

	doc.Scroll(v, 0.05)
	h.advance(time.Second)
	if got := v.PauseCalls(); got != 0 {
		t.Fatalf("pause calls at 5%% visibility: got %d, want 0", got)
	}

	doc.Scroll(v, 0.10)
	h.sync()
	if got := v.PauseCalls(); got != 1 {
		t.Fatalf("pause calls at 10%% visibility: got %d, want 1", got)
	}
}

func TestMutationBurstYieldsSingleScan(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	for i := 0; i < 5; i++ {
		doc.Append(doc.Body(), doc.NewVideo().Node())
		h.advance(100 * time.Millisecond)
	}
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans during burst: got %d, want 0", got)
	}

	// 100ms already elapsed since the last mutation.
	h.advance(199 * time.Millisecond)
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans before quiet window: got %d, want 0", got)
	}
	h.advance(time.Millisecond)
	h.waitFor("scan", func() bool { return h.gov.Stats().Scans == 1 })

	h.advance(time.Second)
	if got := h.gov.Stats().Scans; got != 1 {
		t.Fatalf("scans after burst: got %d, want 1", got)
	}
	if got := h.gov.Stats().Registered; got != 5 {
		t.Fatalf("registered: got %d, want 5", got)
	}
}

func TestAttributeOnlyMutationsAreIgnored(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	doc.TouchAttributes()
	h.advance(time.Second)
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans: got %d, want 0", got)
	}
}

func TestRescanNeverReregisters(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	v.ScriptPlay()
	doc.Append(doc.Body(), v.Node())

	for i := 0; i < 3; i++ {
		h.gov.Scan()
	}
	h.sync()

	if got := doc.ObserveCount(v); got != 1 {
		t.Fatalf("observe count: got %d, want 1", got)
	}
	if got := h.gov.Stats().Registered; got != 1 {
		t.Fatalf("registered: got %d, want 1", got)
	}
	// Only the first scan checks the video.
	if got := v.PauseCalls(); got != 1 {
		t.Fatalf("pause calls: got %d, want 1", got)
	}
	if got := v.HookCount(); got != 1 {
		t.Fatalf("playing hooks: got %d, want 1", got)
	}
}

func TestClickGrantsIntentAndSuppressesPause(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	container := doc.NewElement(`[data-testid="videoPlayer"]`)
	doc.Append(doc.Body(), container)
	v := doc.NewVideo()
	doc.Append(container, v.Node())
	button := doc.NewElement("button")
	doc.Append(container, button)

	h.gov.Scan()
	h.sync()

	doc.Click(button)
	h.sync()
	if got := v.PlayCalls(); got != 1 {
		t.Fatalf("play calls: got %d, want 1", got)
	}
	if v.IsPaused() {
		t.Fatal("video paused after click")
	}

	doc.Click(button)
	h.sync()
	if got := h.gov.Stats().IntentGranted; got != 1 {
		t.Fatalf("intent granted: got %d, want 1", got)
	}

	doc.Scroll(v, 1.0)
	h.advance(governor.DefaultRecheckDelay)
	h.waitFor("recheck", func() bool { return h.count(governor.KindPauseSkipped) >= 3 })

	if got := v.PauseCalls(); got != 0 {
		t.Fatalf("pause calls for granted video: got %d, want 0", got)
	}
	if v.IsPaused() {
		t.Fatal("granted video paused")
	}
}

func TestClickOutsideContainerGrantsNothing(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())
	h.gov.Scan()
	h.sync()

	doc.Click(v.Node())
	h.sync()
	if got := h.gov.Stats().IntentGranted; got != 0 {
		t.Fatalf("intent granted: got %d, want 0", got)
	}
	if got := v.PlayCalls(); got != 0 {
		t.Fatalf("play calls: got %d, want 0", got)
	}
}

func TestRejectedPlayKeepsIntent(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	container := doc.NewElement(`[data-testid="videoComponent"]`)
	doc.Append(doc.Body(), container)
	v := doc.NewVideo()
	v.PlayReject = errors.New("NotAllowedError")
	doc.Append(container, v.Node())

	doc.Click(container)
	h.sync()
	h.sync()

	if got := h.gov.Stats().PlayRejected; got != 1 {
		t.Fatalf("play rejected: got %d, want 1", got)
	}

	h.gov.Scan()
	h.sync()
	doc.Scroll(v, 1.0)
	h.sync()
	if got := v.PauseCalls(); got != 0 {
		t.Fatalf("pause calls: got %d, want 0", got)
	}
}

func TestScriptPlayIsIntercepted(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())
	h.gov.Scan()
	h.sync()

	v.ScriptPlay()
	h.sync()

	if !v.IsPaused() {
		t.Fatal("script-started video still playing")
	}
	if got := h.gov.Stats().Intercepted; got != 1 {
		t.Fatalf("intercepted: got %d, want 1", got)
	}
}

func TestStartupScans(t *testing.T) {
	doc := memhost.New()
	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())

	h := newHarnessWith(t, doc, governor.Config{})

	h.advance(999 * time.Millisecond)
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans before first startup delay: got %d, want 0", got)
	}
	h.advance(time.Millisecond)
	h.waitFor("first startup scan", func() bool { return h.gov.Stats().Scans == 1 })

	h.advance(500 * time.Millisecond)
	h.waitFor("second startup scan", func() bool { return h.gov.Stats().Scans == 2 })

	if got := h.gov.Stats().Registered; got != 1 {
		t.Fatalf("registered: got %d, want 1", got)
	}
}

func TestEnumerateErrorIsRecorded(t *testing.T) {
	doc := memhost.New()
	doc.VideosErr = errors.New("document gone")
	h := newHarness(t, doc)

	h.gov.Scan()
	h.sync()

	if got := h.gov.Stats().EnumerateErrors; got != 1 {
		t.Fatalf("enumerate errors: got %d, want 1", got)
	}
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans: got %d, want 0", got)
	}
}

func TestStopDetachesSubscriptions(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	h.gov.Stop()
	h.gov.Stop()

	if err := h.gov.Start(context.Background()); err == nil {
		t.Fatal("Start after Stop: got nil error")
	}

	// Mutations after Stop have no subscriber left.
	doc.Append(doc.Body(), doc.NewVideo().Node())
	h.clock.Advance(time.Second)
	if got := h.gov.Stats().Scans; got != 0 {
		t.Fatalf("scans after stop: got %d, want 0", got)
	}
}

func TestEventsCarrySession(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	doc.Append(doc.Body(), doc.NewVideo().Node())
	h.gov.Scan()
	h.sync()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		t.Fatal("no events recorded")
	}
	for _, e := range h.events {
		if e.Session != "test" {
			t.Fatalf("event session: got %q, want %q", e.Session, "test")
		}
		if e.At.IsZero() {
			t.Fatalf("event %s has zero time", e.Kind)
		}
	}
}

func TestFailedObserveIsRetriedByNextScan(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	v.ObserveErr = errors.New("cdp timeout")
	doc.Append(doc.Body(), v.Node())

	h.gov.Scan()
	h.sync()
	if got := h.gov.Stats().Registered; got != 0 {
		t.Fatalf("registered after failed observe: got %d, want 0", got)
	}
	if got := h.gov.Stats().PrimitiveErrors; got != 1 {
		t.Fatalf("primitive errors: got %d, want 1", got)
	}

	h.gov.Scan()
	h.sync()
	if got := doc.ObserveCount(v); got != 1 {
		t.Fatalf("observe count after retry: got %d, want 1", got)
	}
	if got := h.gov.Stats().Registered; got != 1 {
		t.Fatalf("registered after retry: got %d, want 1", got)
	}

	doc.Scroll(v, 1.0)
	h.sync()
	if got := v.PauseCalls(); got != 1 {
		t.Fatalf("pause calls on scroll into view: got %d, want 1", got)
	}
}

func TestFailedHookLeavesVideoUnflagged(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	v.HookErr = errors.New("cdp timeout")
	doc.Append(doc.Body(), v.Node())

	h.gov.Scan()
	h.sync()
	if got := v.HookCount(); got != 1 {
		t.Fatalf("playing hooks: got %d, want 1", got)
	}
	if !v.Marked(governor.DefaultInterceptorFlag) {
		t.Fatal("hooked video not flagged")
	}

	v.ScriptPlay()
	h.sync()
	if !v.IsPaused() {
		t.Fatal("script-started video still playing")
	}
	if got := h.gov.Stats().Intercepted; got != 1 {
		t.Fatalf("intercepted: got %d, want 1", got)
	}
}

func TestStopCancelsRechecks(t *testing.T) {
	doc := memhost.New()
	h := newHarness(t, doc)

	v := doc.NewVideo()
	doc.Append(doc.Body(), v.Node())
	h.advance(governor.DefaultDebounceWindow)
	h.waitFor("scan", func() bool { return h.gov.Stats().Scans == 1 })

	doc.Scroll(v, 1.0)
	h.sync()
	h.gov.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 0); err != nil {
		t.Fatalf("timers left after Stop: %v", err)
	}
}
