// Package governor decides, for every video element of a dynamic document,
// whether it may keep playing. Three asynchronous signal sources feed it:
// viewport visibility, structural mutations of the document, and user
// clicks on player containers. A video is paused when it comes into view
// unless the user started it by clicking its container.
//
// The document itself is an external collaborator described by the
// Document and Video interfaces. One Governor is created per document
// session; it owns all state and runs every callback on a single serial
// loop, so no component needs locking.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config tunes a Governor. Zero values take the defaults noted per field.
type Config struct {
	// Session labels events from this governor.
	Session string
	// VisibilityThreshold is the visible fraction that counts as "in view".
	// Default: 0.10.
	VisibilityThreshold float64
	// RecheckDelay is the delay of the second assertive check after a
	// visibility transition. Default: 50ms.
	RecheckDelay time.Duration
	// DebounceWindow is the quiet window between the last structural
	// mutation and the scan it triggers. Default: 300ms.
	DebounceWindow time.Duration
	// StartupScans are delays after Start at which a full scan runs.
	// nil means the defaults (1000ms and 1500ms); an empty non-nil slice
	// disables startup scans.
	StartupScans []time.Duration
	// ContainerSelectors identify player containers. Default:
	// DefaultContainerSelectors.
	ContainerSelectors []string
	// InterceptorFlag is the attribute marking hooked videos. Default:
	// DefaultInterceptorFlag.
	InterceptorFlag string

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Recorder Recorder
}

// Default timing values.
const (
	DefaultVisibilityThreshold = 0.10
	DefaultRecheckDelay        = 50 * time.Millisecond
	DefaultDebounceWindow      = 300 * time.Millisecond
)

// DefaultStartupScans are the delays of the scans run after Start.
var DefaultStartupScans = []time.Duration{1000 * time.Millisecond, 1500 * time.Millisecond}

func (c *Config) defaults() {
	if c.VisibilityThreshold <= 0 || c.VisibilityThreshold > 1 {
		c.VisibilityThreshold = DefaultVisibilityThreshold
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = DefaultRecheckDelay
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.StartupScans == nil {
		c.StartupScans = DefaultStartupScans
	}
	if len(c.ContainerSelectors) == 0 {
		c.ContainerSelectors = DefaultContainerSelectors
	}
	if c.InterceptorFlag == "" {
		c.InterceptorFlag = DefaultInterceptorFlag
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Governor is the playback governor of one document session.
type Governor struct {
	cfg    Config
	doc    Document
	logger *slog.Logger
	loop   *loop
	rec    Recorder
	stats  counters

	intent      *IntentTracker
	guard       *Guard
	monitor     *VisibilityMonitor
	interceptor *Interceptor
	clicks      *ClickDelegator
	scanner     *Scanner
	watcher     *MutationWatcher
	debounce    *debouncer

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	startups []clockwork.Timer
	unsubs   []func()
}

// New wires a Governor for doc. Call Start to subscribe to the document.
func New(doc Document, cfg Config) *Governor {
	cfg.defaults()

	g := &Governor{
		cfg:    cfg,
		doc:    doc,
		logger: cfg.Logger,
		loop:   newLoop(),
		intent: NewIntentTracker(),
	}
	g.rec = LogRecorder{Logger: cfg.Logger}
	if cfg.Recorder != nil {
		g.rec = multiRecorder{g.rec, cfg.Recorder}
	}

	g.guard = &Guard{intent: g.intent, emit: g.emit}
	g.interceptor = &Interceptor{
		flag:   cfg.InterceptorFlag,
		intent: g.intent,
		guard:  g.guard,
		post:   g.loop.post,
		emit:   g.emit,
	}
	g.guard.interceptor = g.interceptor

	g.monitor = &VisibilityMonitor{
		observed: make(map[string]struct{}),
		timers:   make(map[uint64]clockwork.Timer),
		guard:    g.guard,
		clock:    cfg.Clock,
		recheck:  cfg.RecheckDelay,
		post:     g.loop.post,
		emit:     g.emit,
	}
	g.clicks = &ClickDelegator{
		selectors:   cfg.ContainerSelectors,
		intent:      g.intent,
		interceptor: g.interceptor,
		post:        g.loop.post,
		emit:        g.emit,
	}
	g.scanner = &Scanner{
		doc:         doc,
		monitor:     g.monitor,
		interceptor: g.interceptor,
		guard:       g.guard,
		emit:        g.emit,
	}
	g.debounce = &debouncer{
		clock:  cfg.Clock,
		window: cfg.DebounceWindow,
		post:   g.loop.post,
		fire:   func() { g.scanner.ScanAll() },
	}
	g.watcher = &MutationWatcher{debounce: g.debounce}
	return g
}

// Start installs the document subscriptions, starts the session loop and
// schedules the startup scans. It fails only when a subscription cannot be
// installed; everything after that is best-effort.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return fmt.Errorf("governor: already started")
	}

	vo, err := g.doc.ObserveVisibility(g.cfg.VisibilityThreshold, func(entries []VisibilityEntry) {
		g.loop.post(func() { g.monitor.onEntries(entries) })
	})
	if err != nil {
		return fmt.Errorf("governor: observe visibility: %w", err)
	}
	g.monitor.observer = vo
	g.unsubs = append(g.unsubs, vo.Disconnect)

	stopMut, err := g.doc.ObserveStructure(func(records []MutationRecord) {
		g.loop.post(func() { g.watcher.onRecords(records) })
	})
	if err != nil {
		g.unsubscribe()
		return fmt.Errorf("governor: observe structure: %w", err)
	}
	g.unsubs = append(g.unsubs, stopMut)

	stopClicks, err := g.doc.ListenClicks(func(ev ClickEvent) {
		g.loop.post(func() { g.clicks.onClick(ev) })
	})
	if err != nil {
		g.unsubscribe()
		return fmt.Errorf("governor: listen clicks: %w", err)
	}
	g.unsubs = append(g.unsubs, stopClicks)

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		g.loop.run(ctx)
	}()

	for _, d := range g.cfg.StartupScans {
		t := g.cfg.Clock.AfterFunc(d, func() {
			g.loop.post(func() { g.scanner.ScanAll() })
		})
		g.startups = append(g.startups, t)
	}

	g.started = true
	g.logger.Info("governor: started",
		"session", g.cfg.Session,
		"threshold", g.cfg.VisibilityThreshold,
		"debounce", g.cfg.DebounceWindow,
		"recheck", g.cfg.RecheckDelay)
	return nil
}

// Stop removes the document subscriptions and stops the loop. Startup
// scans, the pending debounce and the visibility rechecks are cancelled. Stop is safe to call more than once; a stopped
// Governor cannot be restarted.
func (g *Governor) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.stopped = true
	for _, t := range g.startups {
		t.Stop()
	}
	g.startups = nil
	g.unsubscribe()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	cancel()
	<-done
	// The loop has exited, so the debouncer and the rechecks are no longer
	// shared.
	g.debounce.stop()
	g.monitor.stop()
	g.logger.Info("governor: stopped", "session", g.cfg.Session)
}

func (g *Governor) unsubscribe() {
	for i := len(g.unsubs) - 1; i >= 0; i-- {
		if g.unsubs[i] != nil {
			g.unsubs[i]()
		}
	}
	g.unsubs = nil
}

// Scan queues a full discovery scan on the session loop.
func (g *Governor) Scan() {
	g.loop.post(func() { g.scanner.ScanAll() })
}

// Sync waits until every task queued before the call has run.
func (g *Governor) Sync(ctx context.Context) error {
	return g.loop.sync(ctx)
}

// Stats returns the session counters.
func (g *Governor) Stats() Stats {
	return g.stats.snapshot()
}

// Session returns the session label.
func (g *Governor) Session() string { return g.cfg.Session }

func (g *Governor) emit(e Event) {
	e.Session = g.cfg.Session
	if e.At.IsZero() {
		e.At = g.cfg.Clock.Now()
	}
	g.stats.count(e.Kind)
	g.rec.Record(e)
}
