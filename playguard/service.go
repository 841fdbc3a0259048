// Package playguard runs one playback governor per browser page. It owns the
// Chrome process, opens a tab per configured page, attaches a governor to
// it and restarts that governor with fresh state whenever the page's main
// frame navigates or the browser is recycled.
package playguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/jonboulle/clockwork"

	"github.com/hazyhaar/playguard/decisionlog"
	"github.com/hazyhaar/playguard/governor"
	"github.com/hazyhaar/playguard/idgen"
	"github.com/hazyhaar/playguard/playguard/internal/browser"
	"github.com/hazyhaar/playguard/playguard/internal/rodhost"
)

var (
	// ErrPageExists is returned when a page id is already governed.
	ErrPageExists = errors.New("playguard: page already governed")
	// ErrPageNotFound is returned for an unknown page id.
	ErrPageNotFound = errors.New("playguard: page not found")
	// ErrNotStarted is returned before Start or after Stop.
	ErrNotStarted = errors.New("playguard: service not started")
)

// Target is a document ready to be governed plus the function releasing it.
type Target struct {
	Doc   governor.Document
	Close func()
}

// Opener opens the document of page. onReset must be called whenever the
// document is replaced and every handle obtained from it became stale.
type Opener func(ctx context.Context, page PageConfig, onReset func()) (Target, error)

// SessionInfo describes one governed page.
type SessionInfo struct {
	PageID    string         `json:"page_id"`
	URL       string         `json:"url"`
	Session   string         `json:"session"`
	StartedAt time.Time      `json:"started_at"`
	Restarts  int            `json:"restarts"`
	Stats     governor.Stats `json:"stats"`
}

// session is one governed page. The service lock guards the sessions map;
// mu guards the fields below so a slow open or restart of one page never
// blocks the others.
type session struct {
	page PageConfig

	mu        sync.Mutex
	target    Target
	gov       *governor.Governor
	id        string
	startedAt time.Time
	restarts  int
	closed    bool
}

// Service is the top-level orchestrator. Create one per process.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	clock  clockwork.Clock
	opener Opener
	mgr    *browser.Manager
	dlog   *decisionlog.Log
	ownLog bool

	mu        sync.Mutex
	ctx       context.Context
	sessions  map[string]*session
	opening   map[string]bool
	stopPrune context.CancelFunc
	pruneDone chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithOpener replaces the browser with another document source. No Chrome
// is launched when an opener is set.
func WithOpener(o Opener) Option { return func(s *Service) { s.opener = o } }

// WithClock sets the clock handed to every governor. Default: real clock.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithDecisionLog records every decision in l. The caller keeps ownership.
func WithDecisionLog(l *decisionlog.Log) Option { return func(s *Service) { s.dlog = l } }

// New creates a Service from configuration.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]*session),
		opening:  make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the browser (unless an opener was supplied), opens the
// decision log when configured and governs every configured page. A page
// that fails to open is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	if s.dlog == nil && s.cfg.DecisionLog.Path != "" {
		l, err := decisionlog.Open(s.cfg.DecisionLog.Path, decisionlog.Config{
			Buffer:        s.cfg.DecisionLog.Buffer,
			FlushInterval: s.cfg.DecisionLog.FlushInterval,
			Logger:        s.logger,
		})
		if err != nil {
			return fmt.Errorf("playguard: %w", err)
		}
		s.dlog, s.ownLog = l, true
	}

	if s.opener == nil {
		s.mgr = browser.NewManager(browser.Config{
			RemoteURL:        s.cfg.Browser.Remote,
			MemoryLimit:      s.cfg.Browser.MemoryLimit,
			RecycleInterval:  s.cfg.Browser.RecycleInterval,
			ResourceBlocking: s.cfg.Browser.ResourceBlocking,
			Mode:             browser.ParseMode(s.cfg.Browser.Mode),
			XvfbDisplay:      s.cfg.Browser.XvfbDisplay,
			Autoplay:         s.cfg.Browser.Autoplay,
			Logger:           s.logger,
		})
		if _, err := s.mgr.Start(ctx); err != nil {
			s.closeLog()
			return fmt.Errorf("playguard: start browser: %w", err)
		}
		s.mgr.SetHooks(browser.Hooks{
			BeforeRecycle: s.detachAll,
			AfterRecycle:  func(*rod.Browser) { s.reattachAll() },
		})
		s.opener = s.openTab
	}

	s.mu.Lock()
	s.ctx = ctx
	if s.dlog != nil {
		pctx, cancel := context.WithCancel(ctx)
		s.stopPrune, s.pruneDone = cancel, make(chan struct{})
		ticker := s.clock.NewTicker(s.cfg.DecisionLog.CleanupInterval)
		go s.pruneLoop(pctx, ticker)
	}
	s.mu.Unlock()

	for _, page := range s.cfg.Pages {
		if _, err := s.Observe(ctx, page); err != nil {
			s.logger.Error("playguard: failed to govern page", "url", page.URL, "error", err)
		}
	}
	return nil
}

// Observe starts governing one page. A page without id gets a generated one.
// The page id is reserved while the document opens, so a concurrent Observe
// of the same id fails with ErrPageExists.
func (s *Service) Observe(ctx context.Context, page PageConfig) (SessionInfo, error) {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return SessionInfo{}, ErrNotStarted
	}
	if page.ID == "" {
		page.ID = idgen.Prefixed("page_", idgen.NanoID(8))()
	}
	if _, ok := s.sessions[page.ID]; ok || s.opening[page.ID] {
		s.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrPageExists, page.ID)
	}
	s.opening[page.ID] = true
	s.mu.Unlock()

	sess := &session{page: page}
	err := s.attach(ctx, sess)

	s.mu.Lock()
	delete(s.opening, page.ID)
	if err == nil && s.ctx == nil {
		err = ErrNotStarted
		s.mu.Unlock()
		sess.close()
	} else {
		if err == nil {
			s.sessions[page.ID] = sess
		}
		s.mu.Unlock()
	}
	if err != nil {
		return SessionInfo{}, err
	}
	info := sess.info()
	s.logger.Info("playguard: governing page", "page", page.ID, "url", page.URL, "session", info.Session)
	return info, nil
}

// Unobserve stops governing a page and closes its document.
func (s *Service) Unobserve(pageID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[pageID]
	delete(s.sessions, pageID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	sess.close()
	return nil
}

// Sessions lists the governed pages ordered by page id.
func (s *Service) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0)
	for _, sess := range s.snapshot() {
		out = append(out, sess.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}

// Session describes one governed page.
func (s *Service) Session(pageID string) (SessionInfo, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[pageID]
	s.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// DecisionLog returns the decision log, nil when disabled.
func (s *Service) DecisionLog() *decisionlog.Log { return s.dlog }

// Stop stops every governor, closes the pages and shuts the browser down.
func (s *Service) Stop() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.ctx = nil
	stopPrune, pruneDone := s.stopPrune, s.pruneDone
	s.stopPrune, s.pruneDone = nil, nil
	s.mu.Unlock()

	for id, sess := range sessions {
		sess.close()
		s.logger.Info("playguard: stopped page", "page", id)
	}
	if stopPrune != nil {
		stopPrune()
		<-pruneDone
	}
	if s.mgr != nil {
		s.mgr.Close()
	}
	s.closeLog()
}

func (s *Service) closeLog() {
	if s.ownLog && s.dlog != nil {
		if err := s.dlog.Close(); err != nil {
			s.logger.Error("playguard: close decision log", "error", err)
		}
	}
}

// pruneLoop deletes decisions older than the retention, once right away and
// then on every tick.
func (s *Service) pruneLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer close(s.pruneDone)
	defer ticker.Stop()
	for {
		before := s.clock.Now().Add(-s.cfg.DecisionLog.Retention)
		n, err := s.dlog.Cleanup(ctx, before)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("playguard: prune decision log", "error", err)
		case n > 0:
			s.logger.Info("playguard: pruned decision log", "deleted", n, "before", before)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (s *Service) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// attach opens the document of sess and starts its first governor. No
// service lock is held while the opener runs.
func (s *Service) attach(ctx context.Context, sess *session) error {
	target, err := s.opener(ctx, sess.page, func() { s.restart(sess) })
	if err != nil {
		return fmt.Errorf("playguard: open %s: %w", sess.page.ID, err)
	}
	gov, id, err := s.startGovernor(ctx, sess.page, target.Doc)
	if err != nil {
		if target.Close != nil {
			target.Close()
		}
		return err
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		gov.Stop()
		if target.Close != nil {
			target.Close()
		}
		return fmt.Errorf("%w: %s", ErrPageNotFound, sess.page.ID)
	}
	sess.target, sess.gov, sess.id = target, gov, id
	sess.startedAt = s.clock.Now()
	sess.mu.Unlock()
	return nil
}

func (s *Service) startGovernor(ctx context.Context, page PageConfig, doc governor.Document) (*governor.Governor, string, error) {
	gcfg := s.cfg.GovernorOptions()
	gcfg.Session = idgen.Session()
	gcfg.Clock = s.clock
	gcfg.Logger = s.logger.With("page", page.ID)
	if s.dlog != nil {
		gcfg.Recorder = s.dlog.Recorder(page.ID)
	}

	gov := governor.New(doc, gcfg)
	if err := gov.Start(ctx); err != nil {
		return nil, "", fmt.Errorf("playguard: start governor for %s: %w", page.ID, err)
	}
	return gov, gcfg.Session, nil
}

// restart replaces the governor of sess after its document was replaced.
// Nothing carries over: the new governor starts with empty sets.
func (s *Service) restart(sess *session) {
	s.mu.Lock()
	ctx := s.ctx
	live := ctx != nil && s.sessions[sess.page.ID] == sess
	s.mu.Unlock()
	if !live {
		return
	}

	sess.mu.Lock()
	doc := sess.target.Doc
	if sess.closed || doc == nil {
		sess.mu.Unlock()
		return
	}
	old, oldID := sess.gov, sess.id
	sess.gov = nil
	sess.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	gov, id, err := s.startGovernor(ctx, sess.page, doc)
	if err != nil {
		s.logger.Error("playguard: restart failed", "page", sess.page.ID, "error", err)
		return
	}

	sess.mu.Lock()
	if sess.closed || sess.target.Doc != doc {
		sess.mu.Unlock()
		gov.Stop()
		return
	}
	prev := sess.gov
	sess.gov, sess.id = gov, id
	sess.startedAt = s.clock.Now()
	sess.restarts++
	sess.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	s.logger.Info("playguard: session reset", "page", sess.page.ID, "old", oldID, "session", id)
}

// detachAll stops every governor and closes the pages before a browser
// recycle. The sessions are kept so reattachAll can reopen them.
func (s *Service) detachAll() {
	for _, sess := range s.snapshot() {
		sess.detach()
	}
}

func (s *Service) reattachAll() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	for _, sess := range s.snapshot() {
		if err := s.attach(ctx, sess); err != nil {
			s.logger.Error("playguard: reattach failed", "page", sess.page.ID, "error", err)
			s.mu.Lock()
			if s.sessions[sess.page.ID] == sess {
				delete(s.sessions, sess.page.ID)
			}
			s.mu.Unlock()
			continue
		}
		sess.mu.Lock()
		sess.restarts++
		sess.mu.Unlock()
	}
}

// detach stops the governor and closes the document, keeping the session
// reusable.
func (sess *session) detach() {
	sess.mu.Lock()
	gov, closeFn := sess.gov, sess.target.Close
	sess.gov, sess.target = nil, Target{}
	sess.mu.Unlock()

	if gov != nil {
		gov.Stop()
	}
	if closeFn != nil {
		closeFn()
	}
}

// close detaches sess for good.
func (sess *session) close() {
	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	sess.detach()
}

func (sess *session) info() SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	info := SessionInfo{
		PageID:    sess.page.ID,
		URL:       sess.page.URL,
		Session:   sess.id,
		StartedAt: sess.startedAt,
		Restarts:  sess.restarts,
	}
	if sess.gov != nil {
		info.Stats = sess.gov.Stats()
	}
	return info
}

// openTab is the browser-backed Opener. The tab is navigated before the
// bridge is installed, so the initial load does not count as a reset.
func (s *Service) openTab(ctx context.Context, page PageConfig, onReset func()) (Target, error) {
	tab, err := browser.OpenTab(ctx, s.mgr, page.URL, page.ID, *s.cfg.Browser.Stealth)
	if err != nil {
		return Target{}, err
	}
	if err := tab.Navigate(ctx, s.mgr); err != nil {
		tab.Close()
		return Target{}, err
	}
	host, err := rodhost.New(ctx, tab.Page,
		rodhost.WithLogger(s.logger.With("page", page.ID)),
		rodhost.WithResetHandler(onReset))
	if err != nil {
		tab.Close()
		return Target{}, err
	}
	return Target{
		Doc: host,
		Close: func() {
			host.Close()
			if err := tab.Close(); err != nil {
				s.logger.Debug("playguard: close tab", "page", page.ID, "error", err)
			}
		},
	}, nil
}
