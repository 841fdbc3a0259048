// Package rodhost implements governor.Document on top of a live Chrome tab
// driven through go-rod. An injected bridge script tags video elements,
// forwards viewport, mutation, click and playing events through a CDP
// runtime binding, and executes the pause/play primitives the governor
// asks for.
package rodhost

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/playguard/governor"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__playguard_binding"

// Host adapts one rod page to governor.Document.
type Host struct {
	page    *rod.Page
	logger  *slog.Logger
	timeout time.Duration
	eval    func(js string, args ...interface{}) (*proto.RuntimeRemoteObject, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	videos     map[string]*video
	hooks      map[string][]func()
	plays      map[string]func(error)
	nextPlay   int
	visibility func([]governor.VisibilityEntry)
	structure  func([]governor.MutationRecord)
	clicks     func(governor.ClickEvent)
	onReset    func()
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.logger = l } }

// WithTimeout bounds every primitive evaluated in the page. Default: 5s.
func WithTimeout(d time.Duration) Option { return func(h *Host) { h.timeout = d } }

// WithResetHandler sets the function called when the main frame navigates
// and every element handle becomes stale.
func WithResetHandler(fn func()) Option { return func(h *Host) { h.onReset = fn } }

func newHost(page *rod.Page, opts ...Option) *Host {
	h := &Host{
		page:    page,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		videos:  make(map[string]*video),
		hooks:   make(map[string][]func()),
		plays:   make(map[string]func(error)),
	}
	for _, o := range opts {
		o(h)
	}
	h.eval = func(js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
		return h.page.Timeout(h.timeout).Eval(js, args...)
	}
	return h
}

// New installs the binding and the bridge script in page and starts
// listening for bridge events until ctx is cancelled or Close is called.
func New(ctx context.Context, page *rod.Page, opts ...Option) (*Host, error) {
	h := newHost(page, opts...)
	h.ctx, h.cancel = context.WithCancel(ctx)

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		h.logger.Warn("rodhost: addBinding failed (may already exist)", "error", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		h.cancel()
		return nil, fmt.Errorf("rodhost: register bridge: %w", err)
	}
	if _, err := (proto.RuntimeEvaluate{Expression: bridgeJS}).Call(page); err != nil {
		h.cancel()
		return nil, fmt.Errorf("rodhost: inject bridge: %w", err)
	}

	go h.listen()
	return h, nil
}

// Close stops the event listener. The page itself is left open.
func (h *Host) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Host) listen() {
	h.page.Context(h.ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			if err := h.dispatch([]byte(e.Payload)); err != nil {
				h.logger.Warn("rodhost: bad bridge payload", "error", err)
			}
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			h.reset(e.Frame.URL)
		},
	)()
}

// message is the envelope sent by the bridge script.
type message struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Token   string `json:"token"`
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Target  string `json:"target"`
	Entries []struct {
		ID      string  `json:"id"`
		Visible bool    `json:"visible"`
		Ratio   float64 `json:"ratio"`
	} `json:"entries"`
	Records []struct {
		Added   int `json:"added"`
		Removed int `json:"removed"`
	} `json:"records"`
}

func (h *Host) dispatch(payload []byte) error {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("rodhost: unmarshal: %w", err)
	}

	switch m.Kind {
	case "visibility":
		h.mu.Lock()
		fn := h.visibility
		entries := make([]governor.VisibilityEntry, 0, len(m.Entries))
		for _, e := range m.Entries {
			entries = append(entries, governor.VisibilityEntry{
				Video:   h.videoLocked(e.ID),
				Visible: e.Visible,
				Ratio:   e.Ratio,
			})
		}
		h.mu.Unlock()
		if fn != nil {
			fn(entries)
		}

	case "mutations":
		h.mu.Lock()
		fn := h.structure
		h.mu.Unlock()
		if fn == nil {
			return nil
		}
		recs := make([]governor.MutationRecord, len(m.Records))
		for i, r := range m.Records {
			recs[i] = governor.MutationRecord{Added: r.Added, Removed: r.Removed}
		}
		fn(recs)

	case "click":
		h.mu.Lock()
		fn := h.clicks
		h.mu.Unlock()
		if fn != nil && m.Target != "" {
			fn(governor.ClickEvent{Target: &element{h: h, token: m.Target}})
		}

	case "playing":
		h.mu.Lock()
		hooks := append([]func(){}, h.hooks[m.ID]...)
		h.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}

	case "play_result":
		h.mu.Lock()
		done := h.plays[m.Token]
		delete(h.plays, m.Token)
		h.mu.Unlock()
		if done == nil {
			return nil
		}
		if m.OK {
			done(nil)
		} else {
			done(fmt.Errorf("rodhost: play rejected: %s", m.Error))
		}

	default:
		return fmt.Errorf("rodhost: unknown message kind %q", m.Kind)
	}
	return nil
}

// reset drops every handle after a main-frame navigation. The bridge is
// reinstalled by the browser from the new-document script.
func (h *Host) reset(url string) {
	h.mu.Lock()
	h.videos = make(map[string]*video)
	h.hooks = make(map[string][]func())
	plays := h.plays
	h.plays = make(map[string]func(error))
	h.visibility, h.structure, h.clicks = nil, nil, nil
	fn := h.onReset
	h.mu.Unlock()

	for _, done := range plays {
		done(governor.ErrDetached)
	}
	h.logger.Info("rodhost: main frame navigated", "url", url)
	if fn != nil {
		// The handler talks to the page; keep it off the event goroutine.
		go fn()
	}
}

func (h *Host) videoLocked(id string) *video {
	v, ok := h.videos[id]
	if !ok {
		v = &video{h: h, id: id}
		h.videos[id] = v
	}
	return v
}

func (h *Host) video(id string) *video {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.videoLocked(id)
}

// call invokes a bridge method in the page.
func (h *Host) call(method string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	js := fmt.Sprintf(`(...args) => window.__playguard.%s(...args)`, method)
	res, err := h.eval(js, args...)
	if err != nil {
		if strings.Contains(err.Error(), "detached") {
			return nil, fmt.Errorf("rodhost: %s: %w", method, governor.ErrDetached)
		}
		return nil, fmt.Errorf("rodhost: %s: %w", method, err)
	}
	return res, nil
}

// Videos implements governor.Document.
func (h *Host) Videos() ([]governor.Video, error) {
	res, err := h.call("videos")
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(res.Value.Str()), &ids); err != nil {
		return nil, fmt.Errorf("rodhost: videos: %w", err)
	}
	out := make([]governor.Video, len(ids))
	for i, id := range ids {
		out[i] = h.video(id)
	}
	return out, nil
}

// ObserveVisibility implements governor.Document.
func (h *Host) ObserveVisibility(threshold float64, fn func([]governor.VisibilityEntry)) (governor.VisibilityObserver, error) {
	h.mu.Lock()
	h.visibility = fn
	h.mu.Unlock()
	if _, err := h.call("observeVisibility", threshold); err != nil {
		return nil, err
	}
	return &visibilityObserver{h: h}, nil
}

// ObserveStructure implements governor.Document.
func (h *Host) ObserveStructure(fn func([]governor.MutationRecord)) (func(), error) {
	h.mu.Lock()
	h.structure = fn
	h.mu.Unlock()
	if _, err := h.call("observeStructure"); err != nil {
		return nil, err
	}
	return func() {
		h.mu.Lock()
		h.structure = nil
		h.mu.Unlock()
		if _, err := h.call("stopStructure"); err != nil {
			h.logger.Debug("rodhost: stop structure", "error", err)
		}
	}, nil
}

// ListenClicks implements governor.Document.
func (h *Host) ListenClicks(fn func(governor.ClickEvent)) (func(), error) {
	h.mu.Lock()
	h.clicks = fn
	h.mu.Unlock()
	if _, err := h.call("listenClicks"); err != nil {
		return nil, err
	}
	return func() {
		h.mu.Lock()
		h.clicks = nil
		h.mu.Unlock()
		if _, err := h.call("stopClicks"); err != nil {
			h.logger.Debug("rodhost: stop clicks", "error", err)
		}
	}, nil
}

type visibilityObserver struct {
	h *Host
}

func (o *visibilityObserver) Observe(v governor.Video) error {
	_, err := o.h.call("observe", v.ID())
	return err
}

func (o *visibilityObserver) Disconnect() {
	o.h.mu.Lock()
	o.h.visibility = nil
	o.h.mu.Unlock()
	if _, err := o.h.call("unobserveAll"); err != nil {
		o.h.logger.Debug("rodhost: disconnect visibility", "error", err)
	}
}

// video is a handle on a tagged <video> element.
type video struct {
	h  *Host
	id string
}

func (v *video) ID() string { return v.id }

func (v *video) Paused() (bool, error) {
	res, err := v.h.call("paused", v.id)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (v *video) Pause() error {
	_, err := v.h.call("pause", v.id)
	return err
}

func (v *video) Play(done func(error)) error {
	v.h.mu.Lock()
	v.h.nextPlay++
	token := "p" + strconv.Itoa(v.h.nextPlay)
	if done != nil {
		v.h.plays[token] = done
	}
	v.h.mu.Unlock()

	if _, err := v.h.call("play", v.id, token); err != nil {
		v.h.mu.Lock()
		delete(v.h.plays, token)
		v.h.mu.Unlock()
		return err
	}
	return nil
}

func (v *video) OnPlaying(fn func()) error {
	v.h.mu.Lock()
	first := len(v.h.hooks[v.id]) == 0
	v.h.hooks[v.id] = append(v.h.hooks[v.id], fn)
	v.h.mu.Unlock()

	if !first {
		return nil
	}
	if _, err := v.h.call("hook", v.id); err != nil {
		v.h.mu.Lock()
		delete(v.h.hooks, v.id)
		v.h.mu.Unlock()
		return err
	}
	return nil
}

func (v *video) Marked(flag string) bool {
	res, err := v.h.call("marked", v.id, flag)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (v *video) Mark(flag string) error {
	_, err := v.h.call("mark", v.id, flag)
	return err
}

// element is a page node held by the bridge under a token.
type element struct {
	h     *Host
	token string
}

func (e *element) Closest(selectors []string) (governor.Element, bool, error) {
	sel, err := json.Marshal(selectors)
	if err != nil {
		return nil, false, err
	}
	res, err := e.h.call("closest", e.token, string(sel))
	if err != nil {
		return nil, false, err
	}
	token := res.Value.Str()
	if token == "" {
		return nil, false, nil
	}
	return &element{h: e.h, token: token}, true, nil
}

func (e *element) FindVideo() (governor.Video, bool, error) {
	res, err := e.h.call("findVideo", e.token)
	if err != nil {
		return nil, false, err
	}
	id := res.Value.Str()
	if id == "" {
		return nil, false, nil
	}
	return e.h.video(id), true, nil
}

// IsDetached reports whether err means the element left the document.
func IsDetached(err error) bool {
	return errors.Is(err, governor.ErrDetached)
}
