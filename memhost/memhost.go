// Package memhost is an in-memory document implementing governor.Document.
// It models just enough of a page to drive the governor: a node tree with
// selector markers, video elements with a play state, a viewport
// subscription, a structural mutation subscription and capture-phase
// clicks. It backs the governor tests and the scenario simulator.
//
// Callbacks are never invoked while the document lock is held.
package memhost

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/playguard/governor"
)

// Node is an element in the document tree.
type Node struct {
	doc      *Document
	parent   *Node
	children []*Node
	markers  map[string]bool
	video    *Video
	attached bool
}

// Video is a video element. Its fields describing failure modes may be set
// by tests before the governor touches it.
type Video struct {
	node  *Node
	id    string
	doc   *Document
	flags map[string]bool
	hooks []func()

	paused     bool
	pauseCalls int
	playCalls  int

	// PauseErr makes Pause fail synchronously.
	PauseErr error
	// StickyPlay makes Pause succeed without flipping the state.
	StickyPlay bool
	// PlayErr makes Play fail synchronously.
	PlayErr error
	// PlayReject makes Play fail asynchronously through its done callback.
	PlayReject error
	// ObserveErr makes the next viewport subscription of the video fail.
	// It is cleared once returned.
	ObserveErr error
	// HookErr makes the next OnPlaying fail. It is cleared once returned.
	HookErr error
}

// Document is the in-memory host document.
type Document struct {
	mu        sync.Mutex
	body      *Node
	videos    []*Video
	nextID    int
	observers []*visibilityObserver
	structure map[int]func([]governor.MutationRecord)
	clicks    map[int]func(governor.ClickEvent)
	nextSub   int

	// VideosErr makes Videos fail.
	VideosErr error
}

// New returns an empty document with a body.
func New() *Document {
	d := &Document{
		structure: make(map[int]func([]governor.MutationRecord)),
		clicks:    make(map[int]func(governor.ClickEvent)),
	}
	d.body = &Node{doc: d, attached: true, markers: map[string]bool{"body": true}}
	return d
}

// Body returns the document body.
func (d *Document) Body() *Node { return d.body }

// NewElement creates a detached element matching the given selectors.
func (d *Document) NewElement(markers ...string) *Node {
	n := &Node{doc: d, markers: make(map[string]bool, len(markers))}
	for _, m := range markers {
		n.markers[m] = true
	}
	return n
}

// NewVideo creates a detached, paused video element.
func (d *Document) NewVideo() *Video {
	d.mu.Lock()
	d.nextID++
	id := fmt.Sprintf("v%d", d.nextID)
	d.mu.Unlock()

	n := &Node{doc: d, markers: map[string]bool{"video": true}}
	v := &Video{node: n, id: id, doc: d, flags: make(map[string]bool), paused: true}
	n.video = v
	return v
}

// Node returns the element backing v.
func (v *Video) Node() *Node { return v.node }

// Append inserts child under parent and notifies structure observers with
// one record reporting one added node.
func (d *Document) Append(parent, child *Node) {
	d.mu.Lock()
	child.parent = parent
	parent.children = append(parent.children, child)
	if parent.attached {
		d.attach(child)
	}
	fns := d.structureFns()
	d.mu.Unlock()

	notify(fns, []governor.MutationRecord{{Added: 1}})
}

// Remove detaches n and its subtree.
func (d *Document) Remove(n *Node) {
	d.mu.Lock()
	if p := n.parent; p != nil {
		for i, c := range p.children {
			if c == n {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		n.parent = nil
	}
	d.detach(n)
	fns := d.structureFns()
	d.mu.Unlock()

	notify(fns, []governor.MutationRecord{{Removed: 1}})
}

// TouchAttributes notifies structure observers with an attribute-only
// record, as a class or style change would.
func (d *Document) TouchAttributes() {
	d.mu.Lock()
	fns := d.structureFns()
	d.mu.Unlock()

	notify(fns, []governor.MutationRecord{{}})
}

func (d *Document) attach(n *Node) {
	n.attached = true
	if n.video != nil {
		d.videos = append(d.videos, n.video)
	}
	for _, c := range n.children {
		d.attach(c)
	}
}

func (d *Document) detach(n *Node) {
	n.attached = false
	if n.video != nil {
		for i, v := range d.videos {
			if v == n.video {
				d.videos = append(d.videos[:i], d.videos[i+1:]...)
				break
			}
		}
		for _, o := range d.observers {
			delete(o.targets, n.video.id)
		}
	}
	for _, c := range n.children {
		d.detach(c)
	}
}

func (d *Document) structureFns() []func([]governor.MutationRecord) {
	fns := make([]func([]governor.MutationRecord), 0, len(d.structure))
	for _, fn := range d.structure {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func([]governor.MutationRecord), recs []governor.MutationRecord) {
	for _, fn := range fns {
		fn(recs)
	}
}

// Videos implements governor.Document.
func (d *Document) Videos() ([]governor.Video, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.VideosErr != nil {
		return nil, d.VideosErr
	}
	out := make([]governor.Video, len(d.videos))
	for i, v := range d.videos {
		out[i] = v
	}
	return out, nil
}

// ObserveStructure implements governor.Document.
func (d *Document) ObserveStructure(fn func([]governor.MutationRecord)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.structure[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.structure, id)
		d.mu.Unlock()
	}, nil
}

// ListenClicks implements governor.Document.
func (d *Document) ListenClicks(fn func(governor.ClickEvent)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	id := d.nextSub
	d.clicks[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.clicks, id)
		d.mu.Unlock()
	}, nil
}

// Click dispatches a click on n to every click listener.
func (d *Document) Click(n *Node) {
	d.mu.Lock()
	fns := make([]func(governor.ClickEvent), 0, len(d.clicks))
	for _, fn := range d.clicks {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(governor.ClickEvent{Target: n})
	}
}

// Closest implements governor.Element.
func (n *Node) Closest(selectors []string) (governor.Element, bool, error) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	for cur := n; cur != nil; cur = cur.parent {
		for _, s := range selectors {
			if cur.markers[s] {
				return cur, true, nil
			}
		}
	}
	return nil, false, nil
}

// FindVideo implements governor.Element.
func (n *Node) FindVideo() (governor.Video, bool, error) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	if v := n.findVideo(); v != nil {
		return v, true, nil
	}
	return nil, false, nil
}

func (n *Node) findVideo() *Video {
	if n.video != nil {
		return n.video
	}
	for _, c := range n.children {
		if v := c.findVideo(); v != nil {
			return v
		}
	}
	return nil
}

// ID implements governor.Video.
func (v *Video) ID() string { return v.id }

// Paused implements governor.Video.
func (v *Video) Paused() (bool, error) {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	if !v.node.attached {
		return false, governor.ErrDetached
	}
	return v.paused, nil
}

// Pause implements governor.Video.
func (v *Video) Pause() error {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	v.pauseCalls++
	if v.PauseErr != nil {
		return v.PauseErr
	}
	if !v.StickyPlay {
		v.paused = true
	}
	return nil
}

// Play implements governor.Video. The playing hooks fire before done.
func (v *Video) Play(done func(error)) error {
	v.doc.mu.Lock()
	v.playCalls++
	if v.PlayErr != nil {
		v.doc.mu.Unlock()
		return v.PlayErr
	}
	reject := v.PlayReject
	var hooks []func()
	if reject == nil {
		hooks = v.startLocked()
	}
	v.doc.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	if done != nil {
		done(reject)
	}
	return nil
}

// ScriptPlay starts playback the way a page script calling play() directly
// would: no click, no governor involvement.
func (v *Video) ScriptPlay() {
	v.doc.mu.Lock()
	hooks := v.startLocked()
	v.doc.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}

func (v *Video) startLocked() []func() {
	if !v.paused {
		return nil
	}
	v.paused = false
	return append([]func(){}, v.hooks...)
}

// OnPlaying implements governor.Video.
func (v *Video) OnPlaying(fn func()) error {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	if err := v.HookErr; err != nil {
		v.HookErr = nil
		return err
	}
	v.hooks = append(v.hooks, fn)
	return nil
}

// Marked implements governor.Video.
func (v *Video) Marked(flag string) bool {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	return v.flags[flag]
}

// Mark implements governor.Video.
func (v *Video) Mark(flag string) error {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	v.flags[flag] = true
	return nil
}

// PauseCalls returns how many times Pause was invoked.
func (v *Video) PauseCalls() int {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	return v.pauseCalls
}

// PlayCalls returns how many times Play was invoked.
func (v *Video) PlayCalls() int {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	return v.playCalls
}

// HookCount returns how many playing hooks are attached.
func (v *Video) HookCount() int {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	return len(v.hooks)
}

// IsPaused reports the play state without the detached check.
func (v *Video) IsPaused() bool {
	v.doc.mu.Lock()
	defer v.doc.mu.Unlock()
	return v.paused
}

// visibilityObserver is one viewport subscription.
type visibilityObserver struct {
	doc       *Document
	threshold float64
	fn        func([]governor.VisibilityEntry)
	targets   map[string]*Video
	observes  map[string]int
	visible   map[string]bool
}

var errForeignVideo = errors.New("memhost: video from another host")

// ObserveVisibility implements governor.Document.
func (d *Document) ObserveVisibility(threshold float64, fn func([]governor.VisibilityEntry)) (governor.VisibilityObserver, error) {
	o := &visibilityObserver{
		doc:       d,
		threshold: threshold,
		fn:        fn,
		targets:   make(map[string]*Video),
		observes:  make(map[string]int),
		visible:   make(map[string]bool),
	}
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
	return o, nil
}

func (o *visibilityObserver) Observe(gv governor.Video) error {
	v, ok := gv.(*Video)
	if !ok || v.doc != o.doc {
		return errForeignVideo
	}
	o.doc.mu.Lock()
	defer o.doc.mu.Unlock()
	if err := v.ObserveErr; err != nil {
		v.ObserveErr = nil
		return err
	}
	o.targets[v.id] = v
	o.observes[v.id]++
	return nil
}

func (o *visibilityObserver) Disconnect() {
	o.doc.mu.Lock()
	defer o.doc.mu.Unlock()
	for i, cur := range o.doc.observers {
		if cur == o {
			o.doc.observers = append(o.doc.observers[:i], o.doc.observers[i+1:]...)
			break
		}
	}
	o.targets = make(map[string]*Video)
	o.visible = make(map[string]bool)
}

// Scroll reports that ratio of v is now inside the viewport. Observers
// deliver an entry only when v crosses their threshold in either direction.
// A newly observed video starts out of view.
func (d *Document) Scroll(v *Video, ratio float64) {
	type delivery struct {
		fn    func([]governor.VisibilityEntry)
		entry governor.VisibilityEntry
	}
	var out []delivery

	d.mu.Lock()
	for _, o := range d.observers {
		if _, ok := o.targets[v.id]; !ok {
			continue
		}
		visible := ratio >= o.threshold
		if visible == o.visible[v.id] {
			continue
		}
		o.visible[v.id] = visible
		out = append(out, delivery{o.fn, governor.VisibilityEntry{
			Video:   v,
			Visible: visible,
			Ratio:   ratio,
		}})
	}
	d.mu.Unlock()

	for _, dl := range out {
		dl.fn([]governor.VisibilityEntry{dl.entry})
	}
}

// ObserveCount returns how many times v was registered with a viewport
// observer.
func (d *Document) ObserveCount(v *Video) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.observers {
		n += o.observes[v.id]
	}
	return n
}
