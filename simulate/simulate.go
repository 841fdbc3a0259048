// Package simulate replays a scripted feed against an in-memory document
// governed by a real Governor. Time is simulated: waits advance a fake
// clock from timer to timer, so a run is deterministic and instantaneous.
package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/playguard/governor"
	"github.com/hazyhaar/playguard/memhost"
)

// Scenario is a scripted session.
type Scenario struct {
	Name     string   `yaml:"name"`
	Governor Settings `yaml:"governor"`
	Steps    []Step   `yaml:"steps"`
}

// Settings tune the simulated governor. Zero values take its defaults.
type Settings struct {
	VisibilityThreshold float64         `yaml:"visibility_threshold"`
	RecheckDelay        time.Duration   `yaml:"recheck_delay"`
	DebounceWindow      time.Duration   `yaml:"debounce_window"`
	StartupScans        []time.Duration `yaml:"startup_scans"`
	ContainerSelectors  []string        `yaml:"container_selectors"`
}

// Step is one action. Exactly one action field is set.
type Step struct {
	// Insert appends a new video named Insert to the body, wrapped in a
	// player container when Container is set. Autoplay starts it the way
	// a page script would right after insertion.
	Insert    string `yaml:"insert"`
	Container bool   `yaml:"container"`
	Autoplay  bool   `yaml:"autoplay"`

	Remove     string  `yaml:"remove"`
	Scroll     string  `yaml:"scroll"`
	Ratio      float64 `yaml:"ratio"`
	Click      string  `yaml:"click"`
	ScriptPlay string  `yaml:"script_play"`
	// RejectPlay makes the next play requests of the video fail the way
	// an autoplay policy does.
	RejectPlay string `yaml:"reject_play"`
	// Sticky makes pause requests of the video silently ineffective.
	Sticky string        `yaml:"sticky"`
	Touch  bool          `yaml:"touch"`
	Wait   time.Duration `yaml:"wait"`
}

func (s Step) action() (string, error) {
	var set []string
	add := func(ok bool, name string) {
		if ok {
			set = append(set, name)
		}
	}
	add(s.Insert != "", "insert")
	add(s.Remove != "", "remove")
	add(s.Scroll != "", "scroll")
	add(s.Click != "", "click")
	add(s.ScriptPlay != "", "script_play")
	add(s.RejectPlay != "", "reject_play")
	add(s.Sticky != "", "sticky")
	add(s.Touch, "touch")
	add(s.Wait > 0, "wait")
	if len(set) != 1 {
		return "", fmt.Errorf("want exactly one action, got %v", set)
	}
	return set[0], nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("simulate: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("simulate: parse: %w", err)
	}
	for i, st := range sc.Steps {
		if _, err := st.action(); err != nil {
			return nil, fmt.Errorf("simulate: step %d: %w", i+1, err)
		}
	}
	return &sc, nil
}

// Result summarises a run.
type Result struct {
	Scenario string         `json:"scenario"`
	Elapsed  time.Duration  `json:"elapsed"`
	Events   int            `json:"events"`
	Stats    governor.Stats `json:"stats"`
	// Playing lists the videos playing when the run ended.
	Playing []string `json:"playing"`
}

var errUnknownVideo = errors.New("simulate: unknown video")

type run struct {
	sc     *Scenario
	doc    *memhost.Document
	clock  *stepClock
	gov    *governor.Governor
	videos map[string]*memhost.Video
	names  map[string]string // video id -> scenario name
	marker string

	mu     sync.Mutex
	enc    *json.Encoder
	events int
	encErr error
}

// Run replays sc and writes every governor event to w as a JSON line.
func Run(ctx context.Context, sc *Scenario, w io.Writer, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &run{
		sc:     sc,
		doc:    memhost.New(),
		clock:  newStepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		videos: make(map[string]*memhost.Video),
		names:  make(map[string]string),
		enc:    json.NewEncoder(w),
	}
	r.marker = governor.DefaultContainerSelectors[0]
	if len(sc.Governor.ContainerSelectors) > 0 {
		r.marker = sc.Governor.ContainerSelectors[0]
	}

	name := sc.Name
	if name == "" {
		name = "simulation"
	}
	r.gov = governor.New(r.doc, governor.Config{
		Session:             name,
		VisibilityThreshold: sc.Governor.VisibilityThreshold,
		RecheckDelay:        sc.Governor.RecheckDelay,
		DebounceWindow:      sc.Governor.DebounceWindow,
		StartupScans:        sc.Governor.StartupScans,
		ContainerSelectors:  sc.Governor.ContainerSelectors,
		Clock:               r.clock,
		Logger:              logger,
		Recorder:            governor.RecorderFunc(r.record),
	})
	start := r.clock.Now()
	if err := r.gov.Start(ctx); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	defer r.gov.Stop()

	for i, st := range sc.Steps {
		if err := r.step(ctx, st); err != nil {
			return nil, fmt.Errorf("simulate: step %d: %w", i+1, err)
		}
		if err := r.settle(ctx); err != nil {
			return nil, fmt.Errorf("simulate: step %d: %w", i+1, err)
		}
	}

	res := &Result{
		Scenario: name,
		Elapsed:  r.clock.Since(start),
		Stats:    r.gov.Stats(),
		Playing:  []string{},
	}
	for _, st := range sc.Steps {
		if v, ok := r.videos[st.Insert]; ok && !v.IsPaused() {
			res.Playing = append(res.Playing, st.Insert)
		}
	}
	r.mu.Lock()
	res.Events = r.events
	encErr := r.encErr
	r.mu.Unlock()
	if encErr != nil {
		return nil, fmt.Errorf("simulate: write event: %w", encErr)
	}
	return res, nil
}

// record runs on the governor loop.
func (r *run) record(e governor.Event) {
	if name, ok := r.names[e.VideoID]; ok {
		e.VideoID = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
	if r.encErr == nil {
		r.encErr = r.enc.Encode(e)
	}
}

func (r *run) video(name string) (*memhost.Video, error) {
	v, ok := r.videos[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownVideo, name)
	}
	return v, nil
}

func (r *run) step(ctx context.Context, st Step) error {
	action, err := st.action()
	if err != nil {
		return err
	}

	switch action {
	case "insert":
		if _, dup := r.videos[st.Insert]; dup {
			return fmt.Errorf("video %q inserted twice", st.Insert)
		}
		v := r.doc.NewVideo()
		r.videos[st.Insert] = v
		r.names[v.ID()] = st.Insert
		node := v.Node()
		if st.Container {
			c := r.doc.NewElement(r.marker)
			r.doc.Append(c, node)
			node = c
		}
		r.doc.Append(r.doc.Body(), node)
		if st.Autoplay {
			v.ScriptPlay()
		}

	case "remove":
		v, err := r.video(st.Remove)
		if err != nil {
			return err
		}
		r.doc.Remove(v.Node())

	case "scroll":
		v, err := r.video(st.Scroll)
		if err != nil {
			return err
		}
		r.doc.Scroll(v, st.Ratio)

	case "click":
		v, err := r.video(st.Click)
		if err != nil {
			return err
		}
		r.doc.Click(v.Node())

	case "script_play":
		v, err := r.video(st.ScriptPlay)
		if err != nil {
			return err
		}
		v.ScriptPlay()

	case "reject_play":
		v, err := r.video(st.RejectPlay)
		if err != nil {
			return err
		}
		v.PlayReject = errors.New("NotAllowedError")

	case "sticky":
		v, err := r.video(st.Sticky)
		if err != nil {
			return err
		}
		v.StickyPlay = true

	case "touch":
		r.doc.TouchAttributes()

	case "wait":
		return r.wait(ctx, st.Wait)
	}
	return nil
}

// wait advances simulated time by d, firing due timers in deadline order
// and letting the governor drain after each.
func (r *run) wait(ctx context.Context, d time.Duration) error {
	target := r.clock.Now().Add(d)
	for {
		if err := r.settle(ctx); err != nil {
			return err
		}
		next, ok := r.clock.next()
		if !ok || next.After(target) {
			break
		}
		r.clock.advanceTo(next)
	}
	r.clock.advanceTo(target)
	return r.settle(ctx)
}

// settle runs the loop until the tasks posted by the previous tasks ran
// too. Play completions are the deepest chain: click, then play result.
func (r *run) settle(ctx context.Context) error {
	for i := 0; i < 2; i++ {
		if err := r.gov.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}
