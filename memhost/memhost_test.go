package memhost

import (
	"errors"
	"testing"

	"github.com/hazyhaar/playguard/governor"
)

func TestDocument_TreeAndVideos(t *testing.T) {
	d := New()
	var records []governor.MutationRecord
	cancel, _ := d.ObserveStructure(func(r []governor.MutationRecord) { records = append(records, r...) })

	c := d.NewElement(`[data-testid="videoPlayer"]`)
	v := d.NewVideo()
	d.Append(c, v.Node())
	if vs, _ := d.Videos(); len(vs) != 0 {
		t.Fatalf("detached subtree listed: got %d videos", len(vs))
	}
	d.Append(d.Body(), c)
	if vs, _ := d.Videos(); len(vs) != 1 || vs[0].ID() != v.ID() {
		t.Fatalf("Videos: got %v", vs)
	}

	d.Remove(c)
	if vs, _ := d.Videos(); len(vs) != 0 {
		t.Fatalf("removed video listed")
	}
	if _, err := v.Paused(); !errors.Is(err, governor.ErrDetached) {
		t.Fatalf("Paused on detached: got %v, want ErrDetached", err)
	}

	d.TouchAttributes()
	cancel()
	d.TouchAttributes()
	if len(records) != 4 {
		t.Fatalf("records: got %d, want 4", len(records))
	}
	if records[3].Structural() {
		t.Fatal("attribute record reported as structural")
	}
}

func TestNode_ClosestAndFindVideo(t *testing.T) {
	d := New()
	c := d.NewElement(".player")
	inner := d.NewElement()
	v := d.NewVideo()
	d.Append(c, inner)
	d.Append(inner, v.Node())
	d.Append(d.Body(), c)

	el, ok, err := v.Node().Closest([]string{".other", ".player"})
	if err != nil || !ok || el != governor.Element(c) {
		t.Fatalf("Closest: got %v %v %v", el, ok, err)
	}
	got, ok, _ := el.FindVideo()
	if !ok || got.ID() != v.ID() {
		t.Fatalf("FindVideo: got %v %v", got, ok)
	}
	if _, ok, _ := d.Body().Closest([]string{".player"}); ok {
		t.Fatal("body matched a container selector")
	}
}

func TestVideo_PlayPause(t *testing.T) {
	d := New()
	v := d.NewVideo()
	d.Append(d.Body(), v.Node())
	hooks := 0
	v.OnPlaying(func() { hooks++ })

	var playErr error
	if err := v.Play(func(err error) { playErr = err }); err != nil || playErr != nil {
		t.Fatalf("Play: %v / %v", err, playErr)
	}
	if v.IsPaused() || hooks != 1 {
		t.Fatalf("after Play: paused=%v hooks=%d", v.IsPaused(), hooks)
	}

	v.StickyPlay = true
	v.Pause()
	if v.IsPaused() {
		t.Fatal("sticky video paused")
	}
	v.StickyPlay = false
	v.Pause()
	if !v.IsPaused() || v.PauseCalls() != 2 {
		t.Fatalf("Pause: paused=%v calls=%d", v.IsPaused(), v.PauseCalls())
	}

	v.PlayReject = errors.New("NotAllowedError")
	v.Play(func(err error) { playErr = err })
	if playErr == nil || !v.IsPaused() {
		t.Fatalf("rejected play: err=%v paused=%v", playErr, v.IsPaused())
	}

	v.ScriptPlay()
	if v.IsPaused() || hooks != 2 {
		t.Fatalf("ScriptPlay: paused=%v hooks=%d", v.IsPaused(), hooks)
	}
}

func TestVisibility_ThresholdAndDisconnect(t *testing.T) {
	d := New()
	v := d.NewVideo()
	d.Append(d.Body(), v.Node())

	var got []governor.VisibilityEntry
	o, _ := d.ObserveVisibility(0.25, func(e []governor.VisibilityEntry) { got = append(got, e...) })

	d.Scroll(v, 0.9)
	if len(got) != 0 {
		t.Fatal("unobserved video delivered")
	}
	if err := o.Observe(v); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := o.Observe(New().NewVideo()); err == nil {
		t.Fatal("Observe foreign video: got nil error")
	}
	d.Scroll(v, 0.2)
	if len(got) != 0 {
		t.Fatalf("below threshold while out of view: got %+v", got)
	}
	d.Scroll(v, 0.3)
	d.Scroll(v, 0.9)
	d.Scroll(v, 0.2)
	if len(got) != 2 || !got[0].Visible || got[1].Visible {
		t.Fatalf("entries: got %+v", got)
	}
	if d.ObserveCount(v) != 1 {
		t.Fatalf("ObserveCount: got %d, want 1", d.ObserveCount(v))
	}

	o.Disconnect()
	d.Scroll(v, 1)
	if len(got) != 2 {
		t.Fatal("delivered after Disconnect")
	}
}

func TestVideo_InjectedFailuresAreOneShot(t *testing.T) {
	d := New()
	v := d.NewVideo()
	d.Append(d.Body(), v.Node())
	o, _ := d.ObserveVisibility(0.1, func([]governor.VisibilityEntry) {})

	v.ObserveErr = errors.New("cdp timeout")
	if err := o.Observe(v); err == nil {
		t.Fatal("first Observe: got nil error")
	}
	if err := o.Observe(v); err != nil {
		t.Fatalf("second Observe: %v", err)
	}
	if d.ObserveCount(v) != 1 {
		t.Fatalf("ObserveCount: got %d, want 1", d.ObserveCount(v))
	}

	v.HookErr = errors.New("cdp timeout")
	if err := v.OnPlaying(func() {}); err == nil {
		t.Fatal("first OnPlaying: got nil error")
	}
	if err := v.OnPlaying(func() {}); err != nil {
		t.Fatalf("second OnPlaying: %v", err)
	}
	if v.HookCount() != 1 {
		t.Fatalf("HookCount: got %d, want 1", v.HookCount())
	}
}
