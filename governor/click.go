package governor

// DefaultContainerSelectors mark the player containers whose clicks count as
// playback intent.
var DefaultContainerSelectors = []string{
	`[data-testid="videoPlayer"]`,
	`[data-testid="videoComponent"]`,
}

// ClickDelegator turns clicks inside a player container into playback
// intent for the contained video.
type ClickDelegator struct {
	selectors   []string
	intent      *IntentTracker
	interceptor *Interceptor
	post        func(func())
	emit        func(Event)
}

func (c *ClickDelegator) onClick(ev ClickEvent) {
	if ev.Target == nil {
		return
	}
	container, ok, err := ev.Target.Closest(c.selectors)
	if err != nil {
		c.emit(Event{Kind: KindPrimitiveError, Source: "click", Detail: "closest: " + err.Error()})
		return
	}
	if !ok {
		return
	}
	v, ok, err := container.FindVideo()
	if err != nil {
		c.emit(Event{Kind: KindPrimitiveError, Source: "click", Detail: "find video: " + err.Error()})
		return
	}
	if !ok {
		return
	}

	c.interceptor.Attach(v)
	if c.intent.Grant(v) {
		c.emit(Event{Kind: KindIntentGranted, VideoID: v.ID(), Source: "click"})
	}

	// Intent stays granted whatever the outcome of Play.
	err = v.Play(func(err error) {
		if err == nil {
			return
		}
		c.post(func() {
			c.emit(Event{Kind: KindPlayRejected, VideoID: v.ID(), Source: "click", Detail: err.Error()})
		})
	})
	if err != nil {
		c.emit(Event{Kind: KindPrimitiveError, VideoID: v.ID(), Source: "click", Detail: "play: " + err.Error()})
		return
	}
	c.emit(Event{Kind: KindPlayIssued, VideoID: v.ID(), Source: "click"})
}
