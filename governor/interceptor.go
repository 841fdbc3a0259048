package governor

// DefaultInterceptorFlag is the attribute set on a video once its playing
// hook is attached.
const DefaultInterceptorFlag = "data-playguard-hooked"

// Interceptor hooks each video's native "playing" transition and reverses
// any playback that was not started through a container click. It catches
// autoplay started by the page's own scripts.
type Interceptor struct {
	flag   string
	intent *IntentTracker
	guard  *Guard
	post   func(func())
	emit   func(Event)
}

// Attach installs the playing hook on v once. The flag lives on the element
// itself, so a second governor in the same document would also skip it. The
// flag is only set once the hook is in place; a failed attach is retried by
// the next scan.
func (i *Interceptor) Attach(v Video) {
	if v.Marked(i.flag) {
		return
	}
	err := v.OnPlaying(func() {
		i.post(func() { i.onPlaying(v) })
	})
	if err != nil {
		i.emit(Event{Kind: KindPrimitiveError, VideoID: v.ID(), Source: "interceptor", Detail: "hook: " + err.Error()})
		return
	}
	if err := v.Mark(i.flag); err != nil {
		i.emit(Event{Kind: KindPrimitiveError, VideoID: v.ID(), Source: "interceptor", Detail: "mark: " + err.Error()})
	}
}

func (i *Interceptor) onPlaying(v Video) {
	if i.intent.IsGranted(v) {
		return
	}
	i.emit(Event{Kind: KindIntercepted, VideoID: v.ID(), Source: "interceptor"})
	i.guard.pause(v, "interceptor")
}
