package governor

import "fmt"

// Scanner enumerates the videos present in the document and brings new ones
// under control. Videos it has already registered are skipped entirely; the
// visibility monitor and the interceptor keep watching those.
type Scanner struct {
	doc         Document
	monitor     *VisibilityMonitor
	interceptor *Interceptor
	guard       *Guard
	emit        func(Event)
}

// ScanAll takes a snapshot of the document's videos and returns how many
// were newly registered.
func (s *Scanner) ScanAll() int {
	videos, err := s.doc.Videos()
	if err != nil {
		s.emit(Event{Kind: KindEnumerateError, Source: "scan", Detail: err.Error()})
		return 0
	}

	added := 0
	for _, v := range videos {
		s.interceptor.Attach(v)
		if !s.monitor.Register(v) {
			continue
		}
		added++
		s.guard.Enforce(v, Conservative, "scan")
	}
	s.emit(Event{Kind: KindScan, Source: "scan", Detail: fmt.Sprintf("%d videos, %d new", len(videos), added)})
	return added
}
