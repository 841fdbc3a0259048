package governor

// MutationWatcher turns structural changes of the document body into
// debounced scan requests. Attribute-only or text-only batches are ignored.
type MutationWatcher struct {
	debounce *debouncer
}

func (w *MutationWatcher) onRecords(records []MutationRecord) {
	for _, r := range records {
		if r.Structural() {
			w.debounce.trigger()
			return
		}
	}
}
