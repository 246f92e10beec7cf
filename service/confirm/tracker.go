package confirm

// tracker forwards updates to an Observer while keeping the observed sequence
// monotonic: nothing after a terminal update, nothing that ranks below the last one.
type tracker struct {
	observe Observer
	last    Status
	started bool
}

func newTracker(observe Observer) *tracker {
	return &tracker{observe: observe}
}

// emit forwards u and reports whether it was delivered.
func (t *tracker) emit(u StatusUpdate) bool {
	if t.started && (t.last.Terminal() || u.Status.rank() < t.last.rank()) {
		return false
	}
	t.started = true
	t.last = u.Status
	if t.observe != nil {
		t.observe(u)
	}
	return true
}
