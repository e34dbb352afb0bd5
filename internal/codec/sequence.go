package codec

// SequenceTracker detects gaps in the server's "seq" numbering.
// Frames are never reordered or dropped; gaps are only reported.
// Not safe for concurrent use.
type SequenceTracker struct {
	last    int64
	started bool
}

// Observe records seq and returns whether frames were missed before it.
func (t *SequenceTracker) Observe(seq int64) (gap bool, size int) {
	if !t.started {
		t.started = true
		t.last = seq
		return false, 0
	}

	// A lower or repeated seq means the server restarted its numbering.
	if seq <= t.last {
		t.last = seq
		return false, 0
	}

	if seq != t.last+1 {
		size = int(seq - t.last - 1)
		t.last = seq
		return true, size
	}

	t.last = seq
	return false, 0
}

// Last returns the last observed sequence number.
func (t *SequenceTracker) Last() (int64, bool) {
	return t.last, t.started
}

// Reset forgets the last sequence number. Called for each new session.
func (t *SequenceTracker) Reset() {
	t.last = 0
	t.started = false
}
