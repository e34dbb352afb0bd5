package codec

import "testing"

func TestSequenceTracker(t *testing.T) {
	var tr SequenceTracker

	steps := []struct {
		seq     int64
		gap     bool
		gapSize int
	}{
		{seq: 10},
		{seq: 11},
		{seq: 12},
		{seq: 15, gap: true, gapSize: 2},
		{seq: 16},
		{seq: 3}, // numbering restarted
		{seq: 4},
	}

	for i, s := range steps {
		gap, size := tr.Observe(s.seq)
		if gap != s.gap || size != s.gapSize {
			t.Errorf("step %d seq=%d: got (%v, %d), want (%v, %d)", i, s.seq, gap, size, s.gap, s.gapSize)
		}
	}

	if last, ok := tr.Last(); !ok || last != 4 {
		t.Errorf("Last = (%d, %v), want (4, true)", last, ok)
	}

	tr.Reset()
	if _, ok := tr.Last(); ok {
		t.Error("expected tracker to be empty after Reset")
	}
	if gap, _ := tr.Observe(100); gap {
		t.Error("first seq after Reset should not report a gap")
	}
}
