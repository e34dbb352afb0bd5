package connection

import "time"

type timerKind int

const (
	timerRetry timerKind = iota
	timerHeartbeat
	timerStable
	numTimers
)

// timers is the set of named timers owned by a Conn's event loop. Only
// the loop goroutine touches it, so there is no locking.
type timers struct {
	t [numTimers]*time.Timer
}

// schedule arms k to fire after d, replacing any pending fire.
func (ts *timers) schedule(k timerKind, d time.Duration) {
	ts.cancel(k)
	ts.t[k] = time.NewTimer(d)
}

// cancel disarms k. A fire already delivered to the channel is discarded
// along with the timer.
func (ts *timers) cancel(k timerKind) {
	if t := ts.t[k]; t != nil {
		t.Stop()
		ts.t[k] = nil
	}
}

// C returns k's channel, or nil when k is not armed. Receiving from a nil
// channel blocks forever, so unarmed timers drop out of a select.
func (ts *timers) C(k timerKind) <-chan time.Time {
	if t := ts.t[k]; t != nil {
		return t.C
	}
	return nil
}

// fired marks k as consumed after its channel delivered.
func (ts *timers) fired(k timerKind) {
	ts.t[k] = nil
}

// stopAll disarms every timer.
func (ts *timers) stopAll() {
	for k := range ts.t {
		ts.cancel(timerKind(k))
	}
}
