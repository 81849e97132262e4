package analyzer

import (
	"sync"
	"time"
)

// ActivityTracker records busy observations for one session and derives how
// long the agent has been idle. This is deliberately a separate tracker from
// the 2s-TTL busy signal used to defer sends: the on-idle conditional rule
// wants "idle since the last busy→idle transition", not "not busy right now".
type ActivityTracker struct {
	mu           sync.Mutex
	busy         bool
	lastBusySeen time.Time
	idleSince    time.Time
	now          func() time.Time
}

// NewActivityTracker creates a tracker that starts in the idle state.
func NewActivityTracker() *ActivityTracker {
	now := time.Now()
	return &ActivityTracker{
		idleSince: now,
		now:       time.Now,
	}
}

// Observe records a busy-signal sample.
func (t *ActivityTracker) Observe(busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if busy {
		t.busy = true
		t.lastBusySeen = now
		return
	}
	if t.busy {
		// busy → idle transition
		t.busy = false
		t.idleSince = now
	}
}

// IdleFor returns how long the session has been idle, or zero when busy.
func (t *ActivityTracker) IdleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return 0
	}
	return t.now().Sub(t.idleSince)
}

// LastBusySeen returns the time busy was last observed.
func (t *ActivityTracker) LastBusySeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBusySeen
}

// SetClock replaces the time source. Test hook.
func (t *ActivityTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}
