package notify

import (
	"strconv"
	"sync"
	"time"
)

// Throttle is the recipient-side admission check: it stops one noisy producer
// from starving a user's channel by capping messages per (user, category)
// within a window. Critical-priority messages bypass it; critical alerts must
// never be silently dropped.
type Throttle struct {
	mu      sync.Mutex
	window  time.Duration
	ceiling int
	counts  map[string][]time.Time

	now func() time.Time // test hook
}

func NewThrottle(window time.Duration, ceiling int) *Throttle {
	return &Throttle{
		window:  window,
		ceiling: ceiling,
		counts:  make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether a message of the given category and priority may be
// delivered to userID now.
func (t *Throttle) Allow(userID int64, category Category, priority Priority) bool {
	if priority == PriorityCritical {
		return true
	}
	if t.ceiling <= 0 {
		return false
	}
	key := strconv.FormatInt(userID, 10) + ":" + string(category)

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	cutoff := now.Add(-t.window)
	kept := t.counts[key][:0]
	for _, ts := range t.counts[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= t.ceiling {
		t.counts[key] = kept
		return false
	}
	t.counts[key] = append(kept, now)
	return true
}

// Sweep drops entries older than twice the window to bound memory.
func (t *Throttle) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-2 * t.window)
	for key, stamps := range t.counts {
		stale := true
		for _, ts := range stamps {
			if ts.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(t.counts, key)
		}
	}
}
