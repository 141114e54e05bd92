package authn

import (
	"strconv"
	"sync"
	"time"

	"github.com/opsdeck/pushgate/pkg/metrics"
)

// RateLimiter tracks authentication attempts per user and per source address
// with independent sliding windows. A denied attempt never consumes budget,
// so an attacker cannot amplify a lockout, while retry-until-allowed still
// hits the same full window.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	maxUser  int
	maxIP    int
	attempts map[string][]time.Time

	now func() time.Time // test hook
}

func NewRateLimiter(window time.Duration, maxPerUser, maxPerIP int) *RateLimiter {
	return &RateLimiter{
		window:   window,
		maxUser:  maxPerUser,
		maxIP:    maxPerIP,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// CheckUserRateLimit reports whether userID may attempt now, recording the
// attempt when allowed.
func (r *RateLimiter) CheckUserRateLimit(userID int64) bool {
	allowed := r.check("user:"+strconv.FormatInt(userID, 10), r.maxUser)
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues("user").Inc()
	}
	return allowed
}

// CheckIPRateLimit reports whether addr may attempt now, recording the
// attempt when allowed.
func (r *RateLimiter) CheckIPRateLimit(addr string) bool {
	allowed := r.check("ip:"+addr, r.maxIP)
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues("ip").Inc()
	}
	return allowed
}

func (r *RateLimiter) check(key string, ceiling int) bool {
	if ceiling <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	kept := r.attempts[key][:0]
	for _, ts := range r.attempts[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= ceiling {
		r.attempts[key] = kept
		return false
	}
	r.attempts[key] = append(kept, now)
	return true
}

// CleanupOldData purges subjects whose attempts are all older than twice the
// window. It bounds memory and is scheduled periodically; correctness does
// not depend on it because check prunes lazily.
func (r *RateLimiter) CleanupOldData() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-2 * r.window)
	for key, stamps := range r.attempts {
		stale := true
		for _, ts := range stamps {
			if ts.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(r.attempts, key)
		}
	}
}

// Subjects returns the number of tracked subject keys.
func (r *RateLimiter) Subjects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}
