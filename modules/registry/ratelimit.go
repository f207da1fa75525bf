package registry

import (
	"time"

	"golang.org/x/time/rate"
)

const rateWindow = time.Minute

type bucketKey struct {
	userID string
	tool   string
}

// limiter enforces both the per-(user, tool) sliding window and the
// tool-independent global token bucket. Callers hold the registry
// mutex.
type limiter struct {
	globalPerMinute int

	buckets map[bucketKey][]time.Time
	global  map[string]*rate.Limiter
}

func newLimiter(globalPerMinute int) *limiter {
	return &limiter{
		globalPerMinute: globalPerMinute,
		buckets:         map[bucketKey][]time.Time{},
		global:          map[string]*rate.Limiter{},
	}
}

// allow reports whether this invocation may proceed and records it if
// so. perToolLimit of 0 means unlimited for the sliding window; the
// global bucket always applies.
func (l *limiter) allow(userID, tool string, perToolLimit int, now time.Time) bool {
	key := bucketKey{userID: userID, tool: tool}
	window := l.pruned(key, now)

	if perToolLimit > 0 && len(window) >= perToolLimit {
		l.buckets[key] = window
		return false
	}

	g, ok := l.global[userID]
	if !ok {
		g = rate.NewLimiter(rate.Limit(float64(l.globalPerMinute)/60.0), l.globalPerMinute)
		l.global[userID] = g
	}
	if !g.AllowN(now, 1) {
		l.buckets[key] = window
		return false
	}

	l.buckets[key] = append(window, now)
	return true
}

// pruned drops bucket entries older than the window.
func (l *limiter) pruned(key bucketKey, now time.Time) []time.Time {
	window := l.buckets[key]
	cutoff := now.Add(-rateWindow)
	i := 0
	for ; i < len(window); i++ {
		if window[i].After(cutoff) {
			break
		}
	}
	return window[i:]
}
