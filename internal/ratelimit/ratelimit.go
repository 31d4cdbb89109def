package ratelimit

import (
	"sync"
	"time"
)

// IPLimiter caps how many connection attempts one address may make within a
// sliding window.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max attempts per window. A
// non-positive max disables limiting.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow records an attempt from ip and reports whether it is within the
// limit. Denied attempts are not recorded.
func (l *IPLimiter) Allow(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := prune(l.entries[ip], now.Add(-l.window))
	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}
	l.entries[ip] = append(valid, now)
	return true
}

// Sweep forgets addresses with no attempt inside the window, so one-off
// visitors do not accumulate.
func (l *IPLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for ip, ts := range l.entries {
		if valid := prune(ts, cutoff); len(valid) == 0 {
			delete(l.entries, ip)
		} else {
			l.entries[ip] = valid
		}
	}
}

// Tracked returns the number of addresses currently remembered.
func (l *IPLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	valid := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
