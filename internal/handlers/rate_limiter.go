package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// shopRateLimiter is a fixed-window counter keyed by shop domain. Webhook
// bursts from a single store cannot starve deliveries from other tenants.
type shopRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*countWindow
}

type countWindow struct {
	startedAt time.Time
	count     int
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &shopRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]*countWindow),
	}
}

func (l *shopRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(strings.ToLower(key)); key == "" {
		key = "unknown"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startedAt) >= l.window {
		l.dropStaleLocked(now)
		l.windows[key] = &countWindow{startedAt: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// dropStaleLocked evicts windows that have rolled over, bounding the map to
// shops seen within the current window.
func (l *shopRateLimiter) dropStaleLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.startedAt) >= l.window {
			delete(l.windows, key)
		}
	}
}
